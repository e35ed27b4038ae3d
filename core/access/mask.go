package access

// Mask is the result of a permission check. The zero value denies the whole
// resource. A mask with All set and nil sets is a plain allow; explicit sets
// restrict the named attributes and relationships.
type Mask struct {
	All           bool
	Attributes    map[string]bool // nil means all
	Relationships map[string]bool // nil means all
}

// AllowAll returns the identity mask.
func AllowAll() Mask {
	return Mask{All: true}
}

// Deny returns the all-deny mask.
func Deny() Mask {
	return Mask{}
}

// Allow returns a mask allowing the resource with explicit attribute and
// relationship sets.
func Allow(attributes, relationships []string) Mask {
	m := Mask{All: true, Attributes: map[string]bool{}, Relationships: map[string]bool{}}
	for _, a := range attributes {
		m.Attributes[a] = true
	}
	for _, r := range relationships {
		m.Relationships[r] = true
	}
	return m
}

// AllowsResource reports whether the whole resource is allowed.
func (m Mask) AllowsResource() bool {
	return m.All
}

// AllowsAttribute reports whether the named attribute is allowed.
func (m Mask) AllowsAttribute(name string) bool {
	if !m.All {
		return false
	}
	if m.Attributes == nil {
		return true
	}
	return m.Attributes[name]
}

// AllowsRelationship reports whether the named relationship is allowed.
func (m Mask) AllowsRelationship(name string) bool {
	if !m.All {
		return false
	}
	if m.Relationships == nil {
		return true
	}
	return m.Relationships[name]
}

// And combines two masks with logical AND. The combination never grants more
// than the more restrictive source.
func (m Mask) And(other Mask) Mask {
	out := Mask{All: m.All && other.All}
	if !out.All {
		return out
	}
	out.Attributes = intersect(m.Attributes, other.Attributes)
	out.Relationships = intersect(m.Relationships, other.Relationships)
	return out
}

// Or combines two masks with logical OR. It is used to merge the grants of
// several permits for the same request before the monotonic And with the
// prior mask.
func (m Mask) Or(other Mask) Mask {
	if !m.All {
		return Mask{All: other.All,
			Attributes:    copySet(other.Attributes),
			Relationships: copySet(other.Relationships)}
	}
	if !other.All {
		return Mask{All: true,
			Attributes:    copySet(m.Attributes),
			Relationships: copySet(m.Relationships)}
	}
	return Mask{All: true,
		Attributes:    union(m.Attributes, other.Attributes),
		Relationships: union(m.Relationships, other.Relationships)}
}

func union(a, b map[string]bool) map[string]bool {
	if a == nil || b == nil {
		return nil
	}
	out := make(map[string]bool, len(a)+len(b))
	for name := range a {
		out[name] = true
	}
	for name := range b {
		out[name] = true
	}
	return out
}

func intersect(a, b map[string]bool) map[string]bool {
	if a == nil {
		return copySet(b)
	}
	if b == nil {
		return copySet(a)
	}
	out := map[string]bool{}
	for name := range a {
		if b[name] {
			out[name] = true
		}
	}
	return out
}

func copySet(s map[string]bool) map[string]bool {
	if s == nil {
		return nil
	}
	out := make(map[string]bool, len(s))
	for name, ok := range s {
		if ok {
			out[name] = true
		}
	}
	return out
}
