// Package model provides the resource graph: a read-only description of all
// resource types, their attributes and their relationships.
//
// The graph is built once at startup from entity definitions and is immutable
// thereafter. It is shared by all request pipelines without locking.
package model

import (
	"fmt"

	"github.com/goccy/go-json"
)

// AttributeType is the semantic type of an attribute.
type AttributeType string

// all supported attribute types
const (
	TypeString    AttributeType = "string"
	TypeInteger   AttributeType = "integer"
	TypeNumber    AttributeType = "number"
	TypeBoolean   AttributeType = "boolean"
	TypeTimestamp AttributeType = "timestamp"
)

// ColumnDefinition describes one column of an entity definition.
type ColumnDefinition struct {
	Name       string        `json:"name"`
	Type       AttributeType `json:"type"`
	Nullable   bool          `json:"nullable"`
	Invisible  bool          `json:"invisible"`
	PrimaryKey bool          `json:"primary_key"`
}

// RelationshipDefinition describes one relationship of an entity definition.
type RelationshipDefinition struct {
	Name      string `json:"name"`
	Resource  string `json:"resource"`
	ToMany    bool   `json:"to_many"`
	Reverse   string `json:"reverse"`
	Invisible bool   `json:"invisible"`
}

// Definition describes one entity: a resource type backed by one table.
type Definition struct {
	Name          string                   `json:"resource"`
	Description   string                   `json:"description"`
	Columns       []ColumnDefinition       `json:"columns"`
	Relationships []RelationshipDefinition `json:"relationships"`
}

// Configuration holds the complete set of entity definitions.
type Configuration struct {
	Resources []Definition `json:"resources"`
}

// Attribute is one attribute of a resource type.
type Attribute struct {
	Name      string
	Type      AttributeType
	Nullable  bool
	Invisible bool
}

// Relationship is one relationship of a resource type. Target is resolved
// during graph construction.
type Relationship struct {
	Name      string
	ToMany    bool
	Reverse   string
	Invisible bool
	Target    *ResourceType
}

// ReverseRelationship returns the reverse relationship on the target type,
// or nil if no reverse name is declared.
func (r *Relationship) ReverseRelationship() *Relationship {
	if r.Reverse == "" {
		return nil
	}
	return r.Target.relationships[r.Reverse]
}

// ResourceType describes one resource kind. The primary key column is
// addressed as "id" everywhere outside the store, regardless of its
// underlying name.
type ResourceType struct {
	Name          string
	IDColumn      string
	attributes    []Attribute
	attributeIdx  map[string]int
	relationships map[string]*Relationship
	relOrder      []string
}

// Attribute returns the named visible attribute. Invisible attributes are
// absent at this level, not merely denied.
func (rt *ResourceType) Attribute(name string) (Attribute, bool) {
	i, ok := rt.attributeIdx[name]
	if !ok || rt.attributes[i].Invisible {
		return Attribute{}, false
	}
	return rt.attributes[i], true
}

// Attributes returns all visible attributes in definition order.
func (rt *ResourceType) Attributes() []Attribute {
	var out []Attribute
	for _, a := range rt.attributes {
		if !a.Invisible {
			out = append(out, a)
		}
	}
	return out
}

// AllAttributes returns all attributes including invisible ones, in
// definition order. Only the store may use this.
func (rt *ResourceType) AllAttributes() []Attribute {
	return rt.attributes
}

// Relationship returns the named visible relationship.
func (rt *ResourceType) Relationship(name string) (*Relationship, bool) {
	rel, ok := rt.relationships[name]
	if !ok || rel.Invisible {
		return nil, false
	}
	return rel, true
}

// Relationships returns all visible relationships in definition order.
func (rt *ResourceType) Relationships() []*Relationship {
	var out []*Relationship
	for _, name := range rt.relOrder {
		if rel := rt.relationships[name]; !rel.Invisible {
			out = append(out, rel)
		}
	}
	return out
}

// AllRelationships returns all relationships including invisible ones.
// Only the store may use this.
func (rt *ResourceType) AllRelationships() []*Relationship {
	out := make([]*Relationship, 0, len(rt.relOrder))
	for _, name := range rt.relOrder {
		out = append(out, rt.relationships[name])
	}
	return out
}

// Graph is the resource graph. Read-only after construction.
type Graph struct {
	types map[string]*ResourceType
	order []string
}

// Resolve returns the resource type with the given collection name.
func (g *Graph) Resolve(name string) (*ResourceType, bool) {
	rt, ok := g.types[name]
	return rt, ok
}

// Types returns all resource types in definition order.
func (g *Graph) Types() []*ResourceType {
	out := make([]*ResourceType, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.types[name])
	}
	return out
}

// NewGraphFromJSON builds a graph from a JSON configuration string.
func NewGraphFromJSON(config string) (*Graph, error) {
	var c Configuration
	if err := json.Unmarshal([]byte(config), &c); err != nil {
		return nil, fmt.Errorf("parse error in resource configuration: %w", err)
	}
	return NewGraph(c.Resources)
}

// NewGraph builds and validates the resource graph. All failure modes are
// startup failures, never per-request ones.
func NewGraph(defs []Definition) (*Graph, error) {
	g := &Graph{types: make(map[string]*ResourceType)}

	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("resource definition without a name")
		}
		if _, ok := g.types[def.Name]; ok {
			return nil, fmt.Errorf("duplicate resource %q", def.Name)
		}
		rt := &ResourceType{
			Name:          def.Name,
			attributeIdx:  make(map[string]int),
			relationships: make(map[string]*Relationship),
		}
		for _, col := range def.Columns {
			if col.PrimaryKey {
				if rt.IDColumn != "" {
					return nil, fmt.Errorf("resource %q: ambiguous primary key (%q and %q)",
						def.Name, rt.IDColumn, col.Name)
				}
				rt.IDColumn = col.Name
				continue
			}
			if col.Name == "id" || col.Name == "type" {
				return nil, fmt.Errorf("resource %q: attribute name %q is reserved", def.Name, col.Name)
			}
			if _, ok := rt.attributeIdx[col.Name]; ok {
				return nil, fmt.Errorf("resource %q: duplicate attribute %q", def.Name, col.Name)
			}
			switch col.Type {
			case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeTimestamp:
			default:
				return nil, fmt.Errorf("resource %q: attribute %q has unknown type %q",
					def.Name, col.Name, col.Type)
			}
			rt.attributeIdx[col.Name] = len(rt.attributes)
			rt.attributes = append(rt.attributes, Attribute{
				Name:      col.Name,
				Type:      col.Type,
				Nullable:  col.Nullable,
				Invisible: col.Invisible,
			})
		}
		if rt.IDColumn == "" {
			return nil, fmt.Errorf("resource %q: no primary key column", def.Name)
		}
		g.types[def.Name] = rt
		g.order = append(g.order, def.Name)
	}

	// second pass: resolve relationship targets
	for _, def := range defs {
		rt := g.types[def.Name]
		for _, rd := range def.Relationships {
			if _, ok := rt.relationships[rd.Name]; ok {
				return nil, fmt.Errorf("resource %q: duplicate relationship %q", def.Name, rd.Name)
			}
			if _, ok := rt.attributeIdx[rd.Name]; ok {
				return nil, fmt.Errorf("resource %q: relationship %q collides with an attribute",
					def.Name, rd.Name)
			}
			target, ok := g.types[rd.Resource]
			if !ok {
				return nil, fmt.Errorf("resource %q: relationship %q targets unknown resource %q",
					def.Name, rd.Name, rd.Resource)
			}
			rt.relationships[rd.Name] = &Relationship{
				Name:      rd.Name,
				ToMany:    rd.ToMany,
				Reverse:   rd.Reverse,
				Invisible: rd.Invisible,
				Target:    target,
			}
			rt.relOrder = append(rt.relOrder, rd.Name)
		}
	}

	// third pass: reverse relationships must be symmetric
	for _, rt := range g.types {
		for _, rel := range rt.relationships {
			if rel.Reverse == "" {
				continue
			}
			reverse, ok := rel.Target.relationships[rel.Reverse]
			if !ok {
				return nil, fmt.Errorf("resource %q: relationship %q declares reverse %q which does not exist on %q",
					rt.Name, rel.Name, rel.Reverse, rel.Target.Name)
			}
			if reverse.Target != rt {
				return nil, fmt.Errorf("resource %q: reverse of relationship %q must target %q, targets %q",
					rt.Name, rel.Name, rt.Name, reverse.Target.Name)
			}
			if reverse.Reverse != "" && reverse.Reverse != rel.Name {
				return nil, fmt.Errorf("resource %q: relationship %q and reverse %q on %q do not agree",
					rt.Name, rel.Name, rel.Reverse, rel.Target.Name)
			}
		}
	}

	return g, nil
}
