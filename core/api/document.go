package api

import (
	"github.com/goccy/go-json"
)

// Identifier is the minimal reference to one resource instance.
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Linkage is the identifier-only representation of a relationship's
// target(s). A to-one linkage marshals as a single identifier or null, a
// to-many linkage always marshals as an array.
type Linkage struct {
	ToMany bool
	One    *Identifier
	Many   []Identifier
}

// ToOne creates a to-one linkage. id may be nil.
func ToOne(id *Identifier) *Linkage {
	return &Linkage{One: id}
}

// ToMany creates a to-many linkage.
func ToMany(ids []Identifier) *Linkage {
	if ids == nil {
		ids = []Identifier{}
	}
	return &Linkage{ToMany: true, Many: ids}
}

// Identifiers returns the linked identifiers as a slice, regardless of
// cardinality.
func (l *Linkage) Identifiers() []Identifier {
	if l == nil {
		return nil
	}
	if l.ToMany {
		return l.Many
	}
	if l.One == nil {
		return nil
	}
	return []Identifier{*l.One}
}

// MarshalJSON implements json.Marshaler.
func (l *Linkage) MarshalJSON() ([]byte, error) {
	if l.ToMany {
		if l.Many == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(l.Many)
	}
	if l.One == nil {
		return []byte("null"), nil
	}
	return json.Marshal(l.One)
}

// UnmarshalJSON implements json.Unmarshaler. The cardinality is inferred
// from the JSON shape.
func (l *Linkage) UnmarshalJSON(data []byte) error {
	trimmed := string(data)
	if trimmed == "null" {
		*l = Linkage{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		l.ToMany = true
		l.Many = []Identifier{}
		return json.Unmarshal(data, &l.Many)
	}
	l.One = &Identifier{}
	return json.Unmarshal(data, l.One)
}

// ResultsMeta reports collection counts.
type ResultsMeta struct {
	Available int  `json:"available"`
	Limit     int  `json:"limit"`
	Offset    *int `json:"offset,omitempty"`
	Returned  int  `json:"returned"`
}

// RelationshipMeta is the meta member of a relationship object.
type RelationshipMeta struct {
	Direction string       `json:"direction"` // "to-one" or "to-many"
	Results   *ResultsMeta `json:"results,omitempty"`
}

// RelationshipLinks carries the self and related link of a relationship.
type RelationshipLinks struct {
	Self    string `json:"self"`
	Related string `json:"related"`
}

// RelationshipObject is the serialized form of one relationship.
type RelationshipObject struct {
	Data  *Linkage           `json:"data"`
	Links *RelationshipLinks `json:"links,omitempty"`
	Meta  *RelationshipMeta  `json:"meta,omitempty"`
}

// ResourceLinks carries the self link of a resource object.
type ResourceLinks struct {
	Self string `json:"self"`
}

// Resource is the in-flight representation of one resource. It doubles as
// the serialized resource object. A Resource is owned exclusively by the
// request that created it and is never shared across requests.
type Resource struct {
	Type          string                         `json:"type"`
	ID            string                         `json:"id,omitempty"`
	Attributes    map[string]interface{}         `json:"attributes,omitempty"`
	Relationships map[string]*RelationshipObject `json:"relationships,omitempty"`
	Links         *ResourceLinks                 `json:"links,omitempty"`
}

// Identifier returns the minimal reference to this resource.
func (r *Resource) Identifier() Identifier {
	return Identifier{Type: r.Type, ID: r.ID}
}

// Linkage returns the linkage of the named relationship, or nil when the
// relationship is absent from the document.
func (r *Resource) Linkage(name string) *Linkage {
	rel, ok := r.Relationships[name]
	if !ok || rel == nil {
		return nil
	}
	return rel.Data
}

// PrimaryData is the top-level data member: one resource, a list of
// resources, or raw linkage.
type PrimaryData struct {
	Many      bool
	One       *Resource
	Resources []*Resource
	Linkage   *Linkage
}

// MarshalJSON implements json.Marshaler.
func (p *PrimaryData) MarshalJSON() ([]byte, error) {
	if p.Linkage != nil {
		return json.Marshal(p.Linkage)
	}
	if p.Many {
		if p.Resources == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(p.Resources)
	}
	if p.One == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p.One)
}

// DocumentLinks carries top-level links. Pagination links are present only
// on collection responses, the related link only on relationship responses.
type DocumentLinks struct {
	Self    string `json:"self,omitempty"`
	Related string `json:"related,omitempty"`
	First   string `json:"first,omitempty"`
	Last    string `json:"last,omitempty"`
	Next    string `json:"next,omitempty"`
	Prev    string `json:"prev,omitempty"`
}

// DocumentMeta carries top-level meta. Direction is set on relationship
// responses only.
type DocumentMeta struct {
	Direction string                 `json:"direction,omitempty"`
	Results   *ResultsMeta           `json:"results,omitempty"`
	Rejected  map[string]interface{} `json:"rejected,omitempty"`
}

// Document is a complete response body.
type Document struct {
	Data     *PrimaryData   `json:"data"`
	Included []*Resource    `json:"included,omitempty"`
	Links    *DocumentLinks `json:"links,omitempty"`
	Meta     *DocumentMeta  `json:"meta,omitempty"`
}

// RequestDocument is the decoded body of a write request.
type RequestDocument struct {
	Data json.RawMessage `json:"data"`
}

// DecodeResource decodes the data member as a single resource object.
func (d *RequestDocument) DecodeResource() (*Resource, *Error) {
	var res Resource
	if len(d.Data) == 0 {
		return nil, Errorf(KindMalformedRequest, "missing data member").WithPointer("/data")
	}
	if err := json.Unmarshal(d.Data, &res); err != nil {
		return nil, Errorf(KindMalformedRequest, "invalid resource object: %s", err).WithPointer("/data")
	}
	if res.Type == "" {
		return nil, Errorf(KindMalformedRequest, "resource object without type").WithPointer("/data/type")
	}
	return &res, nil
}

// DecodeLinkage decodes the data member as relationship linkage.
func (d *RequestDocument) DecodeLinkage() (*Linkage, *Error) {
	var l Linkage
	if len(d.Data) == 0 {
		return nil, Errorf(KindMalformedRequest, "missing data member").WithPointer("/data")
	}
	if err := json.Unmarshal(d.Data, &l); err != nil {
		return nil, Errorf(KindMalformedRequest, "invalid linkage: %s", err).WithPointer("/data")
	}
	return &l, nil
}
