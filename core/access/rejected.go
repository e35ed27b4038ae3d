package access

import (
	"sort"
	"sync"

	"github.com/colinhiggs/japi/core/api"
)

// Rejected accumulates what the cascade removed from a response, keyed by
// "type/id". It only ever feeds the optional debug meta block and never
// changes response semantics.
type Rejected struct {
	mutex         sync.Mutex
	resources     []string
	attributes    map[string][]string
	relationships map[string][]string
	identifiers   map[string]int
}

func NewRejected() *Rejected {
	return &Rejected{
		attributes:    make(map[string][]string),
		relationships: make(map[string][]string),
		identifiers:   make(map[string]int),
	}
}

func key(id api.Identifier) string {
	return id.Type + "/" + id.ID
}

// Resource records a whole-resource denial.
func (r *Rejected) Resource(id api.Identifier) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.resources = append(r.resources, key(id))
}

// Attribute records an attribute stripped from a visible resource.
func (r *Rejected) Attribute(id api.Identifier, name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.attributes[key(id)] = append(r.attributes[key(id)], name)
}

// Relationship records a relationship stripped from a visible resource.
func (r *Rejected) Relationship(id api.Identifier, name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.relationships[key(id)] = append(r.relationships[key(id)], name)
}

// Identifier records a linked identifier omitted from a relationship of id.
func (r *Rejected) Identifier(id api.Identifier, relationship string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.identifiers[key(id)+"."+relationship]++
}

// Report renders the record for the response meta. Nil means nothing was
// rejected.
func (r *Rejected) Report() map[string]interface{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	report := make(map[string]interface{})
	if len(r.resources) > 0 {
		sorted := append([]string(nil), r.resources...)
		sort.Strings(sorted)
		report["resources"] = sorted
	}
	if len(r.attributes) > 0 {
		report["attributes"] = copyLists(r.attributes)
	}
	if len(r.relationships) > 0 {
		report["relationships"] = copyLists(r.relationships)
	}
	if len(r.identifiers) > 0 {
		counts := make(map[string]int, len(r.identifiers))
		for k, v := range r.identifiers {
			counts[k] = v
		}
		report["identifiers"] = counts
	}
	if len(report) == 0 {
		return nil
	}
	return report
}

func copyLists(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		sorted := append([]string(nil), v...)
		sort.Strings(sorted)
		out[k] = sorted
	}
	return out
}

// PruneResource applies mask to res in place, removing denied attributes and
// relationships. Removals are recorded in rejected when it is non-nil.
func PruneResource(res *api.Resource, mask Mask, rejected *Rejected) {
	id := res.Identifier()
	for name := range res.Attributes {
		if mask.AllowsAttribute(name) {
			continue
		}
		delete(res.Attributes, name)
		if rejected != nil {
			rejected.Attribute(id, name)
		}
	}
	for name := range res.Relationships {
		if mask.AllowsRelationship(name) {
			continue
		}
		delete(res.Relationships, name)
		if rejected != nil {
			rejected.Relationship(id, name)
		}
	}
}

// PruneLinkage removes denied identifiers from a relationship object's
// linkage, adjusting the to-many result count when present. allowed decides
// per identifier; omissions are recorded against owner.relationship.
func PruneLinkage(owner api.Identifier, relationship string, obj *api.RelationshipObject,
	allowed func(api.Identifier) bool, rejected *Rejected) {

	if obj == nil || obj.Data == nil {
		return
	}
	if !obj.Data.ToMany {
		if obj.Data.One != nil && !allowed(*obj.Data.One) {
			obj.Data.One = nil
			if rejected != nil {
				rejected.Identifier(owner, relationship)
			}
		}
		return
	}
	kept := obj.Data.Many[:0]
	for _, ri := range obj.Data.Many {
		if allowed(ri) {
			kept = append(kept, ri)
			continue
		}
		if rejected != nil {
			rejected.Identifier(owner, relationship)
		}
	}
	obj.Data.Many = kept
	if obj.Meta != nil && obj.Meta.Results != nil {
		obj.Meta.Results.Returned = len(kept)
	}
}
