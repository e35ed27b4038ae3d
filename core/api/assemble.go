package api

import (
	"fmt"
	"net/url"
	"strconv"
)

// Fieldsets is the parsed form of the fields[type] query parameters: for
// each resource type, the set of field names the client asked for. A type
// without an entry keeps all visible fields.
type Fieldsets map[string]map[string]bool

// Allows reports whether the named field of the given type survives the
// sparse fieldset.
func (f Fieldsets) Allows(typ, field string) bool {
	if f == nil {
		return true
	}
	set, ok := f[typ]
	if !ok {
		return true
	}
	return set[field]
}

// Restricts reports whether the given type has an explicit fieldset.
func (f Fieldsets) Restricts(typ string) bool {
	if f == nil {
		return false
	}
	_, ok := f[typ]
	return ok
}

// applyFieldsets restricts a resource object in place.
func applyFieldsets(res *Resource, fields Fieldsets) {
	if !fields.Restricts(res.Type) {
		return
	}
	for name := range res.Attributes {
		if !fields.Allows(res.Type, name) {
			delete(res.Attributes, name)
		}
	}
	for name := range res.Relationships {
		if !fields.Allows(res.Type, name) {
			delete(res.Relationships, name)
		}
	}
}

// Assemble builds the final response document: it applies sparse fieldsets
// to primary and included resources, deduplicates included by (type, id) and
// drops included members that already appear as primary data.
func Assemble(primary *PrimaryData, included []*Resource, fields Fieldsets,
	links *DocumentLinks, meta *DocumentMeta) *Document {

	primarySet := map[Identifier]bool{}
	if primary != nil {
		if primary.Many {
			for _, res := range primary.Resources {
				applyFieldsets(res, fields)
				primarySet[res.Identifier()] = true
			}
		} else if primary.One != nil {
			applyFieldsets(primary.One, fields)
			primarySet[primary.One.Identifier()] = true
		}
	}

	var deduped []*Resource
	seen := map[Identifier]bool{}
	for _, res := range included {
		id := res.Identifier()
		if seen[id] || primarySet[id] {
			continue
		}
		seen[id] = true
		applyFieldsets(res, fields)
		deduped = append(deduped, res)
	}

	return &Document{
		Data:     primary,
		Included: deduped,
		Links:    links,
		Meta:     meta,
	}
}

// PaginationLinks computes the collection links from the request URL and the
// page geometry. The request URL's own page parameters are replaced.
func PaginationLinks(requestURL *url.URL, limit, offset, available int) *DocumentLinks {
	links := &DocumentLinks{Self: requestURL.String()}
	if limit <= 0 {
		return links
	}

	withPage := func(offset int) string {
		u := *requestURL
		q := u.Query()
		q.Set("page[limit]", strconv.Itoa(limit))
		q.Set("page[offset]", strconv.Itoa(offset))
		u.RawQuery = q.Encode()
		return u.String()
	}

	links.First = withPage(0)
	lastOffset := 0
	if available > 0 {
		lastOffset = ((available - 1) / limit) * limit
	}
	links.Last = withPage(lastOffset)
	if next := offset + limit; next < available {
		links.Next = withPage(next)
	}
	if offset > 0 {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		links.Prev = withPage(prev)
	}
	return links
}

// SelfLink returns the canonical link of one resource.
func SelfLink(prefix, typ, id string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, typ, id)
}

// RelationshipLinksFor returns the self and related links for a relationship
// of one resource.
func RelationshipLinksFor(prefix, typ, id, relationship string) *RelationshipLinks {
	self := SelfLink(prefix, typ, id)
	return &RelationshipLinks{
		Self:    self + "/relationships/" + relationship,
		Related: self + "/" + relationship,
	}
}
