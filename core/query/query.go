// Package query translates filter, sort and pagination query parameters
// into a backing-store-agnostic query plan. The translator never executes a
// query.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
)

// Filter is one predicate of a plan: attribute comparison value, where the
// attribute may live one relationship hop away.
type Filter struct {
	// Relationship is non-nil when the filter path crosses one hop.
	Relationship *model.Relationship
	Attribute    model.Attribute
	Operator     *Operator
	Value        interface{}
}

// SortKey is one ordering key. Attribute "id" addresses the primary key.
type SortKey struct {
	Attribute  string
	Descending bool
}

// Plan is the store-agnostic description of one collection read: predicate
// conjunction, ordering and page geometry. A plan is built per request,
// consumed once and discarded.
type Plan struct {
	Filters []Filter
	Sort    []SortKey
	Limit   int
	Offset  int
}

// Limits configures pagination defaults. Over-limit requests are silently
// clamped to Max; this is explicit policy, not an error.
type Limits struct {
	Default int
	Max     int
}

// Translate converts the query parameters into a plan for the given resource
// type.
func Translate(values url.Values, rt *model.ResourceType, limits Limits) (*Plan, *api.Error) {
	plan := &Plan{Limit: limits.Default}

	for key, array := range values {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		spec := key[len("filter[") : len(key)-1]
		for _, raw := range array {
			f, err := parseFilter(spec, raw, rt)
			if err != nil {
				return nil, err.WithParameter(key)
			}
			plan.Filters = append(plan.Filters, *f)
		}
	}

	sort, err := parseSort(values.Get("sort"), rt)
	if err != nil {
		return nil, err.WithParameter("sort")
	}
	plan.Sort = sort

	if raw := values.Get("page[limit]"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit < 0 {
			return nil, api.Errorf(api.KindMalformedRequest,
				"page[limit] must be a non-negative integer").WithParameter("page[limit]")
		}
		plan.Limit = limit
	}
	if limits.Max > 0 && plan.Limit > limits.Max {
		plan.Limit = limits.Max
	}

	if raw := values.Get("page[offset]"); raw != "" {
		offset, convErr := strconv.Atoi(raw)
		if convErr != nil || offset < 0 {
			return nil, api.Errorf(api.KindMalformedRequest,
				"page[offset] must be a non-negative integer").WithParameter("page[offset]")
		}
		plan.Offset = offset
	}

	return plan, nil
}

func parseFilter(spec, raw string, rt *model.ResourceType) (*Filter, *api.Error) {
	path := spec
	opName := "eq"
	if i := strings.LastIndexByte(spec, ':'); i >= 0 {
		path = spec[:i]
		opName = spec[i+1:]
	}

	op, ok := lookupOperator(opName)
	if !ok {
		return nil, api.Errorf(api.KindMalformedRequest, "unknown filter operator %q", opName)
	}

	var rel *model.Relationship
	attrName := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		relName := path[:i]
		attrName = path[i+1:]
		if strings.ContainsRune(attrName, '.') {
			return nil, api.Errorf(api.KindMalformedRequest,
				"filter path %q crosses more than one relationship", path)
		}
		rel, ok = rt.Relationship(relName)
		if !ok {
			return nil, api.Errorf(api.KindMalformedRequest,
				"%s has no relationship %q", rt.Name, relName)
		}
	}

	attrType := rt
	if rel != nil {
		attrType = rel.Target
	}
	attr, ok := attrType.Attribute(attrName)
	if !ok {
		return nil, api.Errorf(api.KindMalformedRequest,
			"%s has no attribute %q", attrType.Name, attrName)
	}

	value, err := op.Transform(raw, attr.Type)
	if err != nil {
		return nil, api.Errorf(api.KindMalformedRequest, "filter value for %q: %s", path, err)
	}

	return &Filter{Relationship: rel, Attribute: attr, Operator: op, Value: value}, nil
}

func parseSort(raw string, rt *model.ResourceType) ([]SortKey, *api.Error) {
	if raw == "" {
		// default ordering: ascending by primary key
		return []SortKey{{Attribute: "id"}}, nil
	}
	var keys []SortKey
	for _, field := range strings.Split(raw, ",") {
		key := SortKey{Attribute: field}
		if strings.HasPrefix(field, "-") {
			key.Descending = true
			key.Attribute = field[1:]
		}
		if strings.ContainsRune(key.Attribute, '.') {
			return nil, api.Errorf(api.KindMalformedRequest,
				"sorting through relationships is not supported: %q", key.Attribute)
		}
		if key.Attribute != "id" {
			if _, ok := rt.Attribute(key.Attribute); !ok {
				return nil, api.Errorf(api.KindMalformedRequest,
					"%s has no attribute %q", rt.Name, key.Attribute)
			}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ParseFieldsets extracts the fields[type] parameters. Unknown types and
// unknown field names fail the request.
func ParseFieldsets(values url.Values, graph *model.Graph) (api.Fieldsets, *api.Error) {
	var fields api.Fieldsets
	for key, array := range values {
		if !strings.HasPrefix(key, "fields[") || !strings.HasSuffix(key, "]") {
			continue
		}
		typ := key[len("fields[") : len(key)-1]
		rt, ok := graph.Resolve(typ)
		if !ok {
			return nil, api.Errorf(api.KindMalformedRequest,
				"unknown resource type %q", typ).WithParameter(key)
		}
		if fields == nil {
			fields = api.Fieldsets{}
		}
		set := map[string]bool{}
		for _, raw := range array {
			for _, name := range strings.Split(raw, ",") {
				if name == "" {
					continue
				}
				_, isAttr := rt.Attribute(name)
				_, isRel := rt.Relationship(name)
				if !isAttr && !isRel {
					return nil, api.Errorf(api.KindMalformedRequest,
						"%s has no field %q", typ, name).WithParameter(key)
				}
				set[name] = true
			}
		}
		fields[typ] = set
	}
	return fields, nil
}

// ParseInclude extracts the include parameter: a comma-separated list of
// relationship names of the primary type.
func ParseInclude(values url.Values, rt *model.ResourceType) ([]string, *api.Error) {
	raw := values.Get("include")
	if raw == "" {
		return nil, nil
	}
	var include []string
	for _, name := range strings.Split(raw, ",") {
		if name == "" {
			continue
		}
		if _, ok := rt.Relationship(name); !ok {
			return nil, api.Errorf(api.KindMalformedRequest,
				"bad include path %q", name).WithParameter("include")
		}
		include = append(include, name)
	}
	return include, nil
}
