package access

import (
	"context"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
)

// EvaluateGet runs the get evaluation for one full resource and returns the
// resulting mask. A false result means the whole resource is denied.
func EvaluateGet(ctx context.Context, ev Evaluator, res *api.Resource, stage string) (Mask, bool) {
	mask := ev.Evaluate(ctx, ResourceTarget(res), core.OperationGet, AllowAll(), stage)
	return mask, mask.AllowsResource()
}

// EvaluateList runs the collection-level list evaluation for one resource
// type, before any row is read. The target carries only the type; member
// visibility is decided per resource by EvaluateGet afterwards.
func EvaluateList(ctx context.Context, ev Evaluator, typeName, stage string) bool {
	mask := ev.Evaluate(ctx, ResourceTarget(&api.Resource{Type: typeName}),
		core.OperationList, AllowAll(), stage)
	return mask.AllowsResource()
}

// EvaluateIdentifier runs the representation-light get evaluation for one
// linked identifier.
func EvaluateIdentifier(ctx context.Context, ev Evaluator, id api.Identifier, stage string) bool {
	mask := ev.Evaluate(ctx, IdentifierTarget(id), core.OperationGet, AllowAll(), stage)
	return mask.AllowsResource()
}

// EvaluateLinkageChange applies the write cascade for a sought linkage
// change on src's relationship rel.
//
// Adding linkage requires create permission on the relationship and, when a
// reverse relationship is declared, create (to-many reverse) or update
// (to-one reverse) permission on the reverse. Removing linkage requires
// delete permission on the relationship and update (to-one reverse, nulled
// out) or delete (to-many reverse) permission on the reverse. Any single
// denial aborts the entire write.
func EvaluateLinkageChange(ctx context.Context, ev Evaluator, rel *model.Relationship,
	src api.Identifier, added, removed []api.Identifier, stage string) *api.Error {

	reverse := rel.ReverseRelationship()

	check := func(target Target, op core.Operation, relName string) bool {
		mask := ev.Evaluate(ctx, target, op, AllowAll(), stage)
		return mask.AllowsRelationship(relName)
	}

	for _, ri := range added {
		forward := LinkageChange{
			Source:       src,
			Relationship: rel.Name,
			Added:        []api.Identifier{ri},
		}
		if !check(LinkageTarget(forward), core.OperationCreate, rel.Name) {
			return api.Errorf(api.KindForbidden,
				"no permission to add %s/%s to %s/%s.%s", ri.Type, ri.ID, src.Type, src.ID, rel.Name)
		}
		if reverse != nil {
			op := core.OperationUpdate
			if reverse.ToMany {
				op = core.OperationCreate
			}
			mirror := LinkageChange{
				Source:       ri,
				Relationship: reverse.Name,
				Added:        []api.Identifier{src},
			}
			if !check(LinkageTarget(mirror), op, reverse.Name) {
				return api.Errorf(api.KindForbidden,
					"no permission to change %s/%s.%s", ri.Type, ri.ID, reverse.Name)
			}
		}
	}

	for _, ri := range removed {
		forward := LinkageChange{
			Source:       src,
			Relationship: rel.Name,
			Removed:      []api.Identifier{ri},
		}
		if !check(LinkageTarget(forward), core.OperationDelete, rel.Name) {
			return api.Errorf(api.KindForbidden,
				"no permission to remove %s/%s from %s/%s.%s", ri.Type, ri.ID, src.Type, src.ID, rel.Name)
		}
		if reverse != nil {
			op := core.OperationUpdate
			if reverse.ToMany {
				op = core.OperationDelete
			}
			mirror := LinkageChange{
				Source:       ri,
				Relationship: reverse.Name,
				Removed:      []api.Identifier{src},
			}
			if !check(LinkageTarget(mirror), op, reverse.Name) {
				return api.Errorf(api.KindForbidden,
					"no permission to change %s/%s.%s", ri.Type, ri.ID, reverse.Name)
			}
		}
	}

	return nil
}

// EvaluateAttributeWrite checks update permission for each changed
// attribute. With atomic false, denied attributes are dropped from the
// returned list; with atomic true any denial fails the whole request with a
// conflict.
func EvaluateAttributeWrite(ctx context.Context, ev Evaluator, res *api.Resource,
	changed []string, atomic bool, stage string) ([]string, *api.Error) {

	mask := ev.Evaluate(ctx, ResourceTarget(res), core.OperationUpdate, AllowAll(), stage)
	if !mask.AllowsResource() {
		return nil, api.Errorf(api.KindForbidden,
			"no permission to update %s/%s", res.Type, res.ID)
	}
	var allowed []string
	for _, name := range changed {
		if mask.AllowsAttribute(name) {
			allowed = append(allowed, name)
			continue
		}
		if atomic {
			return nil, api.Errorf(api.KindConflict,
				"attribute %q denied under atomic update", name).
				WithPointer("/data/attributes/" + name)
		}
	}
	return allowed, nil
}
