package backend

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/pipeline"
	"github.com/colinhiggs/japi/core/sqlstore"
)

// checkBodyIdentity verifies the body's type, and for item writes its id,
// against the request target.
func checkBodyIdentity(rt *model.ResourceType, res *api.Resource, id string) *api.Error {
	if res.Type != rt.Name {
		return api.Errorf(api.KindConflict,
			"resource type %q does not match endpoint type %q", res.Type, rt.Name).
			WithPointer("/data/type")
	}
	if id != "" && res.ID != "" && res.ID != id {
		return api.Errorf(api.KindConflict,
			"resource id %q does not match endpoint id %q", res.ID, id).
			WithPointer("/data/id")
	}
	return nil
}

// bodyLinkage extracts and checks the relationship changes of a write body:
// every named relationship must exist and every identifier must carry the
// target type.
func bodyLinkage(rt *model.ResourceType, res *api.Resource) (map[*model.Relationship][]api.Identifier, *api.Error) {
	changes := map[*model.Relationship][]api.Identifier{}
	for name, obj := range res.Relationships {
		rel, ok := rt.Relationship(name)
		if !ok {
			return nil, api.Errorf(api.KindMalformedRequest,
				"%s has no relationship %q", rt.Name, name).
				WithPointer("/data/relationships/" + name)
		}
		if obj == nil || (obj.Data != nil && obj.Data.ToMany != rel.ToMany) {
			return nil, api.Errorf(api.KindMalformedRequest,
				"wrong cardinality for relationship %q", name).
				WithPointer("/data/relationships/" + name)
		}
		identifiers := obj.Data.Identifiers()
		for _, linked := range identifiers {
			if linked.Type != rel.Target.Name {
				return nil, api.Errorf(api.KindConflict,
					"relationship %q takes %q, not %q", name, rel.Target.Name, linked.Type).
					WithPointer("/data/relationships/" + name)
			}
		}
		changes[rel] = identifiers
	}
	return changes, nil
}

// replaceLinkage brings one relationship of one resource to the desired
// linkage: it diffs against the current state, runs the write cascade over
// the diff and applies it.
func (b *Backend) replaceLinkage(ctx context.Context, tx *sqlstore.Tx,
	rt *model.ResourceType, id string, rel *model.Relationship,
	desired []api.Identifier) (bool, *api.Error) {

	var current []api.Identifier
	if rel.ToMany {
		linked, _, err := tx.ToManyLinkage(ctx, rt, id, rel, 0, 0)
		if err != nil {
			return false, err
		}
		current = linked
	} else {
		linked, err := tx.ToOneLinkage(ctx, rt, id, rel)
		if err != nil {
			return false, err
		}
		if linked != nil {
			current = []api.Identifier{*linked}
		}
	}

	have := map[api.Identifier]bool{}
	for _, linked := range current {
		have[linked] = true
	}
	want := map[api.Identifier]bool{}
	var added []api.Identifier
	for _, linked := range desired {
		want[linked] = true
		if !have[linked] {
			added = append(added, linked)
		}
	}
	var removed []api.Identifier
	for _, linked := range current {
		if !want[linked] {
			removed = append(removed, linked)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return false, nil
	}

	src := api.Identifier{Type: rt.Name, ID: id}
	if err := access.EvaluateLinkageChange(ctx, b.evaluator, rel, src,
		added, removed, pipeline.StageExecute); err != nil {
		return false, err
	}
	return true, b.applyLinkage(ctx, tx, rt, id, rel, desired, added, removed)
}

func (b *Backend) applyLinkage(ctx context.Context, tx *sqlstore.Tx,
	rt *model.ResourceType, id string, rel *model.Relationship,
	desired, added, removed []api.Identifier) *api.Error {

	if !rel.ToMany {
		var target *string
		if len(desired) > 0 {
			target = &desired[0].ID
		}
		return tx.SetToOne(ctx, rt, id, rel, target)
	}
	if err := tx.RemoveLinks(ctx, rt, id, rel, identifierIDs(removed)); err != nil {
		return err
	}
	return tx.AddLinks(ctx, rt, id, rel, identifierIDs(added))
}

func identifierIDs(identifiers []api.Identifier) []string {
	ids := make([]string, 0, len(identifiers))
	for _, linked := range identifiers {
		ids = append(ids, linked.ID)
	}
	return ids
}

func (b *Backend) executeCreate(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	res, err := c.RequestDocument.DecodeResource()
	if err != nil {
		return err
	}
	if err := checkBodyIdentity(state.rt, res, ""); err != nil {
		return err
	}
	changes, err := bodyLinkage(state.rt, res)
	if err != nil {
		return err
	}

	mask := b.evaluator.Evaluate(ctx, access.ResourceTarget(res),
		core.OperationCreate, access.AllowAll(), pipeline.StageExecute)
	if !mask.AllowsResource() {
		return api.Errorf(api.KindForbidden, "no permission to create %s", res.Type)
	}
	for name := range res.Attributes {
		if !mask.AllowsAttribute(name) {
			return api.Errorf(api.KindForbidden,
				"no permission to set attribute %q", name).
				WithPointer("/data/attributes/" + name)
		}
	}

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id, err := tx.Insert(ctx, state.rt, res.ID, res.Attributes)
	if err != nil {
		return err
	}
	src := api.Identifier{Type: state.rt.Name, ID: id}
	for rel, identifiers := range changes {
		if len(identifiers) == 0 {
			continue
		}
		if err := access.EvaluateLinkageChange(ctx, b.evaluator, rel, src,
			identifiers, nil, pipeline.StageExecute); err != nil {
			return err
		}
		if err := b.applyLinkage(ctx, tx, state.rt, id, rel, identifiers, identifiers, nil); err != nil {
			return err
		}
	}

	created, _, err := tx.Get(ctx, state.rt, id)
	if err != nil {
		return err
	}
	if err := b.fillLinkage(ctx, tx, state.rt, []*api.Resource{created}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	state.primary = []*api.Resource{created}
	state.one = true
	c.Status = http.StatusCreated
	c.Location = api.SelfLink(b.settings.LinkPrefix, created.Type, created.ID)

	state.operation = core.OperationCreate
	state.payload, _ = json.MarshalWithOption(created, json.DisableHTMLEscape())
	b.notify(state)
	return nil
}

func (b *Backend) executePatch(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	res, err := c.RequestDocument.DecodeResource()
	if err != nil {
		return err
	}
	if err := checkBodyIdentity(state.rt, res, state.id); err != nil {
		return err
	}
	changes, err := bodyLinkage(state.rt, res)
	if err != nil {
		return err
	}

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, _, err := tx.Get(ctx, state.rt, state.id)
	if err != nil {
		return err
	}

	changed := make([]string, 0, len(res.Attributes))
	for name := range res.Attributes {
		changed = append(changed, name)
	}
	allowed, err := access.EvaluateAttributeWrite(ctx, b.evaluator, current,
		changed, b.settings.AtomicPermissions, pipeline.StageExecute)
	if err != nil {
		return err
	}
	// values that equal the current state are no change and must not
	// bump the revision
	values := map[string]interface{}{}
	for _, name := range allowed {
		attr, ok := state.rt.Attribute(name)
		if ok && sqlstore.SameValue(attr, current.Attributes[name], res.Attributes[name]) {
			continue
		}
		values[name] = res.Attributes[name]
	}

	touched := false
	for rel, identifiers := range changes {
		linked, err := b.replaceLinkage(ctx, tx, state.rt, state.id, rel, identifiers)
		if err != nil {
			return err
		}
		touched = touched || linked
	}

	if len(values) > 0 {
		if err := tx.Update(ctx, state.rt, state.id, values); err != nil {
			return err
		}
	} else if touched {
		if err := tx.Touch(ctx, state.rt, state.id); err != nil {
			return err
		}
	}

	updated, revision, err := tx.Get(ctx, state.rt, state.id)
	if err != nil {
		return err
	}
	if err := b.fillLinkage(ctx, tx, state.rt, []*api.Resource{updated}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	state.primary = []*api.Resource{updated}
	state.one = true
	state.revision = revision

	if len(values) > 0 || touched {
		state.operation = core.OperationUpdate
		state.payload, _ = json.MarshalWithOption(updated, json.DisableHTMLEscape())
		b.notify(state)
	}
	return nil
}

func (b *Backend) executeDelete(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, _, err := tx.Get(ctx, state.rt, state.id)
	if err != nil {
		return err
	}
	mask := b.evaluator.Evaluate(ctx, access.ResourceTarget(res),
		core.OperationDelete, access.AllowAll(), pipeline.StageExecute)
	if !mask.AllowsResource() {
		return api.Errorf(api.KindForbidden, "no permission to delete %s/%s", res.Type, res.ID)
	}

	if err := tx.Delete(ctx, state.rt, state.id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	c.Status = http.StatusNoContent

	state.operation = core.OperationDelete
	state.payload, _ = json.MarshalWithOption(res.Identifier(), json.DisableHTMLEscape())
	b.notify(state)
	return nil
}
