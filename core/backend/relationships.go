package backend

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/pipeline"
)

func (b *Backend) executeRelationshipGet(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	exists, err := b.store.Exists(ctx, state.rt, state.id)
	if err != nil {
		return err
	}
	if !exists {
		return api.Errorf(api.KindNotFound, "no such resource")
	}

	if state.rel.ToMany {
		identifiers, available, err := b.store.ToManyLinkage(ctx, state.rt, state.id,
			state.rel, c.Plan.Limit, c.Plan.Offset)
		if err != nil {
			return err
		}
		offset := c.Plan.Offset
		state.linkage = api.ToMany(identifiers)
		state.linkageMeta = &api.ResultsMeta{
			Available: available,
			Limit:     c.Plan.Limit,
			Offset:    &offset,
			Returned:  len(identifiers),
		}
		return nil
	}

	identifier, err := b.store.ToOneLinkage(ctx, state.rt, state.id, state.rel)
	if err != nil {
		return err
	}
	state.linkage = api.ToOne(identifier)
	return nil
}

// cascadeLinkage prunes linkage identifiers the caller may not see. A
// pruned to-one linkage reads as empty, same as an unset one.
func (b *Backend) cascadeLinkage(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()
	stage := pipeline.StageAlterDocument

	allowed := func(id api.Identifier) bool {
		return access.EvaluateIdentifier(ctx, b.evaluator, id, stage)
	}
	owner := api.Identifier{Type: state.rt.Name, ID: state.id}

	if state.linkage.ToMany {
		kept := state.linkage.Many[:0]
		for _, linked := range state.linkage.Many {
			if allowed(linked) {
				kept = append(kept, linked)
				continue
			}
			c.Rejected.Identifier(owner, state.rel.Name)
		}
		state.linkage.Many = kept
		if state.linkageMeta != nil {
			state.linkageMeta.Returned = len(kept)
		}
		return nil
	}
	if state.linkage.One != nil && !allowed(*state.linkage.One) {
		c.Rejected.Identifier(owner, state.rel.Name)
		state.linkage.One = nil
	}
	return nil
}

func (b *Backend) assembleRelationship(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	prefix := b.settings.LinkPrefix

	relLinks := api.RelationshipLinksFor(prefix, state.rt.Name, state.id, state.rel.Name)
	direction := "to-one"
	if state.rel.ToMany {
		direction = "to-many"
	}
	c.Document = &api.Document{
		Data:  &api.PrimaryData{Linkage: state.linkage},
		Links: &api.DocumentLinks{Self: relLinks.Self, Related: relLinks.Related},
		Meta:  &api.DocumentMeta{Direction: direction, Results: state.linkageMeta},
	}
	return nil
}

// executeRelationshipWrite returns the execute handler of one relationship
// write verb. PATCH replaces the linkage; POST adds members and DELETE
// removes members, both valid only on to-many relationships.
func (b *Backend) executeRelationshipWrite(method string) pipeline.Handler {
	return func(c *pipeline.Context) *api.Error {
		state := stateOf(c)
		ctx := c.Request.Context()

		linkage, err := c.RequestDocument.DecodeLinkage()
		if err != nil {
			return err
		}
		if method != http.MethodPatch && !state.rel.ToMany {
			return api.Errorf(api.KindMalformedRequest,
				"%s is a to-one relationship, use PATCH", state.rel.Name)
		}
		if linkage.ToMany != state.rel.ToMany {
			return api.Errorf(api.KindMalformedRequest,
				"wrong cardinality for relationship %q", state.rel.Name).
				WithPointer("/data")
		}
		identifiers := linkage.Identifiers()
		for _, linked := range identifiers {
			if linked.Type != state.rel.Target.Name {
				return api.Errorf(api.KindConflict,
					"relationship %q takes %q, not %q",
					state.rel.Name, state.rel.Target.Name, linked.Type).
					WithPointer("/data")
			}
		}

		tx, err := b.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		exists, err := tx.Exists(ctx, state.rt, state.id)
		if err != nil {
			return err
		}
		if !exists {
			return api.Errorf(api.KindNotFound, "no such resource")
		}

		src := api.Identifier{Type: state.rt.Name, ID: state.id}
		changed := false
		switch method {
		case http.MethodPatch:
			changed, err = b.replaceLinkage(ctx, tx, state.rt, state.id, state.rel, identifiers)
			if err != nil {
				return err
			}
		case http.MethodPost:
			added, err := b.missingLinks(ctx, tx, c, identifiers)
			if err != nil {
				return err
			}
			if len(added) > 0 {
				if err := access.EvaluateLinkageChange(ctx, b.evaluator, state.rel,
					src, added, nil, pipeline.StageExecute); err != nil {
					return err
				}
				if err := tx.AddLinks(ctx, state.rt, state.id, state.rel,
					identifierIDs(added)); err != nil {
					return err
				}
				changed = true
			}
		case http.MethodDelete:
			removed, err := b.presentLinks(ctx, tx, c, identifiers)
			if err != nil {
				return err
			}
			if len(removed) > 0 {
				if err := access.EvaluateLinkageChange(ctx, b.evaluator, state.rel,
					src, nil, removed, pipeline.StageExecute); err != nil {
					return err
				}
				if err := tx.RemoveLinks(ctx, state.rt, state.id, state.rel,
					identifierIDs(removed)); err != nil {
					return err
				}
				changed = true
			}
		}

		if changed {
			if err := tx.Touch(ctx, state.rt, state.id); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		c.Status = http.StatusNoContent
		if changed {
			state.operation = core.OperationUpdate
			state.payload, _ = json.MarshalWithOption(src, json.DisableHTMLEscape())
			b.notify(state)
		}
		return nil
	}
}

// missingLinks filters the sought identifiers down to the ones not linked
// yet.
func (b *Backend) missingLinks(ctx context.Context, store reader, c *pipeline.Context,
	sought []api.Identifier) ([]api.Identifier, *api.Error) {

	current, err := b.currentLinks(ctx, store, c)
	if err != nil {
		return nil, err
	}
	var missing []api.Identifier
	for _, linked := range sought {
		if !current[linked] {
			missing = append(missing, linked)
		}
	}
	return missing, nil
}

// presentLinks filters the sought identifiers down to the ones actually
// linked.
func (b *Backend) presentLinks(ctx context.Context, store reader, c *pipeline.Context,
	sought []api.Identifier) ([]api.Identifier, *api.Error) {

	current, err := b.currentLinks(ctx, store, c)
	if err != nil {
		return nil, err
	}
	var present []api.Identifier
	for _, linked := range sought {
		if current[linked] {
			present = append(present, linked)
		}
	}
	return present, nil
}

func (b *Backend) currentLinks(ctx context.Context, store reader,
	c *pipeline.Context) (map[api.Identifier]bool, *api.Error) {

	state := stateOf(c)
	linked, _, err := store.ToManyLinkage(ctx, state.rt, state.id, state.rel, 0, 0)
	if err != nil {
		return nil, err
	}
	current := map[api.Identifier]bool{}
	for _, identifier := range linked {
		current[identifier] = true
	}
	return current, nil
}
