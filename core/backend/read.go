package backend

import (
	"context"

	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/pipeline"
	"github.com/colinhiggs/japi/core/query"
)

// reader is the store surface the read handlers use. Both the store and an
// open transaction satisfy it.
type reader interface {
	List(ctx context.Context, rt *model.ResourceType, plan *query.Plan) ([]*api.Resource, int, *api.Error)
	Get(ctx context.Context, rt *model.ResourceType, id string) (*api.Resource, int64, *api.Error)
	Related(ctx context.Context, rt *model.ResourceType, id string, rel *model.Relationship, plan *query.Plan) ([]*api.Resource, int, *api.Error)
	ToOneLinkage(ctx context.Context, rt *model.ResourceType, id string, rel *model.Relationship) (*api.Identifier, *api.Error)
	ToManyLinkage(ctx context.Context, rt *model.ResourceType, id string, rel *model.Relationship, limit, offset int) ([]api.Identifier, int, *api.Error)
	Exists(ctx context.Context, rt *model.ResourceType, id string) (bool, *api.Error)
}

func (b *Backend) executeList(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	if !access.EvaluateList(ctx, b.evaluator, state.rt.Name, pipeline.StageExecute) {
		return api.Errorf(api.KindForbidden, "no permission to list %s", state.rt.Name)
	}

	resources, available, err := b.store.List(ctx, state.rt, c.Plan)
	if err != nil {
		return err
	}
	if err := b.fillLinkage(ctx, b.store, state.rt, resources); err != nil {
		return err
	}
	state.primary = resources
	state.available = available
	return b.fetchIncluded(ctx, b.store, c, state.rt, resources)
}

func (b *Backend) executeGet(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	res, revision, err := b.store.Get(ctx, state.rt, state.id)
	if err != nil {
		return err
	}
	if err := b.fillLinkage(ctx, b.store, state.rt, []*api.Resource{res}); err != nil {
		return err
	}
	state.primary = []*api.Resource{res}
	state.one = true
	state.revision = revision
	return b.fetchIncluded(ctx, b.store, c, state.rt, state.primary)
}

func (b *Backend) executeRelated(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()

	exists, err := b.store.Exists(ctx, state.rt, state.id)
	if err != nil {
		return err
	}
	if !exists {
		return api.Errorf(api.KindNotFound, "no such resource")
	}
	if state.rel.ToMany &&
		!access.EvaluateList(ctx, b.evaluator, state.rel.Target.Name, pipeline.StageExecute) {
		return api.Errorf(api.KindForbidden, "no permission to list %s", state.rel.Target.Name)
	}

	resources, available, err := b.store.Related(ctx, state.rt, state.id, state.rel, c.Plan)
	if err != nil {
		return err
	}
	if err := b.fillLinkage(ctx, b.store, state.rel.Target, resources); err != nil {
		return err
	}
	if state.rel.ToMany {
		state.primary = resources
		state.available = available
	} else {
		state.one = true
		if len(resources) > 0 {
			state.primary = resources[:1]
		}
	}
	return b.fetchIncluded(ctx, b.store, c, state.rel.Target, resources)
}

// fillLinkage adds the to-many relationship objects of each resource. The
// store fills to-one linkage from the foreign keys already; to-many linkage
// needs its own reads and is capped per relationship.
func (b *Backend) fillLinkage(ctx context.Context, store reader,
	rt *model.ResourceType, resources []*api.Resource) *api.Error {

	for _, res := range resources {
		for _, rel := range rt.Relationships() {
			if !rel.ToMany {
				continue
			}
			identifiers, available, err := store.ToManyLinkage(ctx, rt, res.ID, rel,
				b.settings.LinkagePageLimit, 0)
			if err != nil {
				return err
			}
			res.Relationships[rel.Name] = &api.RelationshipObject{
				Data: api.ToMany(identifiers),
				Meta: &api.RelationshipMeta{
					Results: &api.ResultsMeta{
						Available: available,
						Limit:     b.settings.LinkagePageLimit,
						Returned:  len(identifiers),
					},
				},
			}
		}
	}
	return nil
}

// fetchIncluded resolves the include parameter one level deep. Inclusion
// failures for single vanished identifiers are skipped, not fatal: linkage
// and resource reads are not one snapshot.
func (b *Backend) fetchIncluded(ctx context.Context, store reader, c *pipeline.Context,
	rt *model.ResourceType, primary []*api.Resource) *api.Error {

	if len(c.Include) == 0 {
		return nil
	}
	state := stateOf(c)
	seen := map[api.Identifier]bool{}

	for _, name := range c.Include {
		rel, ok := rt.Relationship(name)
		if !ok {
			return api.Errorf(api.KindMalformedRequest, "bad include path %q", name).
				WithParameter("include")
		}
		for _, res := range primary {
			for _, linked := range res.Linkage(name).Identifiers() {
				if seen[linked] {
					continue
				}
				seen[linked] = true
				included, _, err := store.Get(ctx, rel.Target, linked.ID)
				if err != nil {
					if err.Kind == api.KindNotFound {
						continue
					}
					return err
				}
				if err := b.fillLinkage(ctx, store, rel.Target, []*api.Resource{included}); err != nil {
					return err
				}
				state.included = append(state.included, included)
			}
		}
	}
	return nil
}

// cascadeRead applies the read cascade to the primary and included
// resources: full evaluation per resource, cheap evaluation per linked
// identifier, recursion into included.
func (b *Backend) cascadeRead(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	ctx := c.Request.Context()
	stage := pipeline.StageAlterDocument

	allowedIdentifier := func(id api.Identifier) bool {
		return access.EvaluateIdentifier(ctx, b.evaluator, id, stage)
	}

	var kept []*api.Resource
	for _, res := range state.primary {
		mask, allowed := access.EvaluateGet(ctx, b.evaluator, res, stage)
		if !allowed {
			if state.one {
				return b.forbidden("no permission to read %s/%s", res.Type, res.ID)
			}
			c.Rejected.Resource(res.Identifier())
			continue
		}
		access.PruneResource(res, mask, c.Rejected)
		for name, obj := range res.Relationships {
			access.PruneLinkage(res.Identifier(), name, obj, allowedIdentifier, c.Rejected)
		}
		kept = append(kept, res)
	}
	state.primary = kept

	var included []*api.Resource
	for _, res := range state.included {
		mask, allowed := access.EvaluateGet(ctx, b.evaluator, res, stage)
		if !allowed {
			c.Rejected.Resource(res.Identifier())
			continue
		}
		access.PruneResource(res, mask, c.Rejected)
		for name, obj := range res.Relationships {
			access.PruneLinkage(res.Identifier(), name, obj, allowedIdentifier, c.Rejected)
		}
		included = append(included, res)
	}
	state.included = included
	return nil
}

// decorateLinks adds self links to all resources and self/related links
// plus the direction marker to all relationship objects.
func (b *Backend) decorateLinks(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	prefix := b.settings.LinkPrefix

	decorate := func(res *api.Resource) {
		res.Links = &api.ResourceLinks{Self: api.SelfLink(prefix, res.Type, res.ID)}
		for name, obj := range res.Relationships {
			obj.Links = api.RelationshipLinksFor(prefix, res.Type, res.ID, name)
			direction := "to-one"
			if obj.Data != nil && obj.Data.ToMany {
				direction = "to-many"
			}
			if obj.Meta == nil {
				obj.Meta = &api.RelationshipMeta{}
			}
			obj.Meta.Direction = direction
		}
	}
	for _, res := range state.primary {
		decorate(res)
	}
	for _, res := range state.included {
		decorate(res)
	}
	return nil
}

func (b *Backend) assembleCollection(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	primary := &api.PrimaryData{Many: true, Resources: state.primary}
	links := api.PaginationLinks(c.Request.URL, c.Plan.Limit, c.Plan.Offset, state.available)
	offset := c.Plan.Offset
	meta := &api.DocumentMeta{Results: &api.ResultsMeta{
		Available: state.available,
		Limit:     c.Plan.Limit,
		Offset:    &offset,
	}}
	c.Document = api.Assemble(primary, state.included, c.Fieldsets, links, meta)
	return nil
}

func (b *Backend) assembleItem(c *pipeline.Context) *api.Error {
	state := stateOf(c)
	var one *api.Resource
	if len(state.primary) > 0 {
		one = state.primary[0]
	}
	primary := &api.PrimaryData{One: one}
	var links *api.DocumentLinks
	if one != nil {
		links = &api.DocumentLinks{Self: api.SelfLink(b.settings.LinkPrefix, one.Type, one.ID)}
	}
	c.Document = api.Assemble(primary, state.included, c.Fieldsets, links, nil)
	return nil
}

func (b *Backend) assembleRelated(c *pipeline.Context) *api.Error {
	if stateOf(c).one {
		return b.assembleItem(c)
	}
	return b.assembleCollection(c)
}

// returnedCount fixes up meta.results.returned after the cascade has had
// its say.
func (b *Backend) returnedCount(c *pipeline.Context) *api.Error {
	if c.Document == nil || c.Document.Meta == nil || c.Document.Meta.Results == nil {
		return nil
	}
	if c.Document.Data != nil && c.Document.Data.Many {
		c.Document.Meta.Results.Returned = len(c.Document.Data.Resources)
	}
	return nil
}

// rejectedMeta attaches the cascade's rejection record when debug meta is
// enabled.
func (b *Backend) rejectedMeta(c *pipeline.Context) *api.Error {
	if !b.settings.DebugMeta || c.Document == nil {
		return nil
	}
	report := c.Rejected.Report()
	if report == nil {
		return nil
	}
	if c.Document.Meta == nil {
		c.Document.Meta = &api.DocumentMeta{}
	}
	c.Document.Meta.Rejected = report
	return nil
}

// decodeResourceBody is the alter_request handler of resource writes.
func (b *Backend) decodeResourceBody(c *pipeline.Context) *api.Error {
	return b.decodeBody(c, true)
}

// decodeLinkageBody is the alter_request handler of relationship writes.
func (b *Backend) decodeLinkageBody(c *pipeline.Context) *api.Error {
	return b.decodeBody(c, false)
}
