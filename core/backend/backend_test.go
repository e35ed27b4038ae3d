package backend

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/pipeline"
	"github.com/colinhiggs/japi/core/query"
)

func testGraph(t *testing.T) *model.Graph {
	t.Helper()
	graph, err := model.NewGraph([]model.Definition{
		{
			Name: "posts",
			Columns: []model.ColumnDefinition{
				{Name: "post_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "title", Type: model.TypeString},
				{Name: "secret", Type: model.TypeString, Nullable: true},
			},
			Relationships: []model.RelationshipDefinition{
				{Name: "author", Resource: "people", Reverse: "posts"},
				{Name: "comments", Resource: "comments", ToMany: true},
			},
		},
		{
			Name: "people",
			Columns: []model.ColumnDefinition{
				{Name: "person_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "name", Type: model.TypeString},
			},
			Relationships: []model.RelationshipDefinition{
				{Name: "posts", Resource: "posts", ToMany: true, Reverse: "author"},
			},
		},
		{
			Name: "comments",
			Columns: []model.ColumnDefinition{
				{Name: "comment_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "body", Type: model.TypeString},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return graph
}

func testBackend(t *testing.T, ev access.Evaluator, settings Settings) *Backend {
	t.Helper()
	if ev == nil {
		ev = access.AllowAllEvaluator()
	}
	return &Backend{
		graph:     testGraph(t),
		evaluator: ev,
		settings:  settings.withDefaults(),
	}
}

func testContext(t *testing.T, b *Backend, target string, typ string) *pipeline.Context {
	t.Helper()
	rt, ok := b.graph.Resolve(typ)
	if !ok {
		t.Fatalf("no resource type %s", typ)
	}
	c := &pipeline.Context{
		Request:      httptest.NewRequest("GET", target, nil),
		ResourceType: rt,
		Plan:         &query.Plan{Limit: 10},
		Rejected:     access.NewRejected(),
	}
	c.Set(stateKey, &requestState{rt: rt})
	return c
}

func TestNegotiate(t *testing.T) {
	c := &pipeline.Context{Request: httptest.NewRequest("GET", "/posts", nil)}
	if err := negotiate(c); err != nil {
		t.Fatalf("plain GET rejected: %s", err)
	}

	c.Request.Header.Set("Accept", "text/html")
	err := negotiate(c)
	if err == nil || err.Kind != api.KindNotAcceptable {
		t.Fatalf("want not acceptable, got %v", err)
	}

	c.Request.Header.Set("Accept", "text/html, application/*")
	if err := negotiate(c); err != nil {
		t.Fatalf("application/* rejected: %s", err)
	}

	post := &pipeline.Context{Request: httptest.NewRequest("POST", "/posts", nil)}
	post.Request.Header.Set("Content-Type", "application/json")
	err = negotiate(post)
	if err == nil || err.Kind != api.KindUnsupportedMedia {
		t.Fatalf("want unsupported media, got %v", err)
	}

	post.Request.Header.Set("Content-Type", ContentType+"; charset=utf-8")
	err = negotiate(post)
	if err == nil || err.Kind != api.KindUnsupportedMedia {
		t.Fatalf("want unsupported media for parameterized type, got %v", err)
	}

	post.Request.Header.Set("Content-Type", ContentType)
	if err := negotiate(post); err != nil {
		t.Fatalf("bare vendor type rejected: %s", err)
	}

	post.Request.Header.Set("Accept", ContentType+"; version=2")
	err = negotiate(post)
	if err == nil || err.Kind != api.KindNotAcceptable {
		t.Fatalf("want not acceptable for parameterized accept, got %v", err)
	}

	post.Request.Header.Set("Accept", ContentType+"; version=2, "+ContentType)
	if err := negotiate(post); err != nil {
		t.Fatalf("bare vendor entry alongside parameterized rejected: %s", err)
	}
}

func TestCheckBodyIdentity(t *testing.T) {
	graph := testGraph(t)
	rt, _ := graph.Resolve("posts")

	if err := checkBodyIdentity(rt, &api.Resource{Type: "people"}, ""); err == nil || err.Kind != api.KindConflict {
		t.Fatalf("want type conflict, got %v", err)
	}
	if err := checkBodyIdentity(rt, &api.Resource{Type: "posts", ID: "a"}, "b"); err == nil || err.Kind != api.KindConflict {
		t.Fatalf("want id conflict, got %v", err)
	}
	if err := checkBodyIdentity(rt, &api.Resource{Type: "posts", ID: "a"}, "a"); err != nil {
		t.Fatalf("matching identity rejected: %s", err)
	}
	if err := checkBodyIdentity(rt, &api.Resource{Type: "posts"}, "a"); err != nil {
		t.Fatalf("body without id rejected: %s", err)
	}
}

func TestBodyLinkage(t *testing.T) {
	graph := testGraph(t)
	rt, _ := graph.Resolve("posts")

	res := &api.Resource{Type: "posts", Relationships: map[string]*api.RelationshipObject{
		"bogus": {Data: api.ToOne(nil)},
	}}
	if _, err := bodyLinkage(rt, res); err == nil || err.Kind != api.KindMalformedRequest {
		t.Fatalf("want malformed for unknown relationship, got %v", err)
	}

	res.Relationships = map[string]*api.RelationshipObject{
		"author": {Data: api.ToMany(nil)},
	}
	if _, err := bodyLinkage(rt, res); err == nil || err.Kind != api.KindMalformedRequest {
		t.Fatalf("want malformed for wrong cardinality, got %v", err)
	}

	res.Relationships = map[string]*api.RelationshipObject{
		"author": {Data: api.ToOne(&api.Identifier{Type: "comments", ID: "1"})},
	}
	if _, err := bodyLinkage(rt, res); err == nil || err.Kind != api.KindConflict {
		t.Fatalf("want conflict for wrong target type, got %v", err)
	}

	res.Relationships = map[string]*api.RelationshipObject{
		"author":   {Data: api.ToOne(&api.Identifier{Type: "people", ID: "1"})},
		"comments": {Data: api.ToMany([]api.Identifier{{Type: "comments", ID: "2"}})},
	}
	changes, err := bodyLinkage(rt, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Fatalf("want 2 changes, got %d", len(changes))
	}
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	if s.DefaultPageLimit != 10 || s.MaxPageLimit != 100 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.LinkagePageLimit != s.MaxPageLimit {
		t.Fatal("linkage limit should fall back to max page limit")
	}
	if s.WriteIsolation != sql.LevelSerializable {
		t.Fatalf("want serializable writes by default, got %v", s.WriteIsolation)
	}
	s = Settings{DefaultPageLimit: 5, MaxPageLimit: 50, LinkagePageLimit: 7}.withDefaults()
	if s.DefaultPageLimit != 5 || s.MaxPageLimit != 50 || s.LinkagePageLimit != 7 {
		t.Fatalf("explicit settings overridden: %+v", s)
	}
}

func testPost(id string) *api.Resource {
	return &api.Resource{
		Type:       "posts",
		ID:         id,
		Attributes: map[string]interface{}{"title": "t", "secret": "s"},
		Relationships: map[string]*api.RelationshipObject{
			"author": {Data: api.ToOne(&api.Identifier{Type: "people", ID: "p1"})},
			"comments": {Data: api.ToMany([]api.Identifier{
				{Type: "comments", ID: "c1"}, {Type: "comments", ID: "c2"},
			})},
		},
	}
}

func TestCascadeReadCollection(t *testing.T) {
	// deny posts/2 entirely, the secret attribute, and comment c2
	ev := access.EvaluatorFunc(func(ctx context.Context, target access.Target,
		op core.Operation, prior access.Mask, stage string) access.Mask {
		switch target.Kind {
		case access.TargetResource:
			if target.Resource.ID == "2" {
				return access.Deny()
			}
			return access.Allow([]string{"title"}, []string{"author", "comments"})
		case access.TargetIdentifier:
			if target.Identifier.ID == "c2" {
				return access.Deny()
			}
		}
		return access.AllowAll()
	})
	b := testBackend(t, ev, Settings{DebugMeta: true})
	c := testContext(t, b, "/posts", "posts")
	state := stateOf(c)
	state.primary = []*api.Resource{testPost("1"), testPost("2")}

	if err := b.cascadeRead(c); err != nil {
		t.Fatal(err)
	}
	if len(state.primary) != 1 || state.primary[0].ID != "1" {
		t.Fatalf("denied member not dropped: %+v", state.primary)
	}
	kept := state.primary[0]
	if _, ok := kept.Attributes["secret"]; ok {
		t.Fatal("denied attribute not pruned")
	}
	if got := len(kept.Relationships["comments"].Data.Many); got != 1 {
		t.Fatalf("denied identifier not pruned, %d left", got)
	}

	report := c.Rejected.Report()
	if report == nil {
		t.Fatal("no rejection report")
	}
	if _, ok := report["resources"]; !ok {
		t.Fatal("dropped resource not recorded")
	}
}

func TestCascadeReadItemDenied(t *testing.T) {
	deny := access.EvaluatorFunc(func(ctx context.Context, target access.Target,
		op core.Operation, prior access.Mask, stage string) access.Mask {
		return access.Deny()
	})

	b := testBackend(t, deny, Settings{})
	c := testContext(t, b, "/posts/1", "posts")
	state := stateOf(c)
	state.primary = []*api.Resource{testPost("1")}
	state.one = true

	err := b.cascadeRead(c)
	if err == nil || err.Kind != api.KindForbidden {
		t.Fatalf("want forbidden, got %v", err)
	}

	b = testBackend(t, deny, Settings{DeniedAsNotFound: true})
	c = testContext(t, b, "/posts/1", "posts")
	state = stateOf(c)
	state.primary = []*api.Resource{testPost("1")}
	state.one = true

	err = b.cascadeRead(c)
	if err == nil || err.Kind != api.KindNotFound {
		t.Fatalf("want not found under hidden policy, got %v", err)
	}
}

func TestCollectionListGate(t *testing.T) {
	var ops []core.Operation
	denyList := access.EvaluatorFunc(func(ctx context.Context, target access.Target,
		op core.Operation, prior access.Mask, stage string) access.Mask {
		ops = append(ops, op)
		if op == core.OperationList {
			return access.Deny()
		}
		return prior
	})

	// the gate fires before any store access
	b := testBackend(t, denyList, Settings{})
	c := testContext(t, b, "/posts", "posts")
	err := b.executeList(c)
	if err == nil || err.Kind != api.KindForbidden {
		t.Fatalf("want forbidden, got %v", err)
	}
	if len(ops) != 1 || ops[0] != core.OperationList {
		t.Fatalf("want a single list evaluation, got %v", ops)
	}

	if !access.EvaluateList(context.Background(), access.AllowAllEvaluator(),
		"posts", pipeline.StageExecute) {
		t.Fatal("allow-all evaluator must grant list")
	}
}

func TestDecorateLinks(t *testing.T) {
	b := testBackend(t, nil, Settings{LinkPrefix: "/api"})
	c := testContext(t, b, "/posts", "posts")
	state := stateOf(c)
	state.primary = []*api.Resource{testPost("1")}

	if err := b.decorateLinks(c); err != nil {
		t.Fatal(err)
	}
	res := state.primary[0]
	if res.Links == nil || res.Links.Self != "/api/posts/1" {
		t.Fatalf("bad self link: %+v", res.Links)
	}
	author := res.Relationships["author"]
	if author.Links.Self != "/api/posts/1/relationships/author" {
		t.Fatalf("bad relationship self link: %s", author.Links.Self)
	}
	if author.Links.Related != "/api/posts/1/author" {
		t.Fatalf("bad related link: %s", author.Links.Related)
	}
	if author.Meta.Direction != "to-one" {
		t.Fatalf("bad direction: %s", author.Meta.Direction)
	}
	if res.Relationships["comments"].Meta.Direction != "to-many" {
		t.Fatal("to-many direction missing")
	}
}

func TestAssembleCollection(t *testing.T) {
	b := testBackend(t, nil, Settings{})
	c := testContext(t, b, "/posts?page[limit]=10", "posts")
	state := stateOf(c)
	state.primary = []*api.Resource{testPost("1"), testPost("2")}
	state.available = 42

	if err := b.assembleCollection(c); err != nil {
		t.Fatal(err)
	}
	if err := b.returnedCount(c); err != nil {
		t.Fatal(err)
	}
	doc := c.Document
	if doc.Data == nil || !doc.Data.Many || len(doc.Data.Resources) != 2 {
		t.Fatalf("bad primary data: %+v", doc.Data)
	}
	results := doc.Meta.Results
	if results.Available != 42 || results.Returned != 2 || results.Limit != 10 {
		t.Fatalf("bad results meta: %+v", results)
	}
	if doc.Links == nil || doc.Links.Next == "" {
		t.Fatal("missing pagination links")
	}
}

func TestAssembleItem(t *testing.T) {
	b := testBackend(t, nil, Settings{LinkPrefix: "/api"})
	c := testContext(t, b, "/posts/1", "posts")
	state := stateOf(c)
	state.primary = []*api.Resource{testPost("1")}
	state.one = true

	if err := b.assembleItem(c); err != nil {
		t.Fatal(err)
	}
	doc := c.Document
	if doc.Data.Many || doc.Data.One == nil || doc.Data.One.ID != "1" {
		t.Fatalf("bad primary data: %+v", doc.Data)
	}
	if doc.Links.Self != "/api/posts/1" {
		t.Fatalf("bad self link: %s", doc.Links.Self)
	}
}

func TestRejectedMeta(t *testing.T) {
	b := testBackend(t, nil, Settings{})
	c := testContext(t, b, "/posts", "posts")
	c.Document = &api.Document{}
	c.Rejected.Resource(api.Identifier{Type: "posts", ID: "9"})

	if err := b.rejectedMeta(c); err != nil {
		t.Fatal(err)
	}
	if c.Document.Meta != nil {
		t.Fatal("debug meta off, rejected block still added")
	}

	b = testBackend(t, nil, Settings{DebugMeta: true})
	if err := b.rejectedMeta(c); err != nil {
		t.Fatal(err)
	}
	if c.Document.Meta == nil || c.Document.Meta.Rejected == nil {
		t.Fatal("rejected block missing with debug meta on")
	}
}

func TestCascadeLinkage(t *testing.T) {
	ev := access.EvaluatorFunc(func(ctx context.Context, target access.Target,
		op core.Operation, prior access.Mask, stage string) access.Mask {
		if target.Kind == access.TargetIdentifier && target.Identifier.ID == "c2" {
			return access.Deny()
		}
		return access.AllowAll()
	})
	b := testBackend(t, ev, Settings{})
	c := testContext(t, b, "/posts/1/relationships/comments", "posts")
	state := stateOf(c)
	state.id = "1"
	state.rel, _ = state.rt.Relationship("comments")
	state.linkage = api.ToMany([]api.Identifier{
		{Type: "comments", ID: "c1"}, {Type: "comments", ID: "c2"},
	})
	state.linkageMeta = &api.ResultsMeta{Available: 2, Returned: 2}

	if err := b.cascadeLinkage(c); err != nil {
		t.Fatal(err)
	}
	if len(state.linkage.Many) != 1 || state.linkage.Many[0].ID != "c1" {
		t.Fatalf("denied identifier not pruned: %+v", state.linkage.Many)
	}
	if state.linkageMeta.Returned != 1 {
		t.Fatalf("returned count not adjusted: %d", state.linkageMeta.Returned)
	}
}

func TestAssembleRelationship(t *testing.T) {
	b := testBackend(t, nil, Settings{LinkPrefix: "/api"})
	c := testContext(t, b, "/posts/1/relationships/author", "posts")
	state := stateOf(c)
	state.id = "1"
	state.rel, _ = state.rt.Relationship("author")
	state.linkage = api.ToOne(&api.Identifier{Type: "people", ID: "p1"})

	if err := b.assembleRelationship(c); err != nil {
		t.Fatal(err)
	}
	doc := c.Document
	if doc.Data.Linkage == nil || doc.Data.Linkage.One.ID != "p1" {
		t.Fatalf("bad linkage: %+v", doc.Data)
	}
	if doc.Links.Self != "/api/posts/1/relationships/author" {
		t.Fatalf("bad self link: %s", doc.Links.Self)
	}
	if doc.Links.Related != "/api/posts/1/author" {
		t.Fatalf("bad related link: %s", doc.Links.Related)
	}
	if doc.Meta.Direction != "to-one" {
		t.Fatalf("bad direction: %s", doc.Meta.Direction)
	}
}

func TestPipelineCustomization(t *testing.T) {
	b := testBackend(t, nil, Settings{})
	b.builders = map[pipelineKey]*pipeline.Builder{}
	b.frozen = map[pipelineKey]*pipeline.Pipeline{}
	b.register(pipelineKey{"posts", EndpointCollection, "GET"}, func(p *pipeline.Builder) {})

	called := false
	b.Pipeline("posts", EndpointCollection, "GET").
		Append(pipeline.StageAlterDocument, func(c *pipeline.Context) *api.Error {
			called = true
			return nil
		})
	b.Finalize()

	c := testContext(t, b, "/posts", "posts")
	if err := b.pipelineFor(pipelineKey{"posts", EndpointCollection, "GET"}).Run(c); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("appended handler not run")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("pipeline access after finalize should panic")
		}
	}()
	b.Pipeline("posts", EndpointCollection, "GET")
}