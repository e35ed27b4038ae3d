package access

import (
	"context"
	"testing"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
)

func TestMask_And(t *testing.T) {

	full := AllowAll()
	narrow := Allow([]string{"title"}, []string{"author"})

	combined := full.And(narrow)
	if !combined.AllowsResource() {
		t.Fatal("resource denied")
	}
	if !combined.AllowsAttribute("title") || combined.AllowsAttribute("body") {
		t.Fatal("attribute intersection wrong")
	}
	if !combined.AllowsRelationship("author") || combined.AllowsRelationship("comments") {
		t.Fatal("relationship intersection wrong")
	}

	if Deny().And(full).AllowsResource() {
		t.Fatal("deny must win")
	}

	// And never widens
	narrower := Allow([]string{"body"}, nil)
	if narrow.And(narrower).AllowsAttribute("title") {
		t.Fatal("intersection widened the mask")
	}
}

func TestMask_Or(t *testing.T) {

	a := Allow([]string{"title"}, nil)
	b := Allow([]string{"body"}, []string{"author"})

	merged := a.Or(b)
	if !merged.AllowsAttribute("title") || !merged.AllowsAttribute("body") {
		t.Fatal("attribute union wrong")
	}
	if !merged.AllowsRelationship("author") {
		t.Fatal("relationship union wrong")
	}

	if !Deny().Or(a).AllowsAttribute("title") {
		t.Fatal("deny must be the Or identity")
	}
	if merged.Or(AllowAll()).Attributes != nil {
		t.Fatal("union with unrestricted mask must stay unrestricted")
	}
}

func TestChain_Monotonic(t *testing.T) {

	wide := EvaluatorFunc(func(ctx context.Context, target Target,
		op core.Operation, prior Mask, stage string) Mask {
		return AllowAll().And(prior)
	})
	narrow := EvaluatorFunc(func(ctx context.Context, target Target,
		op core.Operation, prior Mask, stage string) Mask {
		return Allow([]string{"title"}, nil).And(prior)
	})

	chain := Chain(wide, narrow, wide)
	mask := chain.Evaluate(context.Background(),
		ResourceTarget(&api.Resource{Type: "posts", ID: "1"}),
		core.OperationGet, AllowAll(), "alter_document")

	if !mask.AllowsAttribute("title") || mask.AllowsAttribute("body") {
		t.Fatal("chain did not stay monotonic")
	}
}

func TestPermitEvaluator(t *testing.T) {

	ev := NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "posts", Operations: []core.Operation{core.OperationGet}},
		{Role: "writer", Resource: "posts",
			Operations: []core.Operation{core.OperationUpdate},
			Attributes: []string{"title", "body"}},
	})

	target := ResourceTarget(&api.Resource{Type: "posts", ID: "1"})

	// no token at all
	mask := ev.Evaluate(context.Background(), target, core.OperationGet, AllowAll(), "alter_document")
	if !mask.AllowsResource() {
		t.Fatal("everybody permit not applied")
	}

	mask = ev.Evaluate(context.Background(), target, core.OperationUpdate, AllowAll(), "alter_request")
	if mask.AllowsResource() {
		t.Fatal("anonymous update allowed")
	}

	ctx := ContextWithAuthorization(context.Background(),
		&Authorization{Roles: []string{"writer"}})
	mask = ev.Evaluate(ctx, target, core.OperationUpdate, AllowAll(), "alter_request")
	if !mask.AllowsAttribute("title") || mask.AllowsAttribute("secret") {
		t.Fatal("writer permit fields wrong")
	}

	ctx = ContextWithAuthorization(context.Background(),
		&Authorization{Roles: []string{"admin"}})
	mask = ev.Evaluate(ctx, target, core.OperationDelete, AllowAll(), "alter_request")
	if !mask.AllowsResource() {
		t.Fatal("admin not authorized")
	}
}

func testGraph(t *testing.T) *model.Graph {
	t.Helper()
	graph, err := model.NewGraph([]model.Definition{
		{
			Name: "posts",
			Columns: []model.ColumnDefinition{
				{Name: "post_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "title", Type: model.TypeString},
			},
			Relationships: []model.RelationshipDefinition{
				{Name: "author", Resource: "people", Reverse: "posts"},
				{Name: "comments", Resource: "comments", ToMany: true, Reverse: "post"},
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
			Relationships: []model.RelationshipDefinition{
				{Name: "post", Resource: "posts", Reverse: "comments"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return graph
}

func TestEvaluateLinkageChange_AddNeedsBothSides(t *testing.T) {

	graph := testGraph(t)
	posts, _ := graph.Resolve("posts")
	comments, _ := posts.Relationship("comments")

	src := api.Identifier{Type: "posts", ID: "p1"}
	added := []api.Identifier{{Type: "comments", ID: "c1"}}

	// permits create on posts.comments but not on the reverse comments.post
	ev := NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "posts",
			Operations: []core.Operation{core.OperationCreate}},
	})
	err := EvaluateLinkageChange(context.Background(), ev, comments, src, added, nil, "alter_request")
	if err == nil || err.Kind != api.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// reverse is to-one, so the reverse side needs update, not create
	ev = NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "posts",
			Operations: []core.Operation{core.OperationCreate}},
		{Role: "everybody", Resource: "comments",
			Operations: []core.Operation{core.OperationCreate}},
	})
	err = EvaluateLinkageChange(context.Background(), ev, comments, src, added, nil, "alter_request")
	if err == nil {
		t.Fatal("create on to-one reverse must not satisfy update")
	}

	ev = NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "posts",
			Operations: []core.Operation{core.OperationCreate}},
		{Role: "everybody", Resource: "comments",
			Operations: []core.Operation{core.OperationUpdate}},
	})
	err = EvaluateLinkageChange(context.Background(), ev, comments, src, added, nil, "alter_request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEvaluateLinkageChange_Remove(t *testing.T) {

	graph := testGraph(t)
	people, _ := graph.Resolve("people")
	rel, _ := people.Relationship("posts")

	src := api.Identifier{Type: "people", ID: "a1"}
	removed := []api.Identifier{{Type: "posts", ID: "p1"}}

	// removing from a to-many with a to-one reverse: delete on the forward
	// side and update on the reverse side
	ev := NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "people",
			Operations: []core.Operation{core.OperationDelete}},
		{Role: "everybody", Resource: "posts",
			Operations: []core.Operation{core.OperationUpdate}},
	})
	if err := EvaluateLinkageChange(context.Background(), ev, rel, src, nil, removed, "alter_request"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev = NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "people",
			Operations: []core.Operation{core.OperationDelete}},
	})
	if err := EvaluateLinkageChange(context.Background(), ev, rel, src, nil, removed, "alter_request"); err == nil {
		t.Fatal("missing reverse permission must abort")
	}
}

func TestEvaluateAttributeWrite(t *testing.T) {

	ev := NewPermitEvaluator([]Permit{
		{Role: "everybody", Resource: "posts",
			Operations: []core.Operation{core.OperationUpdate},
			Attributes: []string{"title"}},
	})
	res := &api.Resource{Type: "posts", ID: "p1"}

	allowed, err := EvaluateAttributeWrite(context.Background(), ev, res,
		[]string{"title", "secret"}, false, "alter_request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "title" {
		t.Fatalf("expected denied attribute dropped, got %v", allowed)
	}

	_, err = EvaluateAttributeWrite(context.Background(), ev, res,
		[]string{"title", "secret"}, true, "alter_request")
	if err == nil || err.Kind != api.KindConflict {
		t.Fatalf("expected conflict under atomic update, got %v", err)
	}
}

func TestPruneLinkage(t *testing.T) {

	owner := api.Identifier{Type: "posts", ID: "p1"}
	returned := 3
	obj := &api.RelationshipObject{
		Data: api.ToMany([]api.Identifier{
			{Type: "comments", ID: "c1"},
			{Type: "comments", ID: "c2"},
			{Type: "comments", ID: "c3"},
		}),
		Meta: &api.RelationshipMeta{Results: &api.ResultsMeta{Returned: returned}},
	}
	rejected := NewRejected()
	PruneLinkage(owner, "comments", obj, func(id api.Identifier) bool {
		return id.ID != "c2"
	}, rejected)

	if len(obj.Data.Many) != 2 {
		t.Fatalf("expected 2 identifiers, got %d", len(obj.Data.Many))
	}
	if obj.Meta.Results.Returned != 2 {
		t.Fatal("returned count not adjusted")
	}
	report := rejected.Report()
	if report == nil {
		t.Fatal("expected rejection report")
	}
	counts, ok := report["identifiers"].(map[string]int)
	if !ok || counts["posts/p1.comments"] != 1 {
		t.Fatalf("unexpected report: %v", report)
	}
}
