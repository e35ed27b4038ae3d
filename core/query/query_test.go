package query

import (
	"net/url"
	"testing"
	"time"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
)

func testGraph(t *testing.T) *model.Graph {
	t.Helper()
	graph, err := model.NewGraph([]model.Definition{
		{
			Name: "posts",
			Columns: []model.ColumnDefinition{
				{Name: "post_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "title", Type: model.TypeString},
				{Name: "views", Type: model.TypeInteger, Nullable: true},
				{Name: "published", Type: model.TypeTimestamp, Nullable: true},
				{Name: "secret", Type: model.TypeString, Invisible: true},
			},
			Relationships: []model.RelationshipDefinition{
				{Name: "author", Resource: "people", Reverse: "posts"},
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
	})
	if err != nil {
		t.Fatal(err)
	}
	return graph
}

func translate(t *testing.T, rawQuery string) (*Plan, *api.Error) {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatal(err)
	}
	graph := testGraph(t)
	rt, _ := graph.Resolve("posts")
	return Translate(values, rt, Limits{Default: 10, Max: 100})
}

func TestTranslateDefaults(t *testing.T) {
	plan, err := translate(t, "")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Limit != 10 || plan.Offset != 0 {
		t.Fatalf("bad default page: %+v", plan)
	}
	if len(plan.Sort) != 1 || plan.Sort[0].Attribute != "id" || plan.Sort[0].Descending {
		t.Fatalf("bad default sort: %+v", plan.Sort)
	}
	if len(plan.Filters) != 0 {
		t.Fatalf("unexpected filters: %+v", plan.Filters)
	}
}

func TestTranslateFilters(t *testing.T) {
	plan, err := translate(t, "filter[title]=hello&filter[views:gt]=100&filter[author.name]=alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Filters) != 3 {
		t.Fatalf("want 3 filters, got %d", len(plan.Filters))
	}
	byAttr := map[string]Filter{}
	for _, f := range plan.Filters {
		byAttr[f.Attribute.Name] = f
	}
	if f := byAttr["title"]; f.Operator.Comparison != "=" || f.Value != "hello" {
		t.Fatalf("bad title filter: %+v", f)
	}
	if f := byAttr["views"]; f.Operator.Comparison != ">" || f.Value != int64(100) {
		t.Fatalf("bad views filter: %+v", f)
	}
	if f := byAttr["name"]; f.Relationship == nil || f.Relationship.Name != "author" {
		t.Fatalf("relationship hop not resolved: %+v", f)
	}
}

func TestTranslateFilterErrors(t *testing.T) {
	cases := []string{
		"filter[title:bogus]=x",
		"filter[nope]=x",
		"filter[secret]=x",
		"filter[views]=notanumber",
		"filter[author.name.x]=alice",
		"filter[views:like]=10",
	}
	for _, raw := range cases {
		if _, err := translate(t, raw); err == nil {
			t.Fatalf("%s accepted", raw)
		} else if err.Kind != api.KindMalformedRequest {
			t.Fatalf("%s: want malformed request, got %s", raw, err.Kind)
		}
	}
}

func TestTranslateTimestampFilter(t *testing.T) {
	plan, err := translate(t, "filter[published:ge]=2026-01-02")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if !plan.Filters[0].Value.(time.Time).Equal(want) {
		t.Fatalf("bad timestamp value: %v", plan.Filters[0].Value)
	}
}

func TestTranslateSort(t *testing.T) {
	plan, err := translate(t, "sort=-views,title")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Sort) != 2 {
		t.Fatalf("want 2 keys, got %d", len(plan.Sort))
	}
	if !plan.Sort[0].Descending || plan.Sort[0].Attribute != "views" {
		t.Fatalf("bad first key: %+v", plan.Sort[0])
	}
	if plan.Sort[1].Descending || plan.Sort[1].Attribute != "title" {
		t.Fatalf("bad second key: %+v", plan.Sort[1])
	}

	if _, err := translate(t, "sort=nope"); err == nil {
		t.Fatal("unknown sort attribute accepted")
	}
	if _, err := translate(t, "sort=author.name"); err == nil {
		t.Fatal("relationship sort accepted")
	}
}

func TestTranslatePage(t *testing.T) {
	plan, err := translate(t, "page[limit]=20&page[offset]=40")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Limit != 20 || plan.Offset != 40 {
		t.Fatalf("bad page: %+v", plan)
	}

	// over-limit requests are clamped, not rejected
	plan, err = translate(t, "page[limit]=100000")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Limit != 100 {
		t.Fatalf("limit not clamped: %d", plan.Limit)
	}

	if _, err := translate(t, "page[limit]=-1"); err == nil {
		t.Fatal("negative limit accepted")
	}
	if _, err := translate(t, "page[offset]=x"); err == nil {
		t.Fatal("non-numeric offset accepted")
	}
}

func TestStringOperatorTransforms(t *testing.T) {
	cases := map[string]string{
		"startswith": "go%",
		"endswith":   "%go",
		"contains":   "%go%",
		"like":       "go",
	}
	for name, want := range cases {
		op, ok := lookupOperator(name)
		if !ok {
			t.Fatalf("operator %s missing", name)
		}
		got, err := op.Transform("go", model.TypeString)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("%s: want %q, got %q", name, want, got)
		}
	}

	// like and ilike take * as the wire-level wildcard
	for _, name := range []string{"like", "ilike"} {
		op, _ := lookupOperator(name)
		got, err := op.Transform("go*lang*", model.TypeString)
		if err != nil {
			t.Fatal(err)
		}
		if got != "go%lang%" {
			t.Fatalf("%s: want %q, got %q", name, "go%lang%", got)
		}
	}
}

func TestParseFieldsets(t *testing.T) {
	graph := testGraph(t)
	values := url.Values{"fields[posts]": []string{"title,author"}}
	fields, err := ParseFieldsets(values, graph)
	if err != nil {
		t.Fatal(err)
	}
	if !fields.Allows("posts", "title") || !fields.Allows("posts", "author") {
		t.Fatal("requested fields denied")
	}
	if fields.Allows("posts", "views") {
		t.Fatal("unrequested field allowed")
	}
	if !fields.Allows("people", "name") {
		t.Fatal("unrestricted type affected")
	}

	values = url.Values{"fields[nope]": []string{"title"}}
	if _, err := ParseFieldsets(values, graph); err == nil {
		t.Fatal("unknown type accepted")
	}
	values = url.Values{"fields[posts]": []string{"nope"}}
	if _, err := ParseFieldsets(values, graph); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseInclude(t *testing.T) {
	graph := testGraph(t)
	rt, _ := graph.Resolve("posts")

	include, err := ParseInclude(url.Values{"include": []string{"author"}}, rt)
	if err != nil {
		t.Fatal(err)
	}
	if len(include) != 1 || include[0] != "author" {
		t.Fatalf("bad include: %v", include)
	}
	if _, err := ParseInclude(url.Values{"include": []string{"nope"}}, rt); err == nil {
		t.Fatal("unknown include accepted")
	}
}
