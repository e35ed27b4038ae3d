package schema_test

import (
	"testing"

	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/schema"
)

func testGraph(t *testing.T) *model.Graph {
	t.Helper()
	graph, err := model.NewGraph([]model.Definition{
		{
			Name: "articles",
			Columns: []model.ColumnDefinition{
				{Name: "article_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "title", Type: model.TypeString},
				{Name: "word_count", Type: model.TypeInteger, Nullable: true},
				{Name: "published", Type: model.TypeTimestamp, Nullable: true},
				{Name: "internal_notes", Type: model.TypeString, Invisible: true},
			},
			Relationships: []model.RelationshipDefinition{
				{Name: "author", Resource: "authors", Reverse: "articles"},
			},
		},
		{
			Name: "authors",
			Columns: []model.ColumnDefinition{
				{Name: "author_id", Type: model.TypeString, PrimaryKey: true},
				{Name: "name", Type: model.TypeString},
			},
			Relationships: []model.RelationshipDefinition{
				{Name: "articles", Resource: "articles", ToMany: true, Reverse: "author"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return graph
}

func TestValidateResource(t *testing.T) {

	graph := testGraph(t)
	v, err := schema.NewGraphValidator(graph)
	if err != nil {
		t.Fatal(err)
	}
	articles, _ := graph.Resolve("articles")

	valid := []string{
		`{"type":"articles","attributes":{"title":"hello"}}`,
		`{"type":"articles","attributes":{"word_count":null}}`,
		`{"type":"articles","attributes":{"published":"2026-01-02T15:04:05Z"}}`,
		`{"type":"articles","relationships":{"author":{"data":{"type":"authors","id":"a1"}}}}`,
		`{"type":"articles","relationships":{"author":{"data":null}}}`,
		`{"type":"articles","id":"e1"}`,
	}
	for _, body := range valid {
		if verr := v.ValidateResource(articles, []byte(body)); verr != nil {
			t.Fatalf("%s: unexpected error %v", body, verr)
		}
	}

	invalid := []string{
		`{"attributes":{"title":"no type"}}`,
		`{"type":"authors"}`,
		`{"type":"articles","attributes":{"title":17}}`,
		`{"type":"articles","attributes":{"word_count":1.5}}`,
		`{"type":"articles","attributes":{"no_such_attribute":1}}`,
		`{"type":"articles","attributes":{"internal_notes":"hidden"}}`,
		`{"type":"articles","relationships":{"author":{"data":{"type":"articles","id":"x"}}}}`,
		`{"type":"articles","relationships":{"author":{}}}`,
		`{"type":"articles","extra":true}`,
	}
	for _, body := range invalid {
		if verr := v.ValidateResource(articles, []byte(body)); verr == nil {
			t.Fatalf("%s: expected validation failure", body)
		}
	}
}

func TestToManyRelationshipSchema(t *testing.T) {

	graph := testGraph(t)
	v, err := schema.NewGraphValidator(graph)
	if err != nil {
		t.Fatal(err)
	}
	authors, _ := graph.Resolve("authors")

	good := `{"type":"authors","relationships":{"articles":{"data":[{"type":"articles","id":"e1"}]}}}`
	if verr := v.ValidateResource(authors, []byte(good)); verr != nil {
		t.Fatal(verr)
	}
	bad := `{"type":"authors","relationships":{"articles":{"data":{"type":"articles","id":"e1"}}}}`
	if verr := v.ValidateResource(authors, []byte(bad)); verr == nil {
		t.Fatal("to-many linkage must be an array")
	}
}
