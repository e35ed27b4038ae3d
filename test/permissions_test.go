package test

import (
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/backend"
	"github.com/colinhiggs/japi/core/client"
)

type PermissionsTestSuite struct {
	IntegrationTestSuite
}

func TestPermissionsTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	suite.Run(t, &PermissionsTestSuite{})
}

func (s *PermissionsTestSuite) createPost(title string) string {
	var doc api.Document
	status, err := s.client.Collection("posts").Create(
		resourceBody("posts", map[string]interface{}{
			"title": title, "body": "full text",
		}, nil), &doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	return doc.Data.One.ID
}

func (s *PermissionsTestSuite) TestAttributePruning() {
	id := s.createPost("pruned")

	var doc api.Document
	status, err := s.readerClient.Collection("posts").Item(id).Read(&doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("pruned", doc.Data.One.Attributes["title"])
	_, hasBody := doc.Data.One.Attributes["body"]
	s.False(hasBody, "denied attribute leaked")

	// the omission shows up in debug meta
	s.Require().NotNil(doc.Meta)
	s.NotNil(doc.Meta.Rejected, "pruned attribute not recorded")

	// admin sees everything
	status, err = s.client.Collection("posts").Item(id).Read(&doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("full text", doc.Data.One.Attributes["body"])
}

func (s *PermissionsTestSuite) TestWholeResourceDenial() {
	var doc api.Document
	status, err := s.client.Collection("tags").Create(
		resourceBody("tags", map[string]interface{}{"label": "hidden"}, nil), &doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	id := doc.Data.One.ID

	// the reader role has no permit on tags at all
	status, _ = s.readerClient.Collection("tags").Item(id).Read(&doc)
	s.Equal(http.StatusForbidden, status)

	// without a list grant the collection itself is denied
	status, _ = s.readerClient.Collection("tags").List(&doc)
	s.Equal(http.StatusForbidden, status)
}

func (s *PermissionsTestSuite) TestWriteDenial() {
	status, _ := s.readerClient.Collection("posts").Create(
		resourceBody("posts", map[string]interface{}{"title": "nope"}, nil), nil)
	s.Equal(http.StatusForbidden, status)

	id := s.createPost("read only")
	status, _ = s.readerClient.Collection("posts").Item(id).Patch(
		resourceBody("posts", map[string]interface{}{"title": "changed"}, nil), nil)
	s.Equal(http.StatusForbidden, status)

	status, _ = s.readerClient.Collection("posts").Item(id).Delete()
	s.Equal(http.StatusForbidden, status)

	// the author role may write
	var doc api.Document
	status, err := s.authorClient.Collection("posts").Item(id).Patch(
		resourceBody("posts", map[string]interface{}{"title": "changed"}, nil), &doc)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
}

func (s *PermissionsTestSuite) TestLinkageCascade() {
	postID := s.createPost("with comment")

	var doc api.Document
	status, err := s.client.Collection("comments").Create(
		resourceBody("comments", map[string]interface{}{"body": "nice"},
			map[string]interface{}{"post": toOne("posts", postID)}), &doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)

	// the author role has no permit on tags, so linking one is denied
	status, err = s.client.Collection("tags").Create(
		resourceBody("tags", map[string]interface{}{"label": "t"}, nil), &doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	tagID := doc.Data.One.ID

	status, _ = s.authorClient.Collection("posts").Item(postID).
		Relationship("tags").Add(toMany("tags", tagID), nil)
	s.Equal(http.StatusForbidden, status, "cross-type linkage write not cascaded")

	// the denied write rolled back without a trace
	status, err = s.client.Collection("posts").Item(postID).
		Relationship("tags").Read(&doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Empty(doc.Data.Linkage.Many, "denied linkage write persisted")

	// admin may do it
	status, err = s.client.Collection("posts").Item(postID).
		Relationship("tags").Add(toMany("tags", tagID), nil)
	s.Require().NoError(err)
	s.Equal(http.StatusNoContent, status)
}

// TestAtomicAttributeDenial runs against a second backend over the same
// schema, configured to fail partially denied updates instead of dropping
// the denied attributes.
func (s *PermissionsTestSuite) TestAtomicAttributeDenial() {
	router := mux.NewRouter()
	permits := append(append([]access.Permit{}, readerPermits...), access.Permit{
		Role:     "editor",
		Resource: "posts",
		Operations: []core.Operation{core.OperationGet, core.OperationList,
			core.OperationUpdate},
		Attributes: []string{"title"},
	})
	backend.New(&backend.Builder{
		Config:  configurationJSON,
		DB:      s.dbConn,
		Router:  router,
		Permits: permits,
		Settings: backend.Settings{
			DefaultPageLimit:  10,
			MaxPageLimit:      50,
			AtomicPermissions: true,
		},
	})
	admin := client.NewWithRouter(router).WithAdminAuthorization()
	editor := client.NewWithRouter(router).WithRole("editor")

	var doc api.Document
	status, err := admin.Collection("posts").Create(
		resourceBody("posts", map[string]interface{}{"title": "atomic", "views": 7}, nil), &doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)
	id := doc.Data.One.ID

	// a denied attribute fails the whole request
	status, _ = editor.Collection("posts").Item(id).Patch(
		resourceBody("posts", map[string]interface{}{"title": "changed", "views": 8}, nil), nil)
	s.Equal(http.StatusConflict, status)

	// and nothing was written
	status, err = admin.Collection("posts").Item(id).Read(&doc)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("atomic", doc.Data.One.Attributes["title"])
	s.Equal(float64(7), doc.Data.One.Attributes["views"])

	// fully granted updates still pass
	status, err = editor.Collection("posts").Item(id).Patch(
		resourceBody("posts", map[string]interface{}{"title": "changed"}, nil), &doc)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
}
