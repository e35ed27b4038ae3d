package test

import (
	"context"
	"fmt"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/backend"
	"github.com/colinhiggs/japi/core/client"
	"github.com/colinhiggs/japi/core/csql"
)

// the blog-shaped resource graph all integration tests run against
var configurationJSON = `
{
	"resources": [
		{
			"resource": "posts",
			"columns": [
				{"name": "post_id", "type": "string", "primary_key": true},
				{"name": "title", "type": "string"},
				{"name": "body", "type": "string", "nullable": true},
				{"name": "views", "type": "integer", "nullable": true},
				{"name": "published", "type": "timestamp", "nullable": true}
			],
			"relationships": [
				{"name": "author", "resource": "people", "reverse": "posts"},
				{"name": "comments", "resource": "comments", "to_many": true, "reverse": "post"},
				{"name": "tags", "resource": "tags", "to_many": true, "reverse": "posts"}
			]
		},
		{
			"resource": "people",
			"columns": [
				{"name": "person_id", "type": "string", "primary_key": true},
				{"name": "name", "type": "string"},
				{"name": "email", "type": "string", "nullable": true}
			],
			"relationships": [
				{"name": "posts", "resource": "posts", "to_many": true, "reverse": "author"},
				{"name": "comments", "resource": "comments", "to_many": true, "reverse": "author"}
			]
		},
		{
			"resource": "comments",
			"columns": [
				{"name": "comment_id", "type": "string", "primary_key": true},
				{"name": "body", "type": "string"}
			],
			"relationships": [
				{"name": "post", "resource": "posts", "reverse": "comments"},
				{"name": "author", "resource": "people", "reverse": "comments"}
			]
		},
		{
			"resource": "tags",
			"columns": [
				{"name": "tag_id", "type": "string", "primary_key": true},
				{"name": "label", "type": "string"}
			],
			"relationships": [
				{"name": "posts", "resource": "posts", "to_many": true, "reverse": "tags"}
			]
		}
	]
}
`

// readerPermits grants the reader role read access without the body
// attribute, and full post access to the author role.
var readerPermits = []access.Permit{
	{
		Role:       "reader",
		Resource:   "posts",
		Operations: []core.Operation{core.OperationGet, core.OperationList},
		Attributes: []string{"title", "views", "published"},
	},
	{
		Role:       "reader",
		Resource:   "people",
		Operations: []core.Operation{core.OperationGet, core.OperationList},
	},
	{
		Role:       "reader",
		Resource:   "comments",
		Operations: []core.Operation{core.OperationGet, core.OperationList},
	},
	{
		Role:     "author",
		Resource: "posts",
		Operations: []core.Operation{core.OperationGet, core.OperationList,
			core.OperationCreate, core.OperationUpdate, core.OperationDelete},
	},
	{
		Role:     "author",
		Resource: "comments",
		Operations: []core.Operation{core.OperationGet, core.OperationList,
			core.OperationCreate, core.OperationUpdate, core.OperationDelete},
	},
	{
		Role:       "author",
		Resource:   "people",
		Operations: []core.Operation{core.OperationGet, core.OperationList},
	},
}

// IntegrationTestSuite starts one postgres container for the whole suite
// and builds a fresh backend schema per test run.
type IntegrationTestSuite struct {
	suite.Suite
	*backend.Backend

	postgresContainer testcontainers.Container
	dbConn            *csql.DB
	router            *mux.Router

	client       client.Client
	readerClient client.Client
	authorClient client.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.dbConn = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "japitest")

	s.router = mux.NewRouter()
	s.Backend = backend.New(&backend.Builder{
		Config:  configurationJSON,
		DB:      s.dbConn,
		Router:  s.router,
		Permits: readerPermits,
		Settings: backend.Settings{
			DefaultPageLimit: 10,
			MaxPageLimit:     50,
			DebugMeta:        true,
		},
	})

	s.client = client.NewWithRouter(s.router).WithAdminAuthorization()
	s.readerClient = client.NewWithRouter(s.router).WithRole("reader")
	s.authorClient = client.NewWithRouter(s.router).WithRole("author")
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.dbConn != nil {
		s.dbConn.ClearSchema()
		s.dbConn.Close()
	}
	if s.postgresContainer != nil {
		_ = s.postgresContainer.Terminate(context.Background())
	}
}
