/*Package backend realizes the generated resource API: it builds the
resource graph from a JSON configuration, creates the database tables, and
adds one processing pipeline per endpoint and verb to a mux router.

Every request runs through the same stage order: alter_request,
validate_request, execute, alter_document, validate_response. The framework
installs its own handlers into these stages; applications may add, prepend
or remove handlers per endpoint until Finalize is called.
*/
package backend

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/csql"
	"github.com/colinhiggs/japi/core/logger"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/pipeline"
	"github.com/colinhiggs/japi/core/query"
	"github.com/colinhiggs/japi/core/schema"
	"github.com/colinhiggs/japi/core/sqlstore"
)

// ContentType is the media type of all request and response documents.
const ContentType = "application/vnd.api+json"

// endpoint names used to address one pipeline
const (
	EndpointCollection    = "collection"
	EndpointItem          = "item"
	EndpointRelated       = "related"
	EndpointRelationships = "relationships"
)

// Settings tunes response behavior. The zero value is usable; zero limits
// fall back to defaults.
type Settings struct {
	// DefaultPageLimit is the page size when the client sends none.
	DefaultPageLimit int
	// MaxPageLimit caps page[limit]; larger requests are silently clamped.
	MaxPageLimit int
	// LinkagePageLimit caps the identifiers embedded per to-many
	// relationship in a resource document.
	LinkagePageLimit int
	// DeniedAsNotFound reports a fully denied resource as 404 instead of
	// 403, hiding its existence.
	DeniedAsNotFound bool
	// AtomicPermissions fails an update when any requested attribute is
	// denied, instead of dropping the denied attributes.
	AtomicPermissions bool
	// DebugMeta adds a meta.rejected block describing what the permission
	// cascade removed.
	DebugMeta bool
	// WriteIsolation is the transaction isolation level for write requests.
	// Defaults to serializable: relationship writes read linkage before
	// changing it.
	WriteIsolation sql.IsolationLevel
	// LinkPrefix is prepended to all generated links, e.g. "/api/v1".
	LinkPrefix string
}

func (s Settings) withDefaults() Settings {
	if s.DefaultPageLimit <= 0 {
		s.DefaultPageLimit = 10
	}
	if s.MaxPageLimit <= 0 {
		s.MaxPageLimit = 100
	}
	if s.LinkagePageLimit <= 0 {
		s.LinkagePageLimit = s.MaxPageLimit
	}
	if s.WriteIsolation == sql.LevelDefault {
		s.WriteIsolation = sql.LevelSerializable
	}
	return s
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all resources and relationships.
	// This is mandatory.
	Config string
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Permits is the static permission table. Optional; without permits and
	// without an Evaluator, only the admin role may do anything.
	Permits []access.Permit
	// Evaluator adds a custom permission evaluator behind the permit table.
	// Optional.
	Evaluator access.Evaluator
	// Notifier receives one event per committed write. Optional.
	Notifier core.Notifier
	// Settings tunes response behavior.
	Settings Settings
}

type pipelineKey struct {
	typ      string
	endpoint string
	method   string
}

// Backend is the generated resource API.
type Backend struct {
	graph     *model.Graph
	store     *sqlstore.Store
	validator *schema.Validator
	evaluator access.Evaluator
	notifier  core.Notifier
	router    *mux.Router
	settings  Settings

	builders map[pipelineKey]*pipeline.Builder
	frozen   map[pipelineKey]*pipeline.Pipeline
	finalize sync.Once
}

// New realizes the actual backend. It creates the sql tables (if they do
// not exist) and adds the routes to the router. Configuration errors panic:
// a backend that cannot be built must not start.
func New(bb *Builder) *Backend {
	graph, err := model.NewGraphFromJSON(bb.Config)
	if err != nil {
		panic(fmt.Errorf("parse error in backend configuration: %s", err))
	}
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	validator, err := schema.NewGraphValidator(graph)
	if err != nil {
		panic(err)
	}

	evaluator := access.Evaluator(access.NewPermitEvaluator(bb.Permits))
	if bb.Evaluator != nil {
		evaluator = access.Chain(evaluator, bb.Evaluator)
	}

	settings := bb.Settings.withDefaults()
	store := sqlstore.New(bb.DB, graph)
	store.Isolation = settings.WriteIsolation
	b := &Backend{
		graph:     graph,
		store:     store,
		validator: validator,
		evaluator: evaluator,
		notifier:  bb.Notifier,
		router:    bb.Router,
		settings:  settings,
		builders:  map[pipelineKey]*pipeline.Builder{},
		frozen:    map[pipelineKey]*pipeline.Pipeline{},
	}

	b.router.Use(handlers.CompressHandler)
	access.HandleAuthorizationRoute(b.router)
	for _, rt := range graph.Types() {
		b.createResourceRoutes(rt)
	}
	return b
}

// Graph returns the resource graph.
func (b *Backend) Graph() *model.Graph {
	return b.graph
}

// Router returns the mux router the backend was built on.
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Pipeline returns the modifiable pipeline builder of one endpoint and
// verb. It panics for unknown combinations and after Finalize.
func (b *Backend) Pipeline(typ, endpoint, method string) *pipeline.Builder {
	if len(b.frozen) > 0 {
		panic("pipelines are finalized")
	}
	builder, ok := b.builders[pipelineKey{typ: typ, endpoint: endpoint, method: method}]
	if !ok {
		panic(fmt.Sprintf("no pipeline for %s %s %s", method, typ, endpoint))
	}
	return builder
}

// Finalize freezes all pipelines and the filter-operator registry. It is
// called automatically when the first request arrives; calling it earlier
// makes the configuration phase explicit.
func (b *Backend) Finalize() {
	b.finalize.Do(func() {
		query.FreezeOperators()
		for key, builder := range b.builders {
			b.frozen[key] = builder.Build()
		}
	})
}

func (b *Backend) pipelineFor(key pipelineKey) *pipeline.Pipeline {
	b.Finalize()
	return b.frozen[key]
}

// requestState is the per-request scratch space the execute handlers fill
// and the document handlers consume.
type requestState struct {
	rt  *model.ResourceType
	id  string
	rel *model.Relationship

	primary   []*api.Resource
	one       bool
	available int
	revision  int64
	included  []*api.Resource

	linkage     *api.Linkage
	linkageMeta *api.ResultsMeta

	// committed write, for the change event
	operation core.Operation
	payload   []byte
}

const stateKey = "_state_"

func stateOf(c *pipeline.Context) *requestState {
	value, _ := c.Get(stateKey)
	return value.(*requestState)
}

// run prepares the context, runs the pipeline and writes the response.
func (b *Backend) run(key pipelineKey, w http.ResponseWriter, r *http.Request, state *requestState) {
	rlog := logger.FromContext(r.Context())

	c := &pipeline.Context{
		Request:      r,
		ResourceType: state.rt,
		Rejected:     access.NewRejected(),
	}
	c.Set(stateKey, state)

	if err := b.prepare(c, key); err != nil {
		b.writeError(w, r, err)
		return
	}
	if err := b.pipelineFor(key).Run(c); err != nil {
		rlog.WithError(err).Debugf("%s %s failed", r.Method, r.URL.Path)
		b.writeError(w, r, err)
		return
	}
	b.writeDocument(w, r, c)
}

// prepare parses the query parameters all endpoints share.
func (b *Backend) prepare(c *pipeline.Context, key pipelineKey) *api.Error {
	values := c.Request.URL.Query()
	state := stateOf(c)

	planType := state.rt
	if state.rel != nil && key.endpoint == EndpointRelated {
		planType = state.rel.Target
	}
	limits := query.Limits{Default: b.settings.DefaultPageLimit, Max: b.settings.MaxPageLimit}
	plan, err := query.Translate(values, planType, limits)
	if err != nil {
		return err
	}
	c.Plan = plan

	fields, err := query.ParseFieldsets(values, b.graph)
	if err != nil {
		return err
	}
	c.Fieldsets = fields

	include, err := query.ParseInclude(values, planType)
	if err != nil {
		return err
	}
	c.Include = include
	return nil
}

func (b *Backend) writeError(w http.ResponseWriter, r *http.Request, err *api.Error) {
	status := err.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorf("%s %s", r.Method, r.URL.Path)
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	encoded, _ := json.MarshalWithOption(err.Document(), json.DisableHTMLEscape())
	w.Write(encoded)
}

func (b *Backend) writeDocument(w http.ResponseWriter, r *http.Request, c *pipeline.Context) {
	if c.Location != "" {
		w.Header().Set("Location", c.Location)
	}
	status := c.Status
	if status == 0 {
		status = http.StatusOK
	}
	if c.Document == nil {
		w.WriteHeader(status)
		return
	}
	encoded, _ := json.MarshalWithOption(c.Document, json.DisableHTMLEscape())
	state := stateOf(c)
	if r.Method == http.MethodGet {
		var etag string
		if state.one && state.revision > 0 {
			etag = fmt.Sprintf("\"%s-%d\"", state.id, state.revision)
		} else if !state.one {
			// collections have no single revision, so tag the rendered body
			sum := fnv.New64a()
			sum.Write(encoded)
			etag = fmt.Sprintf("W/\"%x\"", sum.Sum64())
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	w.Write(encoded)
}

// forbidden translates a whole-resource read denial according to the
// visibility policy.
func (b *Backend) forbidden(format string, args ...interface{}) *api.Error {
	if b.settings.DeniedAsNotFound {
		return api.Errorf(api.KindNotFound, "no such resource")
	}
	return api.Errorf(api.KindForbidden, format, args...)
}

// negotiate rejects wrong content types up front: 415 for request bodies
// that are not the vendor media type, 406 when the client does not accept
// it. The vendor media type takes no parameters on either side.
func negotiate(c *pipeline.Context) *api.Error {
	r := c.Request
	if r.Method == http.MethodPost || r.Method == http.MethodPatch {
		if contentType := strings.TrimSpace(r.Header.Get("Content-Type")); contentType != ContentType {
			return &api.Error{Kind: api.KindUnsupportedMedia,
				Reason: fmt.Sprintf("unsupported content type %q", contentType)}
		}
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return nil
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(part)
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			// media-type parameters on the vendor type are not acceptable
			mediaType = strings.TrimSpace(mediaType[:i])
			if mediaType == ContentType {
				continue
			}
		}
		if mediaType == ContentType || mediaType == "*/*" || mediaType == "application/*" {
			return nil
		}
	}
	return &api.Error{Kind: api.KindNotAcceptable,
		Reason: fmt.Sprintf("cannot produce %q", accept)}
}

// decodeBody reads and validates the request document against the
// generated schema of the resource type.
func (b *Backend) decodeBody(c *pipeline.Context, validate bool) *api.Error {
	defer c.Request.Body.Close()
	var doc api.RequestDocument
	if err := json.NewDecoder(c.Request.Body).Decode(&doc); err != nil {
		return api.Errorf(api.KindMalformedRequest, "invalid JSON body: %s", err)
	}
	if len(doc.Data) == 0 {
		return api.Errorf(api.KindMalformedRequest, "missing data member").WithPointer("/data")
	}
	if validate {
		if err := b.validator.ValidateResource(c.ResourceType, doc.Data); err != nil {
			return err
		}
	}
	c.RequestDocument = &doc
	return nil
}

// notify publishes the change event of a committed write.
func (b *Backend) notify(state *requestState) {
	if b.notifier == nil || state.operation == "" {
		return
	}
	b.notifier.Notify(state.rt.Name, state.operation, state.payload)
}
