/*Package pipeline implements the per-endpoint processing pipeline. Every
endpoint and verb gets its own ordered list of stages; each stage holds a
deque of handlers that is open for modification until the pipeline is built.
*/
package pipeline

import (
	"net/http"

	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/query"
)

// Stage names, in execution order.
const (
	StageAlterRequest     = "alter_request"
	StageValidateRequest  = "validate_request"
	StageExecute          = "execute"
	StageAlterDocument    = "alter_document"
	StageValidateResponse = "validate_response"
)

var stageOrder = []string{
	StageAlterRequest,
	StageValidateRequest,
	StageExecute,
	StageAlterDocument,
	StageValidateResponse,
}

// Context carries one request through the stages. Handlers read and replace
// its fields; the final Document and Status are what gets written out.
type Context struct {
	Request      *http.Request
	ResourceType *model.ResourceType

	// parsed query parameters, set before the pipeline runs
	Plan      *query.Plan
	Fieldsets api.Fieldsets
	Include   []string

	// request body, for write verbs
	RequestDocument *api.RequestDocument

	// response under construction
	Document *api.Document
	Status   int
	Location string

	// cascade omissions, rendered into debug meta when enabled
	Rejected *access.Rejected

	// free slots for handlers that need to pass data down the stages
	Values map[string]interface{}
}

// Set stores a value for a later handler.
func (c *Context) Set(key string, value interface{}) {
	if c.Values == nil {
		c.Values = map[string]interface{}{}
	}
	c.Values[key] = value
}

// Get returns a value stored by an earlier handler.
func (c *Context) Get(key string) (interface{}, bool) {
	value, ok := c.Values[key]
	return value, ok
}

// Handler is one pipeline step. A non-nil error aborts the run.
type Handler func(c *Context) *api.Error

// Builder assembles the handler deques for one endpoint and verb. It is not
// safe for concurrent use; Build freezes the result.
type Builder struct {
	stages map[string][]Handler
}

// NewBuilder returns an empty builder with all stages present.
func NewBuilder() *Builder {
	b := &Builder{stages: map[string][]Handler{}}
	for _, name := range stageOrder {
		b.stages[name] = nil
	}
	return b
}

func (b *Builder) stage(name string) []Handler {
	handlers, ok := b.stages[name]
	if !ok {
		panic("pipeline: unknown stage " + name)
	}
	return handlers
}

// Append adds a handler to the back of the named stage.
func (b *Builder) Append(name string, h Handler) *Builder {
	b.stages[name] = append(b.stage(name), h)
	return b
}

// Prepend adds a handler to the front of the named stage.
func (b *Builder) Prepend(name string, h Handler) *Builder {
	b.stages[name] = append([]Handler{h}, b.stage(name)...)
	return b
}

// Pop removes and returns the last handler of the named stage, or nil when
// the stage is empty.
func (b *Builder) Pop(name string) Handler {
	handlers := b.stage(name)
	if len(handlers) == 0 {
		return nil
	}
	h := handlers[len(handlers)-1]
	b.stages[name] = handlers[:len(handlers)-1]
	return h
}

// PopLeft removes and returns the first handler of the named stage, or nil
// when the stage is empty.
func (b *Builder) PopLeft(name string) Handler {
	handlers := b.stage(name)
	if len(handlers) == 0 {
		return nil
	}
	b.stages[name] = handlers[1:]
	return handlers[0]
}

// Build freezes the builder into an immutable pipeline. The builder can be
// modified and built again without affecting earlier snapshots.
func (b *Builder) Build() *Pipeline {
	p := &Pipeline{stages: make([][]Handler, len(stageOrder))}
	for i, name := range stageOrder {
		p.stages[i] = append([]Handler(nil), b.stages[name]...)
	}
	return p
}

// Pipeline is a frozen sequence of stage handlers, safe for concurrent runs.
type Pipeline struct {
	stages [][]Handler
}

// Run executes all stages in order. The first handler error aborts the run
// and is returned.
func (p *Pipeline) Run(c *Context) *api.Error {
	for _, handlers := range p.stages {
		for _, h := range handlers {
			if err := h(c); err != nil {
				return err
			}
		}
	}
	return nil
}
