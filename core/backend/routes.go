package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/logger"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/pipeline"
)

// createResourceRoutes adds the collection, item, related and relationship
// routes of one resource type, each with its default pipeline.
func (b *Backend) createResourceRoutes(rt *model.ResourceType) {
	rlog := logger.Default()
	collection := "/" + rt.Name
	item := collection + "/{id}"
	relationships := item + "/relationships/{relationship}"
	related := item + "/{relationship}"

	rlog.Debugln("create routes:", collection)

	b.register(pipelineKey{rt.Name, EndpointCollection, http.MethodGet},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageExecute, b.executeList)
			p.Append(pipeline.StageAlterDocument, b.cascadeRead)
			p.Append(pipeline.StageAlterDocument, b.decorateLinks)
			p.Append(pipeline.StageAlterDocument, b.assembleCollection)
		})
	b.register(pipelineKey{rt.Name, EndpointCollection, http.MethodPost},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageAlterRequest, b.decodeResourceBody)
			p.Append(pipeline.StageExecute, b.executeCreate)
			p.Append(pipeline.StageAlterDocument, b.cascadeRead)
			p.Append(pipeline.StageAlterDocument, b.decorateLinks)
			p.Append(pipeline.StageAlterDocument, b.assembleItem)
		})
	b.register(pipelineKey{rt.Name, EndpointItem, http.MethodGet},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageExecute, b.executeGet)
			p.Append(pipeline.StageAlterDocument, b.cascadeRead)
			p.Append(pipeline.StageAlterDocument, b.decorateLinks)
			p.Append(pipeline.StageAlterDocument, b.assembleItem)
		})
	b.register(pipelineKey{rt.Name, EndpointItem, http.MethodPatch},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageAlterRequest, b.decodeResourceBody)
			p.Append(pipeline.StageExecute, b.executePatch)
			p.Append(pipeline.StageAlterDocument, b.cascadeRead)
			p.Append(pipeline.StageAlterDocument, b.decorateLinks)
			p.Append(pipeline.StageAlterDocument, b.assembleItem)
		})
	b.register(pipelineKey{rt.Name, EndpointItem, http.MethodDelete},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageExecute, b.executeDelete)
		})
	b.register(pipelineKey{rt.Name, EndpointRelated, http.MethodGet},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageExecute, b.executeRelated)
			p.Append(pipeline.StageAlterDocument, b.cascadeRead)
			p.Append(pipeline.StageAlterDocument, b.decorateLinks)
			p.Append(pipeline.StageAlterDocument, b.assembleRelated)
		})
	b.register(pipelineKey{rt.Name, EndpointRelationships, http.MethodGet},
		func(p *pipeline.Builder) {
			p.Append(pipeline.StageExecute, b.executeRelationshipGet)
			p.Append(pipeline.StageAlterDocument, b.cascadeLinkage)
			p.Append(pipeline.StageAlterDocument, b.assembleRelationship)
		})
	for _, method := range []string{http.MethodPost, http.MethodPatch, http.MethodDelete} {
		method := method
		b.register(pipelineKey{rt.Name, EndpointRelationships, method},
			func(p *pipeline.Builder) {
				p.Append(pipeline.StageAlterRequest, b.decodeLinkageBody)
				p.Append(pipeline.StageExecute, b.executeRelationshipWrite(method))
			})
	}

	b.router.HandleFunc(collection, b.handle(rt, EndpointCollection, false)).
		Methods(http.MethodGet, http.MethodPost)
	b.router.HandleFunc(relationships, b.handle(rt, EndpointRelationships, true)).
		Methods(http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete)
	b.router.HandleFunc(related, b.handle(rt, EndpointRelated, true)).
		Methods(http.MethodGet)
	b.router.HandleFunc(item, b.handle(rt, EndpointItem, false)).
		Methods(http.MethodGet, http.MethodPatch, http.MethodDelete)
}

// register creates the pipeline builder for one endpoint and verb with the
// shared framework handlers, then lets configure add the specifics.
func (b *Backend) register(key pipelineKey, configure func(*pipeline.Builder)) {
	p := pipeline.NewBuilder()
	p.Append(pipeline.StageAlterRequest, negotiate)
	configure(p)
	p.Append(pipeline.StageValidateResponse, b.returnedCount)
	p.Append(pipeline.StageValidateResponse, b.rejectedMeta)
	b.builders[key] = p
}

// handle adapts one endpoint into an http handler: it resolves the mux
// variables and runs the endpoint's pipeline.
func (b *Backend) handle(rt *model.ResourceType, endpoint string, withRelationship bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		state := &requestState{rt: rt, id: params["id"]}
		if withRelationship {
			rel, ok := rt.Relationship(params["relationship"])
			if !ok {
				b.writeError(w, r, api.Errorf(api.KindNotFound,
					"%s has no relationship %q", rt.Name, params["relationship"]))
				return
			}
			state.rel = rel
		}
		b.run(pipelineKey{rt.Name, endpoint, r.Method}, w, r, state)
	}
}
