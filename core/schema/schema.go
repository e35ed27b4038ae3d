// Package schema generates a JSON schema for every resource type in the
// graph and validates request documents against them. Validation happens
// before any workflow logic; a schema failure is always a malformed request.
package schema

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
)

// Validator validates JSON documents against a set of compiled schemas.
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidator creates a new Validator using schemas for the top level JSON
// schemas and refs for refs that may be referenced in the top level schemas.
// Top level schemas cannot reference each other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		err := json.Unmarshal([]byte(str), &s)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()

		for _, ref := range refs {
			loader := gojsonschema.NewStringLoader(ref)
			err := sl.AddSchemas(loader)
			if err != nil {
				return nil, fmt.Errorf("cannot add ref %s %s", refs, err)
			}
		}
		schema, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = schema
	}

	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateString validates the given json against schemaID. If no error is
// returned, then the passed json is valid
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {

	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s ", schemaID)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s %s", schemaID, err)
	}

	if !result.Valid() {
		err := "the document is not valid :\n"
		for _, e := range result.Errors() {
			err += fmt.Sprintf("- %s\n", e)
		}
		return errors.New(err)
	}
	return nil
}

// SchemaID returns the schema identifier of a resource type.
func SchemaID(rt *model.ResourceType) string {
	return "japi:///" + rt.Name
}

func attributeSchema(attr model.Attribute) map[string]interface{} {
	var typ interface{}
	format := ""
	switch attr.Type {
	case model.TypeInteger:
		typ = "integer"
	case model.TypeNumber:
		typ = "number"
	case model.TypeBoolean:
		typ = "boolean"
	case model.TypeTimestamp:
		typ = "string"
		format = "date-time"
	default:
		typ = "string"
	}
	if attr.Nullable {
		typ = []interface{}{typ, "null"}
	}
	s := map[string]interface{}{"type": typ}
	if format != "" {
		s["format"] = format
	}
	return s
}

func identifierSchema(target *model.ResourceType) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": target.Name},
			"id":   map[string]interface{}{"type": "string"},
		},
		"required":             []string{"type", "id"},
		"additionalProperties": false,
	}
}

func relationshipSchema(rel *model.Relationship) map[string]interface{} {
	var data interface{}
	if rel.ToMany {
		data = map[string]interface{}{
			"type":  "array",
			"items": identifierSchema(rel.Target),
		}
	} else {
		data = map[string]interface{}{
			"oneOf": []interface{}{
				identifierSchema(rel.Target),
				map[string]interface{}{"type": "null"},
			},
		}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data": data,
		},
		"required":             []string{"data"},
		"additionalProperties": false,
	}
}

// GenerateSchema renders the request-document schema of one resource type:
// a single resource object with this type's attributes and relationships
// and nothing else.
func GenerateSchema(rt *model.ResourceType) (string, error) {
	attributes := map[string]interface{}{}
	for _, attr := range rt.Attributes() {
		attributes[attr.Name] = attributeSchema(attr)
	}
	relationships := map[string]interface{}{}
	for _, rel := range rt.Relationships() {
		relationships[rel.Name] = relationshipSchema(rel)
	}

	schema := map[string]interface{}{
		"$id":  SchemaID(rt),
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": rt.Name},
			"id":   map[string]interface{}{"type": "string"},
			"attributes": map[string]interface{}{
				"type":                 "object",
				"properties":           attributes,
				"additionalProperties": false,
			},
			"relationships": map[string]interface{}{
				"type":                 "object",
				"properties":           relationships,
				"additionalProperties": false,
			},
		},
		"required":             []string{"type"},
		"additionalProperties": false,
	}
	rendered, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(rendered), nil
}

// NewGraphValidator compiles one schema per resource type of the graph. Any
// failure is a startup failure.
func NewGraphValidator(graph *model.Graph) (*Validator, error) {
	var schemas []string
	for _, rt := range graph.Types() {
		rendered, err := GenerateSchema(rt)
		if err != nil {
			return nil, fmt.Errorf("cannot generate schema for %s: %w", rt.Name, err)
		}
		schemas = append(schemas, rendered)
	}
	return NewValidator(schemas, nil)
}

// ValidateResource validates the raw data member of a request document for
// the given resource type.
func (v *Validator) ValidateResource(rt *model.ResourceType, data json.RawMessage) *api.Error {
	if err := v.ValidateString(string(data), SchemaID(rt)); err != nil {
		return api.Errorf(api.KindMalformedRequest, "%s", err).WithPointer("/data")
	}
	return nil
}
