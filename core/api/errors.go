// Package api defines the wire format of the generated API: the response
// document types, the document assembler and the error taxonomy.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a request failure.
type Kind string

// all failure kinds
const (
	KindMalformedRequest Kind = "malformed_request"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindConflict         Kind = "conflict"
	KindUnsupportedMedia Kind = "unsupported_media"
	KindNotAcceptable    Kind = "not_acceptable"
	KindUpstreamFailure  Kind = "upstream_failure"
)

// Error is a structured request failure. Stage handlers return it to abort
// the pipeline; the backend converts it to the matching response document.
type Error struct {
	Kind      Kind
	Reason    string
	Pointer   string // JSON pointer to the offending document member, if any
	Parameter string // offending query parameter, if any
}

func (e *Error) Error() string {
	switch {
	case e.Pointer != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Reason, e.Pointer)
	case e.Parameter != "":
		return fmt.Sprintf("%s: %s (parameter %s)", e.Kind, e.Reason, e.Parameter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// HTTPStatus maps the failure kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindNotAcceptable:
		return http.StatusNotAcceptable
	case KindUpstreamFailure:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Errorf creates a structured failure.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WithParameter returns a copy of the error naming the offending query
// parameter.
func (e *Error) WithParameter(parameter string) *Error {
	clone := *e
	clone.Parameter = parameter
	return &clone
}

// WithPointer returns a copy of the error naming the offending document
// member.
func (e *Error) WithPointer(pointer string) *Error {
	clone := *e
	clone.Pointer = pointer
	return &clone
}

// AsError converts any error into a structured one. Errors that are not
// already structured become upstream failures.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindUpstreamFailure, Reason: err.Error()}
}

// ErrorObject is one member of a response document's errors array.
type ErrorObject struct {
	Status string       `json:"status"`
	Title  string       `json:"title"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
}

// ErrorSource names the offending part of the request.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

// ErrorDocument is the response body for a failed request.
type ErrorDocument struct {
	Errors []ErrorObject `json:"errors"`
}

var titles = map[Kind]string{
	KindMalformedRequest: "Malformed request",
	KindNotFound:         "Not found",
	KindForbidden:        "Forbidden",
	KindConflict:         "Conflict",
	KindUnsupportedMedia: "Unsupported media type",
	KindNotAcceptable:    "Not acceptable",
	KindUpstreamFailure:  "Upstream failure",
}

// Document renders the error as a conformant error document.
func (e *Error) Document() *ErrorDocument {
	obj := ErrorObject{
		Status: fmt.Sprintf("%d", e.HTTPStatus()),
		Title:  titles[e.Kind],
		Detail: e.Reason,
	}
	if e.Pointer != "" || e.Parameter != "" {
		obj.Source = &ErrorSource{Pointer: e.Pointer, Parameter: e.Parameter}
	}
	return &ErrorDocument{Errors: []ErrorObject{obj}}
}
