/*
Package client provides easy and fast in-process access to the generated API

Instead of marshalling HTTP, the client talks directly to the mux router. The
client is the tool of choice if one request handler needs to call other
handlers to fulfill its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/colinhiggs/japi/core/access"
	"github.com/colinhiggs/japi/core/api"
)

// ContentType is the media type of all request and response documents.
const ContentType = "application/vnd.api+json"

// Client provides easy access to the generated API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// backend, through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole("admin")
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Roles: []string{role},
	}
	return c
}

// WithAuthorization returns a new client with specific authorizations
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client.
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// Collection is a requester for one resource collection.
type Collection struct {
	client     *Client
	typ        string
	parameters []string
}

// Collection returns a new collection client for the given resource type.
func (c Client) Collection(typ string) Collection {
	return Collection{client: &c, typ: typ}
}

// WithParameter returns a new collection client with a URL parameter added.
func (r Collection) WithParameter(key string, value string) Collection {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return Collection{
		client: r.client,
		typ:    r.typ,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameter),
	}
}

// WithFilter returns a new collection client with a filter parameter added.
func (r Collection) WithFilter(path, operator, value string) Collection {
	key := "filter[" + path + "]"
	if operator != "" && operator != "eq" {
		key = "filter[" + path + ":" + operator + "]"
	}
	return r.WithParameter(key, value)
}

// WithSort returns a new collection client with a sort parameter added.
func (r Collection) WithSort(sort string) Collection {
	return r.WithParameter("sort", sort)
}

// WithPage returns a new collection client with pagination parameters added.
func (r Collection) WithPage(limit, offset int) Collection {
	return r.WithParameter("page[limit]", fmt.Sprint(limit)).
		WithParameter("page[offset]", fmt.Sprint(offset))
}

// WithInclude returns a new collection client with an include parameter.
func (r Collection) WithInclude(relationships ...string) Collection {
	return r.WithParameter("include", strings.Join(relationships, ","))
}

// Path returns the collection path plus optional query strings.
func (r Collection) Path() string {
	path := "/" + r.typ
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// List reads one page of the collection.
func (r Collection) List(result *api.Document) (int, error) {
	return r.client.RawGet(r.Path(), result)
}

// Create posts a new resource to the collection.
func (r Collection) Create(body interface{}, result *api.Document) (int, error) {
	return r.client.RawPost(r.Path(), body, result)
}

// Item returns a requester for one resource of the collection.
func (r Collection) Item(id string) Item {
	return Item{col: r, id: id}
}

// Item is a requester for one resource.
type Item struct {
	col Collection
	id  string
}

// Path returns the item path plus optional query strings.
func (r Item) Path() string {
	path := "/" + r.col.typ + "/" + r.id
	if len(r.col.parameters) > 0 {
		path += "?" + strings.Join(r.col.parameters, "&")
	}
	return path
}

// Read reads the resource.
func (r Item) Read(result *api.Document) (int, error) {
	return r.col.client.RawGet(r.Path(), result)
}

// Patch updates attributes and relationships of the resource.
func (r Item) Patch(body interface{}, result *api.Document) (int, error) {
	return r.col.client.RawPatch(r.Path(), body, result)
}

// Delete deletes the resource.
func (r Item) Delete() (int, error) {
	return r.col.client.RawDelete(r.Path())
}

// Related reads the resources linked through one relationship.
func (r Item) Related(relationship string, result *api.Document) (int, error) {
	return r.col.client.RawGet("/"+r.col.typ+"/"+r.id+"/"+relationship, result)
}

// Relationship returns a requester for one relationship of the resource.
func (r Item) Relationship(name string) Relationship {
	return Relationship{item: r, name: name}
}

// Relationship is a requester for one relationship endpoint.
type Relationship struct {
	item Item
	name string
}

// Path returns the relationship path.
func (r Relationship) Path() string {
	return "/" + r.item.col.typ + "/" + r.item.id + "/relationships/" + r.name
}

// Read reads the linkage.
func (r Relationship) Read(result *api.Document) (int, error) {
	return r.item.col.client.RawGet(r.Path(), result)
}

// Replace replaces the linkage.
func (r Relationship) Replace(body interface{}, result *api.Document) (int, error) {
	return r.item.col.client.RawPatch(r.Path(), body, result)
}

// Add adds linkage to a to-many relationship.
func (r Relationship) Add(body interface{}, result *api.Document) (int, error) {
	return r.item.col.client.RawPost(r.Path(), body, result)
}

// Remove removes linkage from a to-many relationship.
func (r Relationship) Remove(body interface{}) (int, error) {
	return r.item.col.client.RawDeleteWithBody(r.Path(), body)
}

func (c Client) do(r *http.Request) (int, []byte, http.Header, error) {
	if r.Body != nil {
		r.Header.Set("Content-Type", ContentType)
	}
	r.Header.Set("Accept", ContentType)
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, rec.Body.Bytes(), res.Header, nil
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, res.Header, nil
}

func decodeInto(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func bodyBytes(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if j, ok := body.([]byte); ok {
		return j, nil
	}
	return json.Marshal(body)
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can also be a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path like RawGet, and also
// returns the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	for key, value := range header {
		r.Header.Set(key, value)
	}
	status, resBody, resHeader, err := c.do(r)
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	return status, resHeader, decodeInto(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusCreated or
// http.StatusOK as response, otherwise it will flag an error. Returns the
// actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	j, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewBuffer(j))
	status, resBody, _, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, strings.TrimSpace(string(resBody)))
	}
	return status, decodeInto(resBody, result)
}

// RawPatch patches the resource at path. Expects http.StatusOK or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	j, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPatch, c.url+path, bytes.NewBuffer(j))
	status, resBody, _, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, decodeInto(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as
// response, otherwise it will flag an error. Returns the actual http status
// code.
func (c Client) RawDelete(path string) (int, error) {
	return c.RawDeleteWithBody(path, nil)
}

// RawDeleteWithBody deletes with a request document, as used by to-many
// relationship removal.
func (c Client) RawDeleteWithBody(path string, body interface{}) (int, error) {
	j, err := bodyBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	var reader io.Reader
	if j != nil {
		reader = bytes.NewBuffer(j)
	}
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodDelete, c.url+path, reader)
	status, resBody, _, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, nil
}
