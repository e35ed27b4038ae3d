/*Package access provides the authorization model: masks, evaluators, the
read and write cascades, role permits and JWT middleware.
*/
package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

/*Authorization is a context object which stores authorization information
for users or machines.

An authorization carries a list of roles and optional free-form properties.
Authorizations are added to a request context with

  ctx = access.ContextWithAuthorization(ctx, auth)

and retrieved with

  auth := access.AuthorizationFromContext(ctx)

Authorization objects are added to the context by middleware implementations,
depending on authorization tokens in the HTTP request. Bearer JWT and a
Japi-JWT cookie are supported.
*/
type Authorization struct {
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property; if the property
// does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// ContextWithAuthorization returns a new context with this authorization added to it
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to avoid re-parsing tokens on every single request. The
// authenticated identity is cached alongside the authorization, both were
// derived from the same token.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]cachedAuthorization
}

type cachedAuthorization struct {
	auth     *Authorization
	identity string
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]cachedAuthorization)}
}

// Read returns an authorization and its identity from the in-process cache.
// Token should be the bearer token the authorization was derived from.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) (*Authorization, string) {
	a.mutex.RLock()
	cached, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return cached.auth, cached.identity
	}
	return nil, ""
}

// Write stores an authorization and its identity in the in-memory cache.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, identity string) {
	a.mutex.Lock()
	a.cache[token] = cachedAuthorization{auth: auth, identity: identity}
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router.
//
// The route returns the current authorization for the provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
