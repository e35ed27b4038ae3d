package access

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/colinhiggs/japi/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for JwtMiddleware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC key tokens must be signed with
	Secret []byte
	// Issuer is the accepted issuer for the token. Empty accepts any issuer.
	Issuer string
}

type jwtClaims struct {
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens.
//
// Tokens are accepted as "Authorization: Bearer" header or as a
// "Japi-JWT"-cookie. The token claims carry the roles and optional
// properties of the authorization directly.
//
// This is a final handler with regards to the bearer token. It returns
// http.StatusUnauthorized when a token is present but invalid. Requests
// without a token pass through unauthorized, leaving access decisions to
// the permission evaluator.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	keyLookup := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jmb.Secret, nil
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			} else if cookie, _ := r.Cookie("Japi-JWT"); cookie != nil {
				tokenString = cookie.Value
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth, identity := authCache.Read(tokenString)
			if auth == nil {
				claims := jwtClaims{}
				token, err := jwt.ParseWithClaims(tokenString, &claims, keyLookup)
				if err != nil || !token.Valid ||
					(jmb.Issuer != "" && claims.Issuer != jmb.Issuer) {
					rlog.WithError(err).Debug("rejected bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				identity = claims.Issuer + "|" + claims.Subject
				auth = &Authorization{Roles: claims.Roles, Properties: claims.Properties}
				authCache.Write(tokenString, auth, identity)
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			ctx = ContextWithAuthorization(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
