// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

/*Package access provides utilities for access control.

An Authorization is a context object which stores the authenticated caller:
identity, role and the role-derived permission list. Authorizations are added
to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := access.AuthorizationFromContext(ctx)

Authorization objects are added to the context by the bearer-token middleware,
based on tokens issued by the compiled login endpoint.
*/
package access

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cabwise-tech/fleetcore/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// Authorization describes an authenticated caller
type Authorization struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
}

// HasPermission returns true if the authorization carries the requested
// permission. The "*" permission matches everything.
func (a *Authorization) HasPermission(permission string) bool {
	if a == nil {
		return false
	}
	if permission == "" {
		return true
	}
	for _, p := range a.Permissions {
		if p == "*" || p == permission {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
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

func writeError(w http.ResponseWriter, status int, message string) {
	jsonData, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// Protect wraps h so that it only runs for authenticated callers carrying
// the requested permission. Unauthenticated callers get 401, authenticated
// callers without the permission get 403.
func Protect(permission string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if !auth.HasPermission(permission) {
			logger.FromContext(r.Context()).Warningf("missing permission %s for %s", permission, auth.Email)
			writeError(w, http.StatusForbidden, "Insufficient permissions")
			return
		}
		h.ServeHTTP(w, r)
	}
}

// HandleAuthorizationRoute adds a route /authorization GET to the router.
//
// The route returns the current authorization for the provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("authorization")
	rlog.Debugln("  handle route: /authorization GET")
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
