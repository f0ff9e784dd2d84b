// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPermission(t *testing.T) {
	var nobody *Authorization
	assert.False(t, nobody.HasPermission("drivers:write"))

	viewer := &Authorization{Role: "viewer"}
	assert.True(t, viewer.HasPermission(""), "no permission requirement always passes")
	assert.False(t, viewer.HasPermission("drivers:write"))

	manager := &Authorization{Role: "manager", Permissions: []string{"drivers:write"}}
	assert.True(t, manager.HasPermission("drivers:write"))
	assert.False(t, manager.HasPermission("users:write"))

	admin := &Authorization{Role: "admin", Permissions: []string{"*"}}
	assert.True(t, admin.HasPermission("anything:at_all"))
}

func TestTokenRoundtrip(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", "fleetcore", time.Hour)
	require.NoError(t, err)

	auth := Authorization{
		UserID:      uuid.New(),
		Email:       "maria@cabwise.tech",
		Role:        "manager",
		Permissions: []string{"drivers:write"},
	}
	token, err := issuer.Issue(auth)
	require.NoError(t, err)

	verified, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, auth, *verified)

	_, err = issuer.Verify(token + "tampered")
	assert.Error(t, err)

	otherIssuer, err := NewTokenIssuer("other-secret", "fleetcore", time.Hour)
	require.NoError(t, err)
	_, err = otherIssuer.Verify(token)
	assert.Error(t, err)

	foreignIssuer, err := NewTokenIssuer("secret", "someone-else", time.Hour)
	require.NoError(t, err)
	foreignToken, err := foreignIssuer.Issue(auth)
	require.NoError(t, err)
	_, err = issuer.Verify(foreignToken)
	assert.Error(t, err, "tokens of a different issuer are rejected")
}

func TestNewTokenIssuerNeedsSecret(t *testing.T) {
	_, err := NewTokenIssuer("", "fleetcore", time.Hour)
	assert.Error(t, err)
}

func TestProtect(t *testing.T) {
	handler := Protect("drivers:write", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"error":"Authentication required"}`, rec.Body.String())

	viewer := &Authorization{Role: "viewer"}
	rec = httptest.NewRecorder()
	handler(rec, r.WithContext(viewer.ContextWithAuthorization(r.Context())))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	manager := &Authorization{Role: "manager", Permissions: []string{"drivers:write"}}
	rec = httptest.NewRecorder()
	handler(rec, r.WithContext(manager.ContextWithAuthorization(r.Context())))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", "fleetcore", time.Hour)
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(issuer.Middleware())
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(auth.Email))
	})

	// no token passes through unauthenticated
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	token, err := issuer.Issue(Authorization{UserID: uuid.New(), Email: "maria@cabwise.tech"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, "maria@cabwise.tech", rec.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.AddCookie(&http.Cookie{Name: "Fleetcore-JWT", Value: token})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, "maria@cabwise.tech", rec.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())
}
