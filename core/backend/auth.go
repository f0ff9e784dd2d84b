// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cabwise-tech/fleetcore/core/access"
	"github.com/cabwise-tech/fleetcore/core/descriptor"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

// login authenticates a user by email and password and issues a signed
// token. Unknown email and wrong password are indistinguishable to the
// caller.
func (b *Backend) login(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := bodyFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		email, _ := body["email"].(string)
		password, _ := body["password"].(string)
		if email == "" || password == "" {
			writeError(w, http.StatusBadRequest, "Email and password are required")
			return
		}

		user, found, err := m.findOneByFieldFold(r.Context(), "email", email)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}

		hash := user.String("password")
		if hash == "" {
			logger.FromContext(r.Context()).Errorf("user %s has no password hash", user.ID)
			writeError(w, http.StatusInternalServerError, "User record is incomplete")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}

		role := user.String("role")
		auth := access.Authorization{
			UserID:      user.ID,
			Email:       user.String("email"),
			Role:        role,
			Permissions: d.Constants.Roles[role],
		}
		token, err := b.tokenIssuer.Issue(auth)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Error("cannot issue token")
			writeError(w, http.StatusInternalServerError, "Cannot issue token")
			return
		}

		delete(user.Properties, "password")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token":       token,
			"user":        user,
			"permissions": auth.Permissions,
		})
	}
}

// register creates a user account. The password is stored as a bcrypt hash
// and never returned; the email is unique case-insensitively.
func (b *Backend) register(d descriptor.Descriptor, m *Model) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := bodyFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		email, _ := body["email"].(string)
		password, _ := body["password"].(string)
		if email == "" || password == "" {
			writeError(w, http.StatusBadRequest, "Email and password are required")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		body["email"] = strings.ToLower(email)
		body["password"] = string(hash)

		user, err := m.insert(r.Context(), body)
		if err != nil {
			if isUniqueViolation(err) {
				writeError(w, http.StatusBadRequest, "Email already exists")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		delete(user.Properties, "password")
		writeJSON(w, http.StatusCreated, user)
	}
}
