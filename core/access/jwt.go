// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cabwise-tech/fleetcore/core/logger"
)

// TokenIssuer issues and verifies the HS256 bearer tokens used by the
// compiled login endpoint and the private routes.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	validity time.Duration
}

// NewTokenIssuer creates a token issuer. The signing secret is mandatory,
// validity falls back to 24 hours when zero.
func NewTokenIssuer(secret, issuer string, validity time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token signing secret is missing")
	}
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, validity: validity}, nil
}

type tokenClaims struct {
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Issue creates a signed token embedding identity, role and the role-derived
// permission list.
func (t *TokenIssuer) Issue(auth Authorization) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Email:       auth.Email,
		Role:        auth.Role,
		Permissions: auth.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   auth.UserID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.validity)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a token string and returns the embedded
// authorization.
func (t *TokenIssuer) Verify(tokenString string) (*Authorization, error) {
	claims := tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if t.issuer != "" && claims.Issuer != t.issuer {
		return nil, errors.New("invalid token issuer")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errors.New("invalid token subject")
	}
	return &Authorization{
		UserID:      userID,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}

// Middleware returns a middleware handler to validate JWT bearer tokens.
//
// Tokens are accepted as "Authorization: Bearer" header or as
// "Fleetcore-JWT" cookie. The middleware only authenticates; it passes
// requests without a token through untouched, route protection happens
// behind it with Protect.
func (t *TokenIssuer) Middleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth := AuthorizationFromContext(r.Context()); auth != nil {
				h.ServeHTTP(w, r) // already authorized
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			} else if cookie, _ := r.Cookie("Fleetcore-JWT"); cookie != nil {
				tokenString = cookie.Value
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth, err := t.Verify(tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := auth.ContextWithAuthorization(r.Context())
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Email)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
