// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

// Package backend compiles entity descriptors into a running REST backend:
// per-entity document collections in postgres, request handlers for the
// declared operations and the routes binding them. Everything an entity
// needs is derived at startup from its descriptor, adding an entity to the
// system means adding one JSON file.
package backend

import (
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cabwise-tech/fleetcore/core"
	"github.com/cabwise-tech/fleetcore/core/access"
	"github.com/cabwise-tech/fleetcore/core/backend/files"
	"github.com/cabwise-tech/fleetcore/core/csql"
	"github.com/cabwise-tech/fleetcore/core/descriptor"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

// Builder is a builder helper for the backend
type Builder struct {
	// DescriptorFS is the filesystem holding the entity descriptors
	DescriptorFS fs.FS
	// DescriptorDir is the descriptor directory inside DescriptorFS, "." by default
	DescriptorDir string
	// Descriptors takes precedence over DescriptorFS when non-empty
	Descriptors []descriptor.Descriptor
	// DB is the postgres connection wrapper. Mandatory.
	DB *csql.DB
	// Router is the mux router to add handlers to. Mandatory.
	Router *mux.Router
	// TokenSecret signs and verifies bearer tokens. Mandatory.
	TokenSecret string
	// TokenValidity limits issued token lifetime, 24h by default
	TokenValidity time.Duration
	// FilesConfiguration enables upload storage; without it the file
	// endpoints reject uploads
	FilesConfiguration files.Configuration
	// Notifier receives entity change notifications. Optional.
	Notifier core.Notifier
	// UpdateSchema enables DDL at startup
	UpdateSchema bool
	// OperationTimeout bounds every store operation, 10s by default
	OperationTimeout time.Duration
}

// Backend is the descriptor-driven REST backend
type Backend struct {
	db          *csql.DB
	router      *mux.Router
	descriptors map[string]descriptor.Descriptor
	models      map[string]*Model
	userModel   *Model
	tokenIssuer *access.TokenIssuer
	filesDriver files.Driver
	notifier    core.Notifier
}

// New realizes the backend. It compiles all descriptors into models and
// routes, and panics on configuration errors, as the system is incomplete
// without a valid descriptor set.
func New(builder *Builder) *Backend {
	if builder.DB == nil {
		panic("builder.DB is missing")
	}
	if builder.Router == nil {
		panic("builder.Router is missing")
	}

	descriptors := builder.Descriptors
	if len(descriptors) == 0 {
		if builder.DescriptorFS == nil {
			panic("builder has neither Descriptors nor a DescriptorFS")
		}
		dir := builder.DescriptorDir
		if dir == "" {
			dir = "."
		}
		var err error
		descriptors, err = descriptor.LoadDir(builder.DescriptorFS, dir)
		if err != nil {
			panic(err)
		}
	}

	tokenIssuer, err := access.NewTokenIssuer(builder.TokenSecret, "fleetcore", builder.TokenValidity)
	if err != nil {
		panic(err)
	}

	filesDriver, err := files.NewDriver(builder.FilesConfiguration)
	if err != nil {
		panic(err)
	}

	b := &Backend{
		db:          builder.DB,
		router:      builder.Router,
		descriptors: map[string]descriptor.Descriptor{},
		models:      map[string]*Model{},
		tokenIssuer: tokenIssuer,
		filesDriver: filesDriver,
		notifier:    builder.Notifier,
	}

	logger.AddRequestID(b.router)
	b.router.Use(tokenIssuer.Middleware())

	for _, d := range descriptors {
		model, err := newModel(b.db, d, b.notifier, builder.OperationTimeout, builder.UpdateSchema)
		if err != nil {
			panic(err)
		}
		b.descriptors[d.Name] = d
		b.models[d.Name] = model
		if d.Kind == descriptor.KindUser {
			b.userModel = model
		}
		logger.Default().Infof("compiled entity %s (%s), endpoints: %v",
			d.Name, d.Kind, d.EndpointNames())
	}
	for _, d := range descriptors {
		b.compileRoutes(d, b.models[d.Name])
	}

	b.router.HandleFunc("/healthz", b.health).Methods(http.MethodGet)
	access.HandleAuthorizationRoute(b.router)
	return b
}

// Model returns the compiled model of one entity, nil if unknown
func (b *Backend) Model(name string) *Model {
	return b.models[name]
}

// TokenIssuer returns the backend's token issuer
func (b *Backend) TokenIssuer() *access.TokenIssuer {
	return b.tokenIssuer
}

// health reports liveness including store connectivity
func (b *Backend) health(w http.ResponseWriter, r *http.Request) {
	if err := b.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"entities": len(b.models),
	})
}
