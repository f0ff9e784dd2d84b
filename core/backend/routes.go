// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend

import (
	"net/http"
	"sort"
	"strings"

	"github.com/cabwise-tech/fleetcore/core"
	"github.com/cabwise-tech/fleetcore/core/access"
	"github.com/cabwise-tech/fleetcore/core/descriptor"
	"github.com/cabwise-tech/fleetcore/core/logger"
)

// operationAliases maps the snake_case endpoint names used in descriptors to
// their operations
var operationAliases = map[string]core.Operation{
	"get_by_entity":    core.OperationGetByEntity,
	"check_compliance": core.OperationCheckCompliance,
}

// operationForEndpoint resolves an endpoint name to its operation, false if
// the name does not match any compiled operation.
func operationForEndpoint(name string) (core.Operation, bool) {
	if op, ok := operationAliases[name]; ok {
		return op, true
	}
	op := core.Operation(name)
	switch op {
	case core.OperationCreate, core.OperationRead, core.OperationUpdate,
		core.OperationDelete, core.OperationList, core.OperationUpload,
		core.OperationVerify, core.OperationGetByEntity, core.OperationCheckCompliance,
		core.OperationLogin, core.OperationRegister, core.OperationStats:
		return op, true
	}
	return "", false
}

// dispatchOperation is the method-based fallback for endpoints that neither
// name an operation nor a custom function.
func dispatchOperation(method, path string) (core.Operation, bool) {
	hasID := strings.Contains(path, "{id}")
	switch method {
	case http.MethodGet:
		if hasID {
			return core.OperationRead, true
		}
		return core.OperationList, true
	case http.MethodPost:
		return core.OperationCreate, true
	case http.MethodPut, http.MethodPatch:
		return core.OperationUpdate, true
	case http.MethodDelete:
		return core.OperationDelete, true
	}
	return "", false
}

func notImplemented(function string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotImplemented, function+" implementation pending")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, r.Method+" is not supported here")
}

// compileRoutes registers all endpoints of one descriptor on the router,
// each wrapped with the error boundary and, where declared, with token
// protection and the multipart file intake.
func (b *Backend) compileRoutes(d descriptor.Descriptor, m *Model) {
	handlers := b.buildController(d, m)
	rlog := logger.Default().WithField("entity", d.Name)

	// static path templates register before parameterized ones, the router
	// matches in registration order
	names := d.EndpointNames()
	sort.SliceStable(names, func(i, j int) bool {
		return strings.Count(d.Endpoints[names[i]].Path, "{") <
			strings.Count(d.Endpoints[names[j]].Path, "{")
	})

	for _, name := range names {
		endpoint := d.Endpoints[name]

		var handler http.Handler
		operation, known := operationForEndpoint(name)
		if !known && endpoint.Function != "" {
			operation, known = operationForEndpoint(endpoint.Function)
		}
		if known {
			handler = handlers[operation]
		}
		if handler == nil && endpoint.Function != "" {
			// declared but not compiled, reserve the route
			handler = notImplemented(endpoint.Function)
			rlog.Warningf("endpoint %s names unknown function %q, routing to a stub",
				name, endpoint.Function)
		}
		if handler == nil {
			operation, known = dispatchOperation(endpoint.Method, endpoint.Path)
			if known {
				handler = handlers[operation]
			}
		}
		if handler == nil {
			handler = http.HandlerFunc(methodNotAllowed)
		}

		if endpoint.Payload == "multipart" {
			handler = b.fileIntake(d.Kind, handler)
		}

		finalHandler := handler.ServeHTTP
		if endpoint.Private {
			finalHandler = access.Protect(endpoint.Permission, finalHandler)
		}

		b.router.Handle(endpoint.Path, boundary(finalHandler)).Methods(endpoint.Method)
		rlog.Debugf("%s %s -> %s", endpoint.Method, endpoint.Path, name)
	}
}
