// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend_test

import (
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/cabwise-tech/fleetcore/core/access"
	"github.com/cabwise-tech/fleetcore/core/backend"
	"github.com/cabwise-tech/fleetcore/core/backend/files"
	"github.com/cabwise-tech/fleetcore/core/client"
	"github.com/cabwise-tech/fleetcore/core/csql"
	"github.com/cabwise-tech/fleetcore/core/descriptor"
)

// TestService is the test harness: a backend compiled from the test
// descriptor set, running against a dedicated postgres schema.
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type TestService struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=docker" description:"password to the Postgres DB"`

	Db           *csql.DB
	Router       *mux.Router
	backend      *backend.Backend
	client       client.Client
	clientNoAuth client.Client
}

// CreateTestService creates a new service that can be used for testing.
// It is expected to close the Db from the returned object when the object is
// no longer used.
func CreateTestService(descriptorJSON []string, schemaName string) *TestService {
	s := TestService{}
	if err := envdecode.Decode(&s); err != nil {
		panic(err)
	}

	s.Db = csql.OpenWithSchema(s.Postgres, s.PostgresPassword, schemaName)
	s.Db.ClearSchema()

	var descriptors []descriptor.Descriptor
	for _, j := range descriptorJSON {
		d, err := descriptor.Parse([]byte(j))
		if err != nil {
			panic(err)
		}
		descriptors = append(descriptors, d)
	}

	dir, err := os.MkdirTemp("", "fleetcore-test")
	if err != nil {
		panic(err)
	}

	s.Router = mux.NewRouter()
	s.backend = backend.New(&backend.Builder{
		Descriptors:  descriptors,
		DB:           s.Db,
		Router:       s.Router,
		TokenSecret:  "test-secret",
		UpdateSchema: true,
		FilesConfiguration: files.Configuration{
			DriverType: files.DriverTypeLocal,
			LocalConfiguration: &files.LocalConfiguration{
				BasePath: dir,
			},
		},
	})

	s.client = client.NewWithRouter(s.Router).WithAuthorization(&access.Authorization{
		UserID:      uuid.New(),
		Email:       "admin@cabwise.tech",
		Role:        "admin",
		Permissions: []string{"*"},
	})
	s.clientNoAuth = client.NewWithRouter(s.Router)

	return &s
}

var driverDescriptorJSON = `{
	"name": "driver",
	"fields": {
		"name": { "type": "string", "required": true },
		"email": { "type": "string", "unique": true },
		"license_number": { "type": "string" },
		"status": { "type": "string", "enum": ["active", "inactive", "suspended"], "default": "active" },
		"home_location": { "type": "point" }
	},
	"searchable": ["name", "email", "license_number"],
	"required_documents": ["license", "medical_certificate"],
	"endpoints": {
		"list": { "method": "GET", "path": "/drivers" },
		"read": { "method": "GET", "path": "/drivers/{id}" },
		"create": { "method": "POST", "path": "/drivers", "payload": "json" },
		"update": { "method": "PUT", "path": "/drivers/{id}", "payload": "json" },
		"delete": { "method": "DELETE", "path": "/drivers/{id}", "private": true, "permission": "drivers:write" },
		"stats": { "method": "GET", "path": "/drivers/stats" },
		"export": { "method": "GET", "path": "/drivers/export", "function": "exportDriversCsv" }
	}
}`

var userDescriptorJSON = `{
	"name": "user",
	"kind": "user",
	"fields": {
		"email": { "type": "string", "required": true, "unique": true },
		"password": { "type": "string", "required": true },
		"name": { "type": "string" },
		"role": { "type": "string", "enum": ["admin", "manager", "viewer"], "default": "viewer" }
	},
	"constants": {
		"roles": {
			"admin": ["*"],
			"manager": ["drivers:write", "documents:verify"],
			"viewer": []
		}
	},
	"endpoints": {
		"login": { "method": "POST", "path": "/auth/login", "payload": "json" },
		"register": { "method": "POST", "path": "/auth/register", "payload": "json" },
		"list": { "method": "GET", "path": "/users", "private": true, "permission": "users:read" }
	}
}`

var imageDescriptorJSON = `{
	"name": "image",
	"kind": "image",
	"fields": {
		"owner_type": { "type": "string", "required": true },
		"owner_id": { "type": "string", "required": true },
		"file_url": { "type": "string" },
		"file_name": { "type": "string" },
		"caption": { "type": "string" },
		"status": { "type": "string", "enum": ["active", "inactive"], "default": "active" }
	},
	"searchable": ["file_name", "caption"],
	"endpoints": {
		"list": { "method": "GET", "path": "/images" },
		"read": { "method": "GET", "path": "/images/{id}" },
		"upload": { "method": "POST", "path": "/images", "payload": "multipart" },
		"update": { "method": "PUT", "path": "/images/{id}", "payload": "multipart" },
		"delete": { "method": "DELETE", "path": "/images/{id}" },
		"get_by_entity": { "method": "GET", "path": "/images/entity/{entity_type}/{entity_id}" }
	}
}`

var documentDescriptorJSON = `{
	"name": "document",
	"kind": "document",
	"fields": {
		"owner_type": { "type": "string", "required": true },
		"owner_id": { "type": "string", "required": true },
		"document_type": { "type": "string", "required": true },
		"file_url": { "type": "string" },
		"file_name": { "type": "string" },
		"status": { "type": "string", "enum": ["active", "inactive"], "default": "active" },
		"verification_status": { "type": "string", "enum": ["pending", "approved", "rejected"], "default": "pending" },
		"verification_notes": { "type": "string" },
		"verified_by": { "type": "ref", "ref": "user" },
		"verified_at": { "type": "date" },
		"document_metadata": {
			"expiry_date": { "type": "date" },
			"issuing_authority": { "type": "string" }
		}
	},
	"searchable": ["file_name", "document_type"],
	"endpoints": {
		"list": { "method": "GET", "path": "/documents" },
		"read": { "method": "GET", "path": "/documents/{id}" },
		"upload": { "method": "POST", "path": "/documents", "payload": "multipart" },
		"update": { "method": "PUT", "path": "/documents/{id}", "payload": "multipart" },
		"delete": { "method": "DELETE", "path": "/documents/{id}" },
		"verify": { "method": "POST", "path": "/documents/{id}/verify", "payload": "json", "private": true, "permission": "documents:verify" },
		"get_by_entity": { "method": "GET", "path": "/documents/entity/{entity_type}/{entity_id}" },
		"check_compliance": { "method": "GET", "path": "/documents/compliance/{entity_type}/{entity_id}" }
	}
}`

func allTestDescriptors() []string {
	return []string{driverDescriptorJSON, userDescriptorJSON, imageDescriptorJSON, documentDescriptorJSON}
}
