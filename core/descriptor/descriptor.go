// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

// Package descriptor implements the descriptor store: a directory of
// per-entity JSON files declaring fields, endpoints and business metadata.
// Descriptors are loaded once at startup; a malformed descriptor is fatal.
package descriptor

import (
	_ "embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed metaschema.json
var metaSchemaJSON string

// Kind selects the specialized controller behavior for an entity
type Kind string

// all entity kinds
const (
	KindEntity   Kind = "entity"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindUser     Kind = "user"
)

// Endpoint declares one HTTP endpoint of an entity
type Endpoint struct {
	Method string `json:"method"`
	// Path is a template with {param} placeholders
	Path string `json:"path"`
	// Private endpoints require a bearer token
	Private bool `json:"private"`
	// Payload is the request payload content type: "", "json" or "multipart"
	Payload string `json:"payload,omitempty"`
	// Function names a custom handler; endpoints naming an unknown function
	// are routed to a 501 stub
	Function string `json:"function,omitempty"`
	// Permission is required on top of authentication when non-empty
	Permission string `json:"permission,omitempty"`
}

// Constants holds entity-specific static data
type Constants struct {
	// Roles maps a role to its permission list
	Roles map[string][]string `json:"roles,omitempty"`
}

// Descriptor declares one entity: its payload shape, endpoints and metadata
type Descriptor struct {
	Name       string                     `json:"name"`
	Kind       Kind                       `json:"kind,omitempty"`
	Fields     map[string]json.RawMessage `json:"fields"`
	Searchable []string                   `json:"searchable,omitempty"`
	Endpoints  map[string]Endpoint        `json:"endpoints"`
	Constants  Constants                  `json:"constants,omitempty"`
	// RequiredDocuments lists document types an owning entity must have on file
	RequiredDocuments []string `json:"required_documents,omitempty"`
	Description       string   `json:"description,omitempty"`
}

// EndpointNames returns the endpoint names in stable order
func (d Descriptor) EndpointNames() []string {
	names := make([]string, 0, len(d.Endpoints))
	for name := range d.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiresDocument returns true if documentType is in the descriptor's
// required document list
func (d Descriptor) RequiresDocument(documentType string) bool {
	for _, t := range d.RequiredDocuments {
		if t == documentType {
			return true
		}
	}
	return false
}

// Parse parses and validates a single descriptor
func Parse(data []byte) (Descriptor, error) {
	result, err := metaSchema().Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Descriptor{}, fmt.Errorf("descriptor is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var details []string
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return Descriptor{}, fmt.Errorf("descriptor does not follow the meta schema:\n- %s",
			strings.Join(details, "\n- "))
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, err
	}
	if d.Kind == "" {
		d.Kind = KindEntity
	}
	switch d.Kind {
	case KindEntity, KindImage, KindDocument, KindUser:
	default:
		return Descriptor{}, fmt.Errorf("descriptor %s: unknown kind %q", d.Name, d.Kind)
	}

	// the payload shape carried by an endpoint is the authority for the
	// compiled schema, so at least one endpoint must declare one
	hasPayload := false
	for name, ep := range d.Endpoints {
		switch ep.Payload {
		case "", "json", "multipart":
		default:
			return Descriptor{}, fmt.Errorf("descriptor %s: endpoint %s declares unknown payload %q",
				d.Name, name, ep.Payload)
		}
		if ep.Payload != "" {
			hasPayload = true
		}
	}
	if !hasPayload {
		return Descriptor{}, fmt.Errorf("descriptor %s: no endpoint carries a request payload shape", d.Name)
	}
	return d, nil
}

// LoadDir loads all *.json descriptors from dir inside fsys. The returned
// slice is sorted by entity name. Descriptor names must be unique.
func LoadDir(fsys fs.FS, dir string) ([]Descriptor, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read descriptor directory %s: %w", dir, err)
	}

	var descriptors []Descriptor
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := entry.Name()
		if dir != "." {
			path = dir + "/" + entry.Name()
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("cannot read descriptor %s: %w", path, err)
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if previous, ok := seen[d.Name]; ok {
			return nil, fmt.Errorf("%s: duplicate entity name %q, already declared in %s",
				path, d.Name, previous)
		}
		seen[d.Name] = path
		descriptors = append(descriptors, d)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no descriptors found in %s", dir)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors, nil
}

var (
	compiledMetaSchema    *gojsonschema.Schema
	compileMetaSchemaOnce sync.Once
)

func metaSchema() *gojsonschema.Schema {
	compileMetaSchemaOnce.Do(func() {
		s, err := gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewStringLoader(metaSchemaJSON))
		if err != nil {
			panic(fmt.Errorf("cannot compile descriptor meta schema: %w", err))
		}
		compiledMetaSchema = s
	})
	return compiledMetaSchema
}
