// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

// Package schema compiles descriptor field declarations into storage schema
// definitions. The compilation is total: every declaration compiles to a
// definition, unrecognized type tokens fall back to the text type.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// FieldType is the concrete storage type of a compiled field
type FieldType string

// all storage types
const (
	TypeText      FieldType = "text"
	TypeNumber    FieldType = "number"
	TypeDate      FieldType = "date"
	TypeBoolean   FieldType = "boolean"
	TypeReference FieldType = "reference"
	TypePoint     FieldType = "point"
	TypeNested    FieldType = "nested"
	TypeArray     FieldType = "array"
)

// typeTokens maps descriptor type tokens to storage types. Tokens are matched
// case-insensitively. Anything not listed here compiles to TypeText.
var typeTokens = map[string]FieldType{
	"string":   TypeText,
	"text":     TypeText,
	"number":   TypeNumber,
	"int":      TypeNumber,
	"float":    TypeNumber,
	"date":     TypeDate,
	"boolean":  TypeBoolean,
	"bool":     TypeBoolean,
	"objectid": TypeReference,
	"ref":      TypeReference,
	"point":    TypePoint,
}

// Field is one compiled field of a definition
type Field struct {
	Type     FieldType
	Ref      string // referenced entity for TypeReference
	Required bool
	Unique   bool
	Enum     []string
	Default  interface{}
	// Options carries every declared option other than "type" verbatim.
	// The compiler does not validate option legality.
	Options map[string]interface{}
	// Nested holds the element definition for TypeNested and TypeArray,
	// and the expanded composite for TypePoint.
	Nested *Definition
}

// HasDefault returns true if the field declares a default value
func (f Field) HasDefault() bool {
	_, ok := f.Options["default"]
	return ok || f.Type == TypePoint
}

// Definition is a compiled schema definition. Compiled models always get
// automatic created_at/updated_at timestamps on top of their fields.
type Definition struct {
	Fields map[string]Field
}

// FieldNames returns the compiled field names in stable order
func (d Definition) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredFields returns the names of all fields declared required, in stable order
func (d Definition) RequiredFields() []string {
	var names []string
	for _, name := range d.FieldNames() {
		if d.Fields[name].Required {
			names = append(names, name)
		}
	}
	return names
}

// UniqueFields returns the names of all fields declared unique, in stable order
func (d Definition) UniqueFields() []string {
	var names []string
	for _, name := range d.FieldNames() {
		if d.Fields[name].Unique {
			names = append(names, name)
		}
	}
	return names
}

// Compile converts raw descriptor field declarations into a definition.
//
// A declaration is one of:
//   - an object with a "type" key: a leaf field, every other key is an option
//   - an object without a "type" key: an embedded sub-schema
//   - an array: the first element's shape defines the element schema
//
// Compile never fails on unrecognized type tokens (they become TypeText), it
// only fails on declarations that are not valid JSON shapes at all.
func Compile(raw map[string]json.RawMessage) (Definition, error) {
	def := Definition{Fields: map[string]Field{}}
	for name, declaration := range raw {
		field, err := compileField(declaration)
		if err != nil {
			return Definition{}, fmt.Errorf("field %s: %w", name, err)
		}
		def.Fields[name] = field
	}
	return def, nil
}

func compileField(declaration json.RawMessage) (Field, error) {
	trimmed := strings.TrimSpace(string(declaration))
	if strings.HasPrefix(trimmed, "[") {
		var elements []json.RawMessage
		if err := json.Unmarshal(declaration, &elements); err != nil {
			return Field{}, err
		}
		if len(elements) == 0 {
			// an empty array declaration is an array of opaque text
			return Field{Type: TypeArray, Options: map[string]interface{}{},
				Nested: &Definition{Fields: map[string]Field{}}}, nil
		}
		element, err := compileField(elements[0])
		if err != nil {
			return Field{}, err
		}
		nested := element.Nested
		if nested == nil {
			nested = &Definition{Fields: map[string]Field{"": element}}
		}
		return Field{Type: TypeArray, Options: map[string]interface{}{}, Nested: nested}, nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(declaration, &object); err != nil {
		return Field{}, err
	}

	typeRaw, hasType := object["type"]
	if !hasType {
		// no type key means embedded sub-schema
		nested, err := Compile(object)
		if err != nil {
			return Field{}, err
		}
		return Field{Type: TypeNested, Options: map[string]interface{}{}, Nested: &nested}, nil
	}

	var token string
	if err := json.Unmarshal(typeRaw, &token); err != nil {
		// a structured type value is itself a sub-schema declaration
		nested, err := Compile(object)
		if err != nil {
			return Field{}, err
		}
		return Field{Type: TypeNested, Options: map[string]interface{}{}, Nested: &nested}, nil
	}

	fieldType, ok := typeTokens[strings.ToLower(token)]
	if !ok {
		fieldType = TypeText
	}

	field := Field{Type: fieldType, Options: map[string]interface{}{}}
	for key, value := range object {
		if key == "type" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			return Field{}, fmt.Errorf("option %s: %w", key, err)
		}
		field.Options[key] = v
		switch key {
		case "required":
			b, _ := v.(bool)
			field.Required = b
		case "unique":
			b, _ := v.(bool)
			field.Unique = b
		case "default":
			field.Default = v
		case "ref":
			s, _ := v.(string)
			field.Ref = s
		case "enum":
			if list, ok := v.([]interface{}); ok {
				for _, e := range list {
					if s, ok := e.(string); ok {
						field.Enum = append(field.Enum, s)
					}
				}
			}
		}
	}

	if fieldType == TypePoint {
		field.Nested = pointDefinition()
	}
	return field, nil
}

// pointDefinition expands the geospatial Point token into its composite
// shape with the fixed discriminator default.
func pointDefinition() *Definition {
	return &Definition{Fields: map[string]Field{
		"type": {
			Type:    TypeText,
			Default: "Point",
			Options: map[string]interface{}{"default": "Point", "enum": []interface{}{"Point"}},
			Enum:    []string{"Point"},
		},
		"coordinates": {
			Type:    TypeArray,
			Options: map[string]interface{}{},
			Nested:  &Definition{Fields: map[string]Field{"": {Type: TypeNumber, Options: map[string]interface{}{}}}},
		},
	}}
}

// ApplyDefaults fills declared defaults into doc for fields that are absent.
// Point fields get their discriminator default when the field is present but
// lacks the discriminator.
func (d Definition) ApplyDefaults(doc map[string]interface{}) {
	for name, field := range d.Fields {
		value, present := doc[name]
		if !present {
			if field.Default != nil {
				doc[name] = field.Default
			}
			continue
		}
		if field.Type == TypePoint {
			if composite, ok := value.(map[string]interface{}); ok {
				if _, ok := composite["type"]; !ok {
					composite["type"] = "Point"
				}
			}
		}
		if field.Type == TypeNested && field.Nested != nil {
			if sub, ok := value.(map[string]interface{}); ok {
				field.Nested.ApplyDefaults(sub)
			}
		}
	}
}

// ValidateRequired returns the declared-required field names missing from doc
func (d Definition) ValidateRequired(doc map[string]interface{}) []string {
	var missing []string
	for _, name := range d.RequiredFields() {
		value, ok := doc[name]
		if !ok || value == nil || value == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ValidateEnums checks declared enum restrictions on top-level text fields.
// Fields without enum restrictions always pass.
func (d Definition) ValidateEnums(doc map[string]interface{}) error {
	for _, name := range d.FieldNames() {
		field := d.Fields[name]
		if len(field.Enum) == 0 {
			continue
		}
		value, ok := doc[name].(string)
		if !ok {
			continue
		}
		allowed := false
		for _, e := range field.Enum {
			if e == value {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%s must be one of %s", name, strings.Join(field.Enum, ", "))
		}
	}
	return nil
}

// Coerce normalizes doc values towards their compiled storage types. The
// coercion is permissive: values that do not convert are left untouched, the
// document store keeps them as given.
func (d Definition) Coerce(doc map[string]interface{}) {
	for name, field := range d.Fields {
		value, ok := doc[name]
		if !ok {
			continue
		}
		switch field.Type {
		case TypeDate:
			if s, ok := value.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					doc[name] = t.UTC().Format(time.RFC3339)
				}
			}
		case TypeBoolean:
			if s, ok := value.(string); ok {
				if s == "true" || s == "false" {
					doc[name] = s == "true"
				}
			}
		case TypeNested:
			if sub, ok := value.(map[string]interface{}); ok && field.Nested != nil {
				field.Nested.Coerce(sub)
			}
		}
	}
}
