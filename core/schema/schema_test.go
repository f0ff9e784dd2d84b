// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package schema

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileFields(t *testing.T, declaration string) Definition {
	t.Helper()
	raw := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal([]byte(declaration), &raw))
	def, err := Compile(raw)
	require.NoError(t, err)
	return def
}

func TestCompileLeafTypes(t *testing.T) {
	def := compileFields(t, `{
		"name":   { "type": "String", "required": true },
		"age":    { "type": "Number" },
		"born":   { "type": "date" },
		"active": { "type": "Boolean", "default": true },
		"owner":  { "type": "ObjectId", "ref": "user" }
	}`)

	assert.Equal(t, TypeText, def.Fields["name"].Type, "type tokens match case-insensitively")
	assert.True(t, def.Fields["name"].Required)
	assert.Equal(t, TypeNumber, def.Fields["age"].Type)
	assert.Equal(t, TypeDate, def.Fields["born"].Type)
	assert.Equal(t, TypeBoolean, def.Fields["active"].Type)
	assert.Equal(t, true, def.Fields["active"].Default)
	assert.Equal(t, TypeReference, def.Fields["owner"].Type)
	assert.Equal(t, "user", def.Fields["owner"].Ref)
}

func TestCompileUnknownTypeFallsBackToText(t *testing.T) {
	def := compileFields(t, `{"odd": { "type": "Decimal128" }}`)
	assert.Equal(t, TypeText, def.Fields["odd"].Type)
}

func TestCompilePointExpansion(t *testing.T) {
	def := compileFields(t, `{"location": { "type": "Point" }}`)
	location := def.Fields["location"]
	assert.Equal(t, TypePoint, location.Type)
	require.NotNil(t, location.Nested)
	assert.Equal(t, "Point", location.Nested.Fields["type"].Default)
	assert.Equal(t, TypeArray, location.Nested.Fields["coordinates"].Type)

	doc := map[string]interface{}{
		"location": map[string]interface{}{"coordinates": []interface{}{13.4, 52.5}},
	}
	def.ApplyDefaults(doc)
	composite := doc["location"].(map[string]interface{})
	assert.Equal(t, "Point", composite["type"], "the discriminator default fills in")
}

func TestCompileNestedAndArray(t *testing.T) {
	def := compileFields(t, `{
		"metadata": {
			"issued": { "type": "date" },
			"authority": { "type": "string" }
		},
		"tags": [ { "type": "string" } ],
		"stops": [ { "label": { "type": "string" } } ]
	}`)

	metadata := def.Fields["metadata"]
	assert.Equal(t, TypeNested, metadata.Type)
	require.NotNil(t, metadata.Nested)
	assert.Equal(t, TypeDate, metadata.Nested.Fields["issued"].Type)

	assert.Equal(t, TypeArray, def.Fields["tags"].Type)
	stops := def.Fields["stops"]
	assert.Equal(t, TypeArray, stops.Type)
	require.NotNil(t, stops.Nested)
	assert.Equal(t, TypeText, stops.Nested.Fields["label"].Type)
}

func TestApplyDefaults(t *testing.T) {
	def := compileFields(t, `{
		"status": { "type": "string", "default": "active" },
		"name":   { "type": "string" }
	}`)

	doc := map[string]interface{}{"name": "x"}
	def.ApplyDefaults(doc)
	assert.Equal(t, "active", doc["status"])

	doc = map[string]interface{}{"status": "inactive"}
	def.ApplyDefaults(doc)
	assert.Equal(t, "inactive", doc["status"], "given values win over defaults")
}

func TestValidateRequired(t *testing.T) {
	def := compileFields(t, `{
		"name":  { "type": "string", "required": true },
		"email": { "type": "string", "required": true },
		"note":  { "type": "string" }
	}`)

	missing := def.ValidateRequired(map[string]interface{}{"name": "x"})
	assert.Equal(t, []string{"email"}, missing)

	missing = def.ValidateRequired(map[string]interface{}{"name": "", "email": "e"})
	assert.Equal(t, []string{"name"}, missing, "empty strings count as missing")

	assert.Nil(t, def.ValidateRequired(map[string]interface{}{"name": "x", "email": "e"}))
}

func TestValidateEnums(t *testing.T) {
	def := compileFields(t, `{
		"status": { "type": "string", "enum": ["active", "inactive"] }
	}`)

	assert.NoError(t, def.ValidateEnums(map[string]interface{}{"status": "active"}))
	assert.NoError(t, def.ValidateEnums(map[string]interface{}{}))
	err := def.ValidateEnums(map[string]interface{}{"status": "parked"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status must be one of active, inactive")
}

func TestCoerce(t *testing.T) {
	def := compileFields(t, `{
		"active": { "type": "boolean" },
		"since":  { "type": "date" },
		"meta":   { "flag": { "type": "boolean" } }
	}`)

	doc := map[string]interface{}{
		"active": "true",
		"since":  "2026-01-02T15:04:05+02:00",
		"meta":   map[string]interface{}{"flag": "false"},
	}
	def.Coerce(doc)
	assert.Equal(t, true, doc["active"])
	assert.Equal(t, "2026-01-02T13:04:05Z", doc["since"], "dates normalize to UTC")
	assert.Equal(t, false, doc["meta"].(map[string]interface{})["flag"])

	doc = map[string]interface{}{"active": "maybe", "since": "not a date"}
	def.Coerce(doc)
	assert.Equal(t, "maybe", doc["active"], "unconvertible values stay untouched")
	assert.Equal(t, "not a date", doc["since"])
}
