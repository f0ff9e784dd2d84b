// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package descriptor

import (
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validDescriptor = `{
	"name": "vehicle",
	"fields": {
		"plate_number": { "type": "string", "required": true, "unique": true }
	},
	"searchable": ["plate_number"],
	"required_documents": ["registration", "insurance"],
	"endpoints": {
		"list":   { "method": "GET", "path": "/vehicles" },
		"create": { "method": "POST", "path": "/vehicles", "payload": "json", "private": true, "permission": "vehicles:write" }
	}
}`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(validDescriptor))
	require.NoError(t, err)
	assert.Equal(t, "vehicle", d.Name)
	assert.Equal(t, KindEntity, d.Kind, "kind defaults to entity")
	assert.Equal(t, []string{"create", "list"}, d.EndpointNames())
	assert.True(t, d.Endpoints["create"].Private)
	assert.Equal(t, "vehicles:write", d.Endpoints["create"].Permission)
	assert.True(t, d.RequiresDocument("insurance"))
	assert.False(t, d.RequiresDocument("license"))
}

func TestParseConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := Parse([]byte(validDescriptor))
			assert.NoError(t, err)
			assert.Equal(t, "vehicle", d.Name)
		}()
	}
	wg.Wait()
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"name": "x"`,
		"missing fields":  `{"name": "x", "endpoints": {"a": {"method": "GET", "path": "/x", "payload": "json"}}}`,
		"bad method":      `{"name": "x", "fields": {"a": {"type": "string"}}, "endpoints": {"a": {"method": "FETCH", "path": "/x", "payload": "json"}}}`,
		"relative path":   `{"name": "x", "fields": {"a": {"type": "string"}}, "endpoints": {"a": {"method": "GET", "path": "x", "payload": "json"}}}`,
		"bad name":        `{"name": "X!", "fields": {"a": {"type": "string"}}, "endpoints": {"a": {"method": "GET", "path": "/x", "payload": "json"}}}`,
		"bad kind":        `{"name": "x", "kind": "video", "fields": {"a": {"type": "string"}}, "endpoints": {"a": {"method": "GET", "path": "/x", "payload": "json"}}}`,
		"bad payload":     `{"name": "x", "fields": {"a": {"type": "string"}}, "endpoints": {"a": {"method": "GET", "path": "/x", "payload": "form"}}}`,
		"no payload hint": `{"name": "x", "fields": {"a": {"type": "string"}}, "endpoints": {"a": {"method": "GET", "path": "/x"}}}`,
	}
	for name, data := range cases {
		_, err := Parse([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestLoadDir(t *testing.T) {
	fsys := fstest.MapFS{
		"descriptors/vehicle.json": &fstest.MapFile{Data: []byte(validDescriptor)},
		"descriptors/driver.json": &fstest.MapFile{Data: []byte(`{
			"name": "driver",
			"fields": { "name": { "type": "string" } },
			"endpoints": { "create": { "method": "POST", "path": "/drivers", "payload": "json" } }
		}`)},
		"descriptors/readme.txt": &fstest.MapFile{Data: []byte("not a descriptor")},
	}

	descriptors, err := LoadDir(fsys, "descriptors")
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, "driver", descriptors[0].Name, "descriptors come sorted by name")
	assert.Equal(t, "vehicle", descriptors[1].Name)
}

func TestLoadDirRejectsDuplicates(t *testing.T) {
	fsys := fstest.MapFS{
		"a.json": &fstest.MapFile{Data: []byte(validDescriptor)},
		"b.json": &fstest.MapFile{Data: []byte(validDescriptor)},
	}
	_, err := LoadDir(fsys, ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entity name")
}

func TestLoadDirEmpty(t *testing.T) {
	_, err := LoadDir(fstest.MapFS{}, ".")
	assert.Error(t, err)
}
