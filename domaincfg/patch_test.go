package domaincfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domainTemplate = `{
  "sWorkspace_output": "/tmp/out",
  "sFilename_mesh_boundary": "",
  "sFilename_dem": "",
  "sFilename_basins": null,
  "iResolution_index": 10,
  "dResolution_meter": 5000,
  "iFlag_stream_burning_topology": 1,
  "sMesh_type": "dggrid"
}
`

const basinsTemplate = `[
  {
    "lBasinID": 1,
    "sFilename_flowline_filter": "",
    "dLongitude_outlet_degree": 0,
    "dLatitude_outlet_degree": 0,
    "dThreshold_small_river": 10000,
    "iFlag_debug": 0,
    "iFlag_dam": 0
  },
  {
    "lBasinID": 2,
    "sFilename_flowline_filter": "",
    "dLongitude_outlet_degree": 0,
    "dLatitude_outlet_degree": 0,
    "dThreshold_small_river": 10000,
    "iFlag_debug": 0,
    "iFlag_dam": 1
  }
]
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func decodeFile(t *testing.T, path string) any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestPatch_RootKeyRoundTrip(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)

	require.NoError(t, Patch(path, "sFilename_basins", "/data/yukon/basins.json"))

	got, err := Get(path, "sFilename_basins")
	require.NoError(t, err)
	assert.Equal(t, "/data/yukon/basins.json", got)
}

func TestPatch_LeavesOtherKeysUnchanged(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)
	before := decodeFile(t, path).(map[string]any)

	require.NoError(t, Patch(path, "sFilename_dem", "/data/dem.tif"))

	after := decodeFile(t, path).(map[string]any)
	require.Len(t, after, len(before))
	for k, v := range before {
		if k == "sFilename_dem" {
			assert.Equal(t, "/data/dem.tif", after[k])
			continue
		}
		assert.Equal(t, v, after[k], "key %s changed", k)
	}
}

func TestPatch_Idempotent(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)

	require.NoError(t, Patch(path, "sFilename_mesh_boundary", "/data/boundary.geojson"))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, Patch(path, "sFilename_mesh_boundary", "/data/boundary.geojson"))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestPatch_IntegerStaysInteger(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)

	require.NoError(t, Patch(path, "iResolution_index", 14))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"iResolution_index": 14`)
}

func TestPatch_BasinScope(t *testing.T) {
	path := writeTemp(t, "basins.json", basinsTemplate)

	require.NoError(t, Patch(path, "sFilename_flowline_filter", "/data/dggrid14/river_networks.geojson", InBasin(1)))

	got, err := Get(path, "sFilename_flowline_filter", InBasin(1))
	require.NoError(t, err)
	assert.Equal(t, "/data/dggrid14/river_networks.geojson", got)

	untouched, err := Get(path, "sFilename_flowline_filter", InBasin(0))
	require.NoError(t, err)
	assert.Equal(t, "", untouched)
}

func TestPatch_BasinScopeInsideDomainDocument(t *testing.T) {
	path := writeTemp(t, "domain.json", `{"sMesh_type": "dggrid", "aBasin": [{"dThreshold_small_river": 1}]}`)

	require.NoError(t, Patch(path, "dThreshold_small_river", 25000.5, InBasin(0)))

	got, err := Get(path, "dThreshold_small_river", InBasin(0))
	require.NoError(t, err)
	assert.Equal(t, json.Number("25000.5"), got)
}

func TestPatch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
		value   any
		opts    []Option
		wantErr error
	}{
		{
			name:    "missing root key",
			content: domainTemplate,
			key:     "sFilename_unknown",
			value:   "x",
			wantErr: ErrKeyNotFound,
		},
		{
			name:    "missing basin key",
			content: basinsTemplate,
			key:     "sFilename_unknown",
			value:   "x",
			opts:    []Option{InBasin(0)},
			wantErr: ErrKeyNotFound,
		},
		{
			name:    "basin index equal to length",
			content: basinsTemplate,
			key:     "sFilename_flowline_filter",
			value:   "x",
			opts:    []Option{InBasin(2)},
			wantErr: ErrIndexOutOfRange,
		},
		{
			name:    "negative basin index",
			content: basinsTemplate,
			key:     "sFilename_flowline_filter",
			value:   "x",
			opts:    []Option{InBasin(-1)},
			wantErr: ErrIndexOutOfRange,
		},
		{
			name:    "basin scope without basins",
			content: domainTemplate,
			key:     "sMesh_type",
			value:   "x",
			opts:    []Option{InBasin(0)},
			wantErr: ErrNotBasinCollection,
		},
		{
			name:    "type mismatch",
			content: domainTemplate,
			key:     "iResolution_index",
			value:   "fourteen",
			wantErr: ErrTypeMismatch,
		},
		{
			name:    "root key on basin list",
			content: basinsTemplate,
			key:     "lBasinID",
			value:   3,
			wantErr: ErrInvalidDocument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, "doc.json", tt.content)

			err := Patch(path, tt.key, tt.value, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			data, readErr := os.ReadFile(path)
			require.NoError(t, readErr)
			assert.Equal(t, tt.content, string(data), "document must be left unmodified")
		})
	}
}

func TestPatch_MissingFile(t *testing.T) {
	err := Patch(filepath.Join(t.TempDir(), "absent.json"), "sFilename_dem", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPatchSet_AllOrNothing(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)

	err := PatchSet(path, []Override{
		{Key: "sFilename_dem", Value: "/data/dem.tif"},
		{Key: "sFilename_missing", Value: "x"},
	})
	require.ErrorIs(t, err, ErrKeyNotFound)

	got, err := Get(path, "sFilename_dem")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestPatch_KeepsFileMode(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)
	require.NoError(t, os.Chmod(path, 0600))

	require.NoError(t, Patch(path, "sFilename_dem", "/data/dem.tif"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPatch_ReadOnlyDocument(t *testing.T) {
	path := writeTemp(t, "domain.json", domainTemplate)
	require.NoError(t, os.Chmod(path, 0444))

	err := Patch(path, "sFilename_dem", "/data/dem.tif")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, domainTemplate, string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"14", json.Number("14")},
		{"2.5", json.Number("2.5")},
		{"true", true},
		{"null", nil},
		{`"quoted"`, "quoted"},
		{"/data/dem.tif", "/data/dem.tif"},
		{"ISEA3H", "ISEA3H"},
		{"1 2", "1 2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseValue(tt.in))
		})
	}
}

func TestOverride_String(t *testing.T) {
	i := 0
	assert.Equal(t, "sFilename_dem=/d", Override{Key: "sFilename_dem", Value: "/d"}.String())
	assert.Equal(t, "basin[0].iFlag_debug=1", Override{Key: "iFlag_debug", Value: 1, Basin: &i}.String())
}
