package domaincfg

import (
	"encoding/json"
	"fmt"
	"os"
)

// Domain is the typed view of a domain document. Keys the driver does not
// know are carried in extra and written back unchanged.
//
// Domain values are immutable: the With methods return a modified copy.
type Domain struct {
	WorkspaceOutput    string  `json:"sWorkspace_output"`
	MeshBoundary       string  `json:"sFilename_mesh_boundary"`
	DEM                string  `json:"sFilename_dem"`
	BasinsFile         string  `json:"sFilename_basins"`
	MeshType           string  `json:"sMesh_type"`
	GridSystem         string  `json:"sDggrid_type"`
	ResolutionIndex    int     `json:"iResolution_index"`
	ResolutionMeters   float64 `json:"dResolution_meter"`
	CaseIndex          int     `json:"iCase_index"`
	Date               string  `json:"sDate"`
	UserProvidedBinary int     `json:"iFlag_user_provided_binary"`
	Binary             string  `json:"sFilename_hexwatershed"`

	extra map[string]json.RawMessage
}

// domainFields has the same fields as Domain without the JSON methods.
type domainFields Domain

// UnmarshalJSON decodes known keys into fields and keeps the rest.
func (d *Domain) UnmarshalJSON(data []byte) error {
	var fields domainFields
	extra, err := splitExtra(data, &fields)
	if err != nil {
		return err
	}
	*d = Domain(fields)
	d.extra = extra
	return nil
}

// MarshalJSON encodes fields merged over the preserved unknown keys.
func (d Domain) MarshalJSON() ([]byte, error) {
	return mergeExtra(domainFields(d), d.extra)
}

// Extra returns the raw value of a key the typed view does not model.
func (d Domain) Extra(key string) (json.RawMessage, bool) {
	v, ok := d.extra[key]
	return v, ok
}

// WithWorkspaceOutput sets the root under which run workspaces are created.
func (d Domain) WithWorkspaceOutput(path string) Domain {
	d.WorkspaceOutput = path
	return d
}

func (d Domain) WithMeshBoundary(path string) Domain {
	d.MeshBoundary = path
	return d
}

func (d Domain) WithDEM(path string) Domain {
	d.DEM = path
	return d
}

func (d Domain) WithBasinsFile(path string) Domain {
	d.BasinsFile = path
	return d
}

func (d Domain) WithBinary(path string) Domain {
	d.Binary = path
	return d
}

// WithRun stamps the run identity onto the document.
func (d Domain) WithRun(caseIndex, resolutionIndex int, meters float64, meshType, gridSystem, date string) Domain {
	d.CaseIndex = caseIndex
	d.ResolutionIndex = resolutionIndex
	d.ResolutionMeters = meters
	d.MeshType = meshType
	d.GridSystem = gridSystem
	d.Date = date
	return d
}

// WithUserProvidedBinary sets the flag that makes the pipeline use Binary
// instead of a search-path lookup.
func (d Domain) WithUserProvidedBinary(on bool) Domain {
	d.UserProvidedBinary = boolFlag(on)
	return d
}

// Missing returns the required keys that are empty.
func (d Domain) Missing() []string {
	var missing []string
	if d.WorkspaceOutput == "" {
		missing = append(missing, "sWorkspace_output")
	}
	if d.MeshBoundary == "" {
		missing = append(missing, "sFilename_mesh_boundary")
	}
	if d.DEM == "" {
		missing = append(missing, "sFilename_dem")
	}
	if d.BasinsFile == "" {
		missing = append(missing, "sFilename_basins")
	}
	return missing
}

// LoadDomain reads a domain document.
func LoadDomain(path string) (Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Domain{}, fmt.Errorf("read domain: %w", err)
	}
	var d Domain
	if err := json.Unmarshal(data, &d); err != nil {
		return Domain{}, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
	}
	return d, nil
}

// SaveDomain writes a domain document.
func SaveDomain(path string, d Domain) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal domain: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func boolFlag(on bool) int {
	if on {
		return 1
	}
	return 0
}

// splitExtra decodes data into fields and returns the keys fields does not
// declare.
func splitExtra(data []byte, fields any) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, err
	}
	known, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return nil, err
	}
	for k := range knownKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra encodes fields and merges them over extra.
func mergeExtra(fields any, extra map[string]json.RawMessage) ([]byte, error) {
	known, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+16)
	for k, v := range extra {
		merged[k] = v
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return nil, err
	}
	for k, v := range knownKeys {
		merged[k] = v
	}
	return json.Marshal(merged)
}
