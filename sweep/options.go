package sweep

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/hexsweep/domaincfg"
	"github.com/c360studio/hexsweep/pipeline"
)

// Sentinel errors for sweep configuration.
var (
	ErrInvalidRange   = errors.New("invalid candidate range")
	ErrInvalidOptions = errors.New("invalid sweep options")
	// ErrConfigurationMissing means a template document does not exist.
	ErrConfigurationMissing = errors.New("configuration template missing")
)

// DefaultThresholdFactor is the number of cells a small river must span.
const DefaultThresholdFactor = 5.0

// ResolutionPlaceholder is replaced by the resolution index in
// flowline path templates.
const ResolutionPlaceholder = "{resolution}"

// Staged copies written into each workspace before patching.
const (
	ConfigCopyFile = "configuration_copy.json"
	BasinsCopyFile = "basins_copy.json"
)

// Document keys the sweep sets on every staged copy.
const (
	keyWorkspaceOutput = "sWorkspace_output"
	keyBasins          = "sFilename_basins"
	keyMeshBoundary    = "sFilename_mesh_boundary"
	keyDEM             = "sFilename_dem"
	keyFlowlineFilter  = "sFilename_flowline_filter"
)

// FailurePolicy decides what happens after a case fails.
type FailurePolicy string

const (
	// FailAbort stops the sweep at the first failed case.
	FailAbort FailurePolicy = "abort"
	// FailContinue records the failure and moves on to the next candidate.
	FailContinue FailurePolicy = "continue"
)

// IsValid returns true if p is a known policy.
func (p FailurePolicy) IsValid() bool {
	return p == FailAbort || p == FailContinue
}

// Mode is how cases are dispatched.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeHPC    Mode = "hpc"
	ModeDryRun Mode = "dry_run"
)

// Outlet is a basin outlet in degrees.
type Outlet struct {
	Longitude float64
	Latitude  float64
}

// BasinParams are per-basin values set on every case's run handle.
type BasinParams struct {
	Index  int
	Outlet *Outlet
	// FlowlineTemplate overrides Options.FlowlineTemplate for this basin.
	FlowlineTemplate string
	Debug            bool
}

// HPCOptions control batch job dispatch.
type HPCOptions struct {
	Enabled bool
	// Script is the job script path (default <Output>/<Date>submit.bash).
	Script        string
	SubmitCommand string
	Job           pipeline.JobOptions
}

// Options describe one sweep.
type Options struct {
	// Template is the domain configuration template; BasinsTemplate the
	// basin list it refers to. Both are copied, never modified.
	Template       string
	BasinsTemplate string

	// Output is written to sWorkspace_output; workspaces are created below it.
	Output       string
	MeshBoundary string
	DEM          string

	MeshType   string
	GridSystem string

	// Candidates are resolution indices; Start, Stop and Step select a
	// sub-range with slice semantics. Stop 0 means len(Candidates); Step 0
	// means 1.
	Candidates []int
	Start      int
	Stop       int
	Step       int

	// StartCase is the last case index already used; the first case of the
	// sweep is StartCase+1.
	StartCase int
	Date      string

	ThresholdFactor float64
	// FlowlineTemplate is the flowline filter path for every basin, with
	// ResolutionPlaceholder substituted.
	FlowlineTemplate string
	Basins           []BasinParams

	GlobalOverrides map[string]any
	BasinOverrides  map[int]map[string]any

	BinaryName         string
	BinarySearchPaths  []string
	UserProvidedBinary bool
	// Debug turns on pipeline debug output for every basin.
	Debug bool

	HPC           HPCOptions
	FailurePolicy FailurePolicy
	DryRun        bool
}

func (o Options) withDefaults() Options {
	if o.ThresholdFactor == 0 {
		o.ThresholdFactor = DefaultThresholdFactor
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = FailAbort
	}
	if o.HPC.Enabled && o.HPC.Script == "" {
		o.HPC.Script = filepath.Join(o.Output, o.Date+"submit.bash")
	}
	return o
}

// absolute anchors relative paths at the working directory. Stages run
// inside the case workspace, where relative paths no longer resolve.
func (o Options) absolute() (Options, error) {
	var err error
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || err != nil {
			return p
		}
		var a string
		if a, err = filepath.Abs(p); err != nil {
			return p
		}
		return a
	}
	o.Template = abs(o.Template)
	o.BasinsTemplate = abs(o.BasinsTemplate)
	o.Output = abs(o.Output)
	o.MeshBoundary = abs(o.MeshBoundary)
	o.DEM = abs(o.DEM)
	o.FlowlineTemplate = abs(o.FlowlineTemplate)
	o.HPC.Script = abs(o.HPC.Script)

	basins := make([]BasinParams, len(o.Basins))
	for i, b := range o.Basins {
		b.FlowlineTemplate = abs(b.FlowlineTemplate)
		basins[i] = b
	}
	o.Basins = basins

	paths := make([]string, len(o.BinarySearchPaths))
	for i, p := range o.BinarySearchPaths {
		paths[i] = abs(p)
	}
	o.BinarySearchPaths = paths

	if err != nil {
		return o, fmt.Errorf("resolve paths: %w", err)
	}
	return o, nil
}

// Validate checks the options for a sweep.
func (o Options) Validate() error {
	var errs []string
	if o.Template == "" {
		errs = append(errs, "template is required")
	}
	if o.BasinsTemplate == "" {
		errs = append(errs, "basins template is required")
	}
	if o.Output == "" {
		errs = append(errs, "output is required")
	}
	if o.Date == "" {
		errs = append(errs, "date is required")
	}
	mesh, err := pipeline.ParseMeshType(o.MeshType)
	if err != nil {
		errs = append(errs, err.Error())
	} else if mesh.UsesGridSystem() && o.GridSystem == "" {
		errs = append(errs, "grid system is required for dggrid meshes")
	}
	if o.ThresholdFactor < 0 {
		errs = append(errs, "threshold factor must be positive")
	}
	if o.FailurePolicy != "" && !o.FailurePolicy.IsValid() {
		errs = append(errs, fmt.Sprintf("unknown failure policy %q", o.FailurePolicy))
	}
	// These keep the staged copies inside the case workspace.
	for _, k := range []string{keyWorkspaceOutput, keyBasins} {
		if _, ok := o.GlobalOverrides[k]; ok {
			errs = append(errs, fmt.Sprintf("%s cannot be overridden", k))
		}
	}
	for _, ov := range o.basinOverrides() {
		if ov.Key == keyFlowlineFilter {
			errs = append(errs, fmt.Sprintf("basin %d: %s cannot be overridden, set a basin flowline template", *ov.Basin, ov.Key))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(errs, "; "))
	}
	if _, err := o.Selected(); err != nil {
		return err
	}
	for _, p := range []string{o.Template, o.BasinsTemplate} {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return fmt.Errorf("%w: %s", ErrConfigurationMissing, p)
		}
	}
	return nil
}

// Selected returns Candidates[Start:Stop:Step].
func (o Options) Selected() ([]int, error) {
	n := len(o.Candidates)
	stop := o.Stop
	if stop == 0 {
		stop = n
	}
	step := o.Step
	if step == 0 {
		step = 1
	}
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: no candidates", ErrInvalidRange)
	case step < 0:
		return nil, fmt.Errorf("%w: step %d must be positive", ErrInvalidRange, step)
	case o.Start < 0 || o.Start >= n:
		return nil, fmt.Errorf("%w: start %d outside [0, %d)", ErrInvalidRange, o.Start, n)
	case stop <= o.Start || stop > n:
		return nil, fmt.Errorf("%w: stop %d outside (%d, %d]", ErrInvalidRange, stop, o.Start, n)
	}
	var out []int
	for i := o.Start; i < stop; i += step {
		out = append(out, o.Candidates[i])
	}
	return out, nil
}

// flowlineFor returns the flowline filter for basin i at a resolution, or "".
func (o Options) flowlineFor(basin, resolution int) string {
	tmpl := o.FlowlineTemplate
	for _, b := range o.Basins {
		if b.Index == basin && b.FlowlineTemplate != "" {
			tmpl = b.FlowlineTemplate
		}
	}
	if tmpl == "" {
		return ""
	}
	return strings.ReplaceAll(tmpl, ResolutionPlaceholder, strconv.Itoa(resolution))
}

// globalOverrides returns the user overrides in key order.
func (o Options) globalOverrides() []domaincfg.Override {
	keys := make([]string, 0, len(o.GlobalOverrides))
	for k := range o.GlobalOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domaincfg.Override, 0, len(keys))
	for _, k := range keys {
		out = append(out, domaincfg.Override{Key: k, Value: o.GlobalOverrides[k]})
	}
	return out
}

// basinOverrides returns the per-basin user overrides ordered by basin then key.
func (o Options) basinOverrides() []domaincfg.Override {
	indices := make([]int, 0, len(o.BasinOverrides))
	for i := range o.BasinOverrides {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	var out []domaincfg.Override
	for _, i := range indices {
		kv := o.BasinOverrides[i]
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			basin := i
			out = append(out, domaincfg.Override{Key: k, Value: kv[k], Basin: &basin})
		}
	}
	return out
}
