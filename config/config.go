// Package config provides configuration loading and management for hexsweep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/hexsweep/pipeline"
)

// Config represents the complete hexsweep configuration
type Config struct {
	Domain    DomainConfig    `yaml:"domain"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Basins    []BasinConfig   `yaml:"basins,omitempty"`
	Overrides OverridesConfig `yaml:"overrides,omitempty"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	HPC       HPCConfig       `yaml:"hpc"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Acquire   AcquireConfig   `yaml:"acquire"`
}

// DomainConfig locates the pipeline input documents
type DomainConfig struct {
	// Template is the domain configuration JSON copied into every workspace
	Template string `yaml:"template"`
	// Basins is the basin list JSON copied into every workspace
	Basins   string `yaml:"basins"`
	Boundary string `yaml:"boundary"`
	DEM      string `yaml:"dem"`
	// Output is the root under which case workspaces are created
	Output string `yaml:"output"`
	Region string `yaml:"region"`
}

// SweepConfig selects the resolution cases
type SweepConfig struct {
	MeshType   string `yaml:"mesh_type"`
	GridSystem string `yaml:"grid_system"`
	Candidates []int  `yaml:"candidates"`
	Start      int    `yaml:"start"`
	// Stop is exclusive; 0 means all candidates
	Stop int `yaml:"stop"`
	Step int `yaml:"step"`
	// StartCase is the last case index already used
	StartCase int `yaml:"start_case"`
	// Resume takes StartCase from the ledger
	Resume bool `yaml:"resume"`
	// Date namespaces workspaces (default: today, YYYYMMDD)
	Date             string  `yaml:"date"`
	ThresholdFactor  float64 `yaml:"threshold_factor"`
	FlowlineTemplate string  `yaml:"flowline_template"`
	FailurePolicy    string  `yaml:"failure_policy"`
	DryRun           bool    `yaml:"dry_run"`
	// ResolutionMeters is the cell size of non-DGGRID meshes, which carry
	// no grid system to derive it from
	ResolutionMeters float64 `yaml:"resolution_meters,omitempty"`
}

// BasinConfig holds per-basin values applied to every case
type BasinConfig struct {
	Index            int           `yaml:"index"`
	Outlet           *OutletConfig `yaml:"outlet,omitempty"`
	FlowlineTemplate string        `yaml:"flowline_template,omitempty"`
	Debug            bool          `yaml:"debug,omitempty"`
}

// OutletConfig is a basin outlet in degrees
type OutletConfig struct {
	Longitude float64 `yaml:"longitude"`
	Latitude  float64 `yaml:"latitude"`
}

// OverridesConfig holds raw key overrides applied to the staged documents
type OverridesConfig struct {
	Global map[string]any         `yaml:"global,omitempty"`
	Basins map[int]map[string]any `yaml:"basins,omitempty"`
}

// PipelineConfig configures the pipeline executable
type PipelineConfig struct {
	Binary             string   `yaml:"binary"`
	BinarySearchPaths  []string `yaml:"binary_search_paths"`
	UserProvidedBinary bool     `yaml:"user_provided_binary"`
	Debug              bool     `yaml:"debug"`
}

// HPCConfig configures batch job dispatch
type HPCConfig struct {
	Enabled bool `yaml:"enabled"`
	// Script defaults to <output>/<date>submit.bash
	Script        string   `yaml:"script"`
	SubmitCommand string   `yaml:"submit_command"`
	Descriptor    string   `yaml:"descriptor"`
	Partition     string   `yaml:"partition"`
	Account       string   `yaml:"account"`
	Walltime      string   `yaml:"walltime"`
	Nodes         int      `yaml:"nodes"`
	Tasks         int      `yaml:"tasks"`
	Modules       []string `yaml:"modules,omitempty"`
}

// LedgerConfig configures the SQLite case ledger
type LedgerConfig struct {
	Disabled bool `yaml:"disabled"`
	// Path defaults to <output>/hexsweep.db
	Path string `yaml:"path"`
}

// EventsConfig configures NATS case events
type EventsConfig struct {
	// URL is the NATS server URL (empty = events disabled)
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
	Token         string        `yaml:"token,omitempty"`
}

// MetricsConfig configures the Prometheus textfile output
type MetricsConfig struct {
	// Textfile is written at the end of every sweep (empty = disabled)
	Textfile string `yaml:"textfile"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector (empty = tracing disabled)
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Environment string  `yaml:"environment"`
}

// AcquireConfig configures input data acquisition
type AcquireConfig struct {
	RepoURL string   `yaml:"repo_url"`
	Branch  string   `yaml:"branch"`
	Depth   int      `yaml:"depth"`
	Select  []string `yaml:"select"`
	Dest    string   `yaml:"dest"`
	// Keep leaves existing files in Dest instead of replacing the directory
	Keep bool `yaml:"keep"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sweep: SweepConfig{
			MeshType:         "dggrid",
			GridSystem:       "ISEA3H",
			Candidates:       []int{10, 11, 12, 13, 14},
			ThresholdFactor:  5,
			FlowlineTemplate: "input/dggrid{resolution}/river_networks.geojson",
			FailurePolicy:    "abort",
		},
		Pipeline: PipelineConfig{
			Binary: "hexwatershed",
		},
		HPC: HPCConfig{
			SubmitCommand: "sbatch",
			Descriptor:    "submit.job",
			Walltime:      "10:00:00",
			Nodes:         1,
			Tasks:         1,
		},
		Events: EventsConfig{
			SubjectPrefix: "hexsweep.case",
			Timeout:       5 * time.Second,
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
			Environment: "development",
		},
		Acquire: AcquireConfig{
			RepoURL: "https://github.com/changliao1025/hexwatershed_data.git",
			Depth:   1,
			Select:  []string{"data/{region}/input/**"},
			Dest:    "input",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Domain.Template == "" {
		return fmt.Errorf("domain.template is required")
	}
	if c.Domain.Basins == "" {
		return fmt.Errorf("domain.basins is required")
	}
	if c.Domain.Output == "" {
		return fmt.Errorf("domain.output is required")
	}
	mesh, err := pipeline.ParseMeshType(c.Sweep.MeshType)
	if err != nil {
		return fmt.Errorf("sweep.mesh_type: %w", err)
	}
	if mesh.UsesGridSystem() && c.Sweep.GridSystem == "" {
		return fmt.Errorf("sweep.grid_system is required for %s meshes", mesh)
	}
	if !mesh.UsesGridSystem() && c.Sweep.ResolutionMeters <= 0 {
		return fmt.Errorf("sweep.resolution_meters must be positive for %s meshes", mesh)
	}
	if len(c.Sweep.Candidates) == 0 {
		return fmt.Errorf("sweep.candidates must not be empty")
	}
	if c.Sweep.Step < 0 {
		return fmt.Errorf("sweep.step must not be negative")
	}
	if c.Sweep.StartCase < 0 {
		return fmt.Errorf("sweep.start_case must not be negative")
	}
	if c.Sweep.ThresholdFactor <= 0 {
		return fmt.Errorf("sweep.threshold_factor must be positive")
	}
	if c.Sweep.FailurePolicy != "abort" && c.Sweep.FailurePolicy != "continue" {
		return fmt.Errorf("sweep.failure_policy must be abort or continue")
	}
	for _, b := range c.Basins {
		if b.Index < 0 {
			return fmt.Errorf("basins: index %d must not be negative", b.Index)
		}
		if o := b.Outlet; o != nil && (o.Longitude < -180 || o.Longitude > 180 || o.Latitude < -90 || o.Latitude > 90) {
			return fmt.Errorf("basins[%d].outlet is outside geographic bounds", b.Index)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// LedgerPath returns the ledger database path
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.Domain.Output, "hexsweep.db")
}

// Layer is one parsed configuration file. Node records which keys the file
// sets so that merging can tell an explicit zero from an absent key.
type Layer struct {
	Config *Config
	Node   *yaml.Node
}

// LoadLayer reads one YAML file with environment expansion.
func LoadLayer(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(ExpandEnvWithDefaults(string(data))), &node); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config := &Config{}
	if len(node.Content) > 0 {
		if err := node.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return &Layer{Config: config, Node: &node}, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default}. Unset variables
// without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

// Merge copies every key the layer sets into c, including explicit zero
// values. Sections merge key by key; lists and maps replace wholesale.
func (c *Config) Merge(layer *Layer) {
	if layer == nil || layer.Config == nil || layer.Node == nil {
		return
	}
	overlay(reflect.ValueOf(c).Elem(), reflect.ValueOf(layer.Config).Elem(), layer.Node)
}

func overlay(dst, src reflect.Value, node *yaml.Node) {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return
	}
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		value := mappingValue(node, name)
		if value == nil {
			continue
		}
		field := dst.Field(i)
		if field.Kind() == reflect.Struct && value.Kind == yaml.MappingNode {
			overlay(field, src.Field(i), value)
			continue
		}
		field.Set(src.Field(i))
	}
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
