package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sweep.MeshType != "dggrid" {
		t.Errorf("expected default mesh type dggrid, got %s", cfg.Sweep.MeshType)
	}
	if cfg.Sweep.GridSystem != "ISEA3H" {
		t.Errorf("expected default grid system ISEA3H, got %s", cfg.Sweep.GridSystem)
	}
	if cfg.Sweep.ThresholdFactor != 5 {
		t.Errorf("expected default threshold factor 5, got %f", cfg.Sweep.ThresholdFactor)
	}
	if len(cfg.Sweep.Candidates) != 5 {
		t.Errorf("expected 5 default candidates, got %v", cfg.Sweep.Candidates)
	}
	if cfg.HPC.SubmitCommand != "sbatch" {
		t.Errorf("expected default submit command sbatch, got %s", cfg.HPC.SubmitCommand)
	}
	if cfg.Ledger.Disabled {
		t.Error("expected ledger enabled by default")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Domain.Template = "/data/yukon/input/pyhexwatershed_yukon_dggrid.json"
	cfg.Domain.Basins = "/data/yukon/input/pyflowline_yukon_basins.json"
	cfg.Domain.Output = "/data/yukon/output"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing template",
			modify:  func(c *Config) { c.Domain.Template = "" },
			wantErr: true,
		},
		{
			name:    "missing output",
			modify:  func(c *Config) { c.Domain.Output = "" },
			wantErr: true,
		},
		{
			name:    "unknown mesh type",
			modify:  func(c *Config) { c.Sweep.MeshType = "voronoi" },
			wantErr: true,
		},
		{
			name:    "dggrid without grid system",
			modify:  func(c *Config) { c.Sweep.GridSystem = "" },
			wantErr: true,
		},
		{
			name: "mpas without grid system",
			modify: func(c *Config) {
				c.Sweep.MeshType = "mpas"
				c.Sweep.GridSystem = ""
				c.Sweep.ResolutionMeters = 30000
			},
			wantErr: false,
		},
		{
			name:    "mpas without resolution meters",
			modify:  func(c *Config) { c.Sweep.MeshType = "mpas" },
			wantErr: true,
		},
		{
			name:    "no candidates",
			modify:  func(c *Config) { c.Sweep.Candidates = nil },
			wantErr: true,
		},
		{
			name:    "unknown failure policy",
			modify:  func(c *Config) { c.Sweep.FailurePolicy = "retry" },
			wantErr: true,
		},
		{
			name: "outlet out of bounds",
			modify: func(c *Config) {
				c.Basins = []BasinConfig{{Index: 0, Outlet: &OutletConfig{Longitude: 200, Latitude: 10}}}
			},
			wantErr: true,
		},
		{
			name:    "sample ratio too high",
			modify:  func(c *Config) { c.Tracing.SampleRatio = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadLayer(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
domain:
  template: input/pyhexwatershed_yukon_dggrid.json
  basins: input/pyflowline_yukon_basins.json
  output: output
sweep:
  candidates: [10, 11, 12, 13, 14]
  start: 4
  stop: 5
  start_case: 6
  failure_policy: continue
basins:
  - index: 0
    outlet:
      longitude: -164.47
      latitude: 63.35
overrides:
  global:
    iFlag_use_mesh_dem: 1
  basins:
    1:
      iFlag_debug: 1
events:
  url: nats://localhost:4222
  timeout: 10s
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := loadOverDefaults(t, configPath)

	if cfg.Sweep.Start != 4 || cfg.Sweep.Stop != 5 {
		t.Errorf("expected range [4:5], got [%d:%d]", cfg.Sweep.Start, cfg.Sweep.Stop)
	}
	if cfg.Sweep.StartCase != 6 {
		t.Errorf("expected start_case 6, got %d", cfg.Sweep.StartCase)
	}
	if cfg.Sweep.FailurePolicy != "continue" {
		t.Errorf("expected failure policy continue, got %s", cfg.Sweep.FailurePolicy)
	}
	if len(cfg.Basins) != 1 || cfg.Basins[0].Outlet == nil || cfg.Basins[0].Outlet.Latitude != 63.35 {
		t.Errorf("unexpected basins %+v", cfg.Basins)
	}
	if cfg.Overrides.Global["iFlag_use_mesh_dem"] != 1 {
		t.Errorf("expected global override, got %v", cfg.Overrides.Global)
	}
	if cfg.Overrides.Basins[1]["iFlag_debug"] != 1 {
		t.Errorf("expected basin override, got %v", cfg.Overrides.Basins)
	}
	if cfg.Events.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", cfg.Events.Timeout)
	}

	// Defaults should be preserved for unspecified fields
	if cfg.Sweep.ThresholdFactor != 5 {
		t.Errorf("expected default threshold factor preserved, got %f", cfg.Sweep.ThresholdFactor)
	}
	if cfg.HPC.Descriptor != "submit.job" {
		t.Errorf("expected default descriptor preserved, got %s", cfg.HPC.Descriptor)
	}
}

func TestLoadLayerExpandsEnv(t *testing.T) {
	t.Setenv("HEXSWEEP_TEST_OUTPUT", "/scratch/yukon")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
domain:
  output: ${HEXSWEEP_TEST_OUTPUT}
hpc:
  account: ${HEXSWEEP_TEST_UNSET:-esmd}
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := loadOverDefaults(t, configPath)
	if cfg.Domain.Output != "/scratch/yukon" {
		t.Errorf("expected expanded output, got %s", cfg.Domain.Output)
	}
	if cfg.HPC.Account != "esmd" {
		t.Errorf("expected default account esmd, got %s", cfg.HPC.Account)
	}
}

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("HEXSWEEP_SET", "value")
	t.Setenv("HEXSWEEP_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"${HEXSWEEP_SET}", "value"},
		{"${HEXSWEEP_SET:-other}", "value"},
		{"${HEXSWEEP_EMPTY:-fallback}", "fallback"},
		{"${HEXSWEEP_MISSING:-a/b}", "a/b"},
		{"${HEXSWEEP_MISSING}", ""},
		{"no vars", "no vars"},
		{"$HEXSWEEP_SET", "$HEXSWEEP_SET"},
	}
	for _, tt := range tests {
		if got := ExpandEnvWithDefaults(tt.in); got != tt.want {
			t.Errorf("ExpandEnvWithDefaults(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// loadOverDefaults merges one file over DefaultConfig.
func loadOverDefaults(t *testing.T, path string) *Config {
	t.Helper()
	layer, err := LoadLayer(path)
	if err != nil {
		t.Fatalf("LoadLayer() error = %v", err)
	}
	cfg := DefaultConfig()
	cfg.Merge(layer)
	return cfg
}

func parseLayer(t *testing.T, content string) *Layer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layer.yaml")
	writeConfig(t, path, content)
	layer, err := LoadLayer(path)
	if err != nil {
		t.Fatalf("LoadLayer() error = %v", err)
	}
	return layer
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(parseLayer(t, `
domain:
  output: /other/output
sweep:
  grid_system: ISEA4H
  start_case: 3
  dry_run: true
hpc:
  enabled: true
  account: esmd
ledger:
  disabled: true
`))

	if base.Domain.Output != "/other/output" {
		t.Errorf("expected merged output, got %s", base.Domain.Output)
	}
	if base.Sweep.GridSystem != "ISEA4H" {
		t.Errorf("expected merged grid system, got %s", base.Sweep.GridSystem)
	}
	if base.Sweep.StartCase != 3 || !base.Sweep.DryRun {
		t.Errorf("expected merged sweep fields, got %+v", base.Sweep)
	}
	if !base.HPC.Enabled || base.HPC.Account != "esmd" {
		t.Errorf("expected merged hpc, got %+v", base.HPC)
	}
	if base.HPC.SubmitCommand != "sbatch" {
		t.Errorf("expected submit command preserved, got %s", base.HPC.SubmitCommand)
	}
	if !base.Ledger.Disabled {
		t.Error("expected ledger disabled after merge")
	}
	// Unset fields keep their values
	if base.Sweep.MeshType != "dggrid" {
		t.Errorf("expected mesh type preserved, got %s", base.Sweep.MeshType)
	}
	if len(base.Sweep.Candidates) != 5 {
		t.Errorf("expected candidates preserved, got %v", base.Sweep.Candidates)
	}

	base.Merge(nil)
	base.Merge(parseLayer(t, ""))
	if base.Domain.Output != "/other/output" {
		t.Errorf("expected empty layer to change nothing, got %s", base.Domain.Output)
	}
}

func TestConfigMergeExplicitZeroValues(t *testing.T) {
	base := DefaultConfig()
	base.Merge(parseLayer(t, `
sweep:
  start: 4
  stop: 5
hpc:
  enabled: true
  nodes: 4
pipeline:
  debug: true
`))
	base.Merge(parseLayer(t, `
sweep:
  start: 0
  stop: 2
hpc:
  enabled: false
pipeline:
  debug: false
`))

	if base.HPC.Enabled {
		t.Error("expected a later layer to turn hpc off")
	}
	if base.Pipeline.Debug {
		t.Error("expected a later layer to turn debug off")
	}
	if base.Sweep.Start != 0 || base.Sweep.Stop != 2 {
		t.Errorf("expected range [0:2], got [%d:%d]", base.Sweep.Start, base.Sweep.Stop)
	}
	if base.HPC.Nodes != 4 {
		t.Errorf("expected nodes kept from the earlier layer, got %d", base.HPC.Nodes)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := validConfig()
	cfg.Sweep.StartCase = 12

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	// Load it back
	loaded := loadOverDefaults(t, configPath)

	if loaded.Sweep.StartCase != 12 {
		t.Errorf("expected start_case 12, got %d", loaded.Sweep.StartCase)
	}
	if loaded.Domain.Output != cfg.Domain.Output {
		t.Errorf("expected output %s, got %s", cfg.Domain.Output, loaded.Domain.Output)
	}
}

func TestConfigLedgerPath(t *testing.T) {
	cfg := validConfig()
	if got := cfg.LedgerPath(); got != filepath.Join("/data/yukon/output", "hexsweep.db") {
		t.Errorf("unexpected default ledger path %s", got)
	}
	cfg.Ledger.Path = "/var/lib/hexsweep.db"
	if got := cfg.LedgerPath(); got != "/var/lib/hexsweep.db" {
		t.Errorf("unexpected ledger path %s", got)
	}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderLayers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	work := filepath.Join(project, "runs", "yukon")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
hpc:
  enabled: true
  account: user-account
  partition: slurm
sweep:
  failure_policy: continue
`)
	writeConfig(t, filepath.Join(project, ProjectConfigFile), `
domain:
  template: input/pyhexwatershed_yukon_dggrid.json
  basins: input/pyflowline_yukon_basins.json
  output: output
hpc:
  enabled: false
  account: project-account
`)
	explicit := filepath.Join(t.TempDir(), "sweep.yaml")
	writeConfig(t, explicit, `
sweep:
  start_case: 9
`)

	l := NewLoader(nil)
	l.home = home
	l.cwd = work

	cfg, err := l.Load(explicit)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HPC.Account != "project-account" {
		t.Errorf("expected project account to win, got %s", cfg.HPC.Account)
	}
	if cfg.HPC.Enabled {
		t.Error("expected project config to turn hpc off")
	}
	if cfg.HPC.Partition != "slurm" {
		t.Errorf("expected user partition kept, got %s", cfg.HPC.Partition)
	}
	if cfg.Sweep.FailurePolicy != "continue" {
		t.Errorf("expected user failure policy kept, got %s", cfg.Sweep.FailurePolicy)
	}
	if cfg.Sweep.StartCase != 9 {
		t.Errorf("expected explicit start_case, got %d", cfg.Sweep.StartCase)
	}
	if want := filepath.Join(project, "input", "pyhexwatershed_yukon_dggrid.json"); cfg.Domain.Template != want {
		t.Errorf("expected template resolved against project dir, got %s", cfg.Domain.Template)
	}
	if want := filepath.Join(project, "output"); cfg.Domain.Output != want {
		t.Errorf("expected output resolved against project dir, got %s", cfg.Domain.Output)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoaderMissingExplicitConfig(t *testing.T) {
	l := NewLoader(nil)
	l.home = t.TempDir()
	l.cwd = t.TempDir()

	_, err := l.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
}

func TestEnsureUserConfig(t *testing.T) {
	l := NewLoader(nil)
	l.home = t.TempDir()

	path, created, err := l.EnsureUserConfig()
	if err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	if !created || path != filepath.Join(l.home, UserConfigDir, UserConfigFile) {
		t.Errorf("unexpected result path=%s created=%v", path, created)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("user config not created: %v", err)
	}
	// Second call leaves the file alone
	if _, created, err := l.EnsureUserConfig(); err != nil || created {
		t.Fatalf("EnsureUserConfig() second call created=%v error = %v", created, err)
	}

	// Loading it over the defaults changes no path
	l.cwd = t.TempDir()
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defaults := DefaultConfig()
	if cfg.Sweep.FlowlineTemplate != defaults.Sweep.FlowlineTemplate {
		t.Errorf("flowline_template = %s, want %s", cfg.Sweep.FlowlineTemplate, defaults.Sweep.FlowlineTemplate)
	}
	if cfg.Acquire.Dest != defaults.Acquire.Dest {
		t.Errorf("acquire.dest = %s, want %s", cfg.Acquire.Dest, defaults.Acquire.Dest)
	}
	if cfg.Events.Timeout != defaults.Events.Timeout || cfg.HPC.Walltime != defaults.HPC.Walltime {
		t.Errorf("user config did not round-trip: timeout=%v walltime=%s", cfg.Events.Timeout, cfg.HPC.Walltime)
	}
}
