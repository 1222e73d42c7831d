package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/hexsweep/config"
	"github.com/c360studio/hexsweep/dggs"
	"github.com/c360studio/hexsweep/domaincfg"
	"github.com/c360studio/hexsweep/pipeline"
	"github.com/c360studio/hexsweep/sweep"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithHome(t, t.TempDir(), args...)
}

func executeWithHome(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", home)
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// writeProject lays out a yukon-like input tree and a driver config.
func writeProject(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	writeFile(t, filepath.Join(dir, "input", "boundary.geojson"), "{}")
	writeFile(t, filepath.Join(dir, "input", "dem.tif"), "dem")
	for res := 10; res <= 14; res++ {
		writeFile(t, filepath.Join(dir, "input", fmt.Sprintf("dggrid%d", res), "river_networks.geojson"), "{}")
	}
	writeFile(t, filepath.Join(dir, "input", "pyflowline_yukon_basins.json"), `[
  {"lBasinID": 1, "sFilename_flowline_filter": "", "dLongitude_outlet_degree": 0, "dLatitude_outlet_degree": 0, "dThreshold_small_river": 0, "iFlag_debug": 0}
]`)
	writeFile(t, filepath.Join(dir, "input", "pyhexwatershed_yukon_dggrid.json"), `{
  "sWorkspace_output": "",
  "sFilename_mesh_boundary": "",
  "sFilename_dem": "",
  "sFilename_basins": "",
  "sFilename_hexwatershed": "",
  "iFlag_user_provided_binary": 0
}`)
	configPath = filepath.Join(dir, "sweep.yaml")
	writeFile(t, configPath, `
domain:
  template: input/pyhexwatershed_yukon_dggrid.json
  basins: input/pyflowline_yukon_basins.json
  boundary: input/boundary.geojson
  dem: input/dem.tif
  output: output
sweep:
  date: "20240102"
  flowline_template: input/dggrid{resolution}/river_networks.geojson
basins:
  - index: 0
    outlet:
      longitude: -164.47
      latitude: 63.35
`)
	return dir, configPath
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"debug", "text", false},
		{"info", "json", false},
		{"", "", false},
		{"WARN", "TEXT", false},
		{"trace", "text", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := newLogger(&bytes.Buffer{}, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 2, exitCode(&ExitError{Code: 2, Err: errors.New("missing")}))
	assert.Equal(t, 2, exitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 2, Err: errors.New("missing")})))
	assert.Equal(t, 2, exitCode(configError(sweep.ErrConfigurationMissing)))
	assert.Equal(t, 1, exitCode(configError(pipeline.ErrPathNotFound)))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hexsweep version "+Version)
}

func TestResolveCommand(t *testing.T) {
	out, err := execute(t, "resolve", "--grid", "isea3h", "--from", "13", "--to", "14")
	require.NoError(t, err)
	assert.Contains(t, out, "ISEA3H")
	assert.Contains(t, out, "3684.")

	_, err = execute(t, "resolve", "--grid", "nope")
	assert.Error(t, err)
	_, err = execute(t, "resolve", "x")
	assert.Error(t, err)
}

func TestPatchCommand(t *testing.T) {
	dir, _ := writeProject(t)
	doc := filepath.Join(dir, "input", "pyhexwatershed_yukon_dggrid.json")
	basins := filepath.Join(dir, "input", "pyflowline_yukon_basins.json")

	_, err := execute(t, "patch", doc, "sFilename_basins", "/data/basins.json")
	require.NoError(t, err)
	v, err := domaincfg.Get(doc, "sFilename_basins")
	require.NoError(t, err)
	assert.Equal(t, "/data/basins.json", v)

	_, err = execute(t, "patch", basins, "dThreshold_small_river", "18424.25", "--basin", "0")
	require.NoError(t, err)
	out, err := execute(t, "patch", basins, "dThreshold_small_river", "--basin", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "18424.25")

	_, err = execute(t, "patch", basins, "dThreshold_small_river", "1", "--basin", "2")
	assert.ErrorIs(t, err, domaincfg.ErrIndexOutOfRange)
	_, err = execute(t, "patch", doc, "sMissing", "1")
	assert.ErrorIs(t, err, domaincfg.ErrKeyNotFound)
}

func TestRunCommand_MissingConfig(t *testing.T) {
	_, err := execute(t, "run", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestRunCommand_MissingTemplate(t *testing.T) {
	dir, configPath := writeProject(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "input", "pyhexwatershed_yukon_dggrid.json")))

	_, err := execute(t, "run", "-c", configPath, "--dry-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, sweep.ErrConfigurationMissing)
	assert.Equal(t, 2, exitCode(err))
	assert.NoDirExists(t, filepath.Join(dir, "output", "dggrid_isea3h_r10_c001_20240102"))
}

func TestRunCommand_DryRunThenCases(t *testing.T) {
	dir, configPath := writeProject(t)
	metricsPath := filepath.Join(dir, "metrics", "hexsweep.prom")

	out, err := execute(t, "run", "-c", configPath, "--dry-run", "--start", "3", "--start-case", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "planned")

	ws13 := filepath.Join(dir, "output", "dggrid_isea3h_r13_c005_20240102")
	ws14 := filepath.Join(dir, "output", "dggrid_isea3h_r14_c006_20240102")
	assert.FileExists(t, filepath.Join(ws13, pipeline.ConfigFile))
	assert.FileExists(t, filepath.Join(ws14, sweep.ConfigCopyFile))

	basins, err := domaincfg.LoadBasins(filepath.Join(ws14, pipeline.BasinsFile))
	require.NoError(t, err)
	assert.InDelta(t, -164.47, basins[0].OutletLongitude, 1e-9)
	assert.Equal(t, filepath.Join(dir, "input", "dggrid14", "river_networks.geojson"), basins[0].FlowlineFilter)

	// Template untouched
	v, err := domaincfg.Get(filepath.Join(dir, "input", "pyhexwatershed_yukon_dggrid.json"), "sWorkspace_output")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	out, err = execute(t, "cases", "--db", filepath.Join(dir, "output", "hexsweep.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "005")
	assert.Contains(t, out, "006")
	assert.NoFileExists(t, metricsPath)

	// Resume continues numbering after the last recorded case.
	out, err = execute(t, "run", "-c", configPath, "--dry-run", "--start", "4", "--resume")
	require.NoError(t, err)
	assert.Contains(t, out, "007")
	assert.DirExists(t, filepath.Join(dir, "output", "dggrid_isea3h_r14_c007_20240102"))
}

func TestRunCommand_Inline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binary")
	}
	dir, configPath := writeProject(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "hexwatershed"), []byte(`#!/bin/sh
echo "stage $1"
echo "mesh_cells=4096"
`), 0755))
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	writeFile(t, configPath, string(data)+`
pipeline:
  binary_search_paths: [bin]
`)

	out, err := execute(t, "run", "-c", configPath, "--start", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "4096")

	ws := filepath.Join(dir, "output", "dggrid_isea3h_r14_c001_20240102")
	for _, stage := range pipeline.Stages {
		log, err := os.ReadFile(filepath.Join(ws, "logs", stage.String()+".log"))
		require.NoError(t, err)
		assert.Contains(t, string(log), "stage "+stage.String())
	}
	assert.NoFileExists(t, filepath.Join(dir, "output", "20240102submit.bash"))
}

func TestRunCommand_HPC(t *testing.T) {
	dir, configPath := writeProject(t)

	_, err := execute(t, "run", "-c", configPath, "--hpc", "--start", "3")
	require.NoError(t, err)

	script := filepath.Join(dir, "output", "20240102submit.bash")
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cd "+filepath.Join(dir, "output", "dggrid_isea3h_r13_c001_20240102")+"\nsbatch submit.job\n")

	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	assert.FileExists(t, filepath.Join(dir, "output", "dggrid_isea3h_r14_c002_20240102", "submit.job"))
}

func TestSweepOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Domain.Template = "/in/config.json"
	cfg.Domain.Output = "/out"
	cfg.Sweep.Start, cfg.Sweep.Stop = 4, 5
	cfg.HPC.Enabled = true
	cfg.HPC.Account = "esmd"
	cfg.Pipeline.Debug = true
	cfg.Basins = []config.BasinConfig{{Index: 1, Outlet: &config.OutletConfig{Longitude: 1, Latitude: 2}}}

	opts := sweepOptions(cfg)
	assert.Equal(t, "/in/config.json", opts.Template)
	assert.Equal(t, 4, opts.Start)
	assert.Equal(t, 5, opts.Stop)
	assert.Equal(t, sweep.FailAbort, opts.FailurePolicy)
	assert.True(t, opts.HPC.Enabled)
	assert.Equal(t, "esmd", opts.HPC.Job.Account)
	assert.Equal(t, "submit.job", opts.HPC.Job.Descriptor)
	assert.True(t, opts.Debug)
	require.Len(t, opts.Basins, 1)
	assert.Equal(t, &sweep.Outlet{Longitude: 1, Latitude: 2}, opts.Basins[0].Outlet)
}

func TestInitCommand(t *testing.T) {
	home := t.TempDir()
	userConfig := filepath.Join(home, config.UserConfigDir, config.UserConfigFile)

	out, err := executeWithHome(t, home, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created "+userConfig)
	assert.FileExists(t, userConfig)

	out, err = executeWithHome(t, home, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestInitCommand_Project(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := execute(t, "init", "--project")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")

	cfg, err := config.NewLoader(nil).Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "input", "dggrid{resolution}", "river_networks.geojson"), cfg.Sweep.FlowlineTemplate)

	out, err = execute(t, "init", "--project")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestResolverFor(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, dggs.DGGRID{}, resolverFor(cfg))

	cfg.Sweep.MeshType = "MPAS"
	cfg.Sweep.ResolutionMeters = 30000
	r := resolverFor(cfg)
	assert.Equal(t, dggs.Fixed(30000), r)
	meters, err := r.Resolve("", 7)
	require.NoError(t, err)
	assert.Equal(t, 30000.0, meters)
}

func TestTracingConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tracing.Endpoint = "collector:4318"
	cfg.Tracing.Environment = ""
	cfg.Tracing.SampleRatio = 0.25

	tc := tracingConfig(cfg)
	assert.Equal(t, appName, tc.ServiceName)
	assert.Equal(t, Version, tc.ServiceVersion)
	assert.Equal(t, "collector:4318", tc.OTLPEndpoint)
	assert.Equal(t, "development", tc.Environment)
	assert.False(t, tc.Insecure)
	assert.Equal(t, 0.25, tc.SampleRatio)
}
