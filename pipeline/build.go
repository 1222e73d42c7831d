// Package pipeline builds isolated run contexts and drives the external
// watershed pipeline through its stages.
//
// A Handle is created by Build from a patched domain document. It accepts
// per-run parameter overrides while configured and then walks the stages
// setup, flowline_simplification, mesh_generation, reconstruct_topology and
// export in that order. Calling a stage out of order fails without running it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/hexsweep/domaincfg"
)

// BuildOptions identify one run case and how to execute it.
type BuildOptions struct {
	// ConfigPath is the patched domain document.
	ConfigPath string

	CaseIndex       int
	ResolutionIndex int
	// ResolutionMeters is stamped into the effective configuration.
	ResolutionMeters float64
	MeshType         string
	GridSystem       string
	// Date namespaces the workspace. It is not validated.
	Date string

	// BinarySearchPaths are tried in order before PATH.
	BinarySearchPaths []string
	// BinaryName overrides DefaultBinary.
	BinaryName string

	// Runner executes stages. Defaults to an ExecRunner.
	Runner Runner
	Logger *slog.Logger
}

// Build loads the patched document at opts.ConfigPath, validates it and
// creates the run workspace. The returned handle is in StateConfigured.
func Build(ctx context.Context, opts BuildOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mesh, err := ParseMeshType(opts.MeshType)
	if err != nil {
		return nil, err
	}
	if mesh.UsesGridSystem() && strings.TrimSpace(opts.GridSystem) == "" {
		return nil, fmt.Errorf("%w: mesh type %s requires a grid system", ErrConfigurationInvalid, mesh)
	}

	domain, err := domaincfg.LoadDomain(opts.ConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, opts.ConfigPath)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	if missing := domain.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required keys: %s", ErrConfigurationInvalid, strings.Join(missing, ", "))
	}

	for _, p := range []string{domain.MeshBoundary, domain.DEM, domain.BasinsFile} {
		if err := requireFile(p); err != nil {
			return nil, err
		}
	}

	basins, err := domaincfg.LoadBasins(domain.BasinsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	for i, b := range basins {
		if b.FlowlineFilter == "" {
			continue
		}
		if err := requireFile(b.FlowlineFilter); err != nil {
			return nil, fmt.Errorf("basin %d (id %d): %w", i, b.ID, err)
		}
	}

	workspace := filepath.Join(domain.WorkspaceOutput,
		WorkspaceName(mesh, opts.GridSystem, opts.ResolutionIndex, opts.CaseIndex, opts.Date))
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	runner := opts.Runner
	if runner == nil {
		runner = NewExecRunner(logger)
	}

	domain = domain.WithRun(opts.CaseIndex, opts.ResolutionIndex, opts.ResolutionMeters,
		string(mesh), opts.GridSystem, opts.Date)

	logger.Debug("Run context built",
		slog.Int("case", opts.CaseIndex),
		slog.Int("resolution", opts.ResolutionIndex),
		slog.String("workspace", workspace),
		slog.Int("basins", len(basins)))

	return &Handle{
		caseIndex:       opts.CaseIndex,
		resolutionIndex: opts.ResolutionIndex,
		meshType:        mesh,
		workspace:       workspace,
		domain:          domain,
		basins:          basins,
		binary: BinaryOptions{
			Name:        opts.BinaryName,
			SearchPaths: opts.BinarySearchPaths,
		},
		runner: runner,
		state:  StateConfigured,
		logger: logger,
	}, nil
}

func requireFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}
