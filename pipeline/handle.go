package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/c360studio/hexsweep/domaincfg"
)

// Effective configuration files written into the workspace.
const (
	ConfigFile = "configuration.json"
	BasinsFile = "basins.json"
)

// Handle is one run's pipeline state. It is not safe for concurrent use and
// must not be reused across cases.
type Handle struct {
	caseIndex       int
	resolutionIndex int
	meshType        MeshType
	workspace       string

	domain domaincfg.Domain
	basins domaincfg.Basins

	binary BinaryOptions
	runner Runner

	state     State
	meshCells int
	results   []Result

	logger *slog.Logger
}

// Workspace returns the run output directory.
func (h *Handle) Workspace() string {
	return h.workspace
}

// State returns the current pipeline state.
func (h *Handle) State() State {
	return h.state
}

func (h *Handle) CaseIndex() int {
	return h.caseIndex
}

func (h *Handle) ResolutionIndex() int {
	return h.resolutionIndex
}

func (h *Handle) MeshType() MeshType {
	return h.meshType
}

// Domain returns the effective domain configuration.
func (h *Handle) Domain() domaincfg.Domain {
	return h.domain
}

// Basins returns a copy of the effective basin list.
func (h *Handle) Basins() domaincfg.Basins {
	out := make(domaincfg.Basins, len(h.basins))
	copy(out, h.basins)
	return out
}

// MeshCells returns the cell count reported by mesh generation.
func (h *Handle) MeshCells() int {
	return h.meshCells
}

// Results returns the results of completed stages in order.
func (h *Handle) Results() []Result {
	out := make([]Result, len(h.results))
	copy(out, h.results)
	return out
}

// ConfigPath returns where the effective configuration is exported.
func (h *Handle) ConfigPath() string {
	return filepath.Join(h.workspace, ConfigFile)
}

// BasinsPath returns where the effective basin list is exported.
func (h *Handle) BasinsPath() string {
	return filepath.Join(h.workspace, BasinsFile)
}

// SetThreshold sets a basin's minimum small-river length in meters.
func (h *Handle) SetThreshold(basin int, meters float64) error {
	return h.updateBasin(basin, func(b domaincfg.Basin) domaincfg.Basin {
		return b.WithSmallRiverThreshold(meters)
	})
}

// SetOutlet sets a basin's outlet coordinates in degrees.
func (h *Handle) SetOutlet(basin int, lon, lat float64) error {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: outlet (%g, %g) outside geographic bounds", ErrConfigurationInvalid, lon, lat)
	}
	return h.updateBasin(basin, func(b domaincfg.Basin) domaincfg.Basin {
		return b.WithOutlet(lon, lat)
	})
}

// SetFlowlineFilter points a basin at a user-provided flowline dataset. The
// file must exist.
func (h *Handle) SetFlowlineFilter(basin int, path string) error {
	if err := requireFile(path); err != nil {
		return err
	}
	return h.updateBasin(basin, func(b domaincfg.Basin) domaincfg.Basin {
		return b.WithFlowlineFilter(path)
	})
}

func (h *Handle) SetDebug(basin int, on bool) error {
	return h.updateBasin(basin, func(b domaincfg.Basin) domaincfg.Basin {
		return b.WithDebug(on)
	})
}

// SetUserProvidedBinary makes stages run the binary named in the document
// instead of searching for one.
func (h *Handle) SetUserProvidedBinary(on bool) error {
	if h.state != StateConfigured {
		return fmt.Errorf("%w: handle is %s", ErrParametersLocked, h.state)
	}
	h.domain = h.domain.WithUserProvidedBinary(on)
	return nil
}

func (h *Handle) updateBasin(i int, fn func(domaincfg.Basin) domaincfg.Basin) error {
	if h.state != StateConfigured {
		return fmt.Errorf("%w: handle is %s", ErrParametersLocked, h.state)
	}
	bs, err := h.basins.With(i, fn)
	if err != nil {
		return err
	}
	h.basins = bs
	return nil
}

// ExportConfigToJSON writes the effective domain and basin documents into the
// workspace. The exported domain references the exported basin list.
func (h *Handle) ExportConfigToJSON() error {
	if err := domaincfg.SaveBasins(h.BasinsPath(), h.basins); err != nil {
		return fmt.Errorf("export basins: %w", err)
	}
	d := h.domain.WithBasinsFile(h.BasinsPath())
	if err := domaincfg.SaveDomain(h.ConfigPath(), d); err != nil {
		return fmt.Errorf("export configuration: %w", err)
	}
	return nil
}

// Setup exports the effective configuration and runs the setup stage.
func (h *Handle) Setup(ctx context.Context) error {
	_, err := h.runStage(ctx, StageSetup)
	return err
}

func (h *Handle) FlowlineSimplification(ctx context.Context) error {
	_, err := h.runStage(ctx, StageFlowlineSimplification)
	return err
}

// MeshGeneration runs mesh generation and returns the number of mesh cells.
func (h *Handle) MeshGeneration(ctx context.Context) (int, error) {
	res, err := h.runStage(ctx, StageMeshGeneration)
	if err != nil {
		return 0, err
	}
	return res.MeshCells, nil
}

func (h *Handle) ReconstructTopology(ctx context.Context) error {
	_, err := h.runStage(ctx, StageReconstructTopology)
	return err
}

func (h *Handle) Export(ctx context.Context) error {
	_, err := h.runStage(ctx, StageExport)
	return err
}

// RunStage runs one stage. It fails with ErrInvalidTransition unless stage is
// the next one in order.
func (h *Handle) RunStage(ctx context.Context, stage Stage) (Result, error) {
	return h.runStage(ctx, stage)
}

// RunAll runs every stage in order from a configured handle.
func (h *Handle) RunAll(ctx context.Context) error {
	for _, stage := range Stages {
		if _, err := h.runStage(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) runStage(ctx context.Context, stage Stage) (Result, error) {
	target := stage.Target()
	if !h.state.CanTransitionTo(target) {
		return Result{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, stage, h.state)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if stage == StageSetup {
		if err := h.ExportConfigToJSON(); err != nil {
			return Result{}, h.fail(stage, err)
		}
	}

	res, err := h.runner.Run(ctx, Invocation{
		Stage:      stage,
		Binary:     h.binaryOptions(),
		Workspace:  h.workspace,
		ConfigPath: h.ConfigPath(),
		Debug:      h.debug(),
	})
	if err != nil {
		return res, h.fail(stage, err)
	}

	h.state = target
	h.results = append(h.results, res)
	if stage == StageMeshGeneration {
		h.meshCells = res.MeshCells
	}
	h.logger.Debug("Stage completed",
		slog.Int("case", h.caseIndex),
		slog.String("stage", stage.String()),
		slog.String("state", h.state.String()),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (h *Handle) fail(stage Stage, err error) error {
	h.state = StateFailed
	return &StageError{Stage: stage, Workspace: h.workspace, Err: err}
}

// binaryOptions describes the executable for the runner; lookup happens
// there.
func (h *Handle) binaryOptions() BinaryOptions {
	opts := h.binary
	opts.UserProvided = h.domain.UserProvidedBinary != 0
	opts.Explicit = h.domain.Binary
	return opts
}

func (h *Handle) debug() bool {
	for _, b := range h.basins {
		if b.Debug != 0 {
			return true
		}
	}
	return false
}
