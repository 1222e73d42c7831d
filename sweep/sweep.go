// Package sweep runs one isolated pipeline case per selected resolution
// index.
//
// For every candidate the sweep stages copies of the configuration
// templates into the case workspace, patches them, builds the run context,
// sets derived per-basin parameters on the handle and either runs the
// pipeline inline or appends a batch submission block to the job script.
// Cases run strictly one after another and the case index grows by exactly
// one per iteration whether the case succeeds or not.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/hexsweep/dggs"
	"github.com/c360studio/hexsweep/domaincfg"
	"github.com/c360studio/hexsweep/events"
	"github.com/c360studio/hexsweep/jobscript"
	"github.com/c360studio/hexsweep/ledger"
	"github.com/c360studio/hexsweep/metrics"
	"github.com/c360studio/hexsweep/pipeline"
	"github.com/c360studio/hexsweep/tracing"
)

// Ledger records case lifecycles.
type Ledger interface {
	Begin(ctx context.Context, r ledger.Record) (int64, error)
	Finish(ctx context.Context, id int64, status ledger.Status, meshCells int, errText string) error
}

// Sweeper runs sweeps. It is not safe for concurrent use.
type Sweeper struct {
	opts      Options
	mesh      pipeline.MeshType
	resolver  dggs.Resolver
	runner    pipeline.Runner
	ledger    Ledger
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	sweepID   string
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithResolver sets the resolution resolver (default dggs.DGGRID).
func WithResolver(r dggs.Resolver) Option {
	return func(s *Sweeper) { s.resolver = r }
}

// WithRunner sets the stage runner handed to every run handle.
func WithRunner(r pipeline.Runner) Option {
	return func(s *Sweeper) { s.runner = r }
}

func WithLedger(l Ledger) Option {
	return func(s *Sweeper) { s.ledger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Sweeper) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Sweeper) { s.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithSweepID fixes the sweep id (default a random UUID).
func WithSweepID(id string) Option {
	return func(s *Sweeper) { s.sweepID = id }
}

// New validates opts and creates a Sweeper.
func New(opts Options, options ...Option) (*Sweeper, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults().absolute()
	if err != nil {
		return nil, err
	}
	mesh, err := pipeline.ParseMeshType(opts.MeshType)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		opts:      opts,
		mesh:      mesh,
		resolver:  dggs.DGGRID{},
		publisher: events.Nop{},
	}
	for _, o := range options {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = tracing.Tracer()
	}
	if s.sweepID == "" {
		s.sweepID = uuid.NewString()
	}
	if s.runner == nil {
		s.runner = pipeline.NewExecRunner(s.logger)
	}
	return s, nil
}

// SweepID returns the id recorded with every case.
func (s *Sweeper) SweepID() string {
	return s.sweepID
}

func (s *Sweeper) mode() Mode {
	switch {
	case s.opts.DryRun:
		return ModeDryRun
	case s.opts.HPC.Enabled:
		return ModeHPC
	default:
		return ModeInline
	}
}

// Run executes the sweep. The report is returned even when err is non-nil.
// Under FailAbort the first case error stops the sweep; under FailContinue
// all case errors are joined.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	selected, err := s.opts.Selected()
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "sweep.run", trace.WithAttributes(
		attribute.String("sweep.id", s.sweepID),
		attribute.String("sweep.mode", string(s.mode())),
		attribute.Int("sweep.cases", len(selected)),
	))
	defer span.End()

	report := &Report{
		SweepID:   s.sweepID,
		Mode:      s.mode(),
		StartedAt: time.Now().UTC(),
	}

	var emitter *jobscript.Emitter
	if report.Mode == ModeHPC {
		if err := os.MkdirAll(filepath.Dir(s.opts.HPC.Script), 0755); err != nil {
			return report, fmt.Errorf("create job script directory: %w", err)
		}
		emitter, err = jobscript.Open(s.opts.HPC.Script,
			jobscript.WithSubmitCommand(s.opts.HPC.SubmitCommand),
			jobscript.WithDescriptor(s.opts.HPC.Job.Descriptor))
		if err != nil {
			return report, err
		}
		report.JobScript = emitter.Path()
	}

	s.logger.Info("Sweep started",
		slog.String("sweep_id", s.sweepID),
		slog.String("mode", string(report.Mode)),
		slog.Int("cases", len(selected)),
		slog.Int("first_case", s.opts.StartCase+1))

	var errs []error
	caseIndex := s.opts.StartCase
	for _, resolution := range selected {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			errs = append(errs, err)
			break
		}
		caseIndex++
		res := s.runCase(ctx, Case{Index: caseIndex, Resolution: resolution, Date: s.opts.Date}, emitter)
		report.Cases = append(report.Cases, res)
		if res.Err == nil {
			continue
		}
		errs = append(errs, res.Err)
		if s.opts.FailurePolicy == FailAbort || ctx.Err() != nil {
			report.Aborted = true
			break
		}
	}

	if emitter != nil {
		if report.Aborted {
			// Left unfinalized for inspection.
			if err := emitter.Abandon(); err != nil {
				errs = append(errs, err)
			}
		} else if err := emitter.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	report.FinishedAt = time.Now().UTC()
	if len(errs) == 0 && s.metrics != nil {
		s.metrics.SweepSucceeded(report.FinishedAt)
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
	}
	s.logger.Info("Sweep finished",
		slog.String("sweep_id", s.sweepID),
		slog.Int("cases", len(report.Cases)),
		slog.Int("failed", len(report.Failed())),
		slog.Bool("aborted", report.Aborted))
	return report, err
}

func (s *Sweeper) runCase(ctx context.Context, c Case, emitter *jobscript.Emitter) CaseResult {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "sweep.case", trace.WithAttributes(
		attribute.Int("case.index", c.Index),
		attribute.Int("case.resolution", c.Resolution),
	))
	defer span.End()

	res := CaseResult{Case: c, Mode: s.mode(), Status: ledger.StatusRunning}
	res.Workspace = filepath.Join(s.opts.Output,
		pipeline.WorkspaceName(s.mesh, s.opts.GridSystem, c.Resolution, c.Index, c.Date))

	st := &caseState{}
	stage, err := s.execute(ctx, c, &res, st, emitter)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = ledger.StatusFailed
		res.Err = &CaseError{Case: c, Stage: stage, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, stage+" failed")
		s.logger.Error("Case failed",
			slog.Int("case", c.Index),
			slog.Int("resolution", c.Resolution),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("Case finished",
			slog.Int("case", c.Index),
			slog.Int("resolution", c.Resolution),
			slog.String("status", string(res.Status)),
			slog.String("workspace", res.Workspace),
			slog.Duration("duration", res.Duration))
	}

	s.finishCase(ctx, &res, st)
	return res
}

// execute walks the case stages and returns the failing stage name on error.
func (s *Sweeper) execute(ctx context.Context, c Case, res *CaseResult, st *caseState, emitter *jobscript.Emitter) (string, error) {
	if err := s.stage(ctx, StageResolve, func(context.Context) error {
		meters, err := s.resolver.Resolve(s.opts.GridSystem, c.Resolution)
		if err != nil {
			return err
		}
		res.Meters = meters
		res.Threshold = meters * s.opts.ThresholdFactor
		if s.metrics != nil {
			s.metrics.SetResolution(meters)
		}
		return nil
	}); err != nil {
		return StageResolve, err
	}

	s.beginCase(ctx, res, st)

	configCopy := filepath.Join(res.Workspace, ConfigCopyFile)
	basinsCopy := filepath.Join(res.Workspace, BasinsCopyFile)

	if err := s.stage(ctx, StageCopy, func(context.Context) error {
		if err := os.MkdirAll(res.Workspace, 0755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
		if err := copyFile(s.opts.Template, configCopy); err != nil {
			return err
		}
		return copyFile(s.opts.BasinsTemplate, basinsCopy)
	}); err != nil {
		return StageCopy, err
	}

	if err := s.stage(ctx, StagePatch, func(context.Context) error {
		return s.patch(configCopy, basinsCopy, c)
	}); err != nil {
		return StagePatch, err
	}

	var h *pipeline.Handle
	if err := s.stage(ctx, StageBuild, func(ctx context.Context) error {
		var err error
		h, err = pipeline.Build(ctx, pipeline.BuildOptions{
			ConfigPath:        configCopy,
			CaseIndex:         c.Index,
			ResolutionIndex:   c.Resolution,
			ResolutionMeters:  res.Meters,
			MeshType:          s.opts.MeshType,
			GridSystem:        s.opts.GridSystem,
			Date:              c.Date,
			BinarySearchPaths: s.opts.BinarySearchPaths,
			BinaryName:        s.opts.BinaryName,
			Runner:            s.runner,
			Logger:            s.logger,
		})
		return err
	}); err != nil {
		return StageBuild, err
	}
	res.Workspace = h.Workspace()

	if err := s.stage(ctx, StageOverride, func(context.Context) error {
		return s.override(h, c, res.Threshold)
	}); err != nil {
		return StageOverride, err
	}

	if err := s.stage(ctx, StageDispatch, func(ctx context.Context) error {
		return s.dispatch(ctx, h, res, emitter)
	}); err != nil {
		return StageDispatch, err
	}
	return "", nil
}

func (s *Sweeper) patch(configCopy, basinsCopy string, c Case) error {
	overrides := []domaincfg.Override{{Key: keyWorkspaceOutput, Value: s.opts.Output}}
	if s.opts.MeshBoundary != "" {
		overrides = append(overrides, domaincfg.Override{Key: keyMeshBoundary, Value: s.opts.MeshBoundary})
	}
	if s.opts.DEM != "" {
		overrides = append(overrides, domaincfg.Override{Key: keyDEM, Value: s.opts.DEM})
	}
	overrides = append(overrides, domaincfg.Override{Key: keyBasins, Value: basinsCopy})
	overrides = append(overrides, s.opts.globalOverrides()...)
	if err := domaincfg.PatchSet(configCopy, overrides); err != nil {
		return err
	}

	basins, err := domaincfg.LoadBasins(basinsCopy)
	if err != nil {
		return err
	}
	var basinOverrides []domaincfg.Override
	for i := range basins {
		if flowline := s.opts.flowlineFor(i, c.Resolution); flowline != "" {
			basin := i
			basinOverrides = append(basinOverrides, domaincfg.Override{
				Key: keyFlowlineFilter, Value: flowline, Basin: &basin,
			})
		}
	}
	basinOverrides = append(basinOverrides, s.opts.basinOverrides()...)
	if len(basinOverrides) == 0 {
		return nil
	}
	return domaincfg.PatchSet(basinsCopy, basinOverrides)
}

// override sets derived and per-basin parameters on the handle. The flowline
// filter is the same path patched into the staged basin list, so the exported
// configuration and the staged copy agree.
func (s *Sweeper) override(h *pipeline.Handle, c Case, threshold float64) error {
	for i := range h.Basins() {
		if err := h.SetThreshold(i, threshold); err != nil {
			return err
		}
		if flowline := s.opts.flowlineFor(i, c.Resolution); flowline != "" {
			if err := h.SetFlowlineFilter(i, flowline); err != nil {
				return fmt.Errorf("basin %d: %w", i, err)
			}
		}
		if s.opts.Debug {
			if err := h.SetDebug(i, true); err != nil {
				return err
			}
		}
	}
	for _, b := range s.opts.Basins {
		if b.Outlet != nil {
			if err := h.SetOutlet(b.Index, b.Outlet.Longitude, b.Outlet.Latitude); err != nil {
				return fmt.Errorf("basin %d outlet: %w", b.Index, err)
			}
		}
		if b.Debug {
			if err := h.SetDebug(b.Index, true); err != nil {
				return fmt.Errorf("basin %d debug: %w", b.Index, err)
			}
		}
	}
	if s.opts.UserProvidedBinary {
		if err := h.SetUserProvidedBinary(true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) dispatch(ctx context.Context, h *pipeline.Handle, res *CaseResult, emitter *jobscript.Emitter) error {
	switch res.Mode {
	case ModeDryRun:
		if err := h.ExportConfigToJSON(); err != nil {
			return err
		}
		res.Status = ledger.StatusPlanned
		return nil

	case ModeHPC:
		path, err := h.WriteJobDescriptor(s.opts.HPC.Job)
		if err != nil {
			return err
		}
		res.JobDescriptor = path
		if err := emitter.Append(h.Workspace()); err != nil {
			return err
		}
		// Dispatched cases are on disk before the ledger says so.
		if err := emitter.Flush(); err != nil {
			return err
		}
		res.Status = ledger.StatusDispatched
		return nil

	default:
		// Setup exports the effective configuration.
		for _, stage := range pipeline.Stages {
			if err := s.stage(ctx, stage.String(), func(ctx context.Context) error {
				_, err := h.RunStage(ctx, stage)
				return err
			}); err != nil {
				return err
			}
		}
		res.MeshCells = h.MeshCells()
		res.Status = ledger.StatusCompleted
		return nil
	}
}

// stage runs fn inside a span, checks for cancellation first and records the
// stage duration.
func (s *Sweeper) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "sweep.stage."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.ObserveStage(name, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// caseState carries the ledger id between beginCase and finishCase.
type caseState struct {
	id    int64
	begun bool
}

func (s *Sweeper) beginCase(ctx context.Context, res *CaseResult, st *caseState) {
	s.publish(ctx, res)
	if s.ledger == nil {
		return
	}
	id, err := s.ledger.Begin(ctx, ledger.Record{
		SweepID:          s.sweepID,
		CaseIndex:        res.Case.Index,
		ResolutionIndex:  res.Case.Resolution,
		ResolutionMeters: res.Meters,
		Threshold:        res.Threshold,
		Workspace:        res.Workspace,
		Mode:             string(res.Mode),
	})
	if err != nil {
		s.logger.Warn("Failed to record case start",
			slog.Int("case", res.Case.Index),
			slog.String("error", err.Error()))
		return
	}
	st.id, st.begun = id, true
}

func (s *Sweeper) finishCase(ctx context.Context, res *CaseResult, st *caseState) {
	if s.metrics != nil {
		s.metrics.CaseFinished(string(res.Mode), string(res.Status))
	}
	// The ledger and event bus should see the final status even when the
	// sweep context was cancelled.
	ctx = context.WithoutCancel(ctx)
	s.publish(ctx, res)

	if s.ledger == nil {
		return
	}
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	if !st.begun {
		// The case failed before it was recorded.
		id, err := s.ledger.Begin(ctx, ledger.Record{
			SweepID:         s.sweepID,
			CaseIndex:       res.Case.Index,
			ResolutionIndex: res.Case.Resolution,
			Workspace:       res.Workspace,
			Mode:            string(res.Mode),
		})
		if err != nil {
			s.logger.Warn("Failed to record case", slog.Int("case", res.Case.Index), slog.String("error", err.Error()))
			return
		}
		st.id, st.begun = id, true
	}
	if err := s.ledger.Finish(ctx, st.id, res.Status, res.MeshCells, errText); err != nil {
		s.logger.Warn("Failed to record case result",
			slog.Int("case", res.Case.Index),
			slog.String("error", err.Error()))
	}
}

func (s *Sweeper) publish(ctx context.Context, res *CaseResult) {
	ev := events.Event{
		SweepID:          s.sweepID,
		CaseIndex:        res.Case.Index,
		ResolutionIndex:  res.Case.Resolution,
		ResolutionMeters: res.Meters,
		Workspace:        res.Workspace,
		Mode:             string(res.Mode),
		Status:           string(res.Status),
		MeshCells:        res.MeshCells,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish case event",
			slog.Int("case", res.Case.Index),
			slog.String("status", ev.Status),
			slog.String("error", err.Error()))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
