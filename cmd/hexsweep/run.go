package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/hexsweep/config"
	"github.com/c360studio/hexsweep/dggs"
	"github.com/c360studio/hexsweep/events"
	"github.com/c360studio/hexsweep/ledger"
	"github.com/c360studio/hexsweep/metrics"
	"github.com/c360studio/hexsweep/pipeline"
	"github.com/c360studio/hexsweep/sweep"
	"github.com/c360studio/hexsweep/tracing"
)

// runFlags override config values when set on the command line.
type runFlags struct {
	start, stop, step int
	startCase         int
	date              string
	hpc               bool
	dryRun            bool
	failurePolicy     string
	resume            bool
}

func runCmd(g *globalOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the resolution sweep",
		Long: `Run one case per selected resolution candidate.

Each case copies the domain configuration and basin list into its
workspace, patches them, builds the run context and then either runs every
pipeline stage (inline), writes a batch descriptor and appends it to the job
script (--hpc), or stops after writing the effective configuration
(--dry-run).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, f, cfg)
			return runSweep(cmd, g.logger, cfg)
		},
	}

	cmd.Flags().IntVar(&f.start, "start", 0, "First candidate position (inclusive)")
	cmd.Flags().IntVar(&f.stop, "stop", 0, "Last candidate position (exclusive, 0 = all)")
	cmd.Flags().IntVar(&f.step, "step", 1, "Candidate step")
	cmd.Flags().IntVar(&f.startCase, "start-case", 0, "Last case index already used")
	cmd.Flags().StringVar(&f.date, "date", "", "Workspace date tag (default today, YYYYMMDD)")
	cmd.Flags().BoolVar(&f.hpc, "hpc", false, "Dispatch cases as batch jobs")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Prepare workspaces without dispatching")
	cmd.Flags().StringVar(&f.failurePolicy, "failure-policy", "", "abort or continue")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "Continue case numbering from the ledger")

	return cmd
}

func applyRunFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("start") {
		cfg.Sweep.Start = f.start
	}
	if flags.Changed("stop") {
		cfg.Sweep.Stop = f.stop
	}
	if flags.Changed("step") {
		cfg.Sweep.Step = f.step
	}
	if flags.Changed("start-case") {
		cfg.Sweep.StartCase = f.startCase
	}
	if flags.Changed("date") {
		cfg.Sweep.Date = f.date
	}
	if flags.Changed("hpc") {
		cfg.HPC.Enabled = f.hpc
	}
	if flags.Changed("dry-run") {
		cfg.Sweep.DryRun = f.dryRun
	}
	if flags.Changed("failure-policy") {
		cfg.Sweep.FailurePolicy = f.failurePolicy
	}
	if flags.Changed("resume") {
		cfg.Sweep.Resume = f.resume
	}
	if cfg.Sweep.Date == "" {
		cfg.Sweep.Date = time.Now().Format("20060102")
	}
}

// sweepOptions maps the driver config onto sweep options.
func sweepOptions(cfg *config.Config) sweep.Options {
	opts := sweep.Options{
		Template:           cfg.Domain.Template,
		BasinsTemplate:     cfg.Domain.Basins,
		Output:             cfg.Domain.Output,
		MeshBoundary:       cfg.Domain.Boundary,
		DEM:                cfg.Domain.DEM,
		MeshType:           cfg.Sweep.MeshType,
		GridSystem:         cfg.Sweep.GridSystem,
		Candidates:         cfg.Sweep.Candidates,
		Start:              cfg.Sweep.Start,
		Stop:               cfg.Sweep.Stop,
		Step:               cfg.Sweep.Step,
		StartCase:          cfg.Sweep.StartCase,
		Date:               cfg.Sweep.Date,
		ThresholdFactor:    cfg.Sweep.ThresholdFactor,
		FlowlineTemplate:   cfg.Sweep.FlowlineTemplate,
		GlobalOverrides:    cfg.Overrides.Global,
		BasinOverrides:     cfg.Overrides.Basins,
		BinaryName:         cfg.Pipeline.Binary,
		BinarySearchPaths:  cfg.Pipeline.BinarySearchPaths,
		UserProvidedBinary: cfg.Pipeline.UserProvidedBinary,
		Debug:              cfg.Pipeline.Debug,
		FailurePolicy:      sweep.FailurePolicy(cfg.Sweep.FailurePolicy),
		DryRun:             cfg.Sweep.DryRun,
		HPC: sweep.HPCOptions{
			Enabled:       cfg.HPC.Enabled,
			Script:        cfg.HPC.Script,
			SubmitCommand: cfg.HPC.SubmitCommand,
			Job: pipeline.JobOptions{
				Descriptor: cfg.HPC.Descriptor,
				Partition:  cfg.HPC.Partition,
				Account:    cfg.HPC.Account,
				Walltime:   cfg.HPC.Walltime,
				Nodes:      cfg.HPC.Nodes,
				Tasks:      cfg.HPC.Tasks,
				Modules:    cfg.HPC.Modules,
			},
		},
	}
	for _, b := range cfg.Basins {
		p := sweep.BasinParams{Index: b.Index, FlowlineTemplate: b.FlowlineTemplate, Debug: b.Debug}
		if b.Outlet != nil {
			p.Outlet = &sweep.Outlet{Longitude: b.Outlet.Longitude, Latitude: b.Outlet.Latitude}
		}
		opts.Basins = append(opts.Basins, p)
	}
	return opts
}

func runSweep(cmd *cobra.Command, logger *slog.Logger, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// Fail on missing templates before anything is written.
	if err := sweepOptions(cfg).Validate(); err != nil {
		return configError(err)
	}

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := tracing.Setup(ctx, tracingConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() { _ = tracing.Shutdown(shutdown, logger) }()

	var options []sweep.Option
	options = append(options, sweep.WithLogger(logger), sweep.WithResolver(resolverFor(cfg)))

	if !cfg.Ledger.Disabled {
		l, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer l.Close()
		if cfg.Sweep.Resume {
			last, err := l.LastCaseIndex(ctx)
			if err != nil {
				return fmt.Errorf("read last case index: %w", err)
			}
			logger.Info("Resuming case numbering", slog.Int("last_case", last))
			cfg.Sweep.StartCase = last
		}
		options = append(options, sweep.WithLedger(l))
	} else if cfg.Sweep.Resume {
		return fmt.Errorf("sweep.resume requires the ledger")
	}

	if cfg.Events.URL != "" {
		pub, err := events.Connect(ctx, events.Config{
			URL:           cfg.Events.URL,
			Name:          appName,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Timeout:       cfg.Events.Timeout,
			MaxReconnects: -1,
			ReconnectWait: time.Second,
			Token:         cfg.Events.Token,
		}, logger)
		if err != nil {
			// Events are advisory; the sweep runs without them.
			logger.Warn("Case events disabled", slog.String("url", cfg.Events.URL), slog.String("error", err.Error()))
		} else {
			defer pub.Close()
			options = append(options, sweep.WithPublisher(pub))
		}
	}

	m := metrics.New()
	options = append(options, sweep.WithMetrics(m))

	s, err := sweep.New(sweepOptions(cfg), options...)
	if err != nil {
		return configError(err)
	}

	report, runErr := s.Run(ctx)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("Failed to write metrics", slog.String("path", cfg.Metrics.Textfile), slog.String("error", err.Error()))
		}
	}
	return runErr
}

// tracingConfig overlays the configured tracing settings on the tracing
// defaults.
func tracingConfig(cfg *config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.ServiceName = appName
	tc.ServiceVersion = Version
	tc.OTLPEndpoint = cfg.Tracing.Endpoint
	tc.Insecure = cfg.Tracing.Insecure
	tc.SampleRatio = cfg.Tracing.SampleRatio
	if cfg.Tracing.Environment != "" {
		tc.Environment = cfg.Tracing.Environment
	}
	return tc
}

// resolverFor picks the resolution lookup for the configured mesh. DGGRID
// meshes derive the cell length from the grid system; other meshes use the
// fixed sweep.resolution_meters.
func resolverFor(cfg *config.Config) dggs.Resolver {
	if mesh, err := pipeline.ParseMeshType(cfg.Sweep.MeshType); err == nil && mesh.UsesGridSystem() {
		return dggs.DGGRID{}
	}
	return dggs.Fixed(cfg.Sweep.ResolutionMeters)
}

// withTimeout bounds short ledger reads issued outside a sweep.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
