package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBinary is the pipeline executable looked up when no explicit path is
// configured.
const DefaultBinary = "hexwatershed"

// meshCellsPrefix marks the stdout line carrying the generated cell count.
const meshCellsPrefix = "mesh_cells="

// Invocation is everything a Runner needs to execute one stage. Binary
// describes the executable; resolving it is up to the Runner.
type Invocation struct {
	Stage      Stage
	Binary     BinaryOptions
	Workspace  string
	ConfigPath string
	Debug      bool
}

// Result is what a stage produced.
type Result struct {
	Stage     Stage
	MeshCells int
	LogPath   string
	Duration  time.Duration
}

// Runner executes pipeline stages.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs each stage as `<binary> <stage> --config <file>` in the run
// workspace. Output goes to <workspace>/logs/<stage>.log.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	res := Result{Stage: inv.Stage}

	bin, err := FindBinary(inv.Binary)
	if err != nil {
		return res, err
	}

	logDir := filepath.Join(inv.Workspace, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return res, fmt.Errorf("create log directory: %w", err)
	}
	res.LogPath = filepath.Join(logDir, string(inv.Stage)+".log")
	logFile, err := os.Create(res.LogPath)
	if err != nil {
		return res, fmt.Errorf("create stage log: %w", err)
	}
	defer logFile.Close()

	args := []string{string(inv.Stage), "--config", inv.ConfigPath}
	if inv.Debug {
		args = append(args, "--debug")
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = inv.Workspace
	cmd.Stdout = io.MultiWriter(logFile, &stdout)
	cmd.Stderr = logFile

	r.logger.Debug("Running pipeline stage",
		slog.String("stage", inv.Stage.String()),
		slog.String("binary", bin),
		slog.String("workspace", inv.Workspace))

	err = cmd.Run()
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("%s %s: %w (see %s)", bin, inv.Stage, err, res.LogPath)
	}

	if inv.Stage == StageMeshGeneration {
		res.MeshCells = parseMeshCells(stdout.Bytes())
	}
	return res, nil
}

func parseMeshCells(out []byte) int {
	cells := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, meshCellsPrefix); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				cells = n
			}
		}
	}
	return cells
}

// BinaryOptions control how the pipeline executable is located. The process
// environment is never modified.
type BinaryOptions struct {
	// Name is the executable name searched for (default DefaultBinary).
	Name string
	// SearchPaths are directories tried in order before PATH.
	SearchPaths []string
	// UserProvided forces Explicit to be used without any lookup.
	UserProvided bool
	// Explicit is the executable path used when UserProvided is set.
	Explicit string
}

// FindBinary resolves the pipeline executable.
func FindBinary(opts BinaryOptions) (string, error) {
	if opts.UserProvided {
		if opts.Explicit == "" {
			return "", fmt.Errorf("%w: user-provided binary requested but no path configured", ErrBinaryNotFound)
		}
		if !isExecutable(opts.Explicit) {
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, opts.Explicit)
		}
		return opts.Explicit, nil
	}

	name := opts.Name
	if name == "" {
		name = DefaultBinary
	}
	for _, dir := range opts.SearchPaths {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, name, err)
	}
	return path, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
