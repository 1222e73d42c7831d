// Package acquire populates the sweep input workspace from a remote data
// repository.
//
// The repository is cloned into a temporary directory, files matching the
// selection patterns are copied into the destination and the clone is always
// removed afterwards.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoMatches is returned when no file in the clone matches the selection.
var ErrNoMatches = errors.New("no files matched selection")

// allowedProtocols defines the git URL protocols that are permitted for cloning.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// Options describe one acquisition.
type Options struct {
	RepoURL string
	Branch  string
	Depth   int
	// TempDir is the parent of the temporary clone (default os.TempDir()).
	TempDir string
	// Select holds doublestar patterns relative to the repository root. Each
	// match is copied to Dest relative to the pattern's static prefix.
	Select []string
	Dest   string
	// Clean removes Dest before copying.
	Clean bool
}

// Result summarizes an acquisition.
type Result struct {
	Dest  string
	Files []string
}

// Cloner clones a repository into dest.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch string, depth int, dest string) error
}

// GitCloner clones with the git executable.
type GitCloner struct{}

// Clone implements Cloner.
func (GitCloner) Clone(ctx context.Context, repoURL, branch string, depth int, dest string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	if depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", depth))
	}
	args = append(args, repoURL, dest)

	if _, err := runGit(ctx, "", args...); err != nil {
		return fmt.Errorf("clone failed: %w", err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// Fetcher runs acquisitions.
type Fetcher struct {
	cloner Cloner
	logger *slog.Logger
}

// NewFetcher creates a Fetcher. A nil cloner uses GitCloner.
func NewFetcher(cloner Cloner, logger *slog.Logger) *Fetcher {
	if cloner == nil {
		cloner = GitCloner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cloner: cloner, logger: logger}
}

// Fetch clones opts.RepoURL and copies the selected files into opts.Dest.
func (f *Fetcher) Fetch(ctx context.Context, opts Options) (Result, error) {
	if err := validateGitURL(opts.RepoURL); err != nil {
		return Result{}, fmt.Errorf("invalid URL: %w", err)
	}
	if err := validatePath("", opts.Dest); err != nil {
		return Result{}, fmt.Errorf("invalid destination: %w", err)
	}
	if len(opts.Select) == 0 {
		return Result{}, fmt.Errorf("at least one selection pattern is required")
	}
	for _, p := range opts.Select {
		if !doublestar.ValidatePattern(p) {
			return Result{}, fmt.Errorf("invalid selection pattern %q", p)
		}
	}

	tmp, err := os.MkdirTemp(opts.TempDir, "hexsweep-fetch-")
	if err != nil {
		return Result{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			f.logger.Warn("Failed to remove temporary clone",
				slog.String("path", tmp),
				slog.String("error", err.Error()))
		}
	}()

	clone := filepath.Join(tmp, "repo")
	f.logger.Info("Cloning data repository",
		slog.String("url", opts.RepoURL),
		slog.String("branch", opts.Branch))
	if err := f.cloner.Clone(ctx, opts.RepoURL, opts.Branch, opts.Depth, clone); err != nil {
		return Result{}, err
	}

	if opts.Clean {
		if err := os.RemoveAll(opts.Dest); err != nil {
			return Result{}, fmt.Errorf("clean destination: %w", err)
		}
	}
	if err := os.MkdirAll(opts.Dest, 0755); err != nil {
		return Result{}, fmt.Errorf("create destination: %w", err)
	}

	res := Result{Dest: opts.Dest}
	fsys := os.DirFS(clone)
	for _, pattern := range opts.Select {
		base, _ := doublestar.SplitPattern(pattern)
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return res, fmt.Errorf("glob error: %w", err)
		}
		for _, m := range matches {
			if strings.HasPrefix(m, ".git/") {
				continue
			}
			rel := relativeTo(base, m)
			target := filepath.Join(opts.Dest, filepath.FromSlash(rel))
			if err := copyFile(filepath.Join(clone, filepath.FromSlash(m)), target); err != nil {
				return res, fmt.Errorf("copy %s: %w", m, err)
			}
			res.Files = append(res.Files, target)
		}
	}
	if len(res.Files) == 0 {
		return res, fmt.Errorf("%w: %s", ErrNoMatches, strings.Join(opts.Select, ", "))
	}

	f.logger.Info("Input data acquired",
		slog.String("dest", opts.Dest),
		slog.Int("files", len(res.Files)))
	return res, nil
}

// relativeTo strips the static pattern prefix from a match. A pattern with no
// static directory keeps the full match path.
func relativeTo(base, match string) string {
	if base == "." || base == "" {
		return match
	}
	if rel, ok := strings.CutPrefix(match, base+"/"); ok {
		return rel
	}
	return path.Base(match)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|fs.FileMode(0600))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// validateGitURL validates that a git URL uses an allowed protocol.
func validateGitURL(rawURL string) error {
	// SSH shorthand (git@github.com:owner/repo.git)
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// validatePath rejects empty paths and traversal, and when baseDir is set
// requires path to stay within it.
func validatePath(baseDir, p string) error {
	if p == "" {
		return fmt.Errorf("path is required")
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	if baseDir == "" {
		return nil
	}

	absPath, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	absBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("invalid base path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) && absPath != absBase {
		return fmt.Errorf("path must be within %s", baseDir)
	}
	return nil
}
