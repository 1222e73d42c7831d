package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "hexsweep.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/hexsweep"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// ErrConfigMissing is returned when an explicitly requested config file does
// not exist.
var ErrConfigMissing = errors.New("configuration file not found")

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	// home and cwd are overridable for tests
	home string
	cwd  string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/hexsweep/config.yaml)
// 3. Project config (hexsweep.yaml in current or parent directories)
// 4. Explicit config file, when path is not empty
//
// Relative paths in a file are resolved against that file's directory. The
// result is not validated; callers apply flag overrides first.
func (l *Loader) Load(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := loadResolved(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" && !samePath(projectConfigPath, path) {
		if projectConfig, err := loadResolved(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else if projectConfigPath == "" {
		l.logger.Debug("No project config found")
	}

	// Load explicit config; unlike the other layers it must exist
	if path != "" {
		explicit, err := loadResolved(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
			}
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", path))
		config.Merge(explicit)
	}

	return config, nil
}

// userDefaults is the part of the defaults written to a new user config.
type userDefaults struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	HPC      HPCConfig      `yaml:"hpc"`
	Events   EventsConfig   `yaml:"events"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// EnsureUserConfig creates the user config file with defaults if it doesn't
// exist and returns its path. created is false when the file already existed.
func (l *Loader) EnsureUserConfig() (path string, created bool, err error) {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return "", false, fmt.Errorf("cannot determine home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return userConfigPath, false, nil
	}

	// Path defaults stay out of the user file; they would resolve against
	// the user config directory.
	defaults := DefaultConfig()
	data, err := yaml.Marshal(userDefaults{
		Pipeline: defaults.Pipeline,
		HPC:      defaults.HPC,
		Events:   defaults.Events,
		Tracing:  defaults.Tracing,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(userConfigPath), 0755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(userConfigPath, data, 0644); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return userConfigPath, true, nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.home
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for hexsweep.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd := l.cwd
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return ""
		}
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// loadResolved loads one layer and anchors its relative paths at the file's
// directory.
func loadResolved(path string) (*Layer, error) {
	layer, err := LoadLayer(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	layer.Config.ResolvePaths(filepath.Dir(abs))
	return layer, nil
}

// ResolvePaths makes relative file paths absolute against base. Acquire
// selection patterns stay relative to the cloned repository.
func (c *Config) ResolvePaths(base string) {
	for _, p := range []*string{
		&c.Domain.Template,
		&c.Domain.Basins,
		&c.Domain.Boundary,
		&c.Domain.DEM,
		&c.Domain.Output,
		&c.Sweep.FlowlineTemplate,
		&c.HPC.Script,
		&c.Ledger.Path,
		&c.Metrics.Textfile,
		&c.Acquire.Dest,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	for i := range c.Basins {
		if p := c.Basins[i].FlowlineTemplate; p != "" && !filepath.IsAbs(p) {
			c.Basins[i].FlowlineTemplate = filepath.Join(base, p)
		}
	}
	for i, sp := range c.Pipeline.BinarySearchPaths {
		if sp != "" && !filepath.IsAbs(sp) {
			c.Pipeline.BinarySearchPaths[i] = filepath.Join(base, sp)
		}
	}
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
