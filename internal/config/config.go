// Package config loads and validates the optional .nbrun YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file.
const FileName = ".nbrun"

// Defaults, matching the original weather notebook job.
const (
	DefaultTimeout        = 600 * time.Second
	DefaultStartupTimeout = 60 * time.Second
	DefaultKernel         = "python3"
	DefaultInput          = "weather.ipynb"
	DefaultOutput         = "output_notebook.ipynb"
	DefaultWorkDir        = "./"
	DefaultMaxOutput      = 1 << 20 // 1 MB of kernel stderr kept for diagnostics
	DefaultCacheSize      = 32
)

// Config holds the parsed .nbrun configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version int `yaml:"version"`

	RawTimeout        string `yaml:"timeout"`         // per cell, e.g. "10m"; "none" disables
	RawStartupTimeout string `yaml:"startup_timeout"` // e.g. "60s"
	RawKernel         string `yaml:"kernel"`
	RawInput          string `yaml:"input"`
	RawOutput         string `yaml:"output"`
	RawWorkDir        string `yaml:"cwd"` // kernel working directory
	RawMaxOutput      int    `yaml:"max_output"`

	AllowErrors        bool `yaml:"allow_errors"`
	InterruptOnTimeout bool `yaml:"interrupt_on_timeout"`
	RecordTiming       bool `yaml:"record_timing"`

	KernelDirs []string   `yaml:"kernel_dirs"` // extra Jupyter data dirs searched first
	Runs       RunsConfig `yaml:"runs"`
}

// RunsConfig controls where run reports are kept.
type RunsConfig struct {
	Dir       string `yaml:"dir"`        // default: a temp dir per process
	CacheSize int    `yaml:"cache_size"` // reports kept in memory
}

// Timeout returns the per-cell timeout. Zero means no timeout.
func (c *Config) Timeout() time.Duration {
	d, err := parseTimeout(c.RawTimeout)
	if err != nil {
		return DefaultTimeout
	}
	return d
}

// StartupTimeout returns how long a kernel may take to become ready.
func (c *Config) StartupTimeout() time.Duration {
	if c.RawStartupTimeout != "" {
		d, err := time.ParseDuration(c.RawStartupTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultStartupTimeout
}

// Kernel returns the kernel used for notebooks that name none: the
// configured kernel or the default.
func (c *Config) Kernel() string {
	if c.RawKernel != "" {
		return c.RawKernel
	}
	return DefaultKernel
}

// Input returns the configured input notebook or the default.
func (c *Config) Input() string {
	if c.RawInput != "" {
		return c.RawInput
	}
	return DefaultInput
}

// Output returns the configured output notebook or the default.
func (c *Config) Output() string {
	if c.RawOutput != "" {
		return c.RawOutput
	}
	return DefaultOutput
}

// WorkDir returns the kernel working directory or the default.
func (c *Config) WorkDir() string {
	if c.RawWorkDir != "" {
		return c.RawWorkDir
	}
	return DefaultWorkDir
}

// MaxOutputBytes returns how much kernel stderr is retained.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// CacheSize returns the number of run reports kept in memory.
func (c *Config) CacheSize() int {
	if c.Runs.CacheSize > 0 {
		return c.Runs.CacheSize
	}
	return DefaultCacheSize
}

// Validate reports settings that cannot be interpreted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseTimeout(c.RawTimeout); err != nil {
		errs = append(errs, fmt.Errorf("timeout: %w", err))
	}
	if c.RawStartupTimeout != "" {
		if d, err := time.ParseDuration(c.RawStartupTimeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("startup_timeout: want a positive duration, got %q", c.RawStartupTimeout))
		}
	}
	if c.RawMaxOutput < 0 {
		errs = append(errs, fmt.Errorf("max_output: must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseTimeout parses a per-cell timeout: a Go duration, a bare number of
// seconds, or "none". Zero and "none" disable the timeout.
func ParseTimeout(s string) (time.Duration, error) {
	return parseTimeout(s)
}

func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return DefaultTimeout, nil
	case "none", "0", "-1":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// Bare seconds, as nbconvert's --ExecutePreprocessor.timeout takes.
		d, err = time.ParseDuration(s + "s")
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// LoadResult holds the parsed config and the directory it was found in.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .nbrun; falls back to workspace
	Path   string // empty when no file was found
}

// Resolve makes p absolute relative to the config root.
func (r *LoadResult) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Root, p)
}

// KernelDirs returns the configured kernel_dirs made absolute.
func (r *LoadResult) KernelDirs() []string {
	dirs := make([]string, 0, len(r.Config.KernelDirs))
	for _, d := range r.Config.KernelDirs {
		dirs = append(dirs, r.Resolve(d))
	}
	return dirs
}

// Load reads the nearest .nbrun file, walking upward from workspace. If
// none exists, a default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	path, err := findConfig(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return &LoadResult{Config: &Config{}, Root: abs}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &LoadResult{Config: cfg, Root: filepath.Dir(path), Path: path}, nil
}

// findConfig walks upward from dir looking for a .nbrun file.
func findConfig(dir string) (string, error) {
	for {
		path := filepath.Join(dir, FileName)
		st, err := os.Stat(path)
		if err == nil && !st.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("looking for %s: %w", FileName, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fs.ErrNotExist
		}
		dir = parent
	}
}
