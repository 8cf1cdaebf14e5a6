// Package config loads the convcheck configuration from YAML.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/go-convcheck/harness"
	"github.com/gomlx/go-convcheck/reference"
	"github.com/gomlx/go-convcheck/suite"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all convcheck configuration.
type Config struct {
	// Root of the per-case work directories.
	WorkDir string `yaml:"work_dir"`

	// Base seed mixed into every case seed.
	Seed int64 `yaml:"seed"`

	// Maximum number of cases run concurrently by the CLI.
	Parallelism int `yaml:"parallelism"`

	KeepArtifacts bool `yaml:"keep_artifacts"`
	Optimize      bool `yaml:"optimize"`

	Comparison ToleranceConfig `yaml:"tolerance"`
	Cases      MatrixConfig    `yaml:"matrix"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// ToleranceConfig configures output comparison.
type ToleranceConfig struct {
	Abs       float64 `yaml:"abs"`
	Rel       float64 `yaml:"rel"`
	MinCosine float64 `yaml:"min_cosine"`
}

// MatrixConfig configures the test matrix axes. Pairs are [height, width].
type MatrixConfig struct {
	Batches        []int64   `yaml:"batches"`
	InputChannels  []int64   `yaml:"input_channels"`
	InputSizes     [][]int64 `yaml:"input_sizes"`
	KernelSizes    [][]int64 `yaml:"kernel_sizes"`
	Strides        [][]int64 `yaml:"strides"`
	Paddings       []string  `yaml:"paddings"`
	Dilations      [][]int64 `yaml:"dilations"`
	EnableDilation bool      `yaml:"enable_dilation"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tol := harness.DefaultTolerance()
	m := suite.DefaultMatrix()
	paddings := make([]string, len(m.Paddings))
	for i, p := range m.Paddings {
		paddings[i] = string(p)
	}
	return &Config{
		WorkDir:     filepath.Join(os.TempDir(), "convcheck"),
		Parallelism: runtime.NumCPU(),
		Optimize:    true,
		Comparison: ToleranceConfig{
			Abs:       tol.Abs,
			Rel:       tol.Rel,
			MinCosine: tol.MinCosine,
		},
		Cases: MatrixConfig{
			Batches:        m.Batches,
			InputChannels:  m.InputChannels,
			InputSizes:     fromPairs(m.InputSizes),
			KernelSizes:    fromPairs(m.KernelSizes),
			Strides:        fromPairs(m.Strides),
			Paddings:       paddings,
			Dilations:      fromPairs(m.Dilations),
			EnableDilation: m.EnableDilation,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults, a missing file is an error. Environment overrides are applied
// last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write config")
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if dir := os.Getenv("CONVCHECK_WORK_DIR"); dir != "" {
		c.WorkDir = dir
	}
	if v := os.Getenv("CONVCHECK_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid CONVCHECK_SEED %q", v)
		}
		c.Seed = seed
	}
	if v := os.Getenv("CONVCHECK_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid CONVCHECK_PARALLELISM %q", v)
		}
		c.Parallelism = n
	}
	if level := os.Getenv("CONVCHECK_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	return nil
}

// Validate checks the configuration for values the runner cannot use.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return errors.New("work_dir must be set")
	}
	if c.Parallelism < 1 {
		return errors.Errorf("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if err := c.Tolerance().Validate(); err != nil {
		return err
	}
	if _, err := c.Matrix(); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Logging.Level)
	}
	return nil
}

// Tolerance converts the tolerance section.
func (c *Config) Tolerance() harness.Tolerance {
	return harness.Tolerance{
		Abs:       c.Comparison.Abs,
		Rel:       c.Comparison.Rel,
		MinCosine: c.Comparison.MinCosine,
	}
}

// Matrix converts the matrix section into a suite.Matrix.
func (c *Config) Matrix() (suite.Matrix, error) {
	m := c.Cases
	out := suite.Matrix{
		Batches:        m.Batches,
		InputChannels:  m.InputChannels,
		EnableDilation: m.EnableDilation,
	}
	var err error
	if out.InputSizes, err = toPairs("input_sizes", m.InputSizes); err != nil {
		return suite.Matrix{}, err
	}
	if out.KernelSizes, err = toPairs("kernel_sizes", m.KernelSizes); err != nil {
		return suite.Matrix{}, err
	}
	if out.Strides, err = toPairs("strides", m.Strides); err != nil {
		return suite.Matrix{}, err
	}
	if out.Dilations, err = toPairs("dilations", m.Dilations); err != nil {
		return suite.Matrix{}, err
	}
	for _, p := range m.Paddings {
		padding, err := reference.ParsePadding(p)
		if err != nil {
			return suite.Matrix{}, errors.Wrap(err, "matrix.paddings")
		}
		out.Paddings = append(out.Paddings, padding)
	}
	for _, v := range append(append([]int64(nil), m.Batches...), m.InputChannels...) {
		if v < 1 {
			return suite.Matrix{}, errors.Errorf("matrix: batches and input_channels must be positive, got %d", v)
		}
	}
	if out.Size() == 0 {
		return suite.Matrix{}, errors.New("matrix: every axis needs at least one value")
	}
	return out, nil
}

func toPairs(field string, values [][]int64) ([][2]int64, error) {
	pairs := make([][2]int64, len(values))
	for i, v := range values {
		if len(v) != 2 {
			return nil, errors.Errorf("matrix.%s[%d]: expected [height, width], got %v", field, i, v)
		}
		if v[0] < 1 || v[1] < 1 {
			return nil, errors.Errorf("matrix.%s[%d]: values must be positive, got %v", field, i, v)
		}
		pairs[i] = [2]int64{v[0], v[1]}
	}
	return pairs, nil
}

func fromPairs(pairs [][2]int64) [][]int64 {
	values := make([][]int64, len(pairs))
	for i, p := range pairs {
		values[i] = []int64{p[0], p[1]}
	}
	return values
}
