// Package harness converts reference modules into model packages, executes
// them with the runtime and checks the results against the reference.
package harness

import (
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/gomlx/go-convcheck/model"
	"github.com/gomlx/go-convcheck/reference"
	"github.com/gomlx/go-convcheck/runtime"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PackageExt is the directory extension of converted artifacts.
const PackageExt = ".kpkg"

// Runner converts and checks the reference module of one case. The
// module converted by FromReference is the one Run checks against.
type Runner struct {
	caseName string
	workDir  string
	dir      string

	tol      Tolerance
	seed     int64
	keep     bool
	optimize bool
	logger   *zap.Logger
	rt       *runtime.Runtime

	mu     sync.Mutex
	module reference.Module
	closed bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkDir sets the root under which the case directory is created.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// WithTolerance sets the comparison tolerance.
func WithTolerance(tol Tolerance) Option {
	return func(r *Runner) { r.tol = tol }
}

// WithSeed sets the seed of the generated input.
func WithSeed(seed int64) Option {
	return func(r *Runner) { r.seed = seed }
}

// WithLogger sets the logger. It is also handed to the runtime.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithKeepArtifacts keeps the case directory on Close.
func WithKeepArtifacts(keep bool) Option {
	return func(r *Runner) { r.keep = keep }
}

// WithOptimize toggles the program optimization passes. Enabled by default.
func WithOptimize(enabled bool) Option {
	return func(r *Runner) { r.optimize = enabled }
}

// NewRunner creates the working directory <workDir>/<caseName>.
func NewRunner(caseName string, opts ...Option) (*Runner, error) {
	if caseName == "" || strings.ContainsAny(caseName, `/\`) || caseName == "." || caseName == ".." {
		return nil, errors.Errorf("invalid case name %q", caseName)
	}
	r := &Runner{
		caseName: caseName,
		workDir:  filepath.Join(os.TempDir(), "convcheck"),
		tol:      DefaultTolerance(),
		optimize: true,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.tol.Validate(); err != nil {
		return nil, err
	}
	r.logger = r.logger.With(zap.String("case", caseName))
	r.rt = runtime.New(runtime.WithLogger(r.logger))

	r.dir = filepath.Join(r.workDir, caseName)
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create work directory %s", r.dir)
	}
	return r, nil
}

// Dir returns the case working directory.
func (r *Runner) Dir() string { return r.dir }

// FromReference converts m and writes it as a model package inside the case
// directory. It returns the package path. Constructs without a lowering are
// reported as *ConversionError.
func (r *Runner) FromReference(m reference.Module) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", errors.New("runner is closed")
	}

	b, err := Convert(r.caseName, m, r.optimize)
	if err != nil {
		return "", err
	}
	program := b.Build()
	if err := b.Err(); err != nil {
		return "", errors.Wrapf(err, "failed to build %q", r.caseName)
	}
	inputs, outputs := b.FeatureSpecs()
	opts := model.DefaultOptions()
	opts.ShortDescription = r.caseName

	path := filepath.Join(r.dir, r.caseName+PackageExt)
	if err := model.SaveModelPackage(model.ToModel(program, inputs, outputs, opts), path); err != nil {
		return "", errors.Wrapf(err, "failed to save %s", path)
	}
	r.module = m

	_, block, _ := program.MainBlock(r.caseName)
	r.logger.Debug("Converted reference module",
		zap.String("path", path),
		zap.Int("ops", len(block.Operations)))
	return path, nil
}

// Run executes the package at artifactPath and the reference module on the
// same generated input, and compares the outputs. Divergence is reported as
// *NumericalMismatchError.
func (r *Runner) Run(artifactPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("runner is closed")
	}
	if r.module == nil {
		return errors.New("Run called before FromReference")
	}

	exec, err := r.rt.Load(artifactPath)
	if err != nil {
		return errors.Wrapf(err, "failed to load %s", artifactPath)
	}
	defer exec.Close()

	sig := r.module.Signature()
	input, err := r.newInput(sig)
	if err != nil {
		return err
	}

	want, err := r.module.Call(input)
	if err != nil {
		return errors.Wrap(err, "reference execution failed")
	}

	outputs, err := exec.Run(map[string]any{sig.Name: input.Float32s()})
	if err != nil {
		return errors.Wrap(err, "artifact execution failed")
	}
	if len(exec.Outputs()) != 1 {
		return errors.Errorf("expected 1 artifact output, got %d", len(exec.Outputs()))
	}
	spec := exec.Outputs()[0]
	data, ok := outputs[spec.Name].([]float32)
	if !ok {
		return errors.Errorf("artifact output %q is %T, want []float32", spec.Name, outputs[spec.Name])
	}
	got, err := tensor.NewTensorWithData(spec.Shape, data)
	if err != nil {
		return errors.Wrapf(err, "artifact output %q", spec.Name)
	}

	if err := Compare(want, got, r.tol); err != nil {
		r.logger.Debug("Outputs diverge", zap.Error(err))
		return err
	}
	r.logger.Debug("Outputs match", zap.Int64s("shape", spec.Shape))
	return nil
}

// Close removes the case directory unless artifacts are kept.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.keep {
		r.logger.Info("Keeping artifacts", zap.String("dir", r.dir))
		return nil
	}
	return errors.Wrap(os.RemoveAll(r.dir), "failed to remove work directory")
}

// newInput draws a uniform [-1, 1) input for sig from the runner seed and
// the case name.
func (r *Runner) newInput(sig reference.TensorSpec) (*tensor.Tensor, error) {
	n, err := tensor.NumElements(sig.Shape)
	if err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(r.caseName))
	rng := rand.New(rand.NewPCG(uint64(r.seed), h.Sum64()))

	data := make([]float32, n)
	for i := range data {
		data[i] = 2*rng.Float32() - 1
	}
	return tensor.NewTensorWithData(sig.Shape, data)
}
