// Package runtime compiles model programs into executables and runs them on
// the host with a pure Go interpreter.
package runtime

import (
	"github.com/gomlx/go-convcheck/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Runtime compiles programs into Executables.
type Runtime struct {
	logger   *zap.Logger
	validate bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger used for compile and run events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithValidation enables checking every op result against the type declared
// in the program. Enabled by default.
func WithValidation(enabled bool) Option {
	return func(r *Runtime) {
		r.validate = enabled
	}
}

// New creates a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:   zap.NewNop(),
		validate: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Compile builds b and prepares it for execution.
func (r *Runtime) Compile(b *model.Builder) (*Executable, error) {
	program := b.Build()
	if err := b.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to build %q", b.Name())
	}
	inputs, outputs := b.FeatureSpecs()
	return r.compile(b.Name(), program, inputs, outputs)
}

// CompileModel prepares a deserialized model for execution. The program must
// hold exactly one function.
func (r *Runtime) CompileModel(m *model.Model) (*Executable, error) {
	program := m.GetProgram()
	if program == nil {
		return nil, errors.New("model has no program")
	}
	if len(program.Functions) != 1 {
		return nil, errors.Errorf("expected exactly 1 function, model has %d", len(program.Functions))
	}
	var name string
	for name = range program.Functions {
	}
	var inputs, outputs []model.FeatureSpec
	if m.Description != nil {
		inputs, outputs = m.Description.Input, m.Description.Output
	}
	return r.compile(name, program, inputs, outputs)
}

// Load reads a model package from path and compiles it.
func (r *Runtime) Load(path string) (*Executable, error) {
	m, err := model.LoadModelPackage(path)
	if err != nil {
		return nil, err
	}
	exec, err := r.CompileModel(m)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile %s", path)
	}
	return exec, nil
}

// compile resolves every operation to a kernel and checks that each value is
// defined before it is read.
func (r *Runtime) compile(name string, program *model.Program, inputs, outputs []model.FeatureSpec) (*Executable, error) {
	fn, block, ok := program.MainBlock(name)
	if !ok {
		return nil, errors.Errorf("function %q has no %s block", name, model.Opset)
	}
	if fn.Opset != model.Opset {
		return nil, errors.Errorf("function %q uses opset %q, want %q", name, fn.Opset, model.Opset)
	}

	defined := make(map[string]*model.TensorType)
	for _, in := range fn.Inputs {
		if _, dup := defined[in.Name]; dup {
			return nil, errors.Errorf("input %q declared twice", in.Name)
		}
		defined[in.Name] = in.Type
	}

	steps := make([]step, 0, len(block.Operations))
	for i, op := range block.Operations {
		k, ok := kernels[op.Type]
		if !ok {
			return nil, errors.Errorf("operation #%d: unsupported op type %q", i, op.Type)
		}
		for _, param := range k.params {
			if _, ok := op.Inputs[param]; !ok {
				return nil, errors.Errorf("operation #%d (%s): missing parameter %q", i, op.Type, param)
			}
		}
		for param, arg := range op.Inputs {
			if arg.GetValue() != nil {
				continue
			}
			if _, ok := defined[arg.GetName()]; !ok {
				return nil, errors.Errorf("operation #%d (%s): parameter %q reads undefined value %q",
					i, op.Type, param, arg.GetName())
			}
		}
		if len(op.Outputs) != 1 {
			return nil, errors.Errorf("operation #%d (%s): expected 1 output, got %d", i, op.Type, len(op.Outputs))
		}
		out := op.Outputs[0]
		if _, dup := defined[out.Name]; dup {
			return nil, errors.Errorf("operation #%d (%s): value %q redefined", i, op.Type, out.Name)
		}
		defined[out.Name] = out.Type
		steps = append(steps, step{op: op, kernel: k})
	}

	for _, out := range block.Outputs {
		if _, ok := defined[out]; !ok {
			return nil, errors.Errorf("output %q is never defined", out)
		}
	}

	if inputs == nil {
		for _, in := range fn.Inputs {
			inputs = append(inputs, model.FeatureSpec{Name: in.Name, DType: in.Type.DataType, Shape: in.Type.Shape})
		}
	}
	if outputs == nil {
		for _, out := range block.Outputs {
			t := defined[out]
			outputs = append(outputs, model.FeatureSpec{Name: out, DType: t.DataType, Shape: t.Shape})
		}
	}
	if err := checkFeatures("input", inputs, fn.Inputs); err != nil {
		return nil, err
	}
	if len(outputs) != len(block.Outputs) {
		return nil, errors.Errorf("description lists %d outputs, program has %d", len(outputs), len(block.Outputs))
	}
	for i, out := range outputs {
		if out.Name != block.Outputs[i] {
			return nil, errors.Errorf("output #%d: description names %q, program names %q", i, out.Name, block.Outputs[i])
		}
	}

	r.logger.Debug("Compiled program",
		zap.String("function", name),
		zap.Int("ops", len(steps)),
		zap.Int("inputs", len(inputs)),
		zap.Int("outputs", len(outputs)))

	return &Executable{
		name:     name,
		inputs:   inputs,
		outputs:  outputs,
		steps:    steps,
		logger:   r.logger,
		validate: r.validate,
	}, nil
}

// checkFeatures verifies that a model description agrees with the function
// signature.
func checkFeatures(kind string, specs []model.FeatureSpec, declared []*model.NamedValueType) error {
	if len(specs) != len(declared) {
		return errors.Errorf("description lists %d %ss, function declares %d", len(specs), kind, len(declared))
	}
	for i, spec := range specs {
		d := declared[i]
		if spec.Name != d.Name || spec.DType != d.Type.DataType || !equalShapes(spec.Shape, d.Type.Shape) {
			return errors.Errorf("%s #%d: description %s %s%v does not match function %s %s",
				kind, i, spec.Name, spec.DType, spec.Shape, d.Name, d.Type)
		}
	}
	return nil
}
