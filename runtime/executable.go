package runtime

import (
	"sync"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/gomlx/go-convcheck/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// step is one resolved operation of the plan.
type step struct {
	op     *model.Operation
	kernel kernel
}

// Executable is a compiled program ready to run.
//
// Run and Close are safe for concurrent use; runs are serialized.
type Executable struct {
	name    string
	inputs  []model.FeatureSpec
	outputs []model.FeatureSpec
	steps   []step

	logger   *zap.Logger
	validate bool

	mu     sync.Mutex
	closed bool
}

// Name returns the function name.
func (e *Executable) Name() string { return e.name }

// Inputs returns the input descriptions in declaration order.
func (e *Executable) Inputs() []model.FeatureSpec { return e.inputs }

// Outputs returns the output descriptions in declaration order.
func (e *Executable) Outputs() []model.FeatureSpec { return e.outputs }

// Close releases the plan. Later calls to Run fail.
func (e *Executable) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.steps = nil
	return nil
}

// Run executes the program.
//
// inputs maps every input name to a flat row-major slice: []float32,
// []int32 or []bool. []float64 and []int64 are narrowed to the 32-bit
// types. Outputs are returned the same way, keyed by output name.
func (e *Executable) Run(inputs map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("executable has been closed")
	}

	// Validate number of inputs
	if len(inputs) != len(e.inputs) {
		return nil, errors.Errorf("Run: expected %d inputs, got %d", len(e.inputs), len(inputs))
	}

	env := make(map[string]*tensor.Tensor, len(e.inputs)+len(e.steps))
	for i, spec := range e.inputs {
		data, ok := inputs[spec.Name]
		if !ok {
			return nil, errors.Errorf("Run: missing input %q (input #%d)", spec.Name, i)
		}
		t, err := inputToTensor(data, spec)
		if err != nil {
			return nil, errors.Wrapf(err, "Run: input %q (input #%d)", spec.Name, i)
		}
		env[spec.Name] = t
	}

	for i, s := range e.steps {
		args := make(map[string]*tensor.Tensor, len(s.op.Inputs))
		for param, arg := range s.op.Inputs {
			if v := arg.GetValue(); v != nil {
				args[param] = v
				continue
			}
			args[param] = env[arg.GetName()]
		}
		out, err := s.kernel.fn(s.op, args)
		want := s.op.Outputs[0]
		if err != nil {
			return nil, errors.Wrapf(err, "Run: operation #%d (%s -> %s)", i, s.op.Type, want.Name)
		}
		if e.validate && (out.DType() != want.Type.DataType || !equalShapes(out.Shape(), want.Type.Shape)) {
			return nil, errors.Errorf("Run: operation #%d (%s -> %s) produced %s%v, program declares %s",
				i, s.op.Type, want.Name, out.DType(), out.Shape(), want.Type)
		}
		env[want.Name] = out
	}

	results := make(map[string]any, len(e.outputs))
	for _, spec := range e.outputs {
		out, ok := env[spec.Name]
		if !ok {
			return nil, errors.Errorf("Run: output %q not produced", spec.Name)
		}
		results[spec.Name] = outputData(out)
	}

	e.logger.Debug("Executed program",
		zap.String("function", e.name),
		zap.Int("ops", len(e.steps)))
	return results, nil
}

// inputToTensor copies caller data into a tensor of the declared type,
// narrowing 64-bit slices.
func inputToTensor(data any, spec model.FeatureSpec) (*tensor.Tensor, error) {
	if data == nil {
		return nil, errors.New("input data is nil")
	}

	var flat any
	switch d := data.(type) {
	case []float32:
		dataCopy := make([]float32, len(d))
		copy(dataCopy, d)
		flat = dataCopy
	case []float64:
		f32 := make([]float32, len(d))
		for i, v := range d {
			f32[i] = float32(v)
		}
		flat = f32
	case []int32:
		dataCopy := make([]int32, len(d))
		copy(dataCopy, d)
		flat = dataCopy
	case []int64:
		i32 := make([]int32, len(d))
		for i, v := range d {
			i32[i] = int32(v)
		}
		flat = i32
	case []bool:
		dataCopy := make([]bool, len(d))
		copy(dataCopy, d)
		flat = dataCopy
	case *tensor.Tensor:
		if !equalShapes(d.Shape(), spec.Shape) {
			return nil, errors.Errorf("expected shape %v, got %v", spec.Shape, d.Shape())
		}
		return inputToTensor(d.Data(), spec)
	default:
		return nil, errors.Errorf("unsupported input data type: %T", data)
	}

	t, err := tensor.NewTensorWithData(spec.Shape, flat)
	if err != nil {
		return nil, err
	}
	if t.DType() != spec.DType {
		return nil, errors.Errorf("expected %s data, got %T", spec.DType, data)
	}
	return t, nil
}

// outputData returns a copy of the flat data of t.
func outputData(t *tensor.Tensor) any {
	switch t.DType() {
	case tensor.DTypeFloat32:
		return append([]float32(nil), t.Float32s()...)
	case tensor.DTypeInt32:
		return append([]int32(nil), t.Int32s()...)
	default:
		return append([]bool(nil), t.Bools()...)
	}
}

func equalShapes(a, b []int64) bool {
	return tensor.EqualShapes(a, b)
}
