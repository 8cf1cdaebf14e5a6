// Package model builds, optimizes and serializes programs for the
// interpreter in package runtime.
//
// Tensors in the IR are NCHW, convolution weights are
// [C_out, C_in/groups, kH, kW], matching the layout the interpreter kernels
// expect.
package model

import (
	"fmt"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/pkg/errors"
)

// Value is a typed handle to a function input, a constant or an op output.
type Value struct {
	name  string
	dtype DType
	shape []int64
	// constant is set for values created by Builder.Const; they are inlined
	// into the operations that consume them.
	constant *tensor.Tensor
}

// Name returns the value name.
func (v *Value) Name() string { return v.name }

// DType returns the element type.
func (v *Value) DType() DType { return v.dtype }

// Shape returns a copy of the static shape.
func (v *Value) Shape() []int64 {
	out := make([]int64, len(v.shape))
	copy(out, v.shape)
	return out
}

// IsConst reports whether v was created by Builder.Const.
func (v *Value) IsConst() bool { return v.constant != nil }

// Builder constructs a single-function Program.
//
// Shape or type errors do not panic: the first one is recorded and returned
// by Err, and later ops keep producing placeholder values.
type Builder struct {
	name string

	inputs     []*NamedValueType
	operations []*Operation
	outputs    []string
	values     map[string]*Value
	nameCounts map[string]int

	skipOptimize bool
	err          error
}

// NewBuilder creates a Builder for a function called name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:       name,
		values:     make(map[string]*Value),
		nameCounts: make(map[string]int),
	}
}

// Name returns the function name.
func (b *Builder) Name() string { return b.name }

// Err returns the first error recorded while building.
func (b *Builder) Err() error { return b.err }

// DisableOptimizations makes Build emit operations exactly as added.
func (b *Builder) DisableOptimizations() { b.skipOptimize = true }

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// genName returns a unique value name with the given prefix.
func (b *Builder) genName(prefix string) string {
	for {
		n := b.nameCounts[prefix]
		b.nameCounts[prefix] = n + 1
		name := fmt.Sprintf("%s_%d", prefix, n)
		if _, taken := b.values[name]; !taken {
			return name
		}
	}
}

// Input declares a function input.
func (b *Builder) Input(name string, dtype DType, shape ...int64) *Value {
	if _, taken := b.values[name]; taken {
		b.setErr(errors.Errorf("Input: value name %q already used", name))
	}
	v := &Value{name: name, dtype: dtype, shape: append([]int64{}, shape...)}
	b.values[name] = v
	b.inputs = append(b.inputs, &NamedValueType{
		Name: name,
		Type: &TensorType{DataType: dtype, Shape: v.Shape()},
	})
	return v
}

// Const creates a constant. data must be a []float32, []int32 or []bool
// matching dtype and shape.
func (b *Builder) Const(name string, dtype DType, shape []int64, data any) *Value {
	t, err := tensor.NewTensorWithData(shape, data)
	if err == nil && t.DType() != dtype {
		err = errors.Errorf("data is %s, want %s", t.DType(), dtype)
	}
	if err != nil {
		b.setErr(errors.Wrapf(err, "Const %q", name))
		t, _ = tensor.NewTensor(shape, dtype)
	}
	return &Value{name: name, dtype: dtype, shape: append([]int64{}, shape...), constant: t}
}

// Output marks v as a function output called name. An identity op is
// inserted when v is not already called name.
func (b *Builder) Output(name string, v *Value) {
	if v.name != name || v.IsConst() {
		v = b.addOp("identity", map[string]*Value{"x": v}, name, v.dtype, v.shape)
	}
	b.outputs = append(b.outputs, v.name)
}

// OutputValues returns the values marked with Output, in order.
func (b *Builder) OutputValues() []*Value {
	out := make([]*Value, len(b.outputs))
	for i, name := range b.outputs {
		out[i] = b.values[name]
	}
	return out
}

// InputTypes returns the declared function inputs.
func (b *Builder) InputTypes() []*NamedValueType { return b.inputs }

// Build optimizes the operations (unless disabled) and returns the Program.
func (b *Builder) Build() *Program {
	if !b.skipOptimize && b.err == nil {
		b.optimizeProgram()
	}
	return &Program{
		Version: ProgramVersion,
		Functions: map[string]*Function{
			b.name: {
				Inputs: b.inputs,
				Opset:  Opset,
				BlockSpecializations: map[string]*Block{
					Opset: {
						Operations: b.operations,
						Outputs:    append([]string{}, b.outputs...),
					},
				},
			},
		},
	}
}

// addOp appends an operation with one output and returns that output.
func (b *Builder) addOp(opType string, inputs map[string]*Value, outName string, dtype DType, shape []int64) *Value {
	return b.addOpWithAttrs(opType, inputs, nil, outName, dtype, shape)
}

func (b *Builder) addOpWithAttrs(opType string, inputs map[string]*Value, attrs map[string]string,
	outName string, dtype DType, shape []int64) *Value {
	if _, taken := b.values[outName]; taken {
		b.setErr(errors.Errorf("%s: value name %q already used", opType, outName))
	}
	op := &Operation{
		Type:       opType,
		Inputs:     make(map[string]*Argument, len(inputs)),
		Attributes: attrs,
		Outputs: []*NamedValueType{{
			Name: outName,
			Type: &TensorType{DataType: dtype, Shape: append([]int64{}, shape...)},
		}},
	}
	for param, v := range inputs {
		if v == nil {
			b.setErr(errors.Errorf("%s: input %q is nil", opType, param))
			continue
		}
		if v.IsConst() {
			op.Inputs[param] = &Argument{Value: v.constant}
		} else {
			op.Inputs[param] = &Argument{Name: v.name}
		}
	}
	b.operations = append(b.operations, op)
	b.registerOpValue(op)
	return b.values[outName]
}

// registerOpValue makes the outputs of op visible as Values.
func (b *Builder) registerOpValue(op *Operation) {
	for _, out := range op.Outputs {
		b.values[out.Name] = &Value{
			name:  out.Name,
			dtype: out.Type.DataType,
			shape: append([]int64{}, out.Type.Shape...),
		}
	}
}
