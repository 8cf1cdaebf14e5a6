package model

import (
	"fmt"

	"github.com/gomlx/go-convcheck/internal/tensor"
)

// DType is the element type of IR values.
type DType = tensor.DType

// Supported element types.
const (
	Float32 = tensor.DTypeFloat32
	Int32   = tensor.DTypeInt32
	Bool    = tensor.DTypeBool
)

// Opset names the operation set emitted by the Builder. Programs carry one
// block specialization per opset.
const Opset = "stackvm1"

// ProgramVersion is the IR version written by Build.
const ProgramVersion = 1

// TensorType is the static type of a value.
type TensorType struct {
	DataType DType
	Shape    []int64
}

// Rank returns the number of dimensions.
func (t *TensorType) Rank() int { return len(t.Shape) }

// String implements fmt.Stringer.
func (t *TensorType) String() string { return fmt.Sprintf("%s%v", t.DataType, t.Shape) }

// NamedValueType is a named, typed value: a function input or an op output.
type NamedValueType struct {
	Name string
	Type *TensorType
}

// Argument binds an operation parameter either to a named value or to an
// inline constant.
type Argument struct {
	Name  string
	Value *tensor.Tensor
}

// GetName returns the referenced value name, "" for inline constants.
func (a *Argument) GetName() string {
	if a == nil {
		return ""
	}
	return a.Name
}

// GetValue returns the inline constant, nil for name references.
func (a *Argument) GetValue() *tensor.Tensor {
	if a == nil {
		return nil
	}
	return a.Value
}

// Operation is one node of a block.
type Operation struct {
	Type       string
	Inputs     map[string]*Argument
	Outputs    []*NamedValueType
	Attributes map[string]string
}

// Block is an ordered list of operations. Operations only reference values
// defined by function inputs or earlier operations.
type Block struct {
	Operations []*Operation
	Outputs    []string
}

// Function is a named computation.
type Function struct {
	Inputs               []*NamedValueType
	Opset                string
	BlockSpecializations map[string]*Block
}

// Program is the unit of serialization and compilation.
type Program struct {
	Version   int64
	Functions map[string]*Function
}

// MainBlock returns the block of the named function for Opset.
func (p *Program) MainBlock(name string) (*Function, *Block, bool) {
	fn, ok := p.Functions[name]
	if !ok {
		return nil, nil, false
	}
	block, ok := fn.BlockSpecializations[fn.Opset]
	return fn, block, ok
}
