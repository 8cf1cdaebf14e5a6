// Package tensor provides the dense host tensors shared by the reference
// models and the runtime interpreter.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// DType is the element type of a Tensor.
type DType int32

const (
	DTypeFloat32 DType = iota
	DTypeInt32
	DTypeBool
)

// String implements fmt.Stringer.
func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeInt32:
		return "int32"
	case DTypeBool:
		return "bool"
	}
	return fmt.Sprintf("DType(%d)", int32(d))
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeBool:
		return 1
	default:
		return 4
	}
}

// Tensor is a row-major dense tensor. Exactly one of the flat slices is
// populated, matching DType.
type Tensor struct {
	shape []int64
	dtype DType

	f32  []float32
	i32  []int32
	bits []bool
}

// NewTensor allocates a zero-filled tensor.
// A nil or empty shape makes a scalar.
func NewTensor(shape []int64, dtype DType) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	t := &Tensor{shape: cloneShape(shape), dtype: dtype}
	switch dtype {
	case DTypeFloat32:
		t.f32 = make([]float32, n)
	case DTypeInt32:
		t.i32 = make([]int32, n)
	case DTypeBool:
		t.bits = make([]bool, n)
	default:
		return nil, errors.Errorf("tensor: unsupported dtype %s", dtype)
	}
	return t, nil
}

// NewTensorWithData wraps data ([]float32, []int32 or []bool) without copying.
func NewTensorWithData(shape []int64, data any) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	t := &Tensor{shape: cloneShape(shape)}
	var got int
	switch d := data.(type) {
	case []float32:
		t.dtype, t.f32, got = DTypeFloat32, d, len(d)
	case []int32:
		t.dtype, t.i32, got = DTypeInt32, d, len(d)
	case []bool:
		t.dtype, t.bits, got = DTypeBool, d, len(d)
	default:
		return nil, errors.Errorf("tensor: unsupported data type %T", data)
	}
	if got != n {
		return nil, errors.Errorf("tensor: shape %v needs %d elements, got %d", shape, n, got)
	}
	return t, nil
}

// MustFloat32 is NewTensorWithData for callers that construct shapes themselves.
// It panics on a size mismatch.
func MustFloat32(shape []int64, data []float32) *Tensor {
	t, err := NewTensorWithData(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int64 { return t.shape[i] }

// Shape returns a copy of the shape.
func (t *Tensor) Shape() []int64 { return cloneShape(t.shape) }

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Len returns the number of elements.
func (t *Tensor) Len() int {
	switch t.dtype {
	case DTypeFloat32:
		return len(t.f32)
	case DTypeInt32:
		return len(t.i32)
	default:
		return len(t.bits)
	}
}

// SizeBytes returns the storage size in bytes.
func (t *Tensor) SizeBytes() int { return t.Len() * t.dtype.Size() }

// Float32s returns the backing storage of a float32 tensor, nil otherwise.
func (t *Tensor) Float32s() []float32 { return t.f32 }

// Int32s returns the backing storage of an int32 tensor, nil otherwise.
func (t *Tensor) Int32s() []int32 { return t.i32 }

// Bools returns the backing storage of a bool tensor, nil otherwise.
func (t *Tensor) Bools() []bool { return t.bits }

// Data returns the backing slice as an any.
func (t *Tensor) Data() any {
	switch t.dtype {
	case DTypeFloat32:
		return t.f32
	case DTypeInt32:
		return t.i32
	default:
		return t.bits
	}
}

// Reshape returns a tensor sharing storage with t under a new shape.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != t.Len() {
		return nil, errors.Errorf("tensor: cannot reshape %v (%d elements) to %v", t.shape, t.Len(), shape)
	}
	out := *t
	out.shape = cloneShape(shape)
	return &out, nil
}

// String implements fmt.Stringer with shape and dtype only.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", t.dtype, t.shape)
}

// NumElements returns the product of the dimensions, rejecting negative ones.
func NumElements(shape []int64) (int, error) {
	n := int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("tensor: negative dimension %d at axis %d", d, i)
		}
		n *= d
	}
	return int(n), nil
}

// Strides returns row-major strides for shape.
func Strides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// EqualShapes reports whether a and b are identical.
func EqualShapes(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneShape(shape []int64) []int64 {
	out := make([]int64, len(shape))
	copy(out, shape)
	return out
}
