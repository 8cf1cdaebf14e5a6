// Package reference holds the ground-truth computations that converted
// artifacts are checked against. Tensors are NHWC and filters follow the
// TensorFlow depthwise layout [kh, kw, in_channels, channel_multiplier].
package reference

import (
	"fmt"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/pkg/errors"
)

// TensorSpec describes a fixed input signature.
type TensorSpec struct {
	Name  string
	DType tensor.DType
	Shape []int64
}

// String implements fmt.Stringer.
func (s TensorSpec) String() string {
	return fmt.Sprintf("%s:%s%v", s.Name, s.DType, s.Shape)
}

// Module is a callable tensor transformation with a fixed input signature.
type Module interface {
	Signature() TensorSpec
	Call(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Layer is one step of a Sequential module.
type Layer interface {
	// Kind names the operation, e.g. "depthwise_conv2d".
	Kind() string

	// OutputShape infers the output shape for an input shape.
	OutputShape(in []int64) ([]int64, error)

	// Apply evaluates the layer.
	Apply(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Sequential applies its layers in order. It is the only Module the
// converter knows how to take apart.
type Sequential struct {
	input  TensorSpec
	layers []Layer
}

var _ Module = (*Sequential)(nil)

// NewSequential validates that every layer accepts its predecessor's output.
func NewSequential(input TensorSpec, layers ...Layer) (*Sequential, error) {
	if input.DType != tensor.DTypeFloat32 {
		return nil, errors.Errorf("reference: input %s must be float32", input)
	}
	shape := input.Shape
	for i, l := range layers {
		out, err := l.OutputShape(shape)
		if err != nil {
			return nil, errors.Wrapf(err, "reference: layer #%d (%s)", i, l.Kind())
		}
		shape = out
	}
	return &Sequential{input: input, layers: layers}, nil
}

// Signature implements Module.
func (s *Sequential) Signature() TensorSpec { return s.input }

// Layers returns the layers in application order.
func (s *Sequential) Layers() []Layer { return s.layers }

// OutputShape returns the shape Call produces.
func (s *Sequential) OutputShape() []int64 {
	shape := s.input.Shape
	for _, l := range s.layers {
		// Validated in NewSequential.
		shape, _ = l.OutputShape(shape)
	}
	return shape
}

// Call implements Module.
func (s *Sequential) Call(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType() != s.input.DType || !tensor.EqualShapes(x.Shape(), s.input.Shape) {
		return nil, errors.Errorf("reference: input %s does not match signature %s", x, s.input)
	}
	var err error
	for i, l := range s.layers {
		x, err = l.Apply(x)
		if err != nil {
			return nil, errors.Wrapf(err, "reference: layer #%d (%s)", i, l.Kind())
		}
	}
	return x, nil
}
