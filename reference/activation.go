package reference

import (
	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/pkg/errors"
)

// BiasAdd adds a per-channel bias along the last (channels) axis.
type BiasAdd struct {
	Bias *tensor.Tensor
}

// Kind implements Layer.
func (l *BiasAdd) Kind() string { return "bias_add" }

// OutputShape implements Layer.
func (l *BiasAdd) OutputShape(in []int64) ([]int64, error) {
	if l.Bias == nil || l.Bias.Rank() != 1 || l.Bias.DType() != tensor.DTypeFloat32 {
		return nil, errors.New("bias_add: bias must be a rank-1 float32 tensor")
	}
	if len(in) == 0 || in[len(in)-1] != l.Bias.Dim(0) {
		return nil, errors.Errorf("bias_add: bias has %d channels, input shape is %v", l.Bias.Dim(0), in)
	}
	return in, nil
}

// Apply implements Layer.
func (l *BiasAdd) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := l.OutputShape(x.Shape()); err != nil {
		return nil, err
	}
	bias := l.Bias.Float32s()
	return mapChannels(x, func(v float32, c int) float32 { return v + bias[c] })
}

// Relu clamps negative values to zero.
type Relu struct{}

// Kind implements Layer.
func (Relu) Kind() string { return "relu" }

// OutputShape implements Layer.
func (Relu) OutputShape(in []int64) ([]int64, error) { return in, nil }

// Apply implements Layer.
func (Relu) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return mapChannels(x, func(v float32, _ int) float32 { return max(v, 0) })
}

// Relu6 clamps values to [0, 6].
type Relu6 struct{}

// Kind implements Layer.
func (Relu6) Kind() string { return "relu6" }

// OutputShape implements Layer.
func (Relu6) OutputShape(in []int64) ([]int64, error) { return in, nil }

// Apply implements Layer.
func (Relu6) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return mapChannels(x, func(v float32, _ int) float32 { return min(max(v, 0), 6) })
}

func mapChannels(x *tensor.Tensor, fn func(v float32, c int) float32) (*tensor.Tensor, error) {
	if x.DType() != tensor.DTypeFloat32 {
		return nil, errors.Errorf("expected float32 input, got %s", x.DType())
	}
	out, err := tensor.NewTensor(x.Shape(), tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	channels := 1
	if x.Rank() > 0 {
		channels = int(x.Dim(x.Rank() - 1))
	}
	dst := out.Float32s()
	for i, v := range x.Float32s() {
		dst[i] = fn(v, i%channels)
	}
	return out, nil
}
