package suite

import (
	"math/rand/v2"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/gomlx/go-convcheck/reference"
	"github.com/pkg/errors"
)

// NewRand returns the deterministic source used for a case.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>32|0x9e3779b97f4a7c15))
}

// NewModule builds the depthwise reference module for cfg. The filter is
// [kh, kw, C, 1] with values drawn uniformly from [-1, 0).
func NewModule(cfg Config, rng *rand.Rand) (*reference.Sequential, error) {
	filterShape := cfg.FilterShape()
	n, err := tensor.NumElements(filterShape)
	if err != nil {
		return nil, errors.Wrapf(err, "suite: case %s", cfg)
	}
	weights := make([]float32, n)
	for i := range weights {
		weights[i] = rng.Float32() - 1
	}
	filter, err := tensor.NewTensorWithData(filterShape, weights)
	if err != nil {
		return nil, errors.Wrapf(err, "suite: case %s", cfg)
	}

	input := reference.TensorSpec{Name: "x", DType: tensor.DTypeFloat32, Shape: cfg.InputShape()}
	m, err := reference.NewDepthwiseConv2DModule(input, filter, cfg.Strides, cfg.Padding, cfg.Dilations)
	if err != nil {
		return nil, errors.Wrapf(err, "suite: case %s", cfg)
	}
	return m, nil
}
