// Package suite enumerates the depthwise-convolution test matrix and builds
// the reference module for each case.
package suite

import (
	"fmt"
	"hash/fnv"

	"github.com/gomlx/go-convcheck/reference"
)

// Config is one point of the test matrix.
type Config struct {
	Batch         int64
	InputChannels int64
	InputSize     [2]int64
	KernelSize    [2]int64
	Strides       [2]int64
	Padding       reference.Padding
	Dilations     [2]int64
}

// Name is a stable identifier, usable as a directory or sub-test name.
func (c Config) Name() string {
	return fmt.Sprintf("n%d_c%d_i%dx%d_k%dx%d_s%dx%d_%s_d%dx%d",
		c.Batch, c.InputChannels,
		c.InputSize[0], c.InputSize[1],
		c.KernelSize[0], c.KernelSize[1],
		c.Strides[0], c.Strides[1],
		c.Padding,
		c.Dilations[0], c.Dilations[1])
}

// String implements fmt.Stringer.
func (c Config) String() string { return c.Name() }

// InputShape returns the NHWC input signature.
func (c Config) InputShape() []int64 {
	return []int64{c.Batch, c.InputSize[0], c.InputSize[1], c.InputChannels}
}

// FilterShape returns [kh, kw, C, 1].
func (c Config) FilterShape() []int64 {
	return []int64{c.KernelSize[0], c.KernelSize[1], c.InputChannels, 1}
}

// OutputShape returns the NHWC output shape, or an error when the
// configuration has no valid output.
func (c Config) OutputShape() ([]int64, error) {
	out := []int64{c.Batch, 0, 0, c.InputChannels}
	for axis := range 2 {
		size, _, _, err := reference.ConvOutputSize(c.InputSize[axis], c.KernelSize[axis],
			c.Strides[axis], c.Dilations[axis], c.Padding)
		if err != nil {
			return nil, err
		}
		out[1+axis] = size
	}
	return out, nil
}

// UnitDilation reports whether both dilations are 1.
func (c Config) UnitDilation() bool {
	return c.Dilations == [2]int64{1, 1}
}

// CaseSeed derives a per-case seed so that a case draws the same weights
// and inputs regardless of enumeration order or parallelism.
func CaseSeed(base int64, c Config) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.Name()))
	return base ^ int64(h.Sum64())
}
