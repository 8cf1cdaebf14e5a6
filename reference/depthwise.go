package reference

import (
	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/pkg/errors"
)

// DepthwiseConv2D convolves each input channel with its own filters.
// Filter is [kh, kw, C, M] and the output has C*M channels, channel c*M+m
// holding input channel c convolved with filter m.
type DepthwiseConv2D struct {
	Filter    *tensor.Tensor
	Strides   [2]int64
	Padding   Padding
	Dilations [2]int64
}

var _ Layer = (*DepthwiseConv2D)(nil)

// Kind implements Layer.
func (l *DepthwiseConv2D) Kind() string { return "depthwise_conv2d" }

// Multiplier returns the channel multiplier M.
func (l *DepthwiseConv2D) Multiplier() int64 { return l.Filter.Dim(3) }

// KernelSize returns [kh, kw].
func (l *DepthwiseConv2D) KernelSize() [2]int64 {
	return [2]int64{l.Filter.Dim(0), l.Filter.Dim(1)}
}

// OutputShape implements Layer.
func (l *DepthwiseConv2D) OutputShape(in []int64) ([]int64, error) {
	if len(in) != 4 {
		return nil, errors.Errorf("depthwise_conv2d: input must be rank 4 NHWC, got %v", in)
	}
	if l.Filter == nil || l.Filter.Rank() != 4 || l.Filter.DType() != tensor.DTypeFloat32 {
		return nil, errors.New("depthwise_conv2d: filter must be a rank-4 float32 tensor")
	}
	if l.Filter.Dim(2) != in[3] {
		return nil, errors.Errorf("depthwise_conv2d: filter has %d input channels, input has %d",
			l.Filter.Dim(2), in[3])
	}
	if (l.Dilations[0] > 1 || l.Dilations[1] > 1) && (l.Strides[0] > 1 || l.Strides[1] > 1) {
		return nil, errors.Errorf("depthwise_conv2d: dilations %v require unit strides, got %v",
			l.Dilations, l.Strides)
	}
	k := l.KernelSize()
	out := []int64{in[0], 0, 0, in[3] * l.Multiplier()}
	for axis := range 2 {
		size, _, _, err := ConvOutputSize(in[1+axis], k[axis], l.Strides[axis], l.Dilations[axis], l.Padding)
		if err != nil {
			return nil, errors.Wrapf(err, "depthwise_conv2d: spatial axis %d", axis)
		}
		out[1+axis] = size
	}
	return out, nil
}

// Apply implements Layer with a direct loop over NHWC memory.
func (l *DepthwiseConv2D) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	in := x.Shape()
	outShape, err := l.OutputShape(in)
	if err != nil {
		return nil, err
	}
	k := l.KernelSize()
	_, padTop, _, _ := ConvOutputSize(in[1], k[0], l.Strides[0], l.Dilations[0], l.Padding)
	_, padLeft, _, _ := ConvOutputSize(in[2], k[1], l.Strides[1], l.Dilations[1], l.Padding)

	out, err := tensor.NewTensor(outShape, tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}

	var (
		src, filter, dst = x.Float32s(), l.Filter.Float32s(), out.Float32s()
		batch, h, w, c   = in[0], in[1], in[2], in[3]
		oh, ow, oc       = outShape[1], outShape[2], outShape[3]
		mult             = l.Multiplier()
	)
	for n := range batch {
		for y := range oh {
			for xo := range ow {
				dstBase := ((n*oh+y)*ow + xo) * oc
				for ch := range c {
					for m := range mult {
						var acc float32
						for i := range k[0] {
							iy := y*l.Strides[0] - padTop + i*l.Dilations[0]
							if iy < 0 || iy >= h {
								continue
							}
							for j := range k[1] {
								ix := xo*l.Strides[1] - padLeft + j*l.Dilations[1]
								if ix < 0 || ix >= w {
									continue
								}
								acc += src[((n*h+iy)*w+ix)*c+ch] * filter[((i*k[1]+j)*c+ch)*mult+m]
							}
						}
						dst[dstBase+ch*mult+m] = acc
					}
				}
			}
		}
	}
	return out, nil
}

// NewDepthwiseConv2DModule builds the single-layer module used by the
// depthwise test matrix.
func NewDepthwiseConv2DModule(input TensorSpec, filter *tensor.Tensor, strides [2]int64,
	padding Padding, dilations [2]int64) (*Sequential, error) {
	return NewSequential(input, &DepthwiseConv2D{
		Filter:    filter,
		Strides:   strides,
		Padding:   padding,
		Dilations: dilations,
	})
}
