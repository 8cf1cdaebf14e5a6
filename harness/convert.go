package harness

import (
	"fmt"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/gomlx/go-convcheck/model"
	"github.com/gomlx/go-convcheck/reference"
	"github.com/pkg/errors"
)

// OutputName is the name of the single output of converted programs.
const OutputName = "output"

var (
	nhwcToNCHW = []int64{0, 3, 1, 2}
	nchwToNHWC = []int64{0, 2, 3, 1}
)

// Convert lowers a reference module into an NCHW program. The program keeps
// the module's NHWC interface by transposing at both ends.
func Convert(name string, m reference.Module, optimize bool) (*model.Builder, error) {
	seq, ok := m.(*reference.Sequential)
	if !ok {
		return nil, &ConversionError{Construct: fmt.Sprintf("%T", m), Reason: "only sequential modules can be converted"}
	}
	sig := seq.Signature()
	if len(sig.Shape) != 4 {
		return nil, &ConversionError{Construct: "input " + sig.Name,
			Reason: fmt.Sprintf("expected a rank-4 NHWC input, got shape %v", sig.Shape)}
	}
	if sig.DType != tensor.DTypeFloat32 {
		return nil, &ConversionError{Construct: "input " + sig.Name, Reason: "only float32 inputs are supported"}
	}

	b := model.NewBuilder(name)
	if !optimize {
		b.DisableOptimizations()
	}

	x := b.Input(sig.Name, model.Float32, sig.Shape...)
	current := b.Transpose(x, nhwcToNCHW)

	// One lowering per layer kind.
	for i, layer := range seq.Layers() {
		var err error
		switch l := layer.(type) {
		case *reference.DepthwiseConv2D:
			current, err = lowerDepthwiseConv2D(b, current, l)
		case *reference.BiasAdd:
			current, err = lowerBiasAdd(b, current, l)
		case reference.Relu, *reference.Relu:
			current = b.Relu(current)
		case reference.Relu6, *reference.Relu6:
			current = b.Clip(current, 0, 6)
		default:
			return nil, &ConversionError{Construct: layer.Kind(),
				Reason: fmt.Sprintf("layer #%d has no lowering", i)}
		}
		if err != nil {
			return nil, err
		}
	}

	b.Output(OutputName, b.Transpose(current, nchwToNHWC))
	if err := b.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to lower %q", name)
	}
	return b, nil
}

// lowerDepthwiseConv2D emits a grouped conv with one group per input
// channel. SAME padding becomes an explicit pad op so the conv itself is
// always VALID.
func lowerDepthwiseConv2D(b *model.Builder, x *model.Value, l *reference.DepthwiseConv2D) (*model.Value, error) {
	in := x.Shape() // NCHW
	channels := in[1]
	k := l.KernelSize()
	mult := l.Multiplier()
	if l.Filter.Dim(2) != channels {
		return nil, &ConversionError{Construct: l.Kind(),
			Reason: fmt.Sprintf("filter has %d input channels, input has %d", l.Filter.Dim(2), channels)}
	}

	var before, after [2]int64
	for axis := range 2 {
		_, pb, pa, err := reference.ConvOutputSize(in[2+axis], k[axis], l.Strides[axis], l.Dilations[axis], l.Padding)
		if err != nil {
			return nil, &ConversionError{Construct: l.Kind(), Reason: err.Error()}
		}
		before[axis], after[axis] = pb, pa
	}
	if before != [2]int64{} || after != [2]int64{} {
		x = b.Pad(x, []int64{0, 0, before[0], before[1]}, []int64{0, 0, after[0], after[1]})
	}

	weight := b.Const(fmt.Sprintf("%s_weight", l.Kind()), model.Float32,
		[]int64{channels * mult, 1, k[0], k[1]}, depthwiseToGrouped(l.Filter))
	return b.Conv(x, weight, l.Strides[:], l.Dilations[:], model.ConvPadValid, nil, nil, channels), nil
}

// depthwiseToGrouped re-lays a [kh, kw, C, M] filter out as [C*M, 1, kh, kw].
func depthwiseToGrouped(filter *tensor.Tensor) []float32 {
	kh, kw, c, m := filter.Dim(0), filter.Dim(1), filter.Dim(2), filter.Dim(3)
	src := filter.Float32s()
	dst := make([]float32, len(src))
	for i := range kh {
		for j := range kw {
			for ch := range c {
				for mi := range m {
					oc := ch*m + mi
					dst[(oc*kh+i)*kw+j] = src[((i*kw+j)*c+ch)*m+mi]
				}
			}
		}
	}
	return dst
}

// lowerBiasAdd adds a [C] bias broadcast as [C, 1, 1] over NCHW.
func lowerBiasAdd(b *model.Builder, x *model.Value, l *reference.BiasAdd) (*model.Value, error) {
	channels := x.Shape()[1]
	if l.Bias.Dim(0) != channels {
		return nil, &ConversionError{Construct: l.Kind(),
			Reason: fmt.Sprintf("bias has %d channels, input has %d", l.Bias.Dim(0), channels)}
	}
	bias := b.Const(fmt.Sprintf("%s_bias", l.Kind()), model.Float32,
		[]int64{channels, 1, 1}, append([]float32(nil), l.Bias.Float32s()...))
	return b.Add(x, bias), nil
}
