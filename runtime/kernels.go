package runtime

import (
	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/gomlx/go-convcheck/model"
	"github.com/pkg/errors"
)

// kernel evaluates one op type. params lists the required inputs.
type kernel struct {
	params []string
	fn     func(op *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error)
}

var kernels = map[string]kernel{
	"identity":  {params: []string{"x"}, fn: identityKernel},
	"add":       {params: []string{"x", "y"}, fn: binaryKernel(func(a, b float32) float32 { return a + b })},
	"mul":       {params: []string{"x", "y"}, fn: binaryKernel(func(a, b float32) float32 { return a * b })},
	"relu":      {params: []string{"x"}, fn: reluKernel},
	"clip":      {params: []string{"x", "alpha", "beta"}, fn: clipKernel},
	"reshape":   {params: []string{"x", "shape"}, fn: reshapeKernel},
	"transpose": {params: []string{"x", "perm"}, fn: transposeKernel},
	"pad":       {params: []string{"x", "pad"}, fn: padKernel},
	"conv":      {params: []string{"x", "weight", "strides", "dilations", "groups", "pad"}, fn: convKernel},
}

func identityKernel(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	return args["x"], nil
}

// float32Arg returns the float data of a named argument.
func float32Arg(args map[string]*tensor.Tensor, name string) ([]float32, error) {
	t := args[name]
	if t.DType() != tensor.DTypeFloat32 {
		return nil, errors.Errorf("%s: expected float32, got %s", name, t.DType())
	}
	return t.Float32s(), nil
}

// int64Arg returns the integer data of a named argument widened to int64.
func int64Arg(args map[string]*tensor.Tensor, name string, want int) ([]int64, error) {
	t := args[name]
	if t.DType() != tensor.DTypeInt32 {
		return nil, errors.Errorf("%s: expected int32, got %s", name, t.DType())
	}
	if want >= 0 && t.Len() != want {
		return nil, errors.Errorf("%s: expected %d values, got %d", name, want, t.Len())
	}
	out := make([]int64, t.Len())
	for i, v := range t.Int32s() {
		out[i] = int64(v)
	}
	return out, nil
}

func scalarFloat32(args map[string]*tensor.Tensor, name string) (float32, error) {
	data, err := float32Arg(args, name)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, errors.Errorf("%s: expected a scalar, got %d values", name, len(data))
	}
	return data[0], nil
}

// binaryKernel applies f element-wise with numpy broadcasting.
func binaryKernel(f func(a, b float32) float32) func(*model.Operation, map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	return func(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
		x, y := args["x"], args["y"]
		xs, err := float32Arg(args, "x")
		if err != nil {
			return nil, err
		}
		ys, err := float32Arg(args, "y")
		if err != nil {
			return nil, err
		}
		shape, ok := model.BroadcastShape(x.Shape(), y.Shape())
		if !ok {
			return nil, errors.Errorf("shapes %v and %v do not broadcast", x.Shape(), y.Shape())
		}
		out, err := tensor.NewTensor(shape, tensor.DTypeFloat32)
		if err != nil {
			return nil, err
		}
		dst := out.Float32s()

		// Fast path for equal shapes.
		if len(xs) == len(dst) && len(ys) == len(dst) {
			for i := range dst {
				dst[i] = f(xs[i], ys[i])
			}
			return out, nil
		}

		xStrides := broadcastStrides(x.Shape(), shape)
		yStrides := broadcastStrides(y.Shape(), shape)
		outStrides := tensor.Strides(shape)
		for i := range dst {
			var xi, yi int64
			rem := int64(i)
			for axis, s := range outStrides {
				idx := rem / s
				rem %= s
				xi += idx * xStrides[axis]
				yi += idx * yStrides[axis]
			}
			dst[i] = f(xs[xi], ys[yi])
		}
		return out, nil
	}
}

// broadcastStrides returns strides of shape aligned to the right of target,
// with 0 for broadcast axes.
func broadcastStrides(shape, target []int64) []int64 {
	strides := tensor.Strides(shape)
	out := make([]int64, len(target))
	offset := len(target) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			out[offset+i] = strides[i]
		}
	}
	return out
}

func reluKernel(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	xs, err := float32Arg(args, "x")
	if err != nil {
		return nil, err
	}
	out, err := tensor.NewTensor(args["x"].Shape(), tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	dst := out.Float32s()
	for i, v := range xs {
		if v > 0 {
			dst[i] = v
		}
	}
	return out, nil
}

func clipKernel(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	xs, err := float32Arg(args, "x")
	if err != nil {
		return nil, err
	}
	alpha, err := scalarFloat32(args, "alpha")
	if err != nil {
		return nil, err
	}
	beta, err := scalarFloat32(args, "beta")
	if err != nil {
		return nil, err
	}
	out, err := tensor.NewTensor(args["x"].Shape(), tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	dst := out.Float32s()
	for i, v := range xs {
		dst[i] = min(max(v, alpha), beta)
	}
	return out, nil
}

func reshapeKernel(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	shape, err := int64Arg(args, "shape", -1)
	if err != nil {
		return nil, err
	}
	return args["x"].Reshape(shape)
}

func transposeKernel(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	x := args["x"]
	perm, err := int64Arg(args, "perm", x.Rank())
	if err != nil {
		return nil, err
	}
	inShape := x.Shape()
	outShape := make([]int64, len(perm))
	seen := make([]bool, len(perm))
	for i, p := range perm {
		if p < 0 || int(p) >= len(perm) || seen[p] {
			return nil, errors.Errorf("perm %v is not a permutation", perm)
		}
		seen[p] = true
		outShape[i] = inShape[p]
	}
	out, err := tensor.NewTensor(outShape, x.DType())
	if err != nil {
		return nil, err
	}

	inStrides := tensor.Strides(inShape)
	// srcStrides[i] is the input stride of output axis i.
	srcStrides := make([]int64, len(perm))
	for i, p := range perm {
		srcStrides[i] = inStrides[p]
	}
	outStrides := tensor.Strides(outShape)
	n := out.Len()
	src := make([]int, n)
	for i := range n {
		var off int64
		rem := int64(i)
		for axis, s := range outStrides {
			off += (rem / s) * srcStrides[axis]
			rem %= s
		}
		src[i] = int(off)
	}

	switch x.DType() {
	case tensor.DTypeFloat32:
		in, dst := x.Float32s(), out.Float32s()
		for i, j := range src {
			dst[i] = in[j]
		}
	case tensor.DTypeInt32:
		in, dst := x.Int32s(), out.Int32s()
		for i, j := range src {
			dst[i] = in[j]
		}
	default:
		in, dst := x.Bools(), out.Bools()
		for i, j := range src {
			dst[i] = in[j]
		}
	}
	return out, nil
}

func padKernel(op *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	x := args["x"]
	if mode := op.Attributes["mode"]; mode != "" && mode != "constant" {
		return nil, errors.Errorf("unsupported pad mode %q", mode)
	}
	xs, err := float32Arg(args, "x")
	if err != nil {
		return nil, err
	}
	pads, err := int64Arg(args, "pad", 2*x.Rank())
	if err != nil {
		return nil, err
	}
	var fill float32
	if _, ok := args["constant_val"]; ok {
		if fill, err = scalarFloat32(args, "constant_val"); err != nil {
			return nil, err
		}
	}

	inShape := x.Shape()
	outShape := make([]int64, len(inShape))
	for i := range inShape {
		if pads[2*i] < 0 || pads[2*i+1] < 0 {
			return nil, errors.Errorf("negative padding %v", pads)
		}
		outShape[i] = inShape[i] + pads[2*i] + pads[2*i+1]
	}
	out, err := tensor.NewTensor(outShape, tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	dst := out.Float32s()
	if fill != 0 {
		for i := range dst {
			dst[i] = fill
		}
	}

	inStrides := tensor.Strides(inShape)
	outStrides := tensor.Strides(outShape)
	for i, v := range xs {
		var off int64
		rem := int64(i)
		for axis, s := range inStrides {
			off += (rem/s + pads[2*axis]) * outStrides[axis]
			rem %= s
		}
		dst[off] = v
	}
	return out, nil
}

// convKernel is a direct NCHW grouped convolution. weight is
// [C_out, C_in/groups, kH, kW] and pad is [h_before, h_after, w_before, w_after].
func convKernel(_ *model.Operation, args map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	x, w := args["x"], args["weight"]
	xs, err := float32Arg(args, "x")
	if err != nil {
		return nil, err
	}
	ws, err := float32Arg(args, "weight")
	if err != nil {
		return nil, err
	}
	strides, err := int64Arg(args, "strides", 2)
	if err != nil {
		return nil, err
	}
	dilations, err := int64Arg(args, "dilations", 2)
	if err != nil {
		return nil, err
	}
	groupsArg, err := int64Arg(args, "groups", 1)
	if err != nil {
		return nil, err
	}
	pads, err := int64Arg(args, "pad", 4)
	if err != nil {
		return nil, err
	}
	if x.Rank() != 4 || w.Rank() != 4 {
		return nil, errors.Errorf("expected rank-4 input and weight, got %v and %v", x.Shape(), w.Shape())
	}

	n, cIn, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	cOut, cPerGroup, kh, kw := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	groups := groupsArg[0]
	if groups <= 0 || cIn%groups != 0 || cOut%groups != 0 || cIn/groups != cPerGroup {
		return nil, errors.Errorf("groups %d incompatible with input %v and weight %v", groups, x.Shape(), w.Shape())
	}
	sh, sw := strides[0], strides[1]
	dh, dw := dilations[0], dilations[1]
	if sh <= 0 || sw <= 0 || dh <= 0 || dw <= 0 {
		return nil, errors.Errorf("strides %v and dilations %v must be positive", strides, dilations)
	}
	padTop, padLeft := pads[0], pads[2]
	effH, effW := (kh-1)*dh+1, (kw-1)*dw+1
	paddedH, paddedW := h+pads[0]+pads[1], wd+pads[2]+pads[3]
	if paddedH < effH || paddedW < effW {
		return nil, errors.Errorf("kernel %dx%d (dilated %dx%d) exceeds padded input %dx%d",
			kh, kw, effH, effW, paddedH, paddedW)
	}
	outH := (paddedH-effH)/sh + 1
	outW := (paddedW-effW)/sw + 1

	out, err := tensor.NewTensor([]int64{n, cOut, outH, outW}, tensor.DTypeFloat32)
	if err != nil {
		return nil, err
	}
	dst := out.Float32s()
	outPerGroup := cOut / groups

	for b := range n {
		for oc := range cOut {
			g := oc / outPerGroup
			for oh := range outH {
				for ow := range outW {
					var acc float32
					for ci := range cPerGroup {
						ic := g*cPerGroup + ci
						xBase := ((b*cIn + ic) * h) * wd
						wBase := ((oc*cPerGroup + ci) * kh) * kw
						for ki := range kh {
							ih := oh*sh - padTop + ki*dh
							if ih < 0 || ih >= h {
								continue
							}
							for kj := range kw {
								iw := ow*sw - padLeft + kj*dw
								if iw < 0 || iw >= wd {
									continue
								}
								acc += xs[xBase+ih*wd+iw] * ws[wBase+ki*kw+kj]
							}
						}
					}
					dst[((b*cOut+oc)*outH+oh)*outW+ow] = acc
				}
			}
		}
	}
	return out, nil
}
