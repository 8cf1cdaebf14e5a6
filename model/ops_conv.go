package model

import (
	"strconv"

	"github.com/pkg/errors"
)

// ConvPadType selects how a convolution pads its spatial dimensions.
type ConvPadType int

const (
	// ConvPadValid applies no padding.
	ConvPadValid ConvPadType = iota
	// ConvPadSame pads so that out = ceil(in/stride). Odd totals put the
	// extra element after.
	ConvPadSame
	// ConvPadCustom uses the explicit padBefore/padAfter amounts.
	ConvPadCustom
)

// String returns the pad_type attribute value.
func (p ConvPadType) String() string {
	switch p {
	case ConvPadValid:
		return "valid"
	case ConvPadSame:
		return "same"
	case ConvPadCustom:
		return "custom"
	}
	return "ConvPadType(" + strconv.Itoa(int(p)) + ")"
}

// ParseConvPadType is the inverse of ConvPadType.String.
func ParseConvPadType(s string) (ConvPadType, error) {
	switch s {
	case "valid":
		return ConvPadValid, nil
	case "same":
		return ConvPadSame, nil
	case "custom":
		return ConvPadCustom, nil
	}
	return 0, errors.Errorf("unknown pad_type %q", s)
}

// Conv performs a 2D convolution.
//
// x is [N, C_in, H, W] and weight is [C_out, C_in/groups, kH, kW]. strides
// and dilations hold [h, w]; nil means 1. padBefore and padAfter hold [h, w]
// and are only used with ConvPadCustom. The output is [N, C_out, H_out, W_out].
func (b *Builder) Conv(x, weight *Value, strides, dilations []int64, padType ConvPadType,
	padBefore, padAfter []int64, groups int64) *Value {
	if strides == nil {
		strides = []int64{1, 1}
	}
	if dilations == nil {
		dilations = []int64{1, 1}
	}
	if groups <= 0 {
		groups = 1
	}

	outShape, pads, err := convOutputShape(x.shape, weight.shape, strides, dilations, padType, padBefore, padAfter, groups)
	if err != nil {
		b.setErr(errors.Wrap(err, "Conv"))
	}

	inputs := map[string]*Value{
		"x":         x,
		"weight":    weight,
		"strides":   b.Const(b.genName("strides"), Int32, []int64{2}, toInt32Slice(strides)),
		"dilations": b.Const(b.genName("dilations"), Int32, []int64{2}, toInt32Slice(dilations)),
		"groups":    b.Const(b.genName("groups"), Int32, []int64{}, []int32{int32(groups)}),
		"pad":       b.Const(b.genName("pad"), Int32, []int64{4}, toInt32Slice(pads)),
	}
	return b.addOpWithAttrs("conv", inputs, map[string]string{"pad_type": padType.String()},
		b.genName("conv"), x.dtype, outShape)
}

// ConvWithBias performs Conv and adds a per-output-channel bias of shape
// [C_out].
func (b *Builder) ConvWithBias(x, weight, bias *Value, strides, dilations []int64, padType ConvPadType,
	padBefore, padAfter []int64, groups int64) *Value {
	y := b.Conv(x, weight, strides, dilations, padType, padBefore, padAfter, groups)
	if len(bias.shape) != 1 || (len(weight.shape) > 0 && bias.shape[0] != weight.shape[0]) {
		b.setErr(errors.Errorf("ConvWithBias: bias shape %v does not match weight %v", bias.shape, weight.shape))
		return y
	}
	// [C_out] -> [C_out, 1, 1] broadcasts over [N, C_out, H, W].
	return b.Add(y, b.Reshape(bias, []int64{bias.shape[0], 1, 1}))
}

// convOutputShape infers the conv output shape and resolves the padding to
// [h_before, h_after, w_before, w_after].
func convOutputShape(xShape, wShape, strides, dilations []int64, padType ConvPadType,
	padBefore, padAfter []int64, groups int64) ([]int64, []int64, error) {
	pads := make([]int64, 4)
	if len(xShape) != 4 || len(wShape) != 4 {
		return []int64{0, 0, 0, 0}, pads, errors.Errorf("need rank-4 input and weight, got %v and %v", xShape, wShape)
	}
	if len(strides) != 2 || len(dilations) != 2 {
		return []int64{0, 0, 0, 0}, pads, errors.Errorf("need 2 strides and 2 dilations, got %v and %v", strides, dilations)
	}
	n, cIn := xShape[0], xShape[1]
	cOut := wShape[0]
	if cIn%groups != 0 || cOut%groups != 0 {
		return []int64{n, cOut, 0, 0}, pads, errors.Errorf("groups %d must divide C_in %d and C_out %d", groups, cIn, cOut)
	}
	if wShape[1] != cIn/groups {
		return []int64{n, cOut, 0, 0}, pads, errors.Errorf("weight %v expects %d input channels per group, input has %d",
			wShape, wShape[1], cIn/groups)
	}

	out := []int64{n, cOut, 0, 0}
	for i := range 2 {
		in, k := xShape[2+i], wShape[2+i]
		s, d := strides[i], dilations[i]
		if s <= 0 || d <= 0 || k <= 0 {
			return out, pads, errors.Errorf("axis %d: stride %d, dilation %d and kernel %d must be positive", i, s, d, k)
		}
		effK := (k-1)*d + 1

		var before, after int64
		switch padType {
		case ConvPadValid:
		case ConvPadSame:
			o := (in + s - 1) / s
			total := max((o-1)*s+effK-in, 0)
			before = total / 2
			after = total - before
		case ConvPadCustom:
			if len(padBefore) != 2 || len(padAfter) != 2 {
				return out, pads, errors.Errorf("custom padding needs 2 before and 2 after amounts, got %v and %v",
					padBefore, padAfter)
			}
			before, after = padBefore[i], padAfter[i]
			if before < 0 || after < 0 {
				return out, pads, errors.Errorf("axis %d: negative padding", i)
			}
		default:
			return out, pads, errors.Errorf("unknown pad type %v", padType)
		}
		padded := in + before + after
		if padded < effK {
			return out, pads, errors.Errorf("axis %d: effective kernel %d exceeds padded input %d", i, effK, padded)
		}
		out[2+i] = (padded-effK)/s + 1
		pads[2*i] = before
		pads[2*i+1] = after
	}
	return out, pads, nil
}
