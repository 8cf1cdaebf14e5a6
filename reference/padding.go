package reference

import (
	"github.com/pkg/errors"
)

// Padding selects how spatial borders are handled by a convolution.
type Padding string

const (
	// PaddingSame pads so that the output spatial size is ceil(in/stride).
	// Odd padding puts the extra row/column after the input.
	PaddingSame Padding = "SAME"

	// PaddingValid applies no padding.
	PaddingValid Padding = "VALID"
)

// ParsePadding accepts "SAME" or "VALID".
func ParsePadding(s string) (Padding, error) {
	switch Padding(s) {
	case PaddingSame, PaddingValid:
		return Padding(s), nil
	}
	return "", errors.Errorf("unknown padding %q (want SAME or VALID)", s)
}

// EffectiveKernel returns the receptive field of a dilated kernel.
func EffectiveKernel(kernel, dilation int64) int64 {
	return (kernel-1)*dilation + 1
}

// ConvOutputSize computes the output size of one spatial axis together with
// the implicit padding placed before and after the input.
func ConvOutputSize(in, kernel, stride, dilation int64, padding Padding) (out, padBefore, padAfter int64, err error) {
	if in <= 0 || kernel <= 0 || stride <= 0 || dilation <= 0 {
		return 0, 0, 0, errors.Errorf("invalid conv axis: in=%d kernel=%d stride=%d dilation=%d",
			in, kernel, stride, dilation)
	}
	effK := EffectiveKernel(kernel, dilation)
	switch padding {
	case PaddingValid:
		if effK > in {
			return 0, 0, 0, errors.Errorf("VALID padding: effective kernel %d exceeds input %d", effK, in)
		}
		return (in-effK)/stride + 1, 0, 0, nil
	case PaddingSame:
		out = (in + stride - 1) / stride
		total := max((out-1)*stride+effK-in, 0)
		return out, total / 2, total - total/2, nil
	}
	return 0, 0, 0, errors.Errorf("unknown padding %q", padding)
}
