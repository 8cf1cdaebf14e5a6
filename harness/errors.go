package harness

import (
	"fmt"
)

// ConversionError reports a reference construct the converter cannot lower.
type ConversionError struct {
	// Construct names the offending layer or module kind.
	Construct string
	Reason    string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion of %s failed: %s", e.Construct, e.Reason)
}

// NumericalMismatchError reports converted outputs that diverge from the
// reference beyond tolerance.
type NumericalMismatchError struct {
	MaxAbs float64
	MaxRel float64
	Cosine float64

	// Index is the first element outside tolerance, -1 for shape mismatches.
	Index int
	Want  float32
	Got   float32

	WantShape []int64
	GotShape  []int64
}

func (e *NumericalMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("numerical mismatch: output shape %v, reference shape %v", e.GotShape, e.WantShape)
	}
	return fmt.Sprintf("numerical mismatch at index %d: want %g, got %g (max abs %.3g, max rel %.3g, cosine %.6f)",
		e.Index, e.Want, e.Got, e.MaxAbs, e.MaxRel, e.Cosine)
}
