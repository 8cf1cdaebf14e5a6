package harness

import (
	"math"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/pkg/errors"
)

// Tolerance bounds the drift allowed between reference and converted outputs.
// An element passes when |got-want| <= Abs + Rel*|want|; the whole output
// also needs a cosine similarity of at least MinCosine.
type Tolerance struct {
	Abs       float64
	Rel       float64
	MinCosine float64
}

// DefaultTolerance returns the tolerance used when none is configured.
func DefaultTolerance() Tolerance {
	return Tolerance{Abs: 1e-4, Rel: 1e-4, MinCosine: 0.9999}
}

// Validate rejects negative bounds.
func (t Tolerance) Validate() error {
	if t.Abs < 0 || t.Rel < 0 {
		return errors.Errorf("tolerance bounds must be non-negative, got abs=%g rel=%g", t.Abs, t.Rel)
	}
	if t.MinCosine < -1 || t.MinCosine > 1 {
		return errors.Errorf("min cosine must be in [-1, 1], got %g", t.MinCosine)
	}
	return nil
}

// Compare checks got against want. It returns a *NumericalMismatchError
// when shapes differ or values diverge beyond tol.
func Compare(want, got *tensor.Tensor, tol Tolerance) error {
	if want.DType() != tensor.DTypeFloat32 || got.DType() != tensor.DTypeFloat32 {
		return errors.Errorf("compare: expected float32 tensors, got %s and %s", want.DType(), got.DType())
	}
	if !tensor.EqualShapes(want.Shape(), got.Shape()) {
		return &NumericalMismatchError{Index: -1, WantShape: want.Shape(), GotShape: got.Shape()}
	}

	ws, gs := want.Float32s(), got.Float32s()
	var (
		maxAbs, maxRel float64
		dot, wn, gn    float64
		first          = -1
	)
	for i := range ws {
		w, g := float64(ws[i]), float64(gs[i])
		diff := math.Abs(g - w)
		bad := diff > tol.Abs+tol.Rel*math.Abs(w)
		if math.IsNaN(w) || math.IsNaN(g) {
			// Matching NaNs pass, a lone NaN fails.
			bad = math.IsNaN(w) != math.IsNaN(g)
			diff = 0
			if bad {
				diff = math.Inf(1)
			}
		} else {
			dot += w * g
			wn += w * w
			gn += g * g
		}
		maxAbs = max(maxAbs, diff)
		if aw := math.Abs(w); aw > 0 {
			maxRel = max(maxRel, diff/aw)
		} else if diff > 0 {
			maxRel = math.Inf(1)
		}
		if bad && first < 0 {
			first = i
		}
	}

	cosine := cosineSimilarity(dot, wn, gn)
	if first < 0 && cosine >= tol.MinCosine {
		return nil
	}
	mismatch := &NumericalMismatchError{
		MaxAbs:    maxAbs,
		MaxRel:    maxRel,
		Cosine:    cosine,
		Index:     first,
		WantShape: want.Shape(),
		GotShape:  got.Shape(),
	}
	if first < 0 {
		// Cosine below threshold only: report the worst element.
		mismatch.Index = argMaxAbsDiff(ws, gs)
	}
	mismatch.Want, mismatch.Got = ws[mismatch.Index], gs[mismatch.Index]
	return mismatch
}

// cosineSimilarity treats two all-zero vectors as identical.
func cosineSimilarity(dot, wn, gn float64) float64 {
	switch {
	case wn == 0 && gn == 0:
		return 1
	case wn == 0 || gn == 0:
		return 0
	}
	return dot / (math.Sqrt(wn) * math.Sqrt(gn))
}

func argMaxAbsDiff(ws, gs []float32) int {
	idx, worst := 0, -1.0
	for i := range ws {
		if d := math.Abs(float64(gs[i]) - float64(ws[i])); d > worst {
			idx, worst = i, d
		}
	}
	return idx
}
