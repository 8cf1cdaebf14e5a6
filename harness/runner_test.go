package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/gomlx/go-convcheck/reference"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func newTestRunner(t *testing.T, name string, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithWorkDir(t.TempDir()), WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := NewRunner(name, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// rampFilter returns a [kh, kw, c, m] filter with distinct negative values.
func rampFilter(kh, kw, c, m int64) *tensor.Tensor {
	n := kh * kw * c * m
	data := make([]float32, n)
	for i := range data {
		data[i] = -float32(i+1) / float32(n)
	}
	return tensor.MustFloat32([]int64{kh, kw, c, m}, data)
}

func depthwiseModule(t *testing.T, input []int64, kernel, strides [2]int64, padding reference.Padding, mult int64,
	extra ...reference.Layer) *reference.Sequential {
	t.Helper()
	layers := append([]reference.Layer{&reference.DepthwiseConv2D{
		Filter:    rampFilter(kernel[0], kernel[1], input[3], mult),
		Strides:   strides,
		Padding:   padding,
		Dilations: [2]int64{1, 1},
	}}, extra...)
	m, err := reference.NewSequential(reference.TensorSpec{Name: "x", DType: tensor.DTypeFloat32, Shape: input}, layers...)
	require.NoError(t, err)
	return m
}

func TestRunnerTrivialCase(t *testing.T) {
	r := newTestRunner(t, "n1_c1_i1x1_k1x1_s1x1_SAME_d1x1")
	m := depthwiseModule(t, []int64{1, 1, 1, 1}, [2]int64{1, 1}, [2]int64{1, 1}, reference.PaddingSame, 1)

	path, err := r.FromReference(m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Dir(), "n1_c1_i1x1_k1x1_s1x1_SAME_d1x1.kpkg"), path)
	assert.FileExists(t, filepath.Join(path, "Manifest.json"))

	require.NoError(t, r.Run(path))
}

func TestRunnerDepthwiseCases(t *testing.T) {
	tests := []struct {
		input   []int64
		kernel  [2]int64
		strides [2]int64
		padding reference.Padding
		mult    int64
	}{
		{[]int64{1, 33, 65, 16}, [2]int64{5, 5}, [2]int64{1, 3}, reference.PaddingSame, 1},
		{[]int64{3, 33, 65, 3}, [2]int64{3, 3}, [2]int64{5, 5}, reference.PaddingValid, 1},
		{[]int64{2, 7, 9, 2}, [2]int64{3, 3}, [2]int64{1, 1}, reference.PaddingSame, 3},
		{[]int64{1, 5, 5, 1}, [2]int64{5, 5}, [2]int64{1, 1}, reference.PaddingValid, 1},
	}
	for _, tc := range tests {
		name := fmt.Sprintf("i%dx%d_c%d_k%dx%d_s%dx%d_%s_m%d", tc.input[1], tc.input[2], tc.input[3],
			tc.kernel[0], tc.kernel[1], tc.strides[0], tc.strides[1], tc.padding, tc.mult)
		t.Run(name, func(t *testing.T) {
			for _, optimize := range []bool{true, false} {
				r := newTestRunner(t, name, WithOptimize(optimize))
				m := depthwiseModule(t, tc.input, tc.kernel, tc.strides, tc.padding, tc.mult)
				path, err := r.FromReference(m)
				require.NoError(t, err)
				require.NoError(t, r.Run(path), "optimize=%v", optimize)
			}
		})
	}
}

func TestRunnerFusedActivations(t *testing.T) {
	bias := tensor.MustFloat32([]int64{4}, []float32{0.5, 1, 4, 8})
	m := depthwiseModule(t, []int64{1, 6, 6, 2}, [2]int64{3, 3}, [2]int64{1, 1}, reference.PaddingSame, 2,
		&reference.BiasAdd{Bias: bias}, reference.Relu{}, reference.Relu6{})

	r := newTestRunner(t, "fused")
	path, err := r.FromReference(m)
	require.NoError(t, err)
	require.NoError(t, r.Run(path))
}

type squareLayer struct{}

func (squareLayer) Kind() string                            { return "square" }
func (squareLayer) OutputShape(in []int64) ([]int64, error) { return in, nil }
func (squareLayer) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x, nil
}

type opaqueModule struct{ *reference.Sequential }

func TestRunnerConversionError(t *testing.T) {
	r := newTestRunner(t, "unsupported")

	m := depthwiseModule(t, []int64{1, 4, 4, 1}, [2]int64{3, 3}, [2]int64{1, 1}, reference.PaddingSame, 1, squareLayer{})
	_, err := r.FromReference(m)
	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr), "expected *ConversionError, got %v", err)
	assert.Equal(t, "square", convErr.Construct)

	_, err = r.FromReference(opaqueModule{m})
	require.True(t, errors.As(err, &convErr), "expected *ConversionError, got %v", err)
	assert.Contains(t, convErr.Reason, "sequential")
}

func TestRunnerNumericalMismatch(t *testing.T) {
	// Convert one module, then check its artifact against another.
	first := newTestRunner(t, "first")
	m1 := depthwiseModule(t, []int64{1, 5, 5, 2}, [2]int64{3, 3}, [2]int64{1, 1}, reference.PaddingSame, 1)
	path, err := first.FromReference(m1)
	require.NoError(t, err)

	second := newTestRunner(t, "second")
	m2 := depthwiseModule(t, []int64{1, 5, 5, 2}, [2]int64{3, 3}, [2]int64{1, 1}, reference.PaddingSame, 1,
		&reference.BiasAdd{Bias: tensor.MustFloat32([]int64{2}, []float32{1, 1})})
	_, err = second.FromReference(m2)
	require.NoError(t, err)

	err = second.Run(path)
	var mismatch *NumericalMismatchError
	require.True(t, errors.As(err, &mismatch), "expected *NumericalMismatchError, got %v", err)
	assert.GreaterOrEqual(t, mismatch.Index, 0)
	assert.InDelta(t, 1.0, mismatch.MaxAbs, 1e-4)
}

func TestRunnerShapeMismatch(t *testing.T) {
	first := newTestRunner(t, "strided")
	path, err := first.FromReference(
		depthwiseModule(t, []int64{1, 6, 6, 1}, [2]int64{1, 1}, [2]int64{2, 2}, reference.PaddingSame, 1))
	require.NoError(t, err)

	second := newTestRunner(t, "unstrided")
	_, err = second.FromReference(
		depthwiseModule(t, []int64{1, 6, 6, 1}, [2]int64{1, 1}, [2]int64{1, 1}, reference.PaddingSame, 1))
	require.NoError(t, err)

	err = second.Run(path)
	var mismatch *NumericalMismatchError
	require.True(t, errors.As(err, &mismatch), "expected *NumericalMismatchError, got %v", err)
	assert.Equal(t, -1, mismatch.Index)
	assert.Equal(t, []int64{1, 6, 6, 1}, mismatch.WantShape)
	assert.Equal(t, []int64{1, 3, 3, 1}, mismatch.GotShape)
}

func TestRunnerRunBeforeFromReference(t *testing.T) {
	r := newTestRunner(t, "empty")
	assert.Error(t, r.Run(filepath.Join(r.Dir(), "missing.kpkg")))
}

func TestRunnerInvalidName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err := NewRunner(name, WithWorkDir(t.TempDir()))
		assert.Error(t, err, "name %q", name)
	}
}

func TestRunnerClose(t *testing.T) {
	root := t.TempDir()

	r, err := NewRunner("cleanup", WithWorkDir(root))
	require.NoError(t, err)
	_, err = r.FromReference(depthwiseModule(t, []int64{1, 2, 2, 1}, [2]int64{1, 1}, [2]int64{1, 1}, reference.PaddingValid, 1))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = os.Stat(filepath.Join(root, "cleanup"))
	assert.True(t, os.IsNotExist(err), "expected work directory to be removed")
	assert.NoError(t, r.Close())

	_, err = r.FromReference(depthwiseModule(t, []int64{1, 2, 2, 1}, [2]int64{1, 1}, [2]int64{1, 1}, reference.PaddingValid, 1))
	assert.Error(t, err)

	kept, err := NewRunner("kept", WithWorkDir(root), WithKeepArtifacts(true))
	require.NoError(t, err)
	require.NoError(t, kept.Close())
	assert.DirExists(t, filepath.Join(root, "kept"))
}

func TestRunnerSeedChangesInput(t *testing.T) {
	a := newTestRunner(t, "seeded", WithSeed(1))
	b := newTestRunner(t, "seeded", WithSeed(2))
	sig := reference.TensorSpec{Name: "x", DType: tensor.DTypeFloat32, Shape: []int64{1, 4, 4, 2}}

	x1, err := a.newInput(sig)
	require.NoError(t, err)
	x1again, err := a.newInput(sig)
	require.NoError(t, err)
	x2, err := b.newInput(sig)
	require.NoError(t, err)

	assert.Equal(t, x1.Float32s(), x1again.Float32s())
	assert.NotEqual(t, x1.Float32s(), x2.Float32s())
	for _, v := range x1.Float32s() {
		assert.True(t, v >= -1 && v < 1, "value %v outside [-1, 1)", v)
	}
}

// TestConvertedMatchesReference checks the converter over random
// depthwise configurations.
func TestConvertedMatchesReference(t *testing.T) {
	root := t.TempDir()
	iteration := 0
	rapid.Check(t, func(rt *rapid.T) {
		h := rapid.Int64Range(1, 12).Draw(rt, "h")
		w := rapid.Int64Range(1, 12).Draw(rt, "w")
		c := rapid.Int64Range(1, 4).Draw(rt, "c")
		mult := rapid.Int64Range(1, 3).Draw(rt, "mult")
		padding := rapid.SampledFrom([]reference.Padding{reference.PaddingSame, reference.PaddingValid}).Draw(rt, "padding")
		kh := rapid.Int64Range(1, 5).Draw(rt, "kh")
		kw := rapid.Int64Range(1, 5).Draw(rt, "kw")
		if padding == reference.PaddingValid {
			kh, kw = min(kh, h), min(kw, w)
		}
		dilated := rapid.Bool().Draw(rt, "dilated")
		strides := [2]int64{rapid.Int64Range(1, 4).Draw(rt, "sh"), rapid.Int64Range(1, 4).Draw(rt, "sw")}
		dilations := [2]int64{1, 1}
		if dilated {
			strides = [2]int64{1, 1}
			dilations = [2]int64{rapid.Int64Range(1, 3).Draw(rt, "dh"), rapid.Int64Range(1, 3).Draw(rt, "dw")}
			if padding == reference.PaddingValid && ((kh-1)*dilations[0]+1 > h || (kw-1)*dilations[1]+1 > w) {
				dilations = [2]int64{1, 1}
			}
		}

		m, err := reference.NewSequential(
			reference.TensorSpec{Name: "x", DType: tensor.DTypeFloat32, Shape: []int64{1, h, w, c}},
			&reference.DepthwiseConv2D{
				Filter:    rampFilter(kh, kw, c, mult),
				Strides:   strides,
				Padding:   padding,
				Dilations: dilations,
			})
		if err != nil {
			rt.Fatalf("invalid module: %v", err)
		}

		iteration++
		r, err := NewRunner(fmt.Sprintf("case%d", iteration), WithWorkDir(root))
		if err != nil {
			rt.Fatalf("NewRunner: %v", err)
		}
		defer r.Close()
		path, err := r.FromReference(m)
		if err != nil {
			rt.Fatalf("FromReference: %v", err)
		}
		if err := r.Run(path); err != nil {
			rt.Fatalf("Run: %v", err)
		}
	})
}
