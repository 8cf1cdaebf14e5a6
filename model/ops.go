package model

import (
	"github.com/pkg/errors"
)

// This file contains the element-wise and layout operation builders.
// Convolution builders live in ops_conv.go.

// Add performs element-wise addition with broadcasting: z = x + y.
func (b *Builder) Add(x, y *Value) *Value {
	outShape := b.broadcastShape("add", x.shape, y.shape)
	return b.addOp("add", map[string]*Value{
		"x": x,
		"y": y,
	}, b.genName("add"), x.dtype, outShape)
}

// Mul performs element-wise multiplication with broadcasting: z = x * y.
func (b *Builder) Mul(x, y *Value) *Value {
	outShape := b.broadcastShape("mul", x.shape, y.shape)
	return b.addOp("mul", map[string]*Value{
		"x": x,
		"y": y,
	}, b.genName("mul"), x.dtype, outShape)
}

// Relu applies rectified linear unit: z = max(x, 0).
func (b *Builder) Relu(x *Value) *Value {
	return b.addOp("relu", map[string]*Value{
		"x": x,
	}, b.genName("relu"), x.dtype, x.shape)
}

// Clip clamps x to [alpha, beta]. Relu6 is Clip(x, 0, 6).
func (b *Builder) Clip(x *Value, alpha, beta float32) *Value {
	if alpha > beta {
		b.setErr(errors.Errorf("Clip: alpha %v > beta %v", alpha, beta))
	}
	alphaVal := b.Const(b.genName("alpha"), Float32, []int64{}, []float32{alpha})
	betaVal := b.Const(b.genName("beta"), Float32, []int64{}, []float32{beta})
	return b.addOp("clip", map[string]*Value{
		"x":     x,
		"alpha": alphaVal,
		"beta":  betaVal,
	}, b.genName("clip"), x.dtype, x.shape)
}

// Reshape changes the shape of a tensor.
func (b *Builder) Reshape(x *Value, shape []int64) *Value {
	if numElements(shape) != numElements(x.shape) {
		b.setErr(errors.Errorf("Reshape: cannot reshape %v to %v", x.shape, shape))
	}
	shapeVal := b.Const(b.genName("shape"), Int32, []int64{int64(len(shape))}, toInt32Slice(shape))
	return b.addOp("reshape", map[string]*Value{
		"x":     x,
		"shape": shapeVal,
	}, b.genName("reshape"), x.dtype, shape)
}

// Transpose permutes the dimensions of a tensor.
func (b *Builder) Transpose(x *Value, perm []int64) *Value {
	if !isPermutation(perm, len(x.shape)) {
		b.setErr(errors.Errorf("Transpose: %v is not a permutation of rank %d", perm, len(x.shape)))
		perm = identityPerm(len(x.shape))
	}
	permVal := b.Const(b.genName("perm"), Int32, []int64{int64(len(perm))}, toInt32Slice(perm))

	// Compute output shape
	outShape := make([]int64, len(perm))
	for i, p := range perm {
		outShape[i] = x.shape[p]
	}

	return b.addOp("transpose", map[string]*Value{
		"x":    x,
		"perm": permVal,
	}, b.genName("transpose"), x.dtype, outShape)
}

// Pad zero-pads x. before and after hold one amount per axis.
func (b *Builder) Pad(x *Value, before, after []int64) *Value {
	rank := len(x.shape)
	if len(before) != rank || len(after) != rank {
		b.setErr(errors.Errorf("Pad: need %d pad amounts per side, got %d and %d", rank, len(before), len(after)))
		before, after = make([]int64, rank), make([]int64, rank)
	}

	// MIL layout: [before_0, after_0, before_1, after_1, ...].
	pads := make([]int64, 0, 2*rank)
	outShape := make([]int64, rank)
	for i := range rank {
		if before[i] < 0 || after[i] < 0 {
			b.setErr(errors.Errorf("Pad: negative padding on axis %d", i))
		}
		pads = append(pads, before[i], after[i])
		outShape[i] = x.shape[i] + before[i] + after[i]
	}
	padVal := b.Const(b.genName("pad"), Int32, []int64{int64(len(pads))}, toInt32Slice(pads))
	constVal := b.Const(b.genName("constant_val"), Float32, []int64{}, []float32{0})
	return b.addOpWithAttrs("pad", map[string]*Value{
		"x":            x,
		"pad":          padVal,
		"constant_val": constVal,
	}, map[string]string{"mode": "constant"}, b.genName("pad"), x.dtype, outShape)
}

// Helper functions

func toInt32Slice(s []int64) []int32 {
	result := make([]int32, len(s))
	for i, v := range s {
		result[i] = int32(v)
	}
	return result
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

func identityPerm(rank int) []int64 {
	perm := make([]int64, rank)
	for i := range perm {
		perm[i] = int64(i)
	}
	return perm
}

func isPermutation(perm []int64, rank int) bool {
	if len(perm) != rank {
		return false
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || int(p) >= rank || seen[p] {
			return false
		}
		seen[p] = true
	}
	return true
}

func isIdentityPerm(perm []int64) bool {
	for i, p := range perm {
		if p != int64(i) {
			return false
		}
	}
	return true
}

// broadcastShape computes the numpy-style broadcast of a and b, recording an
// error when a dimension pair is incompatible.
func (b *Builder) broadcastShape(opType string, x, y []int64) []int64 {
	out, ok := BroadcastShape(x, y)
	if !ok {
		b.setErr(errors.Errorf("%s: shapes %v and %v do not broadcast", opType, x, y))
	}
	return out
}

// BroadcastShape returns the numpy-style broadcast of a and b. On
// incompatible dimensions it keeps the larger one and reports false.
func BroadcastShape(a, b []int64) ([]int64, bool) {
	maxLen := max(len(a), len(b))
	ok := true
	result := make([]int64, maxLen)
	for i := range maxLen {
		ai := int64(1)
		bi := int64(1)

		if i < len(a) {
			ai = a[len(a)-1-i]
		}
		if i < len(b) {
			bi = b[len(b)-1-i]
		}

		switch {
		case ai == 1:
			result[maxLen-1-i] = bi
		case bi == 1 || ai == bi:
			result[maxLen-1-i] = ai
		default:
			ok = false
			result[maxLen-1-i] = max(ai, bi)
		}
	}
	return result, ok
}
