package model

import (
	"testing"
)

func TestAddMulBroadcast(t *testing.T) {
	b := NewBuilder("main")

	x := b.Input("x", Float32, 1, 4, 3, 3)
	bias := b.Const("bias", Float32, []int64{4, 1, 1}, []float32{1, 2, 3, 4})
	scale := b.Const("scale", Float32, []int64{}, []float32{0.5})

	sum := b.Add(x, bias)
	prod := b.Mul(sum, scale)
	b.Output("y", prod)
	if err := b.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checkShape(t, prod.Shape(), []int64{1, 4, 3, 3})

	program := b.Build()
	_, block, ok := program.MainBlock("main")
	if !ok {
		t.Fatal("expected main block")
	}
	opTypeCount := make(map[string]int)
	for _, op := range block.Operations {
		opTypeCount[op.Type]++
	}
	if opTypeCount["add"] != 1 || opTypeCount["mul"] != 1 {
		t.Errorf("expected one add and one mul, got %v", opTypeCount)
	}
}

func TestAddRejectsIncompatibleShapes(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	y := b.Input("y", Float32, 4, 3)
	b.Add(x, y)
	if b.Err() == nil {
		t.Error("expected shapes [2 3] and [4 3] to be rejected")
	}
}

func TestRelu(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	y := b.Relu(x)
	b.Output("y", y)
	checkShape(t, y.Shape(), []int64{2, 3})

	program := b.Build()
	_, block, _ := program.MainBlock("main")
	// relu + identity for output renaming
	if len(block.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(block.Operations))
	}
	if block.Operations[0].Type != "relu" || block.Operations[1].Type != "identity" {
		t.Errorf("expected relu then identity, got %s then %s",
			block.Operations[0].Type, block.Operations[1].Type)
	}
}

func TestReshape(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3, 4)
	y := b.Reshape(x, []int64{6, 4})
	b.Output("y", y)
	if err := b.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkShape(t, y.Shape(), []int64{6, 4})

	op := findOp(t, b.Build(), "main", "reshape")
	shape := op.Inputs["shape"].GetValue().Int32s()
	if len(shape) != 2 || shape[0] != 6 || shape[1] != 4 {
		t.Errorf("expected shape const [6 4], got %v", shape)
	}
}

func TestReshapeRejectsElementCount(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	b.Reshape(x, []int64{4, 2})
	if b.Err() == nil {
		t.Error("expected reshape of 6 elements to 8 to be rejected")
	}
}

func TestTransposeRejectsBadPerm(t *testing.T) {
	for _, perm := range [][]int64{{0, 1}, {0, 1, 1}, {0, 1, 3}} {
		b := NewBuilder("main")
		x := b.Input("x", Float32, 2, 3, 4)
		b.Transpose(x, perm)
		if b.Err() == nil {
			t.Errorf("expected perm %v to be rejected", perm)
		}
	}
}

func TestPadRejects(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	b.Pad(x, []int64{0}, []int64{0, 0})
	if b.Err() == nil {
		t.Error("expected mismatched pad lengths to be rejected")
	}

	b = NewBuilder("main")
	x = b.Input("x", Float32, 2, 3)
	b.Pad(x, []int64{0, -1}, []int64{0, 0})
	if b.Err() == nil {
		t.Error("expected negative padding to be rejected")
	}
}
