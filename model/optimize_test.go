package model

import (
	"testing"
)

func countOps(block *Block) map[string]int {
	counts := make(map[string]int)
	for _, op := range block.Operations {
		counts[op.Type]++
	}
	return counts
}

func TestFoldPadIntoConv(t *testing.T) {
	b := NewBuilder("test")

	x := b.Input("x", Float32, 1, 4, 9, 9)
	w := b.Input("w", Float32, 4, 1, 3, 3)
	padded := b.Pad(x, []int64{0, 0, 1, 0}, []int64{0, 0, 1, 2})
	y := b.Conv(padded, w, nil, nil, ConvPadValid, nil, nil, 4)
	b.Output("y", y)

	program := b.Build()
	if err := b.Err(); err != nil {
		t.Fatalf("unexpected builder error: %v", err)
	}
	_, block, _ := program.MainBlock("test")

	counts := countOps(block)
	if counts["pad"] != 0 {
		t.Errorf("expected pad to be folded, found %d", counts["pad"])
	}

	conv := block.Operations[0]
	if conv.Type != "conv" {
		t.Fatalf("expected first op to be conv, got %s", conv.Type)
	}
	if got := getOpInputName(conv, "x"); got != "x" {
		t.Errorf("expected conv to read x directly, got %q", got)
	}
	if conv.Attributes["pad_type"] != "custom" {
		t.Errorf("expected pad_type custom, got %q", conv.Attributes["pad_type"])
	}
	pads := getInlineInt64s(conv, "pad")
	want := []int64{1, 1, 0, 2}
	for i := range want {
		if pads[i] != want[i] {
			t.Fatalf("expected pad %v, got %v", want, pads)
		}
	}
	// Output shape is unchanged by the rewrite.
	checkShape(t, getOpOutputShape(conv), y.Shape())
}

func TestFoldPadKeepsSharedPad(t *testing.T) {
	b := NewBuilder("test")

	x := b.Input("x", Float32, 1, 1, 4, 4)
	w := b.Input("w", Float32, 1, 1, 3, 3)
	padded := b.Pad(x, []int64{0, 0, 1, 1}, []int64{0, 0, 1, 1})
	y := b.Conv(padded, w, nil, nil, ConvPadValid, nil, nil, 1)
	b.Output("y", y)
	b.Output("padded", padded)

	program := b.Build()
	_, block, _ := program.MainBlock("test")
	if countOps(block)["pad"] != 1 {
		t.Error("expected pad with two consumers to be kept")
	}
}

func TestFoldPadSkipsBatchPadding(t *testing.T) {
	b := NewBuilder("test")

	x := b.Input("x", Float32, 1, 1, 4, 4)
	w := b.Input("w", Float32, 1, 1, 3, 3)
	padded := b.Pad(x, []int64{1, 0, 0, 0}, []int64{0, 0, 0, 0})
	y := b.Conv(padded, w, nil, nil, ConvPadValid, nil, nil, 1)
	b.Output("y", y)

	program := b.Build()
	_, block, _ := program.MainBlock("test")
	if countOps(block)["pad"] != 1 {
		t.Error("expected pad on the batch axis to be kept")
	}
}

func TestCollapseConsecutiveTransposes(t *testing.T) {
	b := NewBuilder("test")

	x := b.Input("x", Float32, 2, 3, 4, 5)
	t1 := b.Transpose(x, []int64{0, 2, 3, 1})  // [2,4,5,3]
	t2 := b.Transpose(t1, []int64{3, 0, 2, 1}) // [3,2,5,4]
	r := b.Relu(t2)
	b.Output("out", r)

	program := b.Build()
	_, block, _ := program.MainBlock("test")

	if counts := countOps(block); counts["transpose"] != 1 {
		t.Fatalf("expected 1 transpose, got %d", counts["transpose"])
	}
	tr := block.Operations[0]
	if got := getOpInputName(tr, "x"); got != "x" {
		t.Errorf("expected transpose to read x, got %q", got)
	}
	// composed[i] = permA[permB[i]] = [1, 0, 3, 2]
	perm := getInlineInt64s(tr, "perm")
	want := []int64{1, 0, 3, 2}
	for i := range want {
		if perm[i] != want[i] {
			t.Fatalf("expected perm %v, got %v", want, perm)
		}
	}
	checkShape(t, getOpOutputShape(tr), []int64{3, 2, 5, 4})
}

func TestTransposeRoundTripRemoved(t *testing.T) {
	b := NewBuilder("test")

	// NHWC -> NCHW -> NHWC is the identity and disappears entirely.
	x := b.Input("x", Float32, 1, 7, 9, 3)
	nchw := b.Transpose(x, []int64{0, 3, 1, 2})
	nhwc := b.Transpose(nchw, []int64{0, 2, 3, 1})
	y := b.Relu(nhwc)
	b.Output("y", y)

	program := b.Build()
	_, block, _ := program.MainBlock("test")

	if counts := countOps(block); counts["transpose"] != 0 {
		t.Fatalf("expected no transposes, got %d", counts["transpose"])
	}
	relu := block.Operations[0]
	if got := getOpInputName(relu, "x"); got != "x" {
		t.Errorf("expected relu to read x, got %q", got)
	}
}

func TestOutputTransposeKept(t *testing.T) {
	b := NewBuilder("test")

	x := b.Input("x", Float32, 2, 3)
	y := b.Transpose(x, []int64{0, 1})
	b.Output(y.Name(), y)

	program := b.Build()
	_, block, _ := program.MainBlock("test")
	if countOps(block)["transpose"] != 1 {
		t.Error("expected transpose producing an output to be kept")
	}
}

func TestDisableOptimizations(t *testing.T) {
	b := NewBuilder("test")
	b.DisableOptimizations()

	x := b.Input("x", Float32, 1, 2, 3, 4)
	a := b.Transpose(x, []int64{0, 2, 3, 1})
	c := b.Transpose(a, []int64{0, 3, 1, 2})
	b.Output("y", c)

	program := b.Build()
	_, block, _ := program.MainBlock("test")
	if countOps(block)["transpose"] != 2 {
		t.Error("expected transposes to be left alone")
	}
}
