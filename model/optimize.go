package model

import (
	"github.com/gomlx/go-convcheck/internal/tensor"
)

// optimizeProgram applies the rewrite passes run by Build.
//
// Three passes run in sequence:
//  1. Fold zero pad→conv chains into a single conv with custom padding
//  2. Collapse consecutive transposes into one
//  3. Remove transposes whose permutation is the identity
//
// Passes never rename function outputs, so a value listed in b.outputs is
// never removed.
func (b *Builder) optimizeProgram() {
	b.foldPadIntoConv()

	for b.collapseConsecutiveTransposes() {
	}

	b.removeIdentityTransposes()
}

// foldPadIntoConv rewrites pad(x)→conv into conv(x) with pad_type "custom"
// when the pad is a zero constant pad touching only the spatial axes and the
// conv is its only consumer.
func (b *Builder) foldPadIntoConv() {
	consumers := buildConsumerMap(b.operations)
	outputSet := buildOutputSet(b.outputs)
	removeSet := make(map[int]bool)

	for i, op := range b.operations {
		if op.Type != "pad" {
			continue
		}
		outName := op.Outputs[0].Name
		if outputSet[outName] {
			continue
		}
		cons := consumers[outName]
		if len(cons) != 1 {
			continue
		}
		convOp := b.operations[cons[0]]
		if convOp.Type != "conv" || getOpInputName(convOp, "x") != outName {
			continue
		}
		if op.Attributes["mode"] != "constant" || getInlineFloat(op, "constant_val") != 0 {
			continue
		}
		pads := getInlineInt64s(op, "pad")
		if len(pads) != 8 || pads[0] != 0 || pads[1] != 0 || pads[2] != 0 || pads[3] != 0 {
			continue
		}
		convPads := getInlineInt64s(convOp, "pad")
		if len(convPads) != 4 {
			continue
		}
		padType, err := ParseConvPadType(convOp.Attributes["pad_type"])
		if err != nil || padType == ConvPadSame {
			continue
		}

		merged := make([]int64, 4)
		for j := range merged {
			merged[j] = convPads[j] + pads[4+j]
		}
		convOp.Inputs["x"] = &Argument{Name: getOpInputName(op, "x")}
		convOp.Inputs["pad"] = &Argument{Value: int32Constant(merged)}
		convOp.Attributes = cloneAttrs(convOp.Attributes)
		convOp.Attributes["pad_type"] = ConvPadCustom.String()
		removeSet[i] = true
	}

	if len(removeSet) == 0 {
		return
	}
	b.operations = rebuildOps(b.operations, removeSet, nil)
}

// collapseConsecutiveTransposes finds transposes whose single consumer is
// another transpose and replaces the pair by the composed permutation.
// Returns true if any changes were made.
func (b *Builder) collapseConsecutiveTransposes() bool {
	consumers := buildConsumerMap(b.operations)
	outputSet := buildOutputSet(b.outputs)

	changed := false
	removeSet := make(map[int]bool)

	for i, op := range b.operations {
		if op.Type != "transpose" || removeSet[i] {
			continue
		}
		outName := op.Outputs[0].Name
		if outputSet[outName] {
			continue
		}
		cons := consumers[outName]
		if len(cons) != 1 {
			continue
		}
		consOp := b.operations[cons[0]]
		if consOp.Type != "transpose" || removeSet[cons[0]] {
			continue
		}
		permA := getInlineInt64s(op, "perm")
		permB := getInlineInt64s(consOp, "perm")
		if len(permA) == 0 || len(permA) != len(permB) {
			continue
		}

		// y[i] = a[permB[i]] = x[permA[permB[i]]].
		composed := make([]int64, len(permB))
		for j, p := range permB {
			composed[j] = permA[p]
		}
		consOp.Inputs["x"] = &Argument{Name: getOpInputName(op, "x")}
		consOp.Inputs["perm"] = &Argument{Value: int32Constant(composed)}
		removeSet[i] = true
		changed = true
	}

	if !changed {
		return false
	}
	b.operations = rebuildOps(b.operations, removeSet, nil)
	return true
}

// removeIdentityTransposes drops transposes with an identity permutation and
// rewires their consumers to the transpose input.
func (b *Builder) removeIdentityTransposes() {
	outputSet := buildOutputSet(b.outputs)
	removeSet := make(map[int]bool)
	rename := make(map[string]string)

	for i, op := range b.operations {
		if op.Type != "transpose" {
			continue
		}
		outName := op.Outputs[0].Name
		if outputSet[outName] {
			continue
		}
		perm := getInlineInt64s(op, "perm")
		if perm == nil || !isIdentityPerm(perm) {
			continue
		}
		src := getOpInputName(op, "x")
		if r, ok := rename[src]; ok {
			src = r
		}
		rename[outName] = src
		removeSet[i] = true
	}

	if len(removeSet) == 0 {
		return
	}
	for _, op := range b.operations {
		for param, arg := range op.Inputs {
			if r, ok := rename[arg.GetName()]; ok {
				op.Inputs[param] = &Argument{Name: r}
			}
		}
	}
	b.operations = rebuildOps(b.operations, removeSet, nil)
}

// buildConsumerMap maps each value name to the indices of the operations
// that read it.
func buildConsumerMap(operations []*Operation) map[string][]int {
	consumers := make(map[string][]int)
	for i, op := range operations {
		for _, arg := range op.Inputs {
			if name := arg.GetName(); name != "" {
				consumers[name] = append(consumers[name], i)
			}
		}
	}
	return consumers
}

// buildOutputSet builds a set of function output names.
func buildOutputSet(outputs []string) map[string]bool {
	set := make(map[string]bool, len(outputs))
	for _, name := range outputs {
		set[name] = true
	}
	return set
}

// rebuildOps reconstructs the operations list, removing ops in removeSet
// and inserting replacement ops from insertMap at their original positions.
func rebuildOps(operations []*Operation, removeSet map[int]bool, insertMap map[int][]*Operation) []*Operation {
	var newOps []*Operation
	for i, op := range operations {
		if rOps, ok := insertMap[i]; ok {
			newOps = append(newOps, rOps...)
		}
		if removeSet[i] {
			continue
		}
		newOps = append(newOps, op)
	}
	return newOps
}

// getOpOutputShape extracts the output shape from an operation's first output.
func getOpOutputShape(op *Operation) []int64 {
	if len(op.Outputs) == 0 || op.Outputs[0].Type == nil {
		return nil
	}
	return op.Outputs[0].Type.Shape
}

// getOpInputName extracts the name reference from an operation's input argument.
func getOpInputName(op *Operation, paramName string) string {
	return op.Inputs[paramName].GetName()
}

// getInlineInt64s extracts an inline Int32 constant argument as []int64.
func getInlineInt64s(op *Operation, paramName string) []int64 {
	val := op.Inputs[paramName].GetValue()
	if val == nil || val.DType() != Int32 {
		return nil
	}
	ints := val.Int32s()
	result := make([]int64, len(ints))
	for i, v := range ints {
		result[i] = int64(v)
	}
	return result
}

// getInlineFloat extracts a scalar Float32 constant argument. Missing or
// non-scalar arguments read as -1.
func getInlineFloat(op *Operation, paramName string) float32 {
	val := op.Inputs[paramName].GetValue()
	if val == nil || val.DType() != Float32 || val.Len() != 1 {
		return -1
	}
	return val.Float32s()[0]
}

func int32Constant(values []int64) *tensor.Tensor {
	t, _ := tensor.NewTensorWithData([]int64{int64(len(values))}, toInt32Slice(values))
	return t
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
