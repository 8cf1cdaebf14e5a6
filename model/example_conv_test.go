package model

import (
	"fmt"
)

// ExampleBuilder_Conv demonstrates basic 2D convolution usage.
func ExampleBuilder_Conv() {
	b := NewBuilder("simple_conv")

	// Input image: batch=1, channels=3 (RGB), height=32, width=32
	x := b.Input("image", Float32, 1, 3, 32, 32)

	// Convolution weights: 16 output channels, 3 input channels, 3x3 kernel
	weights := b.Input("conv_weights", Float32, 16, 3, 3, 3)

	// Apply convolution with stride 1, no dilation, SAME padding
	features := b.Conv(x, weights,
		[]int64{1, 1}, // strides: [stride_h, stride_w]
		[]int64{1, 1}, // dilations: [dilation_h, dilation_w]
		ConvPadSame,   // padding type
		nil, nil,      // custom padding (not used with SAME)
		1,             // groups (1 = standard convolution)
	)

	b.Output("features", features)

	program := b.Build()
	_, block, _ := program.MainBlock("simple_conv")
	fmt.Printf("Output shape: %v\n", block.Operations[0].Outputs[0].Type.Shape)
	// Output: Output shape: [1 16 32 32]
}

// ExampleBuilder_Conv_depthwise demonstrates a depthwise convolution: one
// group per input channel.
func ExampleBuilder_Conv_depthwise() {
	b := NewBuilder("depthwise")

	x := b.Input("x", Float32, 1, 16, 33, 65)

	// [C*M, 1, kH, kW] with C=16, M=1
	weights := b.Input("w", Float32, 16, 1, 5, 5)

	y := b.Conv(x, weights, []int64{5, 5}, nil, ConvPadSame, nil, nil, 16)
	b.Output("y", y)

	fmt.Println(y.Shape())
	// Output: [1 16 7 13]
}

// ExampleBuilder_ConvWithBias demonstrates convolution with bias.
func ExampleBuilder_ConvWithBias() {
	b := NewBuilder("conv_with_bias")

	// Input: 1x3x32x32
	x := b.Input("image", Float32, 1, 3, 32, 32)

	// Weights: 16x3x3x3
	weights := b.Input("conv_weights", Float32, 16, 3, 3, 3)

	// Bias: 16 values (one per output channel)
	bias := b.Input("conv_bias", Float32, 16)

	// Apply convolution with bias
	output := b.ConvWithBias(x, weights, bias,
		[]int64{1, 1}, // strides
		[]int64{1, 1}, // dilations
		ConvPadSame,   // padding
		nil, nil,      // custom padding
		1,             // groups
	)

	b.Output("output", output)

	_ = b.Build()
	fmt.Printf("Conv with bias applied\n")
	// Output: Conv with bias applied
}
