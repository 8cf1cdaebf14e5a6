package tensor

import (
	"testing"
)

func TestTensorCreate(t *testing.T) {
	shape := []int64{2, 3}
	tensor, err := NewTensor(shape, DTypeFloat32)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}

	if tensor.Rank() != 2 {
		t.Errorf("expected rank 2, got %d", tensor.Rank())
	}
	if tensor.Dim(0) != 2 {
		t.Errorf("expected dim 0 = 2, got %d", tensor.Dim(0))
	}
	if tensor.Dim(1) != 3 {
		t.Errorf("expected dim 1 = 3, got %d", tensor.Dim(1))
	}
	if tensor.DType() != DTypeFloat32 {
		t.Errorf("expected dtype Float32, got %s", tensor.DType())
	}
	if tensor.SizeBytes() != 2*3*4 {
		t.Errorf("expected size 24 bytes, got %d", tensor.SizeBytes())
	}
}

func TestTensorCreateWithData(t *testing.T) {
	shape := []int64{2, 2}
	data := []float32{1.0, 2.0, 3.0, 4.0}

	tensor, err := NewTensorWithData(shape, data)
	if err != nil {
		t.Fatalf("NewTensorWithData failed: %v", err)
	}

	result := tensor.Float32s()
	for i, expected := range data {
		if result[i] != expected {
			t.Errorf("data[%d] = %f, expected %f", i, result[i], expected)
		}
	}
}

func TestTensorCreateWithDataSizeMismatch(t *testing.T) {
	if _, err := NewTensorWithData([]int64{2, 3}, []float32{1, 2}); err == nil {
		t.Fatal("expected error for element count mismatch")
	}
	if _, err := NewTensorWithData([]int64{2}, []float64{1, 2}); err == nil {
		t.Fatal("expected error for unsupported element type")
	}
}

func TestTensorShape(t *testing.T) {
	shape := []int64{3, 4, 5}
	tensor, err := NewTensor(shape, DTypeFloat32)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}

	got := tensor.Shape()
	if len(got) != len(shape) {
		t.Fatalf("expected shape length %d, got %d", len(shape), len(got))
	}
	for i, v := range shape {
		if got[i] != v {
			t.Errorf("shape[%d] = %d, expected %d", i, got[i], v)
		}
	}

	// Shape returns a copy.
	got[0] = 100
	if tensor.Dim(0) != 3 {
		t.Errorf("Shape() leaked internal storage")
	}
}

func TestScalarTensor(t *testing.T) {
	tensor, err := NewTensor([]int64{}, DTypeFloat32)
	if err != nil {
		t.Fatalf("Error creating scalar tensor: %v", err)
	}

	if tensor.Rank() != 0 {
		t.Errorf("Expected rank 0, got %d", tensor.Rank())
	}
	if tensor.SizeBytes() != 4 {
		t.Errorf("Expected 4 bytes for float32 scalar, got %d", tensor.SizeBytes())
	}
}

func TestDTypeConstants(t *testing.T) {
	tests := []struct {
		dtype DType
		name  string
		size  int
	}{
		{DTypeFloat32, "float32", 4},
		{DTypeInt32, "int32", 4},
		{DTypeBool, "bool", 1},
	}

	for _, tt := range tests {
		tensor, err := NewTensor([]int64{1}, tt.dtype)
		if err != nil {
			t.Fatalf("NewTensor(%s) failed: %v", tt.name, err)
		}
		if tensor.DType() != tt.dtype {
			t.Errorf("expected dtype %s, got %s", tt.name, tensor.DType())
		}
		if tensor.SizeBytes() != tt.size {
			t.Errorf("%s: expected %d bytes, got %d", tt.name, tt.size, tensor.SizeBytes())
		}
		if tt.dtype.String() != tt.name {
			t.Errorf("String() = %q, expected %q", tt.dtype.String(), tt.name)
		}
	}
}

func TestReshapeSharesStorage(t *testing.T) {
	tensor := MustFloat32([]int64{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	flat, err := tensor.Reshape([]int64{6})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	flat.Float32s()[0] = 42
	if tensor.Float32s()[0] != 42 {
		t.Error("expected reshaped tensor to share storage")
	}
	if _, err := tensor.Reshape([]int64{4}); err == nil {
		t.Error("expected error reshaping 6 elements to [4]")
	}
}

func TestStrides(t *testing.T) {
	got := Strides([]int64{2, 3, 4})
	want := []int64{12, 4, 1}
	if !EqualShapes(got, want) {
		t.Errorf("Strides = %v, expected %v", got, want)
	}
}
