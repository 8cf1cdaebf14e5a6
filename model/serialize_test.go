package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func buildReluModel(t *testing.T) *Model {
	t.Helper()

	// Build a simple program
	b := NewBuilder("main")
	x := b.Input("x", Float32, 2, 3)
	y := b.Relu(x)
	b.Output("y", y)
	program := b.Build()

	inputs, outputs := b.FeatureSpecs()
	return ToModel(program, inputs, outputs, DefaultOptions())
}

func TestToModel(t *testing.T) {
	model := buildReluModel(t)

	// Verify model structure
	if model.SpecificationVersion != SpecVersion {
		t.Errorf("expected spec version %d, got %d", SpecVersion, model.SpecificationVersion)
	}

	if model.Description == nil {
		t.Fatal("expected model description")
	}

	if len(model.Description.Input) != 1 || model.Description.Input[0].Name != "x" {
		t.Errorf("expected input x, got %+v", model.Description.Input)
	}

	if len(model.Description.Output) != 1 || model.Description.Output[0].Name != "y" {
		t.Errorf("expected output y, got %+v", model.Description.Output)
	}

	if model.GetProgram() == nil {
		t.Fatal("expected program to be set")
	}
}

func TestMarshalModelRoundTrip(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input("x", Float32, 1, 2, 4, 4)
	w := b.Const("w", Float32, []int64{2, 1, 3, 3}, []float32{
		-1, -0.5, 0.25, 1, 2, 3, 4, 5, 6,
		0.125, 0, -0, 7, 8, 9, 10, 11, 12,
	})
	y := b.Conv(x, w, []int64{1, 1}, nil, ConvPadSame, nil, nil, 2)
	b.Output("y", b.Clip(y, 0, 6))
	program := b.Build()
	inputs, outputs := b.FeatureSpecs()

	model := ToModel(program, inputs, outputs, DefaultOptions())
	data, err := MarshalModel(model)
	if err != nil {
		t.Fatalf("MarshalModel failed: %v", err)
	}

	decoded, err := UnmarshalModel(data)
	if err != nil {
		t.Fatalf("UnmarshalModel failed: %v", err)
	}

	// Re-encoding is byte-identical.
	again, err := MarshalModel(decoded)
	if err != nil {
		t.Fatalf("MarshalModel failed: %v", err)
	}
	if string(again) != string(data) {
		t.Error("re-encoded model differs from the original encoding")
	}

	_, block, ok := decoded.Program.MainBlock("main")
	if !ok {
		t.Fatal("decoded program has no main block")
	}
	conv := block.Operations[0]
	if conv.Type != "conv" || conv.Attributes["pad_type"] != "same" {
		t.Fatalf("unexpected first op %s %v", conv.Type, conv.Attributes)
	}
	gotW := conv.Inputs["weight"].GetValue()
	if gotW == nil {
		t.Fatal("expected inline weight")
	}
	checkShape(t, gotW.Shape(), []int64{2, 1, 3, 3})
	if gotW.Float32s()[2] != 0.25 || gotW.Float32s()[17] != 12 {
		t.Errorf("weights not preserved: %v", gotW.Float32s())
	}
	if got := conv.Inputs["groups"].GetValue().Int32s(); len(got) != 1 || got[0] != 2 {
		t.Errorf("expected groups [2], got %v", got)
	}
	if decoded.Description.Author != DefaultOptions().Author {
		t.Errorf("expected author %q, got %q", DefaultOptions().Author, decoded.Description.Author)
	}
	checkShape(t, decoded.Description.Input[0].Shape, []int64{1, 2, 4, 4})
}

func TestUnmarshalModelRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalModel([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected garbage to be rejected")
	}
	if _, err := UnmarshalModel(nil); err == nil {
		t.Error("expected empty data to be rejected")
	}
}

func TestSaveModelPackage(t *testing.T) {
	model := buildReluModel(t)

	// Save to temp directory
	tmpDir := t.TempDir()
	packagePath := filepath.Join(tmpDir, "test.kpkg")

	if err := SaveModelPackage(model, packagePath); err != nil {
		t.Fatalf("SaveModelPackage failed: %v", err)
	}

	// Verify directory structure
	manifestPath := filepath.Join(packagePath, "Manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("Manifest.json not found: %v", err)
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		t.Fatalf("invalid manifest: %v", err)
	}
	if _, err := uuid.Parse(man.RootModelIdentifier); err != nil {
		t.Errorf("root model identifier is not a uuid: %v", err)
	}

	modelPath := filepath.Join(packagePath, "Data", "com.convcheck", "model.kmodel")
	if _, err := os.Stat(modelPath); err != nil {
		t.Errorf("model.kmodel not found: %v", err)
	}

	loaded, err := LoadModelPackage(packagePath)
	if err != nil {
		t.Fatalf("LoadModelPackage failed: %v", err)
	}
	_, block, ok := loaded.Program.MainBlock("main")
	if !ok {
		t.Fatal("loaded program has no main block")
	}
	if block.Operations[0].Type != "relu" {
		t.Errorf("expected relu, got %s", block.Operations[0].Type)
	}

	// Saving again replaces the package with a fresh identifier.
	if err := SaveModelPackage(model, packagePath); err != nil {
		t.Fatalf("second SaveModelPackage failed: %v", err)
	}
	data, _ = os.ReadFile(manifestPath)
	var man2 manifest
	if err := json.Unmarshal(data, &man2); err != nil {
		t.Fatalf("invalid manifest: %v", err)
	}
	if man2.RootModelIdentifier == man.RootModelIdentifier {
		t.Error("expected a new root model identifier")
	}
	if len(man2.ItemInfoEntries) != 1 {
		t.Errorf("expected 1 manifest entry, got %d", len(man2.ItemInfoEntries))
	}
}

func TestLoadModelPackageMissing(t *testing.T) {
	if _, err := LoadModelPackage(filepath.Join(t.TempDir(), "missing.kpkg")); err == nil {
		t.Error("expected missing package to be rejected")
	}
}
