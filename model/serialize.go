package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SpecVersion is the model format version written by ToModel.
const SpecVersion = 1

// Package layout constants.
const (
	manifestFile   = "Manifest.json"
	dataDir        = "Data"
	modelNamespace = "com.convcheck"
	modelFileName  = "model.kmodel"
)

// FeatureSpec describes a model input or output.
type FeatureSpec struct {
	Name        string
	Description string
	DType       DType
	Shape       []int64
}

// ModelDescription holds the model interface and metadata.
type ModelDescription struct {
	Input            []FeatureSpec
	Output           []FeatureSpec
	Author           string
	ShortDescription string
}

// Model is a Program plus its interface description.
type Model struct {
	SpecificationVersion int64
	Description          *ModelDescription
	Program              *Program
}

// GetProgram returns the program, nil if unset.
func (m *Model) GetProgram() *Program {
	if m == nil {
		return nil
	}
	return m.Program
}

// Options configures model metadata.
type Options struct {
	Author           string
	ShortDescription string
}

// DefaultOptions returns default model options.
func DefaultOptions() Options {
	return Options{
		Author:           "go-convcheck",
		ShortDescription: "converted model",
	}
}

// ToModel wraps program with its input and output descriptions.
func ToModel(program *Program, inputs, outputs []FeatureSpec, opts Options) *Model {
	return &Model{
		SpecificationVersion: SpecVersion,
		Description: &ModelDescription{
			Input:            inputs,
			Output:           outputs,
			Author:           opts.Author,
			ShortDescription: opts.ShortDescription,
		},
		Program: program,
	}
}

// FeatureSpecs describes the inputs and outputs declared on b.
func (b *Builder) FeatureSpecs() (inputs, outputs []FeatureSpec) {
	for _, in := range b.inputs {
		inputs = append(inputs, FeatureSpec{Name: in.Name, DType: in.Type.DataType, Shape: append([]int64{}, in.Type.Shape...)})
	}
	for _, out := range b.OutputValues() {
		outputs = append(outputs, FeatureSpec{Name: out.name, DType: out.dtype, Shape: out.Shape()})
	}
	return inputs, outputs
}

// MarshalModel encodes m in the model.kmodel wire format.
func MarshalModel(m *Model) ([]byte, error) {
	if m == nil || m.Program == nil {
		return nil, errors.New("model has no program")
	}
	return encodeModel(m), nil
}

// UnmarshalModel decodes data written by MarshalModel.
func UnmarshalModel(data []byte) (*Model, error) {
	m, err := decodeModel(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode model")
	}
	if m.SpecificationVersion != SpecVersion {
		return nil, errors.Errorf("unsupported model version %d, want %d", m.SpecificationVersion, SpecVersion)
	}
	if m.Program == nil {
		return nil, errors.New("model has no program")
	}
	return m, nil
}

// manifest is the Manifest.json document of a model package.
type manifest struct {
	FileFormatVersion   string                  `json:"fileFormatVersion"`
	ItemInfoEntries     map[string]manifestItem `json:"itemInfoEntries"`
	RootModelIdentifier string                  `json:"rootModelIdentifier"`
}

type manifestItem struct {
	Author      string `json:"author"`
	Description string `json:"description"`
	Name        string `json:"name"`
	Path        string `json:"path"`
}

// SaveModelPackage writes m as a package directory:
//
//	path/
//	  Manifest.json
//	  Data/com.convcheck/model.kmodel
//
// An existing package at path is replaced.
func SaveModelPackage(m *Model, path string) error {
	data, err := MarshalModel(m)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to clear %s", path)
	}
	modelDir := filepath.Join(path, dataDir, modelNamespace)
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", modelDir)
	}
	if err := os.WriteFile(filepath.Join(modelDir, modelFileName), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write model")
	}

	id := uuid.New().String()
	author := ""
	if m.Description != nil {
		author = m.Description.Author
	}
	man := manifest{
		FileFormatVersion: "1.0.0",
		ItemInfoEntries: map[string]manifestItem{
			id: {
				Author:      author,
				Description: "Model Specification",
				Name:        modelFileName,
				Path:        modelNamespace + "/" + modelFileName,
			},
		},
		RootModelIdentifier: id,
	}
	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest")
	}
	if err := os.WriteFile(filepath.Join(path, manifestFile), manData, 0o644); err != nil {
		return errors.Wrap(err, "failed to write manifest")
	}
	return nil
}

// LoadModelPackage reads a package written by SaveModelPackage.
func LoadModelPackage(path string) (*Model, error) {
	manData, err := os.ReadFile(filepath.Join(path, manifestFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest of %s", path)
	}
	var man manifest
	if err := json.Unmarshal(manData, &man); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest of %s", path)
	}
	if _, err := uuid.Parse(man.RootModelIdentifier); err != nil {
		return nil, errors.Wrapf(err, "invalid root model identifier %q", man.RootModelIdentifier)
	}
	item, ok := man.ItemInfoEntries[man.RootModelIdentifier]
	if !ok {
		return nil, errors.Errorf("manifest of %s has no entry for root model %s", path, man.RootModelIdentifier)
	}
	modelPath := filepath.Join(path, dataDir, filepath.FromSlash(item.Path))
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read model")
	}
	m, err := UnmarshalModel(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", modelPath)
	}
	return m, nil
}
