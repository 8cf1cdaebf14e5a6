package model

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/go-convcheck/internal/tensor"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the model.kmodel wire format. Maps are encoded as
// repeated {1: key, 2: value} entries sorted by key, so encoding is
// deterministic.
const (
	fieldModelSpecVersion protowire.Number = 1
	fieldModelDescription protowire.Number = 2
	fieldModelProgram     protowire.Number = 3

	fieldDescInput            protowire.Number = 1
	fieldDescOutput           protowire.Number = 2
	fieldDescAuthor           protowire.Number = 3
	fieldDescShortDescription protowire.Number = 4

	fieldFeatureName        protowire.Number = 1
	fieldFeatureDescription protowire.Number = 2
	fieldFeatureDType       protowire.Number = 3
	fieldFeatureShape       protowire.Number = 4

	fieldProgramVersion   protowire.Number = 1
	fieldProgramFunctions protowire.Number = 2

	fieldFunctionInputs protowire.Number = 1
	fieldFunctionOpset  protowire.Number = 2
	fieldFunctionBlocks protowire.Number = 3

	fieldBlockOperations protowire.Number = 1
	fieldBlockOutputs    protowire.Number = 2

	fieldOpType       protowire.Number = 1
	fieldOpInputs     protowire.Number = 2
	fieldOpOutputs    protowire.Number = 3
	fieldOpAttributes protowire.Number = 4

	fieldArgName  protowire.Number = 1
	fieldArgValue protowire.Number = 2

	fieldNamedValueName protowire.Number = 1
	fieldNamedValueType protowire.Number = 2

	fieldTypeDType protowire.Number = 1
	fieldTypeShape protowire.Number = 2

	fieldTensorDType  protowire.Number = 1
	fieldTensorShape  protowire.Number = 2
	fieldTensorFloats protowire.Number = 3
	fieldTensorInts   protowire.Number = 4
	fieldTensorBools  protowire.Number = 5

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// Encoding

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendPackedInt64s(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func encodeModel(m *Model) []byte {
	var b []byte
	b = appendVarint(b, fieldModelSpecVersion, m.SpecificationVersion)
	if m.Description != nil {
		b = appendMessage(b, fieldModelDescription, encodeDescription(m.Description))
	}
	if m.Program != nil {
		b = appendMessage(b, fieldModelProgram, encodeProgram(m.Program))
	}
	return b
}

func encodeDescription(d *ModelDescription) []byte {
	var b []byte
	for i := range d.Input {
		b = appendMessage(b, fieldDescInput, encodeFeature(&d.Input[i]))
	}
	for i := range d.Output {
		b = appendMessage(b, fieldDescOutput, encodeFeature(&d.Output[i]))
	}
	b = appendString(b, fieldDescAuthor, d.Author)
	b = appendString(b, fieldDescShortDescription, d.ShortDescription)
	return b
}

func encodeFeature(f *FeatureSpec) []byte {
	var b []byte
	b = appendString(b, fieldFeatureName, f.Name)
	b = appendString(b, fieldFeatureDescription, f.Description)
	b = appendVarint(b, fieldFeatureDType, int64(f.DType))
	b = appendPackedInt64s(b, fieldFeatureShape, f.Shape)
	return b
}

func encodeProgram(p *Program) []byte {
	var b []byte
	b = appendVarint(b, fieldProgramVersion, p.Version)
	for _, name := range slices.Sorted(maps.Keys(p.Functions)) {
		var entry []byte
		entry = appendString(entry, fieldEntryKey, name)
		entry = appendMessage(entry, fieldEntryValue, encodeFunction(p.Functions[name]))
		b = appendMessage(b, fieldProgramFunctions, entry)
	}
	return b
}

func encodeFunction(fn *Function) []byte {
	var b []byte
	for _, in := range fn.Inputs {
		b = appendMessage(b, fieldFunctionInputs, encodeNamedValueType(in))
	}
	b = appendString(b, fieldFunctionOpset, fn.Opset)
	for _, opset := range slices.Sorted(maps.Keys(fn.BlockSpecializations)) {
		var entry []byte
		entry = appendString(entry, fieldEntryKey, opset)
		entry = appendMessage(entry, fieldEntryValue, encodeBlock(fn.BlockSpecializations[opset]))
		b = appendMessage(b, fieldFunctionBlocks, entry)
	}
	return b
}

func encodeBlock(block *Block) []byte {
	var b []byte
	for _, op := range block.Operations {
		b = appendMessage(b, fieldBlockOperations, encodeOperation(op))
	}
	for _, out := range block.Outputs {
		b = protowire.AppendTag(b, fieldBlockOutputs, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	return b
}

func encodeOperation(op *Operation) []byte {
	var b []byte
	b = appendString(b, fieldOpType, op.Type)
	for _, param := range slices.Sorted(maps.Keys(op.Inputs)) {
		var entry []byte
		entry = appendString(entry, fieldEntryKey, param)
		entry = appendMessage(entry, fieldEntryValue, encodeArgument(op.Inputs[param]))
		b = appendMessage(b, fieldOpInputs, entry)
	}
	for _, out := range op.Outputs {
		b = appendMessage(b, fieldOpOutputs, encodeNamedValueType(out))
	}
	for _, key := range slices.Sorted(maps.Keys(op.Attributes)) {
		var entry []byte
		entry = appendString(entry, fieldEntryKey, key)
		entry = appendString(entry, fieldEntryValue, op.Attributes[key])
		b = appendMessage(b, fieldOpAttributes, entry)
	}
	return b
}

func encodeArgument(arg *Argument) []byte {
	var b []byte
	b = appendString(b, fieldArgName, arg.Name)
	if arg.Value != nil {
		b = appendMessage(b, fieldArgValue, encodeTensor(arg.Value))
	}
	return b
}

func encodeNamedValueType(v *NamedValueType) []byte {
	var b []byte
	b = appendString(b, fieldNamedValueName, v.Name)
	if v.Type != nil {
		b = appendMessage(b, fieldNamedValueType, encodeTensorType(v.Type))
	}
	return b
}

func encodeTensorType(t *TensorType) []byte {
	var b []byte
	b = appendVarint(b, fieldTypeDType, int64(t.DataType))
	b = appendPackedInt64s(b, fieldTypeShape, t.Shape)
	return b
}

func encodeTensor(t *tensor.Tensor) []byte {
	var b []byte
	b = appendVarint(b, fieldTensorDType, int64(t.DType()))
	b = appendPackedInt64s(b, fieldTensorShape, t.Shape())
	switch t.DType() {
	case Float32:
		if fs := t.Float32s(); len(fs) > 0 {
			packed := make([]byte, 0, 4*len(fs))
			for _, f := range fs {
				packed = protowire.AppendFixed32(packed, math.Float32bits(f))
			}
			b = appendMessage(b, fieldTensorFloats, packed)
		}
	case Int32:
		if is := t.Int32s(); len(is) > 0 {
			var packed []byte
			for _, v := range is {
				packed = protowire.AppendVarint(packed, uint64(int64(v)))
			}
			b = appendMessage(b, fieldTensorInts, packed)
		}
	case Bool:
		if bs := t.Bools(); len(bs) > 0 {
			var packed []byte
			for _, v := range bs {
				packed = protowire.AppendVarint(packed, protowire.EncodeBool(v))
			}
			b = appendMessage(b, fieldTensorBools, packed)
		}
	}
	return b
}

// Decoding

// consumeFields walks the fields of a message, handing each to fn. fn
// returns the number of bytes it consumed.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("field %d: want length-delimited, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("field %d: want varint, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int64(v), n, nil
}

// consumeInt64s reads a packed or a single unpacked varint field.
func consumeInt64s(num protowire.Number, typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(num, typ, b)
		*dst = append(*dst, v)
		return n, err
	}
	packed, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, int64(v))
		packed = packed[m:]
	}
	return n, nil
}

// consumeEntry decodes a {1: key, 2: value} map entry.
func consumeEntry(b []byte) (key string, value []byte, err error) {
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEntryKey:
			v, n, err := consumeBytes(num, typ, b)
			key = string(v)
			return n, err
		case fieldEntryValue:
			v, n, err := consumeBytes(num, typ, b)
			value = v
			return n, err
		}
		return skipField(num, typ, b)
	})
	return key, value, err
}

func decodeModel(b []byte) (*Model, error) {
	m := &Model{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldModelSpecVersion:
			v, n, err := consumeVarint(num, typ, b)
			m.SpecificationVersion = v
			return n, err
		case fieldModelDescription:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Description, err = decodeDescription(v)
			return n, errors.Wrap(err, "description")
		case fieldModelProgram:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Program, err = decodeProgram(v)
			return n, errors.Wrap(err, "program")
		}
		return skipField(num, typ, b)
	})
	return m, err
}

func decodeDescription(b []byte) (*ModelDescription, error) {
	d := &ModelDescription{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldDescInput, fieldDescOutput:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			f, err := decodeFeature(v)
			if err != nil {
				return 0, err
			}
			if num == fieldDescInput {
				d.Input = append(d.Input, f)
			} else {
				d.Output = append(d.Output, f)
			}
			return n, nil
		case fieldDescAuthor:
			v, n, err := consumeBytes(num, typ, b)
			d.Author = string(v)
			return n, err
		case fieldDescShortDescription:
			v, n, err := consumeBytes(num, typ, b)
			d.ShortDescription = string(v)
			return n, err
		}
		return skipField(num, typ, b)
	})
	return d, err
}

func decodeFeature(b []byte) (FeatureSpec, error) {
	var f FeatureSpec
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldFeatureName:
			v, n, err := consumeBytes(num, typ, b)
			f.Name = string(v)
			return n, err
		case fieldFeatureDescription:
			v, n, err := consumeBytes(num, typ, b)
			f.Description = string(v)
			return n, err
		case fieldFeatureDType:
			v, n, err := consumeVarint(num, typ, b)
			f.DType = DType(v)
			return n, err
		case fieldFeatureShape:
			return consumeInt64s(num, typ, b, &f.Shape)
		}
		return skipField(num, typ, b)
	})
	return f, err
}

func decodeProgram(b []byte) (*Program, error) {
	p := &Program{Functions: make(map[string]*Function)}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldProgramVersion:
			v, n, err := consumeVarint(num, typ, b)
			p.Version = v
			return n, err
		case fieldProgramFunctions:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			name, value, err := consumeEntry(v)
			if err != nil {
				return 0, err
			}
			fn, err := decodeFunction(value)
			if err != nil {
				return 0, errors.Wrapf(err, "function %q", name)
			}
			p.Functions[name] = fn
			return n, nil
		}
		return skipField(num, typ, b)
	})
	return p, err
}

func decodeFunction(b []byte) (*Function, error) {
	fn := &Function{BlockSpecializations: make(map[string]*Block)}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldFunctionInputs:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			in, err := decodeNamedValueType(v)
			fn.Inputs = append(fn.Inputs, in)
			return n, err
		case fieldFunctionOpset:
			v, n, err := consumeBytes(num, typ, b)
			fn.Opset = string(v)
			return n, err
		case fieldFunctionBlocks:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			opset, value, err := consumeEntry(v)
			if err != nil {
				return 0, err
			}
			block, err := decodeBlock(value)
			if err != nil {
				return 0, errors.Wrapf(err, "block %q", opset)
			}
			fn.BlockSpecializations[opset] = block
			return n, nil
		}
		return skipField(num, typ, b)
	})
	return fn, err
}

func decodeBlock(b []byte) (*Block, error) {
	block := &Block{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldBlockOperations:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			op, err := decodeOperation(v)
			if err != nil {
				return 0, errors.Wrapf(err, "operation %d", len(block.Operations))
			}
			block.Operations = append(block.Operations, op)
			return n, nil
		case fieldBlockOutputs:
			v, n, err := consumeBytes(num, typ, b)
			block.Outputs = append(block.Outputs, string(v))
			return n, err
		}
		return skipField(num, typ, b)
	})
	return block, err
}

func decodeOperation(b []byte) (*Operation, error) {
	op := &Operation{Inputs: make(map[string]*Argument)}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldOpType:
			v, n, err := consumeBytes(num, typ, b)
			op.Type = string(v)
			return n, err
		case fieldOpInputs:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			param, value, err := consumeEntry(v)
			if err != nil {
				return 0, err
			}
			arg, err := decodeArgument(value)
			if err != nil {
				return 0, errors.Wrapf(err, "input %q", param)
			}
			op.Inputs[param] = arg
			return n, nil
		case fieldOpOutputs:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			out, err := decodeNamedValueType(v)
			op.Outputs = append(op.Outputs, out)
			return n, err
		case fieldOpAttributes:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			key, value, err := consumeEntry(v)
			if op.Attributes == nil {
				op.Attributes = make(map[string]string)
			}
			op.Attributes[key] = string(value)
			return n, err
		}
		return skipField(num, typ, b)
	})
	return op, err
}

func decodeArgument(b []byte) (*Argument, error) {
	arg := &Argument{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldArgName:
			v, n, err := consumeBytes(num, typ, b)
			arg.Name = string(v)
			return n, err
		case fieldArgValue:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			arg.Value, err = decodeTensor(v)
			return n, err
		}
		return skipField(num, typ, b)
	})
	if err == nil && arg.Name == "" && arg.Value == nil {
		err = errors.New("argument has neither a name nor a value")
	}
	return arg, err
}

func decodeNamedValueType(b []byte) (*NamedValueType, error) {
	v := &NamedValueType{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldNamedValueName:
			s, n, err := consumeBytes(num, typ, b)
			v.Name = string(s)
			return n, err
		case fieldNamedValueType:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			v.Type, err = decodeTensorType(msg)
			return n, err
		}
		return skipField(num, typ, b)
	})
	if err == nil && v.Type == nil {
		v.Type = &TensorType{DataType: Float32}
	}
	return v, err
}

func decodeTensorType(b []byte) (*TensorType, error) {
	t := &TensorType{Shape: []int64{}}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTypeDType:
			v, n, err := consumeVarint(num, typ, b)
			t.DataType = DType(v)
			return n, err
		case fieldTypeShape:
			return consumeInt64s(num, typ, b, &t.Shape)
		}
		return skipField(num, typ, b)
	})
	return t, err
}

func decodeTensor(b []byte) (*tensor.Tensor, error) {
	var (
		dtype DType
		shape []int64
		f32   = []float32{}
		i32   = []int32{}
		bits  = []bool{}
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTensorDType:
			v, n, err := consumeVarint(num, typ, b)
			dtype = DType(v)
			return n, err
		case fieldTensorShape:
			return consumeInt64s(num, typ, b, &shape)
		case fieldTensorFloats:
			packed, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				f32 = append(f32, math.Float32frombits(v))
				packed = packed[m:]
			}
			return n, nil
		case fieldTensorInts, fieldTensorBools:
			var values []int64
			n, err := consumeInt64s(num, typ, b, &values)
			for _, v := range values {
				if num == fieldTensorInts {
					i32 = append(i32, int32(v))
				} else {
					bits = append(bits, protowire.DecodeBool(uint64(v)))
				}
			}
			return n, err
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		return tensor.NewTensorWithData(shape, f32)
	case Int32:
		return tensor.NewTensorWithData(shape, i32)
	case Bool:
		return tensor.NewTensorWithData(shape, bits)
	}
	return nil, errors.Errorf("unsupported tensor dtype %s", dtype)
}
