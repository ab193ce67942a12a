package onnx

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a model from the protobuf wire format. Unknown fields
// (training info, functions, sparse initializers) are skipped.
func Unmarshal(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		var err error
		switch num {
		case 1:
			m.IrVersion, err = f.int64()
		case 2:
			m.ProducerName, err = f.string()
		case 3:
			m.ProducerVersion, err = f.string()
		case 4:
			m.Domain, err = f.string()
		case 5:
			m.ModelVersion, err = f.int64()
		case 6:
			m.DocString, err = f.string()
		case 7:
			m.Graph, err = decodeGraph(f.raw)
		case 8:
			var op *OperatorSetIdProto
			op, err = decodeOpset(f.raw)
			m.OpsetImport = append(m.OpsetImport, op)
		case 14:
			var e *StringStringEntryProto
			e, err = decodeEntry(f.raw)
			m.MetadataProps = append(m.MetadataProps, e)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ModelProto: %w", err)
	}
	return m, nil
}

func decodeOpset(b []byte) (*OperatorSetIdProto, error) {
	op := &OperatorSetIdProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		var err error
		switch num {
		case 1:
			op.Domain, err = f.string()
		case 2:
			op.Version, err = f.int64()
		}
		return err
	})
	return op, err
}

func decodeEntry(b []byte) (*StringStringEntryProto, error) {
	e := &StringStringEntryProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		var err error
		switch num {
		case 1:
			e.Key, err = f.string()
		case 2:
			e.Value, err = f.string()
		}
		return err
	})
	return e, err
}

func decodeGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			n, err := decodeNode(f.raw)
			if err != nil {
				return fmt.Errorf("node %d: %w", len(g.Node), err)
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(f.raw)
		case 5:
			t, err := decodeTensor(f.raw)
			if err != nil {
				return fmt.Errorf("initializer %d: %w", len(g.Initializer), err)
			}
			g.Initializer = append(g.Initializer, t)
		case 10:
			g.DocString = string(f.raw)
		case 11, 12, 13:
			v, err := decodeValueInfo(f.raw)
			if err != nil {
				return err
			}
			switch num {
			case 11:
				g.Input = append(g.Input, v)
			case 12:
				g.Output = append(g.Output, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		}
		return nil
	})
	return g, err
}

func decodeNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			n.Input = append(n.Input, string(f.raw))
		case 2:
			n.Output = append(n.Output, string(f.raw))
		case 3:
			n.Name = string(f.raw)
		case 4:
			n.OpType = string(f.raw)
		case 5:
			a, err := decodeAttribute(f.raw)
			if err != nil {
				return err
			}
			n.Attribute = append(n.Attribute, a)
		case 6:
			n.DocString = string(f.raw)
		case 7:
			n.Domain = string(f.raw)
		}
		return nil
	})
	return n, err
}

func decodeAttribute(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		var err error
		switch num {
		case 1:
			a.Name = string(f.raw)
		case 2:
			a.F, err = f.float32()
		case 3:
			a.I, err = f.int64()
		case 4:
			a.S = append([]byte(nil), f.raw...)
		case 5:
			a.T, err = decodeTensor(f.raw)
		case 7:
			a.Floats, err = f.appendFloat32s(a.Floats)
		case 8:
			a.Ints, err = f.appendInt64s(a.Ints)
		case 9:
			a.Strings = append(a.Strings, append([]byte(nil), f.raw...))
		case 13:
			a.DocString = string(f.raw)
		case 20:
			var v int64
			v, err = f.int64()
			a.Type = AttributeProto_AttributeType(v)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", a.Name, err)
	}
	return a, nil
}

func decodeTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		var err error
		switch num {
		case 1:
			t.Dims, err = f.appendInt64s(t.Dims)
		case 2:
			var v int64
			v, err = f.int64()
			t.DataType = int32(v)
		case 4:
			t.FloatData, err = f.appendFloat32s(t.FloatData)
		case 5:
			var vs []int64
			vs, err = f.appendInt64s(nil)
			for _, v := range vs {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
		case 7:
			t.Int64Data, err = f.appendInt64s(t.Int64Data)
		case 8:
			t.Name = string(f.raw)
		case 9:
			t.RawData = append([]byte(nil), f.raw...)
		case 10:
			t.DoubleData, err = f.appendFloat64s(t.DoubleData)
		case 12:
			t.DocString = string(f.raw)
		case 13:
			var e *StringStringEntryProto
			e, err = decodeEntry(f.raw)
			t.ExternalData = append(t.ExternalData, e)
		case 14:
			var v int64
			v, err = f.int64()
			t.DataLocation = int32(v)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	return t, nil
}

func decodeValueInfo(b []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			v.Name = string(f.raw)
		case 2:
			tp, err := decodeType(f.raw)
			if err != nil {
				return err
			}
			v.Type = tp
		case 3:
			v.DocString = string(f.raw)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("value info %q: %w", v.Name, err)
	}
	return v, nil
}

func decodeType(b []byte) (*TypeProto, error) {
	tp := &TypeProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		tt := &TypeProto_Tensor{}
		err := walk(f.raw, func(num protowire.Number, f field) error {
			switch num {
			case 1:
				v, err := f.int64()
				tt.ElemType = int32(v)
				return err
			case 2:
				shape, err := decodeShape(f.raw)
				tt.Shape = shape
				return err
			}
			return nil
		})
		tp.TensorType = tt
		return err
	})
	return tp, err
}

func decodeShape(b []byte) (*TensorShapeProto, error) {
	s := &TensorShapeProto{}
	err := walk(b, func(num protowire.Number, f field) error {
		if num != 1 {
			return nil
		}
		d := &TensorShapeProto_Dimension{DimValue: -1}
		err := walk(f.raw, func(num protowire.Number, f field) error {
			var err error
			switch num {
			case 1:
				d.DimValue, err = f.int64()
			case 2:
				d.DimParam = string(f.raw)
			}
			return err
		})
		s.Dim = append(s.Dim, d)
		return err
	})
	return s, err
}

// field is one decoded wire field. For varint and fixed types value holds the
// scalar; for length-delimited fields raw holds the payload.
type field struct {
	typ   protowire.Type
	value uint64
	raw   []byte
}

func (f field) int64() (int64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("expected varint, got wire type %d", f.typ)
	}
	return int64(f.value), nil
}

func (f field) string() (string, error) {
	if f.typ != protowire.BytesType {
		return "", fmt.Errorf("expected bytes, got wire type %d", f.typ)
	}
	return string(f.raw), nil
}

func (f field) float32() (float32, error) {
	if f.typ != protowire.Fixed32Type {
		return 0, fmt.Errorf("expected fixed32, got wire type %d", f.typ)
	}
	return math.Float32frombits(uint32(f.value)), nil
}

// appendInt64s accepts both packed and unpacked encodings.
func (f field) appendInt64s(dst []int64) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, int64(f.value)), nil
	case protowire.BytesType:
		b := f.raw
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dst = append(dst, int64(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, fmt.Errorf("unexpected wire type %d for repeated int64", f.typ)
}

func (f field) appendFloat32s(dst []float32) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.value))), nil
	case protowire.BytesType:
		b := f.raw
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dst = append(dst, math.Float32frombits(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, fmt.Errorf("unexpected wire type %d for repeated float", f.typ)
}

func (f field) appendFloat64s(dst []float64) ([]float64, error) {
	switch f.typ {
	case protowire.Fixed64Type:
		return append(dst, math.Float64frombits(f.value)), nil
	case protowire.BytesType:
		b := f.raw
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dst = append(dst, math.Float64frombits(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, fmt.Errorf("unexpected wire type %d for repeated double", f.typ)
}

// walk iterates the fields of one message and hands each to fn.
func walk(b []byte, fn func(protowire.Number, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.value = uint64(v)
		case protowire.Fixed64Type:
			f.value, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.StartGroupType {
			continue
		}
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}
