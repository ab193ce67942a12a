package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a model in the protobuf wire format.
func Marshal(m *ModelProto) []byte {
	return appendModel(nil, m)
}

func appendModel(b []byte, m *ModelProto) []byte {
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(m.ModelVersion))
	}
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, appendGraph(nil, m.Graph))
	}
	for _, op := range m.OpsetImport {
		sub := appendStringField(nil, 1, op.Domain)
		sub = appendVarintField(sub, 2, uint64(op.Version))
		b = appendMessage(b, 8, sub)
	}
	for _, e := range m.MetadataProps {
		b = appendMessage(b, 14, appendEntry(nil, e))
	}
	return b
}

func appendGraph(b []byte, g *GraphProto) []byte {
	for _, n := range g.Node {
		b = appendMessage(b, 1, appendNode(nil, n))
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, appendTensor(nil, t))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessage(b, 11, appendValueInfo(nil, v))
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, appendValueInfo(nil, v))
	}
	for _, v := range g.ValueInfo {
		b = appendMessage(b, 13, appendValueInfo(nil, v))
	}
	return b
}

func appendNode(b []byte, n *NodeProto) []byte {
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, appendAttribute(nil, a))
	}
	b = appendStringField(b, 6, n.DocString)
	b = appendStringField(b, 7, n.Domain)
	return b
}

func appendAttribute(b []byte, a *AttributeProto) []byte {
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProto_INT:
		b = appendVarintField(b, 3, uint64(a.I))
	case AttributeProto_STRING:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProto_TENSOR:
		if a.T != nil {
			b = appendMessage(b, 5, appendTensor(nil, a.T))
		}
	case AttributeProto_FLOATS:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeProto_INTS:
		for _, i := range a.Ints {
			b = appendVarintField(b, 8, uint64(i))
		}
	case AttributeProto_STRINGS:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	b = appendStringField(b, 13, a.DocString)
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func appendTensor(b []byte, t *TensorProto) []byte {
	for _, d := range t.Dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	if len(t.Int32Data) > 0 {
		var packed []byte
		for _, v := range t.Int32Data {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = appendMessage(b, 5, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, v := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = appendMessage(b, 7, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		packed := make([]byte, 0, 8*len(t.DoubleData))
		for _, f := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		b = appendMessage(b, 10, packed)
	}
	b = appendStringField(b, 12, t.DocString)
	for _, e := range t.ExternalData {
		b = appendMessage(b, 13, appendEntry(nil, e))
	}
	if t.DataLocation != 0 {
		b = appendVarintField(b, 14, uint64(t.DataLocation))
	}
	return b
}

func appendValueInfo(b []byte, v *ValueInfoProto) []byte {
	b = appendStringField(b, 1, v.Name)
	if tt := v.GetType().GetTensorType(); tt != nil {
		sub := appendVarintField(nil, 1, uint64(tt.ElemType))
		if tt.Shape != nil {
			var shape []byte
			for _, d := range tt.Shape.Dim {
				var dim []byte
				switch {
				case d.DimParam != "":
					dim = appendStringField(dim, 2, d.DimParam)
				case d.DimValue >= 0:
					dim = appendVarintField(dim, 1, uint64(d.DimValue))
				}
				shape = appendMessage(shape, 1, dim)
			}
			sub = appendMessage(sub, 2, shape)
		}
		b = appendMessage(b, 2, appendMessage(nil, 1, sub))
	}
	b = appendStringField(b, 3, v.DocString)
	return b
}

func appendEntry(b []byte, e *StringStringEntryProto) []byte {
	b = appendStringField(b, 1, e.Key)
	return appendStringField(b, 2, e.Value)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendStringField skips empty strings, matching proto2 optional semantics.
func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
