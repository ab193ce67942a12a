package onnx

import (
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalUnmarshal(t *testing.T) {
	m := &ModelProto{
		IrVersion:    7,
		ProducerName: "test",
		OpsetImport:  []*OperatorSetIdProto{{Version: 12}},
		Graph: &GraphProto{
			Name: "g",
			Node: []*NodeProto{{
				Input:  []string{"x", "", "scales"},
				Output: []string{"y"},
				OpType: "Resize",
				Attribute: []*AttributeProto{
					{Name: "mode", Type: AttributeProto_STRING, S: []byte("nearest")},
					{Name: "alpha", Type: AttributeProto_FLOAT, F: 0.1},
					{Name: "pads", Type: AttributeProto_INTS, Ints: []int64{1, -1}},
				},
			}},
			Initializer: []*TensorProto{{
				Name: "scales", Dims: []int64{4}, DataType: int32(TensorProto_FLOAT),
				FloatData: []float32{1, 1, 2, 2},
			}},
			Input: []*ValueInfoProto{{
				Name: "x",
				Type: &TypeProto{TensorType: &TypeProto_Tensor{
					ElemType: int32(TensorProto_FLOAT),
					Shape: &TensorShapeProto{Dim: []*TensorShapeProto_Dimension{
						{DimValue: -1, DimParam: "batch_size"},
						{DimValue: 3},
						{DimValue: -1},
					}},
				}},
			}},
		},
	}

	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	n := got.Graph.Node[0]
	if len(n.Input) != 3 || n.Input[1] != "" {
		t.Errorf("empty optional input lost: %q", n.Input)
	}
	if string(n.Attribute[0].S) != "nearest" || n.Attribute[1].F != 0.1 || n.Attribute[2].Ints[1] != -1 {
		t.Errorf("attributes not preserved: %+v", n.Attribute)
	}
	if got.Graph.Initializer[0].FloatData[3] != 2 {
		t.Errorf("float data not preserved: %v", got.Graph.Initializer[0].FloatData)
	}
	dims := got.Graph.Input[0].GetType().GetTensorType().GetShape().GetDim()
	if dims[0].DimParam != "batch_size" || dims[1].DimValue != 3 || dims[2].DimValue != -1 {
		t.Errorf("dims not preserved: %+v %+v %+v", dims[0], dims[1], dims[2])
	}
	if got.OpsetImport[0].Version != 12 {
		t.Errorf("opset = %d", got.OpsetImport[0].Version)
	}
}

func TestUnmarshalAcceptsUnpackedFloats(t *testing.T) {
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 2, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, uint64(TensorProto_FLOAT))
	for _, f := range []float32{3, 4} {
		tensor = protowire.AppendTag(tensor, 4, protowire.Fixed32Type)
		tensor = protowire.AppendFixed32(tensor, math.Float32bits(f))
	}
	var graph []byte
	graph = protowire.AppendTag(graph, 5, protowire.BytesType)
	graph = protowire.AppendBytes(graph, tensor)
	var model []byte
	model = protowire.AppendTag(model, 7, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	m, err := Unmarshal(model)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Graph.Initializer[0].FloatData; len(got) != 2 || got[1] != 4 {
		t.Errorf("FloatData = %v", got)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	b := Marshal(&ModelProto{IrVersion: 7, Graph: &GraphProto{Name: "truncated"}})
	if _, err := Unmarshal(b[:len(b)-3]); err == nil {
		t.Error("expected error for truncated input")
	}
}
