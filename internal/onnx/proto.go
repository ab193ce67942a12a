// Package onnx holds the subset of the ONNX protobuf schema used by yolonnx
// together with a wire codec built on protowire.
package onnx

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

// OperatorSetIdProto names an operator set and its version.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a key/value pair.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto is a computation graph.
type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// NodeProto is a single operator invocation.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

// AttributeProto is a named operator attribute.
type AttributeProto struct {
	Name      string
	Type      AttributeProto_AttributeType
	F         float32
	I         int64
	S         []byte
	T         *TensorProto
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	DocString string
}

// AttributeProto_AttributeType mirrors AttributeProto.AttributeType.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
)

// TensorProto is a serialized tensor.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	Int64Data    []int64
	DoubleData   []float64
	Name         string
	DocString    string
	RawData      []byte
	ExternalData []*StringStringEntryProto
	DataLocation int32
}

// TensorProto_DataType mirrors TensorProto.DataType.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED TensorProto_DataType = 0
	TensorProto_FLOAT     TensorProto_DataType = 1
	TensorProto_UINT8     TensorProto_DataType = 2
	TensorProto_INT8      TensorProto_DataType = 3
	TensorProto_UINT16    TensorProto_DataType = 4
	TensorProto_INT16     TensorProto_DataType = 5
	TensorProto_INT32     TensorProto_DataType = 6
	TensorProto_INT64     TensorProto_DataType = 7
	TensorProto_STRING    TensorProto_DataType = 8
	TensorProto_BOOL      TensorProto_DataType = 9
	TensorProto_FLOAT16   TensorProto_DataType = 10
	TensorProto_DOUBLE    TensorProto_DataType = 11
	TensorProto_UINT32    TensorProto_DataType = 12
	TensorProto_UINT64    TensorProto_DataType = 13
	TensorProto_BFLOAT16  TensorProto_DataType = 16
)

var TensorProto_DataType_name = map[int32]string{
	0:  "UNDEFINED",
	1:  "FLOAT",
	2:  "UINT8",
	3:  "INT8",
	4:  "UINT16",
	5:  "INT16",
	6:  "INT32",
	7:  "INT64",
	8:  "STRING",
	9:  "BOOL",
	10: "FLOAT16",
	11: "DOUBLE",
	12: "UINT32",
	13: "UINT64",
	16: "BFLOAT16",
}

func (x TensorProto_DataType) String() string {
	if s, ok := TensorProto_DataType_name[int32(x)]; ok {
		return s
	}
	return "UNKNOWN"
}

// TensorProto_EXTERNAL marks tensors whose bytes live in ExternalData.
const TensorProto_EXTERNAL int32 = 1

// ValueInfoProto describes a named value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto only carries the tensor variant.
type TypeProto struct {
	TensorType *TypeProto_Tensor
}

// TypeProto_Tensor is an element type plus shape.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto is an ordered list of dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is either a static value or a symbolic parameter.
type TensorShapeProto_Dimension struct {
	DimValue int64
	DimParam string
}

// Getters follow the generated-code convention so callers can chain through nil.

func (m *ModelProto) GetGraph() *GraphProto {
	if m == nil {
		return nil
	}
	return m.Graph
}

func (m *ModelProto) GetOpsetImport() []*OperatorSetIdProto {
	if m == nil {
		return nil
	}
	return m.OpsetImport
}

func (g *GraphProto) GetNode() []*NodeProto {
	if g == nil {
		return nil
	}
	return g.Node
}

func (g *GraphProto) GetInitializer() []*TensorProto {
	if g == nil {
		return nil
	}
	return g.Initializer
}

func (g *GraphProto) GetInput() []*ValueInfoProto {
	if g == nil {
		return nil
	}
	return g.Input
}

func (g *GraphProto) GetOutput() []*ValueInfoProto {
	if g == nil {
		return nil
	}
	return g.Output
}

func (n *NodeProto) GetAttribute() []*AttributeProto {
	if n == nil {
		return nil
	}
	return n.Attribute
}

func (v *ValueInfoProto) GetType() *TypeProto {
	if v == nil {
		return nil
	}
	return v.Type
}

func (t *TypeProto) GetTensorType() *TypeProto_Tensor {
	if t == nil {
		return nil
	}
	return t.TensorType
}

func (t *TypeProto_Tensor) GetShape() *TensorShapeProto {
	if t == nil {
		return nil
	}
	return t.Shape
}

func (t *TypeProto_Tensor) GetElemType() int32 {
	if t == nil {
		return 0
	}
	return t.ElemType
}

func (s *TensorShapeProto) GetDim() []*TensorShapeProto_Dimension {
	if s == nil {
		return nil
	}
	return s.Dim
}
