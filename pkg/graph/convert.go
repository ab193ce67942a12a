package graph

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/zerfoo/yolonnx/internal/onnx"
)

// ToProto converts a graph into an ONNX model. Tensor data is stored as
// little-endian raw_data.
func ToProto(g *Graph) *onnx.ModelProto {
	producer := g.Producer
	if producer == "" {
		producer = Producer
	}
	m := &onnx.ModelProto{
		IrVersion:       IRVersion(g.Opset),
		ProducerName:    producer,
		ProducerVersion: g.ProducerVersion,
		DocString:       g.Doc,
		OpsetImport:     []*onnx.OperatorSetIdProto{{Domain: "", Version: g.Opset}},
		Graph: &onnx.GraphProto{
			Name: g.Name,
		},
	}
	keys := make([]string, 0, len(g.Metadata))
	for k := range g.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		m.MetadataProps = append(m.MetadataProps, &onnx.StringStringEntryProto{Key: k, Value: g.Metadata[k]})
	}

	for _, n := range g.Nodes {
		np := &onnx.NodeProto{
			Name:   n.Name,
			OpType: n.OpType,
			Input:  slices.Clone(n.Inputs),
			Output: slices.Clone(n.Outputs),
		}
		for _, a := range n.Attrs {
			np.Attribute = append(np.Attribute, attributeToProto(a))
		}
		m.Graph.Node = append(m.Graph.Node, np)
	}
	for _, t := range g.Initializers {
		m.Graph.Initializer = append(m.Graph.Initializer, tensorToProto(t))
	}
	for _, v := range g.Inputs {
		m.Graph.Input = append(m.Graph.Input, valueInfoToProto(v))
	}
	for _, v := range g.Outputs {
		m.Graph.Output = append(m.Graph.Output, valueInfoToProto(v))
	}
	return m
}

func attributeToProto(a Attribute) *onnx.AttributeProto {
	ap := &onnx.AttributeProto{Name: a.Name}
	switch a.Kind {
	case AttrFloat:
		ap.Type, ap.F = onnx.AttributeProto_FLOAT, a.F
	case AttrInt:
		ap.Type, ap.I = onnx.AttributeProto_INT, a.I
	case AttrString:
		ap.Type, ap.S = onnx.AttributeProto_STRING, []byte(a.S)
	case AttrTensor:
		ap.Type, ap.T = onnx.AttributeProto_TENSOR, tensorToProto(a.T)
	case AttrFloats:
		ap.Type, ap.Floats = onnx.AttributeProto_FLOATS, slices.Clone(a.Floats)
	case AttrInts:
		ap.Type, ap.Ints = onnx.AttributeProto_INTS, slices.Clone(a.Ints)
	case AttrStrings:
		ap.Type = onnx.AttributeProto_STRINGS
		for _, s := range a.Strings {
			ap.Strings = append(ap.Strings, []byte(s))
		}
	}
	return ap
}

func tensorToProto(t *Tensor) *onnx.TensorProto {
	tp := &onnx.TensorProto{
		Name:     t.Name,
		Dims:     slices.Clone(t.Dims),
		DataType: int32(t.DType),
	}
	switch t.DType {
	case Float:
		raw := make([]byte, 4*len(t.Float))
		for i, v := range t.Float {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		tp.RawData = raw
	case Int64:
		raw := make([]byte, 8*len(t.Int64))
		for i, v := range t.Int64 {
			binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
		}
		tp.RawData = raw
	case Int32:
		raw := make([]byte, 4*len(t.Int32))
		for i, v := range t.Int32 {
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
		}
		tp.RawData = raw
	case Int8:
		raw := make([]byte, len(t.Int8))
		for i, v := range t.Int8 {
			raw[i] = byte(v)
		}
		tp.RawData = raw
	case Uint8:
		tp.RawData = slices.Clone(t.Uint8)
	}
	return tp
}

func valueInfoToProto(v ValueInfo) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range v.Shape {
		shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{DimValue: d.Value, DimParam: d.Param})
	}
	return &onnx.ValueInfoProto{
		Name: v.Name,
		Type: &onnx.TypeProto{
			TensorType: &onnx.TypeProto_Tensor{ElemType: int32(v.DType), Shape: shape},
		},
	}
}

// FromProto converts an ONNX model into a graph. modelPath locates tensors
// stored as external data and may be empty when the model has none.
func FromProto(model *onnx.ModelProto, modelPath string) (*Graph, error) {
	onnxGraph := model.GetGraph()
	if onnxGraph == nil {
		return nil, fmt.Errorf("model graph is nil")
	}

	g := &Graph{
		Name:            onnxGraph.Name,
		Producer:        model.ProducerName,
		ProducerVersion: model.ProducerVersion,
		Doc:             model.DocString,
		Metadata:        make(map[string]string),
	}
	for _, op := range model.GetOpsetImport() {
		if op.Domain == "" || op.Domain == "ai.onnx" {
			g.Opset = op.Version
		}
	}
	for _, e := range model.MetadataProps {
		g.Metadata[e.Key] = e.Value
	}

	for _, tp := range onnxGraph.GetInitializer() {
		t, err := tensorFromProto(tp, modelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to convert initializer '%s': %w", tp.Name, err)
		}
		g.Initializers = append(g.Initializers, t)
	}

	// Some exporters list initializers among the graph inputs as well.
	inits := g.InitializerMap()
	for _, vi := range onnxGraph.GetInput() {
		if _, ok := inits[vi.Name]; ok {
			continue
		}
		g.Inputs = append(g.Inputs, valueInfoFromProto(vi))
	}
	for _, vi := range onnxGraph.GetOutput() {
		g.Outputs = append(g.Outputs, valueInfoFromProto(vi))
	}

	for _, np := range onnxGraph.GetNode() {
		if np.Domain != "" && np.Domain != "ai.onnx" {
			return nil, fmt.Errorf("node '%s' uses unsupported domain %q", np.Name, np.Domain)
		}
		n := &Node{
			Name:    np.Name,
			OpType:  np.OpType,
			Inputs:  slices.Clone(np.Input),
			Outputs: slices.Clone(np.Output),
		}
		for _, ap := range np.GetAttribute() {
			a, err := attributeFromProto(ap, modelPath)
			if err != nil {
				return nil, fmt.Errorf("failed to convert attribute '%s' of node '%s': %w", ap.Name, np.Name, err)
			}
			n.Attrs = append(n.Attrs, a)
		}
		g.Nodes = append(g.Nodes, n)
	}
	return g, nil
}

func attributeFromProto(ap *onnx.AttributeProto, modelPath string) (Attribute, error) {
	a := Attribute{Name: ap.Name}
	switch ap.Type {
	case onnx.AttributeProto_FLOAT:
		a.Kind, a.F = AttrFloat, ap.F
	case onnx.AttributeProto_INT:
		a.Kind, a.I = AttrInt, ap.I
	case onnx.AttributeProto_STRING:
		a.Kind, a.S = AttrString, string(ap.S)
	case onnx.AttributeProto_TENSOR:
		t, err := tensorFromProto(ap.T, modelPath)
		if err != nil {
			return a, err
		}
		a.Kind, a.T = AttrTensor, t
	case onnx.AttributeProto_FLOATS:
		a.Kind, a.Floats = AttrFloats, slices.Clone(ap.Floats)
	case onnx.AttributeProto_INTS:
		a.Kind, a.Ints = AttrInts, slices.Clone(ap.Ints)
	case onnx.AttributeProto_STRINGS:
		a.Kind = AttrStrings
		for _, s := range ap.Strings {
			a.Strings = append(a.Strings, string(s))
		}
	default:
		return a, fmt.Errorf("unsupported attribute type %d", ap.Type)
	}
	return a, nil
}

func valueInfoFromProto(vi *onnx.ValueInfoProto) ValueInfo {
	tt := vi.GetType().GetTensorType()
	v := ValueInfo{Name: vi.Name, DType: DataType(tt.GetElemType())}
	for _, d := range tt.GetShape().GetDim() {
		v.Shape = append(v.Shape, Dim{Value: d.DimValue, Param: d.DimParam})
	}
	return v
}

// tensorFromProto decodes typed fields or raw_data. Half, bfloat16 and
// double tensors are widened or narrowed to float32.
func tensorFromProto(tp *onnx.TensorProto, modelPath string) (*Tensor, error) {
	if tp == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	raw := tp.RawData
	if tp.DataLocation == onnx.TensorProto_EXTERNAL || len(tp.ExternalData) > 0 {
		var err error
		raw, err = loadExternalData(tp, modelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load external data: %w", err)
		}
	}

	dims := tp.Dims
	n := NumElements(dims)
	dtype := onnx.TensorProto_DataType(tp.DataType)
	var t *Tensor
	switch dtype {
	case onnx.TensorProto_FLOAT:
		data := tp.FloatData
		if len(raw) > 0 {
			if err := checkRaw(raw, n, 4); err != nil {
				return nil, err
			}
			data = make([]float32, n)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
		}
		t = NewFloat(tp.Name, dims, data)
	case onnx.TensorProto_DOUBLE:
		data := make([]float32, 0, n)
		if len(raw) > 0 {
			if err := checkRaw(raw, n, 8); err != nil {
				return nil, err
			}
			for i := 0; i < n; i++ {
				data = append(data, float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))))
			}
		} else {
			for _, v := range tp.DoubleData {
				data = append(data, float32(v))
			}
		}
		t = NewFloat(tp.Name, dims, data)
	case onnx.TensorProto_FLOAT16, onnx.TensorProto_BFLOAT16:
		// 16-bit payloads live in int32_data when not stored raw.
		if len(raw) == 0 {
			raw = make([]byte, 2*len(tp.Int32Data))
			for i, v := range tp.Int32Data {
				binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
			}
		}
		if err := checkRaw(raw, n, 2); err != nil {
			return nil, err
		}
		var data []float32
		if dtype == onnx.TensorProto_BFLOAT16 {
			data = bfloat16.DecodeFloat32(raw[:2*n])
		} else {
			data = make([]float32, n)
			for i := range data {
				data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
			}
		}
		t = NewFloat(tp.Name, dims, data)
	case onnx.TensorProto_INT64, onnx.TensorProto_INT32:
		ints, err := getInt64Data(tp, raw)
		if err != nil {
			return nil, err
		}
		if dtype == onnx.TensorProto_INT64 {
			t = NewInt64(tp.Name, dims, ints)
		} else {
			data := make([]int32, len(ints))
			for i, v := range ints {
				data[i] = int32(v)
			}
			t = NewInt32(tp.Name, dims, data)
		}
	case onnx.TensorProto_INT8:
		data := make([]int8, 0, n)
		if len(raw) > 0 {
			for _, v := range raw {
				data = append(data, int8(v))
			}
		} else {
			for _, v := range tp.Int32Data {
				data = append(data, int8(v))
			}
		}
		t = NewInt8(tp.Name, dims, data)
	case onnx.TensorProto_UINT8:
		data := slices.Clone(raw)
		if len(raw) == 0 {
			data = make([]uint8, 0, n)
			for _, v := range tp.Int32Data {
				data = append(data, uint8(v))
			}
		}
		t = NewUint8(tp.Name, dims, data)
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %s", dtype)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func checkRaw(raw []byte, n, width int) error {
	if len(raw) < n*width {
		return fmt.Errorf("raw_data holds %d bytes, %d elements of width %d need %d", len(raw), n, width, n*width)
	}
	return nil
}

func getInt64Data(p *onnx.TensorProto, rawData []byte) ([]int64, error) {
	dt := onnx.TensorProto_DataType(p.DataType)
	if dt != onnx.TensorProto_INT64 && dt != onnx.TensorProto_INT32 {
		return nil, fmt.Errorf("tensor is not of type INT64 or INT32, but %s", dt)
	}
	if len(rawData) == 0 {
		if p.Int64Data != nil {
			return p.Int64Data, nil
		}
		data := make([]int64, len(p.Int32Data))
		for i, v := range p.Int32Data {
			data[i] = int64(v)
		}
		return data, nil
	}
	if dt == onnx.TensorProto_INT64 {
		if len(rawData)%8 != 0 {
			return nil, fmt.Errorf("raw_data length %d is not a multiple of 8 for INT64", len(rawData))
		}
		data := make([]int64, len(rawData)/8)
		for i := range data {
			data[i] = int64(binary.LittleEndian.Uint64(rawData[i*8 : (i+1)*8]))
		}
		return data, nil
	}
	if len(rawData)%4 != 0 {
		return nil, fmt.Errorf("raw_data length %d is not a multiple of 4 for INT32", len(rawData))
	}
	data := make([]int64, len(rawData)/4)
	for i := range data {
		data[i] = int64(int32(binary.LittleEndian.Uint32(rawData[i*4 : (i+1)*4])))
	}
	return data, nil
}

// loadExternalData loads tensor data from a file next to the model.
func loadExternalData(tensor *onnx.TensorProto, modelPath string) ([]byte, error) {
	var location string
	var offset, length int64

	for _, entry := range tensor.ExternalData {
		var err error
		switch entry.Key {
		case "location":
			location = entry.Value
		case "offset":
			if entry.Value != "" {
				if offset, err = strconv.ParseInt(entry.Value, 10, 64); err != nil {
					return nil, fmt.Errorf("invalid offset value: %s", entry.Value)
				}
			}
		case "length":
			if entry.Value != "" {
				if length, err = strconv.ParseInt(entry.Value, 10, 64); err != nil {
					return nil, fmt.Errorf("invalid length value: %s", entry.Value)
				}
			}
		}
	}
	if location == "" {
		return nil, fmt.Errorf("external data location not specified")
	}

	externalPath := location
	if !filepath.IsAbs(location) {
		externalPath = filepath.Join(filepath.Dir(modelPath), location)
	}

	file, err := os.Open(externalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open external data file %s: %w", externalPath, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close external data file", "path", externalPath, "error", cerr)
		}
	}()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
		}
	}
	if length > 0 {
		data := make([]byte, length)
		if _, err := io.ReadFull(file, data); err != nil {
			return nil, fmt.Errorf("failed to read %d bytes from external file: %w", length, err)
		}
		return data, nil
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read external data file: %w", err)
	}
	return data, nil
}
