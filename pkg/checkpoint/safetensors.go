package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// safetensors layout: 8-byte little-endian header length, JSON header,
// then the tensor bytes addressed by data_offsets relative to the end of
// the header.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

var elemSize = map[string]int{
	"F64": 8, "F32": 4, "F16": 2, "BF16": 2,
	"I64": 8, "I32": 4, "I8": 1, "U8": 1, "BOOL": 1,
}

// LoadSafetensors reads a safetensors file. Floating-point tensors of any
// width are widened or narrowed to float32.
func LoadSafetensors(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open safetensors file: %w", err)
	}
	defer f.Close()

	var size uint64
	if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if size > maxHeaderSize {
		return nil, fmt.Errorf("%w: safetensors header of %d bytes", ErrNotCheckpoint, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	header := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, header); err != nil {
		return nil, fmt.Errorf("failed to parse safetensors header: %w", err)
	}

	d := New()
	base := int64(8 + size)
	for p := header.Oldest(); p != nil; p = p.Next() {
		if p.Key == "__metadata__" {
			if err := json.Unmarshal(p.Value, &d.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(p.Value, &info); err != nil {
			return nil, fmt.Errorf("failed to parse tensor %s: %w", p.Key, err)
		}
		t, err := readTensor(f, base, p.Key, info)
		if err != nil {
			return nil, err
		}
		d.Set(p.Key, t)
	}
	return d, nil
}

func readTensor(f io.ReaderAt, base int64, name string, info tensorInfo) (*graph.Tensor, error) {
	width, ok := elemSize[info.DType]
	if !ok {
		return nil, fmt.Errorf("tensor %s has unsupported dtype %s", name, info.DType)
	}
	n := graph.NumElements(info.Shape)
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if end-start != int64(n*width) {
		return nil, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, end-start, n, info.DType)
	}
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, base+start); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}

	switch info.DType {
	case "F32":
		data := make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return graph.NewFloat(name, info.Shape, data), nil
	case "F64":
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
		return graph.NewFloat(name, info.Shape, data), nil
	case "F16":
		data := make([]float32, n)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return graph.NewFloat(name, info.Shape, data), nil
	case "BF16":
		return graph.NewFloat(name, info.Shape, bfloat16.DecodeFloat32(buf)), nil
	case "I64":
		data := make([]int64, n)
		for i := range data {
			data[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return graph.NewInt64(name, info.Shape, data), nil
	case "I32":
		data := make([]int32, n)
		for i := range data {
			data[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return graph.NewInt32(name, info.Shape, data), nil
	case "I8":
		data := make([]int8, n)
		for i, b := range buf {
			data[i] = int8(b)
		}
		return graph.NewInt8(name, info.Shape, data), nil
	default: // U8, BOOL
		return graph.NewUint8(name, info.Shape, buf), nil
	}
}

// SaveSafetensors writes d as a safetensors file with float32 and int64
// tensors stored as F32 and I64.
func SaveSafetensors(path string, d *StateDict) error {
	header := orderedmap.New[string, any]()
	if len(d.Metadata) > 0 {
		header.Set("__metadata__", d.Metadata)
	}
	var body []byte
	for _, key := range d.Keys() {
		t, _ := d.Tensor(key)
		start := int64(len(body))
		var dtype string
		switch t.DType {
		case graph.Float:
			dtype = "F32"
			for _, v := range t.Float {
				body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
			}
		case graph.Int64:
			dtype = "I64"
			for _, v := range t.Int64 {
				body = binary.LittleEndian.AppendUint64(body, uint64(v))
			}
		default:
			return fmt.Errorf("tensor %s: cannot store %s", key, t.DType)
		}
		shape := t.Dims
		if shape == nil {
			shape = []int64{}
		}
		header.Set(key, tensorInfo{DType: dtype, Shape: shape, DataOffsets: [2]int64{start, int64(len(body))}})
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(raw)))
	out = append(out, raw...)
	out = append(out, body...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
