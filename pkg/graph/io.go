package graph

import (
	"fmt"

	"github.com/zerfoo/yolonnx/internal/onnx"
)

// Load reads an ONNX file.
func Load(path string) (*Graph, error) {
	model, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := FromProto(model, path)
	if err != nil {
		return nil, fmt.Errorf("failed to convert ONNX model %s: %w", path, err)
	}
	return g, nil
}

// Save writes g as an ONNX file.
func Save(path string, g *Graph) error {
	if err := onnx.WriteFile(path, ToProto(g)); err != nil {
		return fmt.Errorf("failed to write ONNX model %s: %w", path, err)
	}
	return nil
}

// Marshal returns the ONNX encoding of g.
func Marshal(g *Graph) []byte { return onnx.Marshal(ToProto(g)) }

// Unmarshal decodes an ONNX model held in memory.
func Unmarshal(b []byte) (*Graph, error) {
	model, err := onnx.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	return FromProto(model, "")
}
