package onnx

import (
	"fmt"
	"os"
)

// ReadFile reads an ONNX model file and returns the parsed ModelProto.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}

	model, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX protobuf: %w", err)
	}

	return model, nil
}

// WriteFile serializes a model to path.
func WriteFile(path string, model *ModelProto) error {
	if err := os.WriteFile(path, Marshal(model), 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}
