package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// QuantizeMode selects the quantization stage.
type QuantizeMode string

const (
	QuantizeNone QuantizeMode = "none"
	QuantizeInt8 QuantizeMode = "int8"
)

// Config describes one conversion run. It is built once by NewConfig and
// passed by value.
type Config struct {
	WeightsPath    string       `yaml:"weights"`
	ConfigPath     string       `yaml:"cfg"`
	OutputPath     string       `yaml:"output"`
	ImageSize      int          `yaml:"img-size"`
	BatchSize      int          `yaml:"batch-size"`
	Quantize       QuantizeMode `yaml:"quantize"`
	CalibrationDir string       `yaml:"calibration-data"`
	Opset          int64        `yaml:"opset"`
	Simplify       bool         `yaml:"simplify"`
	Benchmark      bool         `yaml:"benchmark"`
	Warmup         int          `yaml:"warmup"`
	Iterations     int          `yaml:"iterations"`
	MetricsFile    string       `yaml:"metrics-file"`
	Seed           uint64       `yaml:"seed"`
}

// DefaultConfig returns the defaults every run starts from.
func DefaultConfig() Config {
	return Config{
		ImageSize:  416,
		BatchSize:  1,
		Quantize:   QuantizeNone,
		Opset:      graph.DefaultOpset,
		Benchmark:  true,
		Warmup:     5,
		Iterations: 20,
	}
}

// LoadConfigFile overlays the YAML file at path onto base. Keys absent from
// the file keep their value from base.
func LoadConfigFile(path string, base Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&base); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return base, nil
}

// NewConfig normalizes and validates c.
func NewConfig(c Config) (Config, error) {
	c.Quantize = QuantizeMode(strings.ToLower(string(c.Quantize)))
	if c.Quantize == "" {
		c.Quantize = QuantizeNone
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.WeightsPath == "":
		return fmt.Errorf("weights path is required")
	case c.OutputPath == "":
		return fmt.Errorf("output path is required")
	case c.ImageSize <= 0 || c.ImageSize%32 != 0:
		return fmt.Errorf("image size must be a positive multiple of 32, got %d", c.ImageSize)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Quantize != QuantizeNone && c.Quantize != QuantizeInt8:
		return fmt.Errorf("quantize must be %q or %q, got %q", QuantizeNone, QuantizeInt8, c.Quantize)
	case c.CalibrationDir != "" && c.Quantize == QuantizeNone:
		return fmt.Errorf("calibration data needs --quantize %s", QuantizeInt8)
	case c.Benchmark && (c.Warmup < 0 || c.Iterations <= 0):
		return fmt.Errorf("benchmark needs warmup >= 0 and iterations > 0, got %d and %d", c.Warmup, c.Iterations)
	}
	return graph.CheckOpset(c.Opset)
}
