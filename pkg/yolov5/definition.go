// Package yolov5 builds CSP-family detectors from their YAML model
// definitions and binds model.<i>.* state dicts.
package yolov5

import (
	"fmt"
	"os"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Definition is a YAML model definition.
type Definition struct {
	NC            int     `mapstructure:"nc"`
	DepthMultiple float64 `mapstructure:"depth_multiple"`
	WidthMultiple float64 `mapstructure:"width_multiple"`
	Anchors       any     `mapstructure:"anchors"`
	Backbone      []Entry `mapstructure:"backbone"`
	Head          []Entry `mapstructure:"head"`
}

// Entry is one [from, number, module, args] row of a definition.
type Entry struct {
	From   []int
	Number int
	Module string
	Args   []any
}

// ParseDefinition decodes a YAML model definition.
func ParseDefinition(b []byte) (*Definition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model definition: %w", err)
	}
	def := &Definition{DepthMultiple: 1, WidthMultiple: 1}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       entryHook,
		WeaklyTypedInput: true,
		Result:           def,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode model definition: %w", err)
	}
	if len(def.Backbone) == 0 {
		return nil, fmt.Errorf("model definition has no backbone")
	}
	if def.NC <= 0 {
		return nil, fmt.Errorf("model definition has nc=%d", def.NC)
	}
	return def, nil
}

// LoadDefinitionFile reads a YAML model definition from disk.
func LoadDefinitionFile(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model definition: %w", err)
	}
	return ParseDefinition(b)
}

// entryHook decodes the positional [from, number, module, args] rows.
func entryHook(_, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Entry{}) {
		return data, nil
	}
	row, ok := data.([]any)
	if !ok || len(row) != 4 {
		return nil, fmt.Errorf("layer row %v is not [from, number, module, args]", data)
	}
	var e Entry
	switch f := row[0].(type) {
	case int:
		e.From = []int{f}
	case []any:
		for _, v := range f {
			n, ok := v.(int)
			if !ok {
				return nil, fmt.Errorf("layer row %v has non-integer source %v", row, v)
			}
			e.From = append(e.From, n)
		}
	default:
		return nil, fmt.Errorf("layer row %v has invalid source %v", row, row[0])
	}
	n, ok := row[1].(int)
	if !ok {
		return nil, fmt.Errorf("layer row %v has invalid repeat count", row)
	}
	e.Number = n
	if e.Module, ok = row[2].(string); !ok {
		return nil, fmt.Errorf("layer row %v has invalid module", row)
	}
	if e.Args, ok = row[3].([]any); !ok {
		return nil, fmt.Errorf("layer row %v has invalid arguments", row)
	}
	return e, nil
}

// anchorLevels returns per-level anchor pairs. An integer anchors entry
// gives that many zero anchors on each of levels levels.
func (d *Definition) anchorLevels(levels int) ([][][2]float32, error) {
	switch a := d.Anchors.(type) {
	case int:
		out := make([][][2]float32, levels)
		for i := range out {
			out[i] = make([][2]float32, a)
		}
		return out, nil
	case []any:
		var out [][][2]float32
		for _, lvl := range a {
			vals, ok := lvl.([]any)
			if !ok || len(vals)%2 != 0 {
				return nil, fmt.Errorf("anchor level %v is not a list of pairs", lvl)
			}
			var pairs [][2]float32
			for j := 0; j < len(vals); j += 2 {
				w, err := number(vals[j])
				if err != nil {
					return nil, err
				}
				h, err := number(vals[j+1])
				if err != nil {
					return nil, err
				}
				pairs = append(pairs, [2]float32{float32(w), float32(h)})
			}
			out = append(out, pairs)
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid anchors %v", d.Anchors)
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}
