package yolov5

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/zerfoo/yolonnx/pkg/checkpoint"
	"github.com/zerfoo/yolonnx/pkg/nn"
)

// Family is the nn.Network family tag of YAML-defined networks.
const Family = "yolov5"

// KeyPrefix is the state dict prefix of the first stage.
const KeyPrefix = "model.0."

func stageName(i int) string { return fmt.Sprintf("model.%d", i) }

// MatchesLayout reports whether a state dict uses model.<i>.* keys.
func MatchesLayout(sd *checkpoint.StateDict) bool { return sd.HasPrefix(KeyPrefix) }

// Load builds the network of the definition and binds sd. An empty defPath
// reads the definition embedded in the checkpoint under "yaml".
func Load(defPath string, sd *checkpoint.StateDict) (*nn.Network, error) {
	var (
		def  *Definition
		err  error
		name = "yolov5"
	)
	if defPath != "" {
		def, err = LoadDefinitionFile(defPath)
		name = strings.TrimSuffix(filepath.Base(defPath), filepath.Ext(defPath))
	} else if y, ok := sd.Metadata["yaml"]; ok {
		def, err = ParseDefinition([]byte(y))
	} else {
		return nil, ErrNoDefinition
	}
	if err != nil {
		return nil, err
	}
	net, err := Build(name, def)
	if err != nil {
		return nil, err
	}
	if err := net.LoadStateDict(sd); err != nil {
		return nil, err
	}
	return net, nil
}

// ErrNoDefinition is returned when neither a definition file nor an
// embedded definition is available.
var ErrNoDefinition = errors.New("no model definition")

// makeDivisible rounds x up to a multiple of d.
func makeDivisible(x float64, d int) int {
	return int(math.Ceil(x/float64(d))) * d
}

// Build creates a network in training mode with zero weights.
func Build(name string, def *Definition) (*nn.Network, error) {
	net := nn.New(name, Family, def.NC)
	var outC []int
	chOf := func(i, f int) int {
		if f < 0 {
			f += i
		}
		if f < 0 {
			return net.Channels
		}
		return outC[f]
	}
	rows := append(append([]Entry(nil), def.Backbone...), def.Head...)
	for i, e := range rows {
		from := make([]int, len(e.From))
		for j, f := range e.From {
			a := f
			if f < 0 {
				a = i + f
			}
			if a >= i {
				return nil, fmt.Errorf("layer %d reads layer %d", i, f)
			}
			if a < 0 {
				a = nn.Input
			}
			from[j] = a
		}
		n := e.Number
		if n > 1 {
			n = max(int(math.RoundToEven(float64(n)*def.DepthMultiple)), 1)
		}
		prefix := stageName(i)
		c1 := chOf(i, e.From[0])
		var (
			layer nn.Layer
			c2    int
			err   error
		)
		switch e.Module {
		case "Conv", "Bottleneck", "C3", "SPPF":
			if c2, err = argInt(e.Args, 0, def, 0); err != nil {
				break
			}
			c2 = makeDivisible(float64(c2)*def.WidthMultiple, 8)
			layer, err = block(e, prefix, c1, c2, n, def)
		case "nn.Upsample":
			scale, serr := argInt(e.Args, 1, def, 2)
			if serr != nil {
				err = serr
				break
			}
			if mode := argString(e.Args, 2, "nearest"); mode != "nearest" {
				err = fmt.Errorf("upsample mode %q is not supported", mode)
				break
			}
			layer, c2 = &nn.Upsample{Scale: scale}, c1
		case "Concat":
			if d, _ := argInt(e.Args, 0, def, 1); d != 1 {
				err = fmt.Errorf("concat along dimension %d is not supported", d)
				break
			}
			for _, f := range e.From {
				c2 += chOf(i, f)
			}
			layer = nn.Concat{}
		case "Detect":
			var chans []int
			for _, f := range e.From {
				chans = append(chans, chOf(i, f))
			}
			anchors, aerr := def.anchorLevels(len(chans))
			if aerr != nil {
				err = aerr
				break
			}
			layer, err = nn.NewDetect(prefix, def.NC, anchors, chans)
		default:
			err = fmt.Errorf("unsupported module %q", e.Module)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if _, err := net.Add(prefix, from, layer); err != nil {
			return nil, err
		}
		outC = append(outC, c2)
	}
	return net, nil
}

func block(e Entry, prefix string, c1, c2, n int, def *Definition) (nn.Layer, error) {
	switch e.Module {
	case "C3":
		shortcut := argBool(e.Args, 1, true)
		return nn.NewC3(prefix, c1, c2, n, shortcut)
	case "SPPF":
		k, err := argInt(e.Args, 1, def, 5)
		if err != nil {
			return nil, err
		}
		return nn.NewSPPF(prefix, c1, c2, k)
	}
	// Conv and Bottleneck repeat as a sequence named prefix.<j> when n > 1.
	one := func(p string, in int) (nn.Layer, error) {
		if e.Module == "Bottleneck" {
			return nn.NewBottleneck(p, in, c2, argBool(e.Args, 1, true), 1, 0.5)
		}
		k, err := argInt(e.Args, 1, def, 1)
		if err != nil {
			return nil, err
		}
		s, err := argInt(e.Args, 2, def, 1)
		if err != nil {
			return nil, err
		}
		pad, err := argInt(e.Args, 3, def, -1)
		if err != nil {
			return nil, err
		}
		g, err := argInt(e.Args, 4, def, 1)
		if err != nil {
			return nil, err
		}
		return nn.CSPConv(p, in, c2, k, s, pad, g)
	}
	if n == 1 {
		return one(prefix, c1)
	}
	var seq sequential
	for j := 0; j < n; j++ {
		in := c2
		if j == 0 {
			in = c1
		}
		l, err := one(fmt.Sprintf("%s.%d", prefix, j), in)
		if err != nil {
			return nil, err
		}
		seq = append(seq, l)
	}
	return seq, nil
}

// sequential chains single-input layers.
type sequential []nn.Layer

func (q sequential) Params() []*nn.Param {
	var ps []*nn.Param
	for _, l := range q {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (q sequential) Forward(s *nn.Scope, in []*nn.Value) (*nn.Value, error) {
	x := in[0]
	for _, l := range q {
		var err error
		if x, err = l.Forward(s, []*nn.Value{x}); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// argInt returns args[i] as an integer. Missing and None arguments give
// def; "nc" names the class count.
func argInt(args []any, i int, d *Definition, def int) (int, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("argument %d is not an integer: %v", i, v)
		}
		return int(v), nil
	case string:
		switch v {
		case "nc":
			return d.NC, nil
		case "None":
			return def, nil
		}
	}
	return 0, fmt.Errorf("argument %d has unsupported value %v", i, args[i])
}

func argBool(args []any, i int, def bool) bool {
	if i >= len(args) {
		return def
	}
	switch v := args[i].(type) {
	case bool:
		return v
	case string:
		return v == "True"
	}
	return def
}

func argString(args []any, i int, def string) string {
	if i >= len(args) {
		return def
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return def
}
