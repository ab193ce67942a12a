package rewrite

import (
	"context"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/ops"
)

// fuseConvBN folds a BatchNormalization into the Conv that feeds it when
// the Conv output has no other reader.
func fuseConvBN(_ context.Context, g *graph.Graph) (int, error) {
	inits := g.InitializerMap()
	producers := g.Producers()
	consumers := g.Consumers()
	taken := names(g)
	dead := make(map[*graph.Node]bool)

	floatInit := func(name string) (*graph.Tensor, bool) {
		t, ok := inits[name]
		return t, ok && t.DType == graph.Float
	}
	for _, bn := range g.Nodes {
		if bn.OpType != "BatchNormalization" || len(bn.Outputs) != 1 || len(bn.Inputs) != 5 {
			continue
		}
		x := bn.Inputs[0]
		conv := producers[x]
		if conv == nil || conv.OpType != "Conv" || dead[conv] || len(consumers[x]) != 1 || g.IsOutput(x) {
			continue
		}
		w, ok := floatInit(conv.Input(1))
		if !ok || len(w.Dims) != 4 {
			continue
		}
		var params [4]*graph.Tensor
		usable := true
		for i := range params {
			t, ok := floatInit(bn.Inputs[i+1])
			if !ok || t.Len() != int(w.Dims[0]) {
				usable = false
				break
			}
			params[i] = t
		}
		if !usable {
			continue
		}
		var bias []float32
		if name := conv.Input(2); name != "" {
			b, ok := floatInit(name)
			if !ok {
				continue
			}
			bias = b.Float
		}

		scale, shift := ops.BatchNormAffine(params[0].Float, params[1].Float, params[2].Float, params[3].Float, bn.AttrFloat("epsilon", 1e-5))
		out := int(w.Dims[0])
		per := w.Len() / out
		fw := graph.NewFloat(freshName(taken, w.Name+"_fused"), w.Dims, nil)
		fb := graph.NewFloat(freshName(taken, w.Name+"_fused_bias"), []int64{int64(out)}, nil)
		for o := 0; o < out; o++ {
			for k := 0; k < per; k++ {
				fw.Float[o*per+k] = w.Float[o*per+k] * scale[o]
			}
			b := float32(0)
			if bias != nil {
				b = bias[o]
			}
			fb.Float[o] = b*scale[o] + shift[o]
		}
		g.Initializers = append(g.Initializers, fw, fb)
		inits[fw.Name], inits[fb.Name] = fw, fb
		conv.Inputs = []string{conv.Inputs[0], fw.Name, fb.Name}
		conv.Outputs[0] = bn.Outputs[0]
		dead[bn] = true
	}
	return removeNodes(g, dead), nil
}
