package ops

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

func init() {
	Register(&Schema{OpType: "Conv", Since: 1, MinInputs: 2, MaxInputs: 3, Infer: inferConv, Kernel: convKernel})
	Register(&Schema{OpType: "ConvInteger", Since: 10, MinInputs: 2, MaxInputs: 4, Infer: inferConv, Kernel: convIntegerKernel})
}

// convGeometry holds the resolved 2D convolution parameters.
type convGeometry struct {
	group        int
	kh, kw       int
	sh, sw       int
	dh, dw       int
	padT, padL   int
	padB, padR   int
	inH, inW     int
	outH, outW   int
	inC, outC    int
	inCPerGroup  int
	outCPerGroup int
	colRows      int
	colCols      int
}

// poolWindow resolves kernel, stride, dilation and padding attributes for
// a 2D window over an input of inH x inW. It is shared by Conv and MaxPool.
func poolWindow(n *graph.Node, kernel []int64, inH, inW int64) (g convGeometry, err error) {
	if len(kernel) != 2 {
		return g, fmt.Errorf("only 2D windows are supported, got kernel_shape %v", kernel)
	}
	g.kh, g.kw = int(kernel[0]), int(kernel[1])
	st := n.AttrInts("strides", []int64{1, 1})
	dl := n.AttrInts("dilations", []int64{1, 1})
	if len(st) != 2 || len(dl) != 2 {
		return g, fmt.Errorf("strides %v and dilations %v must have 2 entries", st, dl)
	}
	g.sh, g.sw, g.dh, g.dw = int(st[0]), int(st[1]), int(dl[0]), int(dl[1])
	if g.sh <= 0 || g.sw <= 0 || g.dh <= 0 || g.dw <= 0 {
		return g, fmt.Errorf("strides %v and dilations %v must be positive", st, dl)
	}
	g.inH, g.inW = int(inH), int(inW)

	effH := g.dh*(g.kh-1) + 1
	effW := g.dw*(g.kw-1) + 1
	switch autoPad := n.AttrString("auto_pad", "NOTSET"); autoPad {
	case "NOTSET", "":
		pads := n.AttrInts("pads", []int64{0, 0, 0, 0})
		if len(pads) != 4 {
			return g, fmt.Errorf("pads %v must have 4 entries", pads)
		}
		g.padT, g.padL, g.padB, g.padR = int(pads[0]), int(pads[1]), int(pads[2]), int(pads[3])
		ceil := n.AttrInt("ceil_mode", 0) == 1
		g.outH = windowOut(g.inH+g.padT+g.padB-effH, g.sh, ceil)
		g.outW = windowOut(g.inW+g.padL+g.padR-effW, g.sw, ceil)
	case "VALID":
		g.outH = windowOut(g.inH-effH, g.sh, false)
		g.outW = windowOut(g.inW-effW, g.sw, false)
	case "SAME_UPPER", "SAME_LOWER":
		g.outH = (g.inH + g.sh - 1) / g.sh
		g.outW = (g.inW + g.sw - 1) / g.sw
		totalH := max((g.outH-1)*g.sh+effH-g.inH, 0)
		totalW := max((g.outW-1)*g.sw+effW-g.inW, 0)
		if autoPad == "SAME_UPPER" {
			g.padT, g.padL = totalH/2, totalW/2
		} else {
			g.padT, g.padL = totalH-totalH/2, totalW-totalW/2
		}
		g.padB, g.padR = totalH-g.padT, totalW-g.padL
	default:
		return g, fmt.Errorf("unsupported auto_pad %q", autoPad)
	}
	if g.outH <= 0 || g.outW <= 0 {
		return g, fmt.Errorf("window %v over %dx%d input yields empty output", kernel, inH, inW)
	}
	return g, nil
}

func windowOut(span, stride int, ceil bool) int {
	if ceil {
		return (span+stride-1)/stride + 1
	}
	if span < 0 {
		return 0
	}
	return span/stride + 1
}

func convGeometryFor(n *graph.Node, x, w []int64) (convGeometry, error) {
	if len(x) != 4 || len(w) != 4 {
		return convGeometry{}, fmt.Errorf("Conv expects 4D input and weight, got %v and %v", x, w)
	}
	kernel := n.AttrInts("kernel_shape", w[2:])
	g, err := poolWindow(n, kernel, x[2], x[3])
	if err != nil {
		return g, err
	}
	g.group = int(n.AttrInt("group", 1))
	g.inC, g.outC = int(x[1]), int(w[0])
	if g.group <= 0 || g.inC%g.group != 0 || g.outC%g.group != 0 {
		return g, fmt.Errorf("group %d does not divide channels %d -> %d", g.group, g.inC, g.outC)
	}
	g.inCPerGroup = g.inC / g.group
	g.outCPerGroup = g.outC / g.group
	if int(w[1]) != g.inCPerGroup {
		return g, fmt.Errorf("weight expects %d input channels per group, input has %d", w[1], g.inCPerGroup)
	}
	g.colRows = g.inCPerGroup * g.kh * g.kw
	g.colCols = g.outH * g.outW
	return g, nil
}

func inferConv(n *graph.Node, in []Value, _ int64) ([]Value, error) {
	x, w := in[0].Shape, in[1].Shape
	if len(x) != 4 {
		return nil, fmt.Errorf("input must be 4D, got %s", x)
	}
	wDims, ok := w.Static()
	if !ok {
		return nil, fmt.Errorf("weight shape %s must be static", w)
	}
	if !x[1].IsStatic() || !x[2].IsStatic() || !x[3].IsStatic() {
		return nil, fmt.Errorf("input channel and spatial dims must be static, got %s", x)
	}
	g, err := convGeometryFor(n, []int64{1, x[1].Value, x[2].Value, x[3].Value}, wDims)
	if err != nil {
		return nil, err
	}
	dtype := in[0].DType
	if n.OpType == "ConvInteger" {
		dtype = graph.Int32
	} else if in[1].DType != dtype {
		return nil, fmt.Errorf("input and weight types differ: %s and %s", dtype, in[1].DType)
	}
	if len(in) > 2 && !in[2].Absent() && n.OpType == "Conv" {
		if b, ok := in[2].Shape.Static(); !ok || len(b) != 1 || int(b[0]) != g.outC {
			return nil, fmt.Errorf("bias shape %s does not match %d output channels", in[2].Shape, g.outC)
		}
	}
	return []Value{{
		DType: dtype,
		Shape: graph.Shape{x[0], graph.Static(int64(g.outC)), graph.Static(int64(g.outH)), graph.Static(int64(g.outW))},
	}}, nil
}

// im2col lays out one image group as a [colRows, outH*outW] matrix so that
// the convolution becomes weight[outC/group, colRows] x col.
func im2col[T any](col, img []T, g convGeometry, pad T) {
	ohw := g.outH * g.outW
	for c := 0; c < g.inCPerGroup; c++ {
		plane := img[c*g.inH*g.inW:]
		for ky := 0; ky < g.kh; ky++ {
			for kx := 0; kx < g.kw; kx++ {
				row := col[((c*g.kh+ky)*g.kw+kx)*ohw:]
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.sh - g.padT + ky*g.dh
					for ox := 0; ox < g.outW; ox++ {
						ix := ox*g.sw - g.padL + kx*g.dw
						if iy < 0 || iy >= g.inH || ix < 0 || ix >= g.inW {
							row[oy*g.outW+ox] = pad
						} else {
							row[oy*g.outW+ox] = plane[iy*g.inW+ix]
						}
					}
				}
			}
		}
	}
}

// rowBlocks splits rows into at most GOMAXPROCS contiguous ranges.
func rowBlocks(rows int) [][2]int {
	workers := min(runtime.GOMAXPROCS(0), rows)
	if workers < 1 {
		workers = 1
	}
	size := (rows + workers - 1) / workers
	var blocks [][2]int
	for r := 0; r < rows; r += size {
		blocks = append(blocks, [2]int{r, min(r+size, rows)})
	}
	return blocks
}

func convKernel(ctx context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x, w := in[0], in[1]
	if err := requireFloat("X", x); err != nil {
		return nil, err
	}
	if err := requireFloat("W", w); err != nil {
		return nil, err
	}
	g, err := convGeometryFor(n, x.Dims, w.Dims)
	if err != nil {
		return nil, err
	}
	var bias []float32
	if len(in) > 2 && in[2] != nil {
		if err := requireFloat("B", in[2]); err != nil {
			return nil, err
		}
		if len(in[2].Float) != g.outC {
			return nil, fmt.Errorf("bias has %d elements, want %d", len(in[2].Float), g.outC)
		}
		bias = in[2].Float
	}

	batch := int(x.Dims[0])
	ohw := g.outH * g.outW
	out := graph.NewFloat("", []int64{int64(batch), int64(g.outC), int64(g.outH), int64(g.outW)}, nil)
	col := make([]float32, g.colRows*g.colCols)
	blocks := rowBlocks(g.outCPerGroup)

	for b := 0; b < batch; b++ {
		for grp := 0; grp < g.group; grp++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			img := x.Float[(b*g.inC+grp*g.inCPerGroup)*g.inH*g.inW:]
			im2col(col, img, g, 0)
			eg, _ := errgroup.WithContext(ctx)
			eg.SetLimit(runtime.GOMAXPROCS(0))
			for _, blk := range blocks {
				eg.Go(func() error {
					m0, m1 := grp*g.outCPerGroup+blk[0], grp*g.outCPerGroup+blk[1]
					dst := out.Float[(b*g.outC+m0)*ohw:]
					if bias != nil {
						for m := m0; m < m1; m++ {
							row := dst[(m-m0)*ohw : (m-m0+1)*ohw]
							for i := range row {
								row[i] = bias[m]
							}
						}
					}
					blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
						blas32.General{Rows: m1 - m0, Cols: g.colRows, Stride: g.colRows, Data: w.Float[m0*g.colRows:]},
						blas32.General{Rows: g.colRows, Cols: ohw, Stride: ohw, Data: col},
						1,
						blas32.General{Rows: m1 - m0, Cols: ohw, Stride: ohw, Data: dst})
					return nil
				})
			}
			if err := eg.Wait(); err != nil {
				return nil, err
			}
		}
	}
	return []*graph.Tensor{out}, nil
}

// convIntegerKernel accumulates (x - x_zero_point) * (w - w_zero_point) in
// int32. Zero points are per-tensor.
func convIntegerKernel(ctx context.Context, n *graph.Node, in []*graph.Tensor, _ int64) ([]*graph.Tensor, error) {
	x, w := in[0], in[1]
	xs, err := asInt32s(x)
	if err != nil {
		return nil, fmt.Errorf("input X: %w", err)
	}
	ws, err := asInt32s(w)
	if err != nil {
		return nil, fmt.Errorf("input W: %w", err)
	}
	var xzp, wzp int32
	if len(in) > 2 && in[2] != nil {
		if xzp, err = scalarInt32(in[2]); err != nil {
			return nil, fmt.Errorf("x_zero_point: %w", err)
		}
	}
	if len(in) > 3 && in[3] != nil {
		if wzp, err = scalarInt32(in[3]); err != nil {
			return nil, fmt.Errorf("w_zero_point: %w", err)
		}
	}
	g, err := convGeometryFor(n, x.Dims, w.Dims)
	if err != nil {
		return nil, err
	}
	for i := range xs {
		xs[i] -= xzp
	}
	for i := range ws {
		ws[i] -= wzp
	}

	batch := int(x.Dims[0])
	ohw := g.outH * g.outW
	out := graph.NewInt32("", []int64{int64(batch), int64(g.outC), int64(g.outH), int64(g.outW)}, nil)
	col := make([]int32, g.colRows*g.colCols)
	blocks := rowBlocks(g.outCPerGroup)

	for b := 0; b < batch; b++ {
		for grp := 0; grp < g.group; grp++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// Padding contributes zero after zero-point subtraction.
			im2col(col, xs[(b*g.inC+grp*g.inCPerGroup)*g.inH*g.inW:], g, 0)
			eg, _ := errgroup.WithContext(ctx)
			eg.SetLimit(runtime.GOMAXPROCS(0))
			for _, blk := range blocks {
				eg.Go(func() error {
					for m := grp*g.outCPerGroup + blk[0]; m < grp*g.outCPerGroup+blk[1]; m++ {
						wrow := ws[m*g.colRows : (m+1)*g.colRows]
						dst := out.Int32[(b*g.outC+m)*ohw : (b*g.outC+m+1)*ohw]
						for k, wv := range wrow {
							if wv == 0 {
								continue
							}
							src := col[k*ohw : (k+1)*ohw]
							for i, xv := range src {
								dst[i] += wv * xv
							}
						}
					}
					return nil
				})
			}
			if err := eg.Wait(); err != nil {
				return nil, err
			}
		}
	}
	return []*graph.Tensor{out}, nil
}

func asInt32s(t *graph.Tensor) ([]int32, error) {
	out := make([]int32, 0, t.Len())
	switch t.DType {
	case graph.Uint8:
		for _, v := range t.Uint8 {
			out = append(out, int32(v))
		}
	case graph.Int8:
		for _, v := range t.Int8 {
			out = append(out, int32(v))
		}
	default:
		return nil, fmt.Errorf("expected int8 or uint8, got %s", t.DType)
	}
	return out, nil
}

func scalarInt32(t *graph.Tensor) (int32, error) {
	vals, err := asInt32s(t)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("only per-tensor zero points are supported, got %d values", len(vals))
	}
	return vals[0], nil
}
