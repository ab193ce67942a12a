// Package simplify rewrites an exported graph into an equivalent smaller one
// and checks the equivalence by execution. When the check fails the original
// graph is kept.
package simplify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/zerfoo/yolonnx/internal/rewrite"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/runtime"
)

// ErrSimplificationDivergence is wrapped by Result.Fallback when the
// simplified graph could not be shown equivalent to the original.
var ErrSimplificationDivergence = errors.New("simplified graph diverges from original")

// Options configure the equivalence check.
type Options struct {
	// Tolerance is the largest accepted relative difference per element.
	Tolerance float64
	Seed      uint64
	// SkipCheck disables the execution check.
	SkipCheck bool
}

// Result is the outcome of Simplify. Graph is always usable: either the
// simplified graph or the untouched original when Fallback is set.
type Result struct {
	Graph    *graph.Graph
	Fallback error
	Rewrites map[string]int
}

// Simplify returns a simplified copy of g. g itself is never modified.
func Simplify(ctx context.Context, g *graph.Graph, opts Options) Result {
	if opts.Tolerance == 0 {
		opts.Tolerance = 1e-3
	}
	out := g.Clone()
	counts, err := rewrite.Run(ctx, out, rewrite.All)
	if err == nil {
		rewrite.MaterializeOutputs(out)
		err = sameInterface(g, out)
	}
	if err == nil && !opts.SkipCheck {
		err = Check(ctx, g, out, opts)
	}
	if err != nil {
		if !errors.Is(err, ErrSimplificationDivergence) {
			err = fmt.Errorf("%w: %w", ErrSimplificationDivergence, err)
		}
		slog.Warn("simplification discarded, keeping original graph", "graph", g.Name, "err", err)
		return Result{Graph: g, Fallback: err, Rewrites: counts}
	}
	slog.Info("graph simplified", "graph", g.Name, "nodes_before", len(g.Nodes), "nodes_after", len(out.Nodes))
	return Result{Graph: out, Rewrites: counts}
}

func sameInterface(a, b *graph.Graph) error {
	eq := func(x, y graph.ValueInfo) bool {
		return x.Name == y.Name && x.DType == y.DType && x.Shape.Equal(y.Shape)
	}
	if !slices.EqualFunc(a.Inputs, b.Inputs, eq) || !slices.EqualFunc(a.Outputs, b.Outputs, eq) {
		return errors.New("graph inputs or outputs changed")
	}
	return nil
}

// Check runs both graphs on the same seeded input, with symbolic dims bound
// to 1, and compares their outputs.
func Check(ctx context.Context, original, simplified *graph.Graph, opts Options) error {
	rng := rand.New(rand.NewPCG(opts.Seed, 0xc0ffee))
	feeds, err := runtime.RandomInput(original, 1, func() float32 { return rng.Float32()*2 - 1 })
	if err != nil {
		return err
	}
	want, err := run(ctx, original, feeds)
	if err != nil {
		return fmt.Errorf("original graph: %w", err)
	}
	got, err := run(ctx, simplified, feeds)
	if err != nil {
		return fmt.Errorf("simplified graph: %w", err)
	}
	for name, w := range want {
		g, ok := got[name]
		if !ok {
			return fmt.Errorf("%w: output %q missing", ErrSimplificationDivergence, name)
		}
		if err := compare(g, w, opts.Tolerance); err != nil {
			return fmt.Errorf("%w: output %q: %v", ErrSimplificationDivergence, name, err)
		}
	}
	return nil
}

func run(ctx context.Context, g *graph.Graph, feeds map[string]*graph.Tensor) (map[string]*graph.Tensor, error) {
	s, err := runtime.NewSession(ctx, g, runtime.Options{Level: runtime.OptimizationNone})
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, feeds)
}

func compare(got, want *graph.Tensor, tol float64) error {
	if !slices.Equal(got.Dims, want.Dims) || got.DType != want.DType {
		return fmt.Errorf("got %s%v, want %s%v", got.DType, got.Dims, want.DType, want.Dims)
	}
	if want.DType != graph.Float {
		if !slices.Equal(got.Int64, want.Int64) || !slices.Equal(got.Int32, want.Int32) ||
			!slices.Equal(got.Int8, want.Int8) || !slices.Equal(got.Uint8, want.Uint8) {
			return errors.New("integer outputs differ")
		}
		return nil
	}
	if slices.Equal(got.Float, want.Float) {
		return nil
	}
	rel, err := graph.MaxRelativeError(got, want, 1e-2)
	if err != nil {
		return err
	}
	if rel > tol {
		return fmt.Errorf("relative error %.3g exceeds %.3g", rel, tol)
	}
	// Weighted checksum, bounded by the weighted magnitude.
	var scale float64
	for i, v := range want.Float {
		scale += math.Abs(float64(v)) * float64(i%7+1)
	}
	if d := math.Abs(got.Checksum() - want.Checksum()); d > tol*max(scale, 1) {
		return fmt.Errorf("checksum %.6g differs from %.6g", got.Checksum(), want.Checksum())
	}
	return nil
}
