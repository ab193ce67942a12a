// Package benchmark measures the inference latency of a graph on the CPU
// execution engine.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/runtime"
)

// ErrBenchmarkFailure wraps every error returned by Run.
var ErrBenchmarkFailure = errors.New("benchmark failed")

// Options configure a benchmark run.
type Options struct {
	// ImageSize binds spatial dimensions the graph leaves symbolic.
	ImageSize  int
	Warmup     int
	Iterations int
	Seed       uint64
	Level      runtime.Level
}

// DefaultOptions returns the settings used by the conversion pipeline.
func DefaultOptions() Options {
	return Options{ImageSize: 416, Warmup: 5, Iterations: 20, Level: runtime.OptimizationAll}
}

// Result holds latency statistics in milliseconds.
type Result struct {
	Iterations int
	MeanMs     float64
	StdMs      float64
	MinMs      float64
	MaxMs      float64
	P50Ms      float64
	P90Ms      float64
	FPS        float64
}

func (r Result) String() string {
	return fmt.Sprintf("%.2f ms (%.1f FPS, p50 %.2f ms, p90 %.2f ms, %d runs)", r.MeanMs, r.FPS, r.P50Ms, r.P90Ms, r.Iterations)
}

// Run executes g Warmup times without measuring, then Iterations timed
// times on one fixed random input with batch size 1.
func Run(ctx context.Context, g *graph.Graph, opts Options) (Result, error) {
	if opts.Iterations <= 0 {
		return Result{}, fmt.Errorf("%w: iterations must be positive, got %d", ErrBenchmarkFailure, opts.Iterations)
	}
	s, err := runtime.NewSession(ctx, g, runtime.Options{Level: opts.Level})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBenchmarkFailure, err)
	}
	feeds, err := input(g, opts)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBenchmarkFailure, err)
	}

	for i := 0; i < opts.Warmup; i++ {
		if _, err := s.Run(ctx, feeds); err != nil {
			return Result{}, fmt.Errorf("%w: warmup run %d: %w", ErrBenchmarkFailure, i, err)
		}
	}
	times := make([]time.Duration, 0, opts.Iterations)
	for i := 0; i < opts.Iterations; i++ {
		start := time.Now()
		if _, err := s.Run(ctx, feeds); err != nil {
			return Result{}, fmt.Errorf("%w: run %d: %w", ErrBenchmarkFailure, i, err)
		}
		times = append(times, time.Since(start))
	}
	res := Summarize(times)
	slog.Debug("benchmark finished", "graph", g.Name, "mean_ms", res.MeanMs, "fps", res.FPS)
	return res, nil
}

func input(g *graph.Graph, opts Options) (map[string]*graph.Tensor, error) {
	rng := rand.New(rand.NewPCG(opts.Seed, 0xbe4c))
	feeds := make(map[string]*graph.Tensor, len(g.Inputs))
	for _, v := range g.Inputs {
		if v.DType != graph.Float {
			return nil, fmt.Errorf("input %q is %s, only float inputs are supported", v.Name, v.DType)
		}
		dims := make([]int64, len(v.Shape))
		for i, d := range v.Shape {
			switch {
			case d.IsStatic():
				dims[i] = d.Value
			case i == 0:
				dims[i] = 1
			case opts.ImageSize > 0:
				dims[i] = int64(opts.ImageSize)
			default:
				return nil, fmt.Errorf("input %q dim %d is %s and no image size is set", v.Name, i, d)
			}
		}
		t := graph.NewFloat(v.Name, dims, nil)
		for i := range t.Float {
			t.Float[i] = rng.Float32()
		}
		feeds[v.Name] = t
	}
	return feeds, nil
}

// Summarize computes latency statistics from per-iteration durations.
func Summarize(times []time.Duration) Result {
	ms := make([]float64, len(times))
	for i, d := range times {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	slices.Sort(ms)
	res := Result{Iterations: len(ms)}
	if len(ms) == 0 {
		return res
	}
	res.MeanMs, res.StdMs = stat.MeanStdDev(ms, nil)
	if len(ms) == 1 {
		res.StdMs = 0
	}
	res.MinMs, res.MaxMs = ms[0], ms[len(ms)-1]
	res.P50Ms = stat.Quantile(0.5, stat.Empirical, ms, nil)
	res.P90Ms = stat.Quantile(0.9, stat.Empirical, ms, nil)
	if res.MeanMs > 0 {
		res.FPS = 1000 / res.MeanMs
	}
	return res
}
