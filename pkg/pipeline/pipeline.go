// Package pipeline drives a conversion run: load weights, export, validate,
// optionally simplify and quantize, write the graph and benchmark it.
//
// Loading, export and validation failures end the run and leave nothing at
// the output path. Simplification, quantization and benchmarking degrade:
// their failures are logged and recorded in the Summary.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zerfoo/yolonnx/pkg/benchmark"
	"github.com/zerfoo/yolonnx/pkg/exporter"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/loader"
	"github.com/zerfoo/yolonnx/pkg/nn"
	"github.com/zerfoo/yolonnx/pkg/quantize"
	"github.com/zerfoo/yolonnx/pkg/runtime"
	"github.com/zerfoo/yolonnx/pkg/simplify"
	"github.com/zerfoo/yolonnx/pkg/synthetic"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

// validate is the structural gate every graph passes before it is written.
var validate = validator.Validate

// Stage names a pipeline step.
type Stage string

const (
	StageLoad      Stage = "load"
	StageGenerate  Stage = "generate"
	StageExport    Stage = "export"
	StageValidate  Stage = "validate"
	StageSimplify  Stage = "simplify"
	StageQuantize  Stage = "quantize"
	StageWrite     Stage = "write"
	StageBenchmark Stage = "benchmark"
)

// StageTiming is the wall time of one completed stage.
type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID        string
	Output       string
	Family       string
	ImageSize    int
	BatchSize    int
	Quantization string
	Opset        int64
	Nodes        int
	Initializers int
	FloatBytes   int
	FileBytes    int64

	Simplified       bool
	SimplifyFallback error
	QuantizeFallback error
	Benchmark        *benchmark.Result
	BenchmarkErr     error

	Timings []StageTiming
}

type run struct {
	metrics *Metrics
	temp    tempFiles
	sum     *Summary
}

func newRun(output string) *run {
	return &run{
		metrics: NewMetrics(),
		sum:     &Summary{RunID: uuid.NewString(), Output: output, Quantization: string(QuantizeNone)},
	}
}

func (r *run) stage(ctx context.Context, s Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	d := time.Since(start)
	r.metrics.observeStage(s, d)
	if err != nil {
		r.metrics.failed(s)
		slog.Debug("stage failed", "stage", s, "run", r.sum.RunID, "err", err)
		return err
	}
	r.sum.Timings = append(r.sum.Timings, StageTiming{Stage: s, Duration: d})
	slog.Debug("stage done", "stage", s, "run", r.sum.RunID, "duration", d)
	return nil
}

// finish removes intermediate files and writes metrics on every exit route.
func (r *run) finish(metricsFile string) {
	r.temp.cleanup()
	if metricsFile == "" {
		return
	}
	if err := r.metrics.WriteTextfile(metricsFile); err != nil {
		slog.Warn("failed to write metrics", "path", metricsFile, "err", err)
	}
}

// Run executes a conversion described by cfg.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	r := newRun(cfg.OutputPath)
	defer r.finish(cfg.MetricsFile)
	r.sum.ImageSize, r.sum.BatchSize = cfg.ImageSize, cfg.BatchSize

	var net *nn.Network
	if err := r.stage(ctx, StageLoad, func() error {
		var err error
		net, err = loader.Load(loader.Resolve(cfg.WeightsPath, cfg.ConfigPath), loader.Options{})
		return err
	}); err != nil {
		return nil, err
	}
	r.sum.Family = net.Family
	slog.Info("weights loaded", "family", net.Family, "params", net.NumParams(), "run", r.sum.RunID)

	var g *graph.Graph
	if err := r.stage(ctx, StageExport, func() error {
		var err error
		g, err = exporter.Export(ctx, net, exporter.Options{
			Opset:     cfg.Opset,
			ImageSize: cfg.ImageSize,
			BatchSize: cfg.BatchSize,
			Seed:      cfg.Seed,
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to export graph: %w", err)
	}
	g.Metadata["run_id"] = r.sum.RunID
	if cfg.Simplify || cfg.Quantize != QuantizeNone {
		if _, err := r.temp.save(cfg.OutputPath, "temp", g); err != nil {
			return nil, err
		}
	}

	if err := r.stage(ctx, StageValidate, func() error { return validate(g) }); err != nil {
		return nil, err
	}

	if cfg.Simplify {
		var res simplify.Result
		if err := r.stage(ctx, StageSimplify, func() error {
			res = simplify.Simplify(ctx, g, simplify.Options{Seed: cfg.Seed})
			return nil
		}); err != nil {
			return nil, err
		}
		if res.Fallback != nil {
			r.metrics.failed(StageSimplify)
			r.sum.SimplifyFallback = res.Fallback
		} else {
			g = res.Graph
			r.sum.Simplified = true
			if _, err := r.temp.save(cfg.OutputPath, "simplified", g); err != nil {
				return nil, err
			}
		}
	}

	g, err := r.tail(ctx, g, tailOptions{
		output:         cfg.OutputPath,
		quantize:       cfg.Quantize == QuantizeInt8,
		calibrationDir: cfg.CalibrationDir,
		benchmark:      cfg.Benchmark,
		bench: benchmark.Options{
			ImageSize:  cfg.ImageSize,
			Warmup:     cfg.Warmup,
			Iterations: cfg.Iterations,
			Seed:       cfg.Seed,
			Level:      runtime.OptimizationAll,
		},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("conversion finished", "output", cfg.OutputPath, "nodes", len(g.Nodes), "run", r.sum.RunID)
	return r.sum, nil
}

// GenerateConfig describes a synthetic fixture run.
type GenerateConfig struct {
	Synthetic   synthetic.Options
	OutputPath  string
	Quantize    bool
	Benchmark   bool
	Warmup      int
	Iterations  int
	MetricsFile string
}

// Generate builds a synthetic detector graph and writes it like a converted
// one.
func Generate(ctx context.Context, cfg GenerateConfig) (*Summary, error) {
	r := newRun(cfg.OutputPath)
	defer r.finish(cfg.MetricsFile)
	r.sum.Family = "synthetic"
	r.sum.ImageSize, r.sum.BatchSize = cfg.Synthetic.Size, 1

	var g *graph.Graph
	if err := r.stage(ctx, StageGenerate, func() error {
		var err error
		g, err = synthetic.Build(cfg.Synthetic)
		return err
	}); err != nil {
		return nil, err
	}
	g.Metadata["run_id"] = r.sum.RunID
	if err := r.stage(ctx, StageValidate, func() error { return validate(g) }); err != nil {
		return nil, err
	}
	if _, err := r.tail(ctx, g, tailOptions{
		output:    cfg.OutputPath,
		quantize:  cfg.Quantize,
		benchmark: cfg.Benchmark,
		bench: benchmark.Options{
			ImageSize:  cfg.Synthetic.Size,
			Warmup:     cfg.Warmup,
			Iterations: cfg.Iterations,
			Seed:       cfg.Synthetic.Seed,
			Level:      runtime.OptimizationAll,
		},
	}); err != nil {
		return nil, err
	}
	return r.sum, nil
}

type tailOptions struct {
	output         string
	quantize       bool
	calibrationDir string
	benchmark      bool
	bench          benchmark.Options
}

// tail quantizes, writes and benchmarks a validated graph.
func (r *run) tail(ctx context.Context, g *graph.Graph, opts tailOptions) (*graph.Graph, error) {
	if opts.quantize {
		var res quantize.Result
		if err := r.stage(ctx, StageQuantize, func() error {
			res = quantize.Quantize(ctx, g, quantize.Options{CalibrationDir: opts.calibrationDir})
			return nil
		}); err != nil {
			return nil, err
		}
		if res.Fallback != nil {
			slog.Warn("quantization skipped, keeping float graph", "err", res.Fallback)
			r.metrics.failed(StageQuantize)
			r.sum.QuantizeFallback = res.Fallback
		} else {
			if err := validate(res.Graph); err != nil {
				return nil, fmt.Errorf("quantized graph: %w", err)
			}
			g = res.Graph
			r.sum.Quantization = string(res.Mode)
		}
	}

	if err := r.stage(ctx, StageWrite, func() error {
		n, err := writeAtomic(opts.output, g)
		r.sum.FileBytes = n
		return err
	}); err != nil {
		return nil, err
	}
	st := g.Stats()
	r.sum.Opset, r.sum.Nodes, r.sum.Initializers, r.sum.FloatBytes = g.Opset, st.Nodes, st.Initializers, st.FloatBytes
	r.metrics.written(st.Nodes, r.sum.FileBytes)
	r.temp.cleanup()

	if opts.benchmark {
		var res benchmark.Result
		err := r.stage(ctx, StageBenchmark, func() error {
			var err error
			res, err = benchmark.Run(ctx, g, opts.bench)
			return err
		})
		if err != nil {
			slog.Warn("benchmark skipped", "err", err)
			r.sum.BenchmarkErr = err
		} else {
			r.sum.Benchmark = &res
			r.metrics.benchmark(res)
		}
	}
	return g, nil
}
