package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerfoo/yolonnx/pkg/pipeline"
	"github.com/zerfoo/yolonnx/pkg/synthetic"
)

func (c *cli) generateCmd() *cobra.Command {
	cfg := pipeline.GenerateConfig{
		Synthetic:  synthetic.DefaultOptions(),
		OutputPath: "models/yolo_nano.onnx",
		Warmup:     5,
		Iterations: 20,
	}
	var layout string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a synthetic YOLO-shaped ONNX model",
		Long: `Builds a small random-weight detector with a YOLO head layout. The model is
meant for exercising inference plumbing, not for detection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Synthetic.Layout = synthetic.Layout(layout)
			if err := cfg.Synthetic.Validate(); err != nil {
				return err
			}
			sum, err := pipeline.Generate(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Generated %s with output %s\n", cfg.OutputPath, cfg.Synthetic.OutputShape())
			sum.Render(c.stdout)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.OutputPath, "output", cfg.OutputPath, "Path for the ONNX model")
	f.IntVar(&cfg.Synthetic.Size, "img-size", cfg.Synthetic.Size, "Input image size, even")
	f.IntVar(&cfg.Synthetic.NumClasses, "num-classes", cfg.Synthetic.NumClasses, "Number of classes")
	f.IntVar(&cfg.Synthetic.NumAnchors, "anchors", cfg.Synthetic.NumAnchors, "Anchors per grid cell")
	f.Int64Var(&cfg.Synthetic.Opset, "opset", cfg.Synthetic.Opset, "ONNX opset version")
	f.Uint64Var(&cfg.Synthetic.Seed, "seed", 0, "Seed for the random weights")
	f.StringVar(&layout, "layout", string(synthetic.LayoutGrid), "Output layout: grid or boxes")
	f.BoolVar(&cfg.Quantize, "quantize", false, "Quantize the model to int8")
	f.BoolVar(&cfg.Benchmark, "bench", false, "Benchmark the generated model")
	f.IntVar(&cfg.Warmup, "warmup", cfg.Warmup, "Benchmark warmup runs")
	f.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "Benchmark timed runs")
	f.StringVar(&cfg.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	return cmd
}
