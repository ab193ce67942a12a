package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerfoo/yolonnx/pkg/pipeline"
)

func (c *cli) convertCmd() *cobra.Command {
	var (
		fl         = pipeline.DefaultConfig()
		quantize   string
		noBench    bool
		configFile string
	)
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert YOLO weights to an ONNX model",
		Long: `Loads Darknet (.weights + .cfg) or PyTorch (.pt, .pth, .safetensors) weights,
exports an ONNX graph, validates it and optionally simplifies, quantizes and
benchmarks it. Values from --config are overridden by flags given explicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := pipeline.DefaultConfig()
			if configFile != "" {
				var err error
				if cfg, err = pipeline.LoadConfigFile(configFile, cfg); err != nil {
					return err
				}
			}
			fl.Quantize = pipeline.QuantizeMode(quantize)
			fl.Benchmark = !noBench
			overlay(cmd, map[string]func(){
				"weights":          func() { cfg.WeightsPath = fl.WeightsPath },
				"cfg":              func() { cfg.ConfigPath = fl.ConfigPath },
				"output":           func() { cfg.OutputPath = fl.OutputPath },
				"img-size":         func() { cfg.ImageSize = fl.ImageSize },
				"batch-size":       func() { cfg.BatchSize = fl.BatchSize },
				"quantize":         func() { cfg.Quantize = fl.Quantize },
				"calibration-data": func() { cfg.CalibrationDir = fl.CalibrationDir },
				"opset":            func() { cfg.Opset = fl.Opset },
				"simplify":         func() { cfg.Simplify = fl.Simplify },
				"no-bench":         func() { cfg.Benchmark = fl.Benchmark },
				"warmup":           func() { cfg.Warmup = fl.Warmup },
				"iterations":       func() { cfg.Iterations = fl.Iterations },
				"metrics-file":     func() { cfg.MetricsFile = fl.MetricsFile },
				"seed":             func() { cfg.Seed = fl.Seed },
			})
			cfg, err := pipeline.NewConfig(cfg)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.stdout, "Converting %s to %s\n", cfg.WeightsPath, cfg.OutputPath)
			sum, err := pipeline.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			sum.Render(c.stdout)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&fl.WeightsPath, "weights", "", "Path to the weights file")
	f.StringVar(&fl.ConfigPath, "cfg", "", "Path to the model definition (.cfg or .yaml)")
	f.StringVar(&fl.OutputPath, "output", "", "Path for the ONNX model")
	f.IntVar(&fl.ImageSize, "img-size", fl.ImageSize, "Input image size, a multiple of 32")
	f.IntVar(&fl.BatchSize, "batch-size", fl.BatchSize, "Batch size used for export tracing")
	f.StringVar(&quantize, "quantize", string(fl.Quantize), "Quantization: none or int8")
	f.StringVar(&fl.CalibrationDir, "calibration-data", "", "Directory of calibration images or .bin tensors for static int8")
	f.Int64Var(&fl.Opset, "opset", fl.Opset, "ONNX opset version")
	f.BoolVar(&fl.Simplify, "simplify", false, "Simplify the exported graph")
	f.BoolVar(&noBench, "no-bench", false, "Skip the inference benchmark")
	f.IntVar(&fl.Warmup, "warmup", fl.Warmup, "Benchmark warmup runs")
	f.IntVar(&fl.Iterations, "iterations", fl.Iterations, "Benchmark timed runs")
	f.StringVar(&fl.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	f.Uint64Var(&fl.Seed, "seed", 0, "Seed for random export and benchmark inputs")
	f.StringVar(&configFile, "config", "", "YAML file with conversion settings")
	return cmd
}

// overlay runs the setter of every flag set on the command line.
func overlay(cmd *cobra.Command, setters map[string]func()) {
	for name, set := range setters {
		if cmd.Flags().Changed(name) {
			set()
		}
	}
}
