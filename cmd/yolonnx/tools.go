package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerfoo/yolonnx/pkg/benchmark"
	"github.com/zerfoo/yolonnx/pkg/downloader"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/inspector"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check an ONNX model for structural errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			g, err := graph.Load(args[0])
			if err != nil {
				return err
			}
			if err := validator.Validate(g); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "%s is valid: %d nodes, opset %d\n", args[0], len(g.Nodes), g.Opset)
			return nil
		},
	}
}

func (c *cli) benchCmd() *cobra.Command {
	opts := benchmark.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "bench FILE",
		Short: "Measure inference latency of an ONNX model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := graph.Load(args[0])
			if err != nil {
				return err
			}
			res, err := benchmark.Run(cmd.Context(), g, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "%s: %s\n", args[0], res)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.ImageSize, "img-size", opts.ImageSize, "Size for spatial dimensions the model leaves symbolic")
	f.IntVar(&opts.Warmup, "warmup", opts.Warmup, "Warmup runs")
	f.IntVar(&opts.Iterations, "iterations", opts.Iterations, "Timed runs")
	f.Uint64Var(&opts.Seed, "seed", 0, "Seed for the random input")
	return cmd
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print a summary of an ONNX model",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			_, err := inspector.InspectFile(c.stdout, args[0])
			return err
		},
	}
}

func (c *cli) downloadCmd() *cobra.Command {
	var modelID, output, apiKey string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download YOLO weights from the HuggingFace hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := downloader.NewDownloader(downloader.NewHuggingFaceSource(apiKey))
			fmt.Fprintf(c.stdout, "Downloading model '%s' to '%s'...\n", modelID, output)
			result, err := d.Download(cmd.Context(), modelID, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Weights: %s\n", result.WeightsPath)
			for _, p := range result.ConfigPaths {
				fmt.Fprintf(c.stdout, "Definition: %s\n", p)
			}
			if cfg := result.ConfigPath(); cfg != "" {
				fmt.Fprintf(c.stdout, "\nConvert with:\n  yolonnx convert --weights %s --cfg %s --output model.onnx\n", result.WeightsPath, cfg)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&modelID, "model", "", "HuggingFace model ID, e.g. 'Ultralytics/YOLOv5'")
	f.StringVar(&output, "output", ".", "Output directory for downloaded files")
	f.StringVar(&apiKey, "api-key", "", "HuggingFace API key (default $HF_API_KEY)")
	cmd.MarkFlagRequired("model")
	return cmd
}
