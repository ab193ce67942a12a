package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zerfoo/yolonnx/internal/logging"
)

type cli struct {
	stdout, stderr io.Writer
	logLevel       string
	logFile        string
	closers        []io.Closer
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr}
}

func (c *cli) close() {
	for _, cl := range c.closers {
		cl.Close()
	}
	c.closers = nil
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "yolonnx",
		Short: "Convert YOLO detector weights to ONNX",
		Long: `yolonnx converts Darknet and PyTorch YOLO weights into validated ONNX graphs,
optionally simplified and int8-quantized, and builds synthetic detector fixtures.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return c.setupLogging(cmd) },
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level: debug, info, warn or error (env YOLONNX_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&c.logFile, "log-file", "", "Append logs to this file instead of stderr")

	root.AddCommand(
		c.convertCmd(),
		c.generateCmd(),
		c.validateCmd(),
		c.benchCmd(),
		c.inspectCmd(),
		c.downloadCmd(),
	)
	return root
}

func (c *cli) setupLogging(cmd *cobra.Command) error {
	level := c.logLevel
	if env := os.Getenv("YOLONNX_LOG_LEVEL"); env != "" && !cmd.Flags().Changed("log-level") {
		level = env
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	w := c.stderr
	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		c.closers = append(c.closers, f)
		w = f
	}
	slog.SetDefault(logging.New(w, lvl))
	return nil
}
