// Command yolonnx converts YOLO detector weights to ONNX and builds
// synthetic detector fixtures.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/zerfoo/yolonnx/pkg/darknet"
	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/loader"
	"github.com/zerfoo/yolonnx/pkg/validator"
)

// Exit codes.
const (
	exitOK = iota
	exitError
	exitUnsupportedFormat
	exitMissingDependency
	exitWeightShapeMismatch
	exitStructural
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCLI(stdout, stderr)
	defer c.close()
	root := c.rootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, loader.ErrUnsupportedFormat):
		return exitUnsupportedFormat
	case errors.Is(err, loader.ErrMissingDependency):
		return exitMissingDependency
	case errors.Is(err, darknet.ErrWeightShapeMismatch):
		return exitWeightShapeMismatch
	case errors.Is(err, validator.ErrStructural),
		errors.Is(err, graph.ErrDanglingInput),
		errors.Is(err, graph.ErrDuplicateTensor),
		errors.Is(err, graph.ErrUnknownOutput):
		return exitStructural
	}
	return exitError
}
