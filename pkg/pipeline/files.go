package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zerfoo/yolonnx/pkg/graph"
)

// tempFiles tracks intermediate artifacts so every exit route can remove
// them.
type tempFiles struct {
	paths []string
}

// path returns the intermediate file name for out with the given suffix,
// e.g. model.onnx -> model_temp.onnx.
func (t *tempFiles) path(out, suffix string) string {
	ext := filepath.Ext(out)
	p := strings.TrimSuffix(out, ext) + "_" + suffix + ext
	t.paths = append(t.paths, p)
	return p
}

func (t *tempFiles) save(out, suffix string, g *graph.Graph) (string, error) {
	p := t.path(out, suffix)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := graph.Save(p, g); err != nil {
		return "", fmt.Errorf("failed to write intermediate graph: %w", err)
	}
	return p, nil
}

// cleanup removes every tracked file that exists.
func (t *tempFiles) cleanup() {
	for _, p := range t.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove intermediate file", "path", p, "err", err)
		}
	}
	t.paths = nil
}

// writeAtomic writes g to path through a temporary file in the same
// directory, so path either holds the complete graph or is untouched.
func writeAtomic(path string, g *graph.Graph) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	b := graph.Marshal(g)
	if _, err := f.Write(b); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to move graph into place: %w", err)
	}
	return int64(len(b)), nil
}
