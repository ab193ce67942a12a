package inspector

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zerfoo/yolonnx/pkg/graph"
	"github.com/zerfoo/yolonnx/pkg/synthetic"
)

// Helper function to write a small synthetic detector to disk
func createSyntheticModel(t *testing.T, dir string) string {
	t.Helper()
	opts := synthetic.DefaultOptions()
	opts.Size = 32
	g, err := synthetic.Build(opts)
	if err != nil {
		t.Fatalf("Failed to build synthetic model: %v", err)
	}
	path := filepath.Join(dir, "synthetic.onnx")
	if err := graph.Save(path, g); err != nil {
		t.Fatalf("Failed to save synthetic model: %v", err)
	}
	return path
}

func TestInspectFile(t *testing.T) {
	path := createSyntheticModel(t, t.TempDir())

	var buf bytes.Buffer
	r, err := InspectFile(&buf, path)
	if err != nil {
		t.Fatalf("InspectFile returned an error: %v", err)
	}
	if r.Opset != graph.DefaultOpset {
		t.Errorf("Opset = %d, want %d", r.Opset, graph.DefaultOpset)
	}
	if r.IRVersion != 7 {
		t.Errorf("IRVersion = %d, want 7", r.IRVersion)
	}
	if r.OpCounts["Conv"] != 2 {
		t.Errorf("Conv count = %d, want 2", r.OpCounts["Conv"])
	}

	output := buf.String()
	for _, want := range []string{
		"Inspecting ONNX model from:",
		"yolonnx",
		"[batch_size,3,32,32]",
		"[batch_size,255,16,16]",
		"float32",
		"LeakyRelu",
		"num_classes",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q:\n%s", want, output)
		}
	}
}

func TestRenderOrdersOpsByCount(t *testing.T) {
	r := &Report{OpCounts: map[string]int{"Add": 1, "Conv": 3, "Relu": 3}}
	var buf bytes.Buffer
	r.Render(&buf)
	out := buf.String()
	conv, relu, add := strings.Index(out, "Conv"), strings.Index(out, "Relu"), strings.Index(out, "Add")
	if !(conv < relu && relu < add) {
		t.Errorf("ops not ordered by count then name:\n%s", out)
	}
	if strings.Contains(out, "Metadata") {
		t.Errorf("empty metadata should not be printed:\n%s", out)
	}
}

func TestInspectFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := InspectFile(&bytes.Buffer{}, filepath.Join(dir, "missing.onnx")); err == nil {
		t.Error("expected an error for a missing file")
	}
	bad := filepath.Join(dir, "bad.onnx")
	if err := os.WriteFile(bad, []byte{0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := InspectFile(&bytes.Buffer{}, bad); err == nil {
		t.Error("expected an error for a corrupt file")
	}
}
