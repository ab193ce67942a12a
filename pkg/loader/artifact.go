// Package loader turns weight artifacts into executable networks. A format
// tag picks an ordered list of loaders; the first one whose capability
// probe accepts the artifact loads it.
package loader

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/zerfoo/yolonnx/pkg/checkpoint"
)

// Format is the tag Resolve assigns to an artifact.
type Format string

const (
	LegacyBinary Format = "legacy-binary"
	Checkpoint   Format = "checkpoint"
)

const weightsExt = ".weights"

// Artifact is a weights file, its optional topology file and its format.
type Artifact struct {
	Path       string
	ConfigPath string
	Format     Format

	once  sync.Once
	sd    *checkpoint.StateDict
	sdErr error
}

// Resolve tags path as legacy-binary when it is a .weights file and a
// config path is given, and as checkpoint otherwise.
func Resolve(path, configPath string) *Artifact {
	f := Checkpoint
	if strings.EqualFold(filepath.Ext(path), weightsExt) && configPath != "" {
		f = LegacyBinary
	}
	return &Artifact{Path: path, ConfigPath: configPath, Format: f}
}

// StateDict reads the artifact as a checkpoint once and caches the result.
func (a *Artifact) StateDict() (*checkpoint.StateDict, error) {
	a.once.Do(func() {
		a.sd, a.sdErr = checkpoint.Load(a.Path)
	})
	return a.sd, a.sdErr
}
