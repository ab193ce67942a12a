package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zerfoo/yolonnx/pkg/nn"
)

var (
	// ErrUnsupportedFormat is returned when no registered loader accepts an
	// artifact.
	ErrUnsupportedFormat = errors.New("unsupported weights format")
	// ErrMissingDependency is returned when the accepting loader needs a
	// companion file the artifact does not provide.
	ErrMissingDependency = errors.New("missing dependency")
)

// Options tune a load.
type Options struct {
	// KeepTraining leaves the network in training mode after loading.
	KeepTraining bool
}

// Loader builds and binds one family of networks.
type Loader interface {
	Name() string
	// CanLoad probes the artifact without binding any weights.
	CanLoad(a *Artifact) bool
	Load(a *Artifact, opts Options) (*nn.Network, error)
}

var (
	mu       sync.RWMutex
	registry = map[Format][]Loader{}
)

// Register appends l to the probe order of format f.
func Register(f Format, l Loader) {
	mu.Lock()
	defer mu.Unlock()
	registry[f] = append(registry[f], l)
}

// Loaders returns the probe order of format f.
func Loaders(f Format) []Loader {
	mu.RLock()
	defer mu.RUnlock()
	return append([]Loader(nil), registry[f]...)
}

func init() {
	Register(LegacyBinary, darknetLoader{})
	Register(Checkpoint, yolov5Loader{})
	Register(Checkpoint, darknetTorchLoader{})
}

// Load hands a to the first loader of its format that accepts it and
// switches the result to eval mode.
func Load(a *Artifact, opts Options) (*nn.Network, error) {
	for _, l := range Loaders(a.Format) {
		if !l.CanLoad(a) {
			slog.Debug("loader declined artifact", "loader", l.Name(), "path", a.Path)
			continue
		}
		slog.Info("loading weights", "loader", l.Name(), "path", a.Path, "format", string(a.Format))
		net, err := l.Load(a, opts)
		if err != nil {
			return nil, fmt.Errorf("%s loader: %w", l.Name(), err)
		}
		if !opts.KeepTraining {
			net.Eval()
		}
		return net, nil
	}
	if a.Format == Checkpoint {
		if _, err := a.StateDict(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, a.Path, err)
		}
	}
	return nil, fmt.Errorf("%w: no %s loader accepts %s", ErrUnsupportedFormat, a.Format, a.Path)
}
