package loader

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zerfoo/yolonnx/pkg/darknet"
	"github.com/zerfoo/yolonnx/pkg/nn"
	"github.com/zerfoo/yolonnx/pkg/yolov5"
)

// darknetLoader binds .weights files to a cfg topology.
type darknetLoader struct{}

func (darknetLoader) Name() string { return "darknet" }

func (darknetLoader) CanLoad(a *Artifact) bool {
	if a.ConfigPath == "" {
		return false
	}
	_, err := os.Stat(a.Path)
	return err == nil
}

func (darknetLoader) Load(a *Artifact, _ Options) (*nn.Network, error) {
	if _, err := os.Stat(a.ConfigPath); err != nil {
		return nil, fmt.Errorf("%w: cfg %s: %v", ErrMissingDependency, a.ConfigPath, err)
	}
	return darknet.Load(a.ConfigPath, a.Path)
}

// yolov5Loader binds model.<i>.* checkpoints to a YAML definition.
type yolov5Loader struct{}

func (yolov5Loader) Name() string { return "yolov5" }

func (yolov5Loader) CanLoad(a *Artifact) bool {
	sd, err := a.StateDict()
	return err == nil && yolov5.MatchesLayout(sd)
}

func (yolov5Loader) Load(a *Artifact, _ Options) (*nn.Network, error) {
	sd, err := a.StateDict()
	if err != nil {
		return nil, err
	}
	defPath := a.ConfigPath
	if defPath != "" && !isYAML(defPath) {
		return nil, fmt.Errorf("%w: %s is not a YAML model definition", ErrMissingDependency, defPath)
	}
	net, err := yolov5.Load(defPath, sd)
	if errors.Is(err, yolov5.ErrNoDefinition) {
		return nil, fmt.Errorf("%w: checkpoint embeds no model definition, pass a .yaml with --cfg", ErrMissingDependency)
	}
	return net, err
}

func isYAML(path string) bool {
	p := strings.ToLower(path)
	return strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml")
}

// darknetTorchLoader binds module_list.<i>.* checkpoints to a cfg topology.
type darknetTorchLoader struct{}

func (darknetTorchLoader) Name() string { return "darknet-torch" }

func (darknetTorchLoader) CanLoad(a *Artifact) bool {
	sd, err := a.StateDict()
	return err == nil && darknet.MatchesLayout(sd)
}

func (darknetTorchLoader) Load(a *Artifact, _ Options) (*nn.Network, error) {
	sd, err := a.StateDict()
	if err != nil {
		return nil, err
	}
	if a.ConfigPath != "" {
		return darknet.LoadStateDict(a.ConfigPath, sd)
	}
	cfg, ok := sd.Metadata["cfg"]
	if !ok {
		return nil, fmt.Errorf("%w: darknet checkpoints need a .cfg, pass one with --cfg", ErrMissingDependency)
	}
	sections, err := darknet.Parse(strings.NewReader(cfg))
	if err != nil {
		return nil, err
	}
	net, err := darknet.Build("darknet", sections)
	if err != nil {
		return nil, err
	}
	if err := net.LoadStateDict(sd); err != nil {
		return nil, err
	}
	return net, nil
}
