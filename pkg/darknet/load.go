package darknet

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zerfoo/yolonnx/pkg/nn"
)

// BuildFile parses a cfg file and builds its network, named after the file.
func BuildFile(cfgPath string) (*nn.Network, error) {
	sections, err := ParseFile(cfgPath)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(cfgPath), filepath.Ext(cfgPath))
	net, err := Build(name, sections)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfgPath, err)
	}
	return net, nil
}

// Load builds the network of cfgPath and binds the weights file.
func Load(cfgPath, weightsPath string) (*nn.Network, error) {
	net, err := BuildFile(cfgPath)
	if err != nil {
		return nil, err
	}
	if _, err := LoadWeightsFile(net, weightsPath); err != nil {
		return nil, fmt.Errorf("%s: %w", weightsPath, err)
	}
	return net, nil
}

// LoadStateDict builds the network of cfgPath and binds a PyTorch state
// dict using module_list.<i>.Conv2d and module_list.<i>.BatchNorm2d keys.
func LoadStateDict(cfgPath string, sd nn.TensorSource) (*nn.Network, error) {
	net, err := BuildFile(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := net.LoadStateDict(sd); err != nil {
		return nil, err
	}
	return net, nil
}

// KeyPrefix is the state dict prefix of the first stage.
const KeyPrefix = "module_list.0."

// MatchesLayout reports whether a state dict uses module_list.<i>.* keys.
func MatchesLayout(sd interface{ HasPrefix(string) bool }) bool {
	return sd.HasPrefix(KeyPrefix)
}
