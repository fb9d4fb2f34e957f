package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/federated/agentfabric/pkg/registry"
)

// loadCapabilityCard decodes a node's static capability-card advertisement
// from a YAML file. An empty path yields the zero-value card, which is
// valid: the registry treats the capability card as purely informational.
func loadCapabilityCard(path string) (registry.CapabilityCard, error) {
	var card registry.CapabilityCard
	if path == "" {
		return card, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return card, fmt.Errorf("read capability card %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &card); err != nil {
		return card, fmt.Errorf("parse capability card %s: %w", path, err)
	}
	return card, nil
}
