package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"line-plant/pkg/model"
)

// Directory is the on-disk layout of a node directory seed file.
//
//	nodes:
//	  - id: mdf-1
//	    name: Main frame
//	    kind: mainframe
//	    capacity: {sets: 2, terminalsPerSet: 10, portsPerTerminal: 10}
type Directory struct {
	Nodes []model.DistributionNode `yaml:"nodes"`
}

// LoadDirectory reads and validates a YAML node directory.
func LoadDirectory(path string) ([]model.DistributionNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node directory: %w", err)
	}
	return ParseDirectory(data)
}

// ParseDirectory decodes a YAML node directory and validates every node.
func ParseDirectory(data []byte) ([]model.DistributionNode, error) {
	var dir Directory
	if err := yaml.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("parse node directory: %w", err)
	}
	seen := make(map[string]bool, len(dir.Nodes))
	for _, n := range dir.Nodes {
		if err := ValidateCapacity(n); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("node %q: duplicate id", n.ID)
		}
		seen[n.ID] = true
	}
	return dir.Nodes, nil
}
