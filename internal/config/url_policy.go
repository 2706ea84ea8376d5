package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// URLPolicyLists is the YAML form of the navigation allow/deny lists.
//
//	allowed:
//	  - docs.example.com
//	denied:
//	  - "*.example.com"
type URLPolicyLists struct {
	Allowed []string `yaml:"allowed"`
	Denied  []string `yaml:"denied"`
}

// LoadURLPolicy reads and validates a URL policy YAML file. Returns an
// os.ErrNotExist-wrapped error if the file is absent.
func LoadURLPolicy(path string) (*URLPolicyLists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("url policy config: %w", err)
	}
	var lists URLPolicyLists
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return nil, fmt.Errorf("url policy config: %w", err)
	}
	for i, p := range lists.Allowed {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("url policy config: allowed[%d] is empty", i)
		}
	}
	for i, p := range lists.Denied {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("url policy config: denied[%d] is empty", i)
		}
	}
	return &lists, nil
}
