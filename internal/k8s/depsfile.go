package k8s

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadDependenciesFile reads a JSON dependency map: component name to the
// list of components it depends on.
func LoadDependenciesFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dependencies file: %w", err)
	}
	var deps map[string][]string
	if err := json.Unmarshal(data, &deps); err != nil {
		return nil, fmt.Errorf("parse dependencies file %s: %w", path, err)
	}
	return deps, nil
}
