package deps

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// manifestFilename is the catalog's name inside the cache directory.
const manifestFilename = "catalog.yaml"

// parseCatalog decodes a manifest document. The manifest maps dependency
// names to their specs; prerequisite references are checked at resolution
// time, not here, so a manifest with a dangling reference still loads.
func parseCatalog(data []byte) (interfaces.Catalog, error) {
	var raw map[string]*interfaces.DependencySpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog manifest: %w", err)
	}

	catalog := make(interfaces.Catalog, len(raw))
	for name, spec := range raw {
		if spec == nil {
			spec = &interfaces.DependencySpec{}
		}
		spec.Name = name
		catalog[name] = spec
	}
	return catalog, nil
}
