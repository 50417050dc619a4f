package txdef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a definitions catalog.
type catalogFile struct {
	Definitions []*Definition `yaml:"definitions"`
}

// LoadCatalog reads a YAML definitions catalog from path and returns a
// validated registry.
func LoadCatalog(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a registry from raw YAML catalog bytes.
func ParseCatalog(data []byte) (*Registry, error) {
	var cat catalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse definitions catalog: %w", err)
	}
	if len(cat.Definitions) == 0 {
		return nil, fmt.Errorf("definitions catalog is empty")
	}
	normalizeYAML(&cat)
	return NewRegistry(cat.Definitions...)
}

// normalizeYAML converts yaml.v3's map[string]interface{} schema values so
// nested keys are strings all the way down, which the JSON round trip in the
// registry requires.
func normalizeYAML(cat *catalogFile) {
	for _, d := range cat.Definitions {
		d.Build.ParamsSchema = normalizeMap(d.Build.ParamsSchema)
		d.Build.SideEffectParamsSchema = normalizeMap(d.Build.SideEffectParamsSchema)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
