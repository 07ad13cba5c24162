package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// LoadValidatedYAML reads a YAML document, validates it against the given
// JSON Schema, and decodes it into out. The schema runs against the
// JSON-equivalent form of the document, so schema authors write plain JSON
// Schema regardless of the on-disk format.
func LoadValidatedYAML(path, schemaJSON string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return ValidateYAML(data, schemaJSON, out, path)
}

// ValidateYAML validates raw YAML bytes against schemaJSON and decodes into
// out. name is used in error messages only.
func ValidateYAML(data []byte, schemaJSON string, out any, name string) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", name, err)
	}

	// Round-trip through JSON so the validator sees canonical types
	// (string keys, float64 numbers).
	jsonBytes, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return fmt.Errorf("config: %s is not JSON-representable: %w", name, err)
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonBytes, &jsonDoc); err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://choiros.schemas.local/config/" + sanitizeName(name) + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config: load schema for %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("config: compile schema for %s: %w", name, err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("config: %s failed schema validation: %w", name, err)
	}

	if err := json.Unmarshal(jsonBytes, out); err != nil {
		return fmt.Errorf("config: decode %s: %w", name, err)
	}
	return nil
}

// normalizeYAML converts map[any]any trees produced by YAML decoding into
// map[string]any trees JSON can encode.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalizeYAML(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalizeYAML(val)
		}
		return s
	default:
		return v
	}
}

func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", " ", "-", ".", "-")
	return r.Replace(name)
}
