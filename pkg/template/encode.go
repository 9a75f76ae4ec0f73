package template

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Format represents the template encoding.
type Format string

const (
	// FormatJSON encodes the template as indented JSON.
	FormatJSON Format = "json"
	// FormatYAML encodes the template as YAML.
	FormatYAML Format = "yaml"
)

func (f Format) IsUnknown() bool {
	switch f {
	case FormatJSON, FormatYAML:
		return false
	default:
		return true
	}
}

// Encode writes the template to w in the given format.
func (t *Template) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(t); err != nil {
			return fmt.Errorf("failed to serialize to JSON: %w", err)
		}
		return nil
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(t); err != nil {
			return fmt.Errorf("failed to serialize to YAML: %w", err)
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
