package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML,
// .json for JSON. Files with other extensions are tried as YAML first,
// then JSON.
//
// The returned manifest has been validated and has defaults applied.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	m, err := LoadFromBytes(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// LoadFromReader reads and validates a manifest from a reader.
//
// The ext parameter hints at the format (".yaml", ".json"); an empty
// string triggers format detection.
func LoadFromReader(r io.Reader, ext string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, ext)
}

// LoadFromBytes parses, validates, and applies defaults to manifest bytes.
func LoadFromBytes(data []byte, ext string) (*Manifest, error) {
	var m Manifest

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	default:
		// Unknown extension: try YAML first (it is a superset of JSON for
		// our purposes), then JSON for a clearer error on JSON input.
		if yamlErr := yaml.Unmarshal(data, &m); yamlErr != nil {
			if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
				return nil, fmt.Errorf("parse manifest: not valid YAML (%v) or JSON (%v)", yamlErr, jsonErr)
			}
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	m.ApplyDefaults()
	return &m, nil
}
