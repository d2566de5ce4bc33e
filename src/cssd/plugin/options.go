package plugin

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultExtensions are the stylesheet extensions handled when none are configured.
var DefaultExtensions = []string{".css"}

// Options is the collaborator configuration surface.
type Options struct {
	// Config is forwarded verbatim to the compilation backend.
	Config json.RawMessage
	// Extensions lists the file extensions treated as stylesheets.
	Extensions []string
	// RetainImport keeps the original stylesheet reference next to the injected tokens.
	RetainImport bool
}

type rawOptions struct {
	Config       interface{} `yaml:"config"`
	Extensions   interface{} `yaml:"extensions"`
	RetainImport interface{} `yaml:"retainImport"`
}

// LoadOptions reads Options from a YAML or JSON file.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("reading options: %w", err)
	}
	return ParseOptions(data)
}

// ParseOptions decodes Options from YAML or JSON. An extensions value that is
// not a list of strings selects DefaultExtensions.
func ParseOptions(data []byte) (Options, error) {
	var raw rawOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, fmt.Errorf("decoding options: %w", err)
	}

	opts := Options{Extensions: extensions(raw.Extensions)}
	if raw.Config != nil {
		cfg, err := json.Marshal(raw.Config)
		if err != nil {
			return Options{}, fmt.Errorf("config must be JSON-compatible: %w", err)
		}
		opts.Config = cfg
	}
	if b, ok := raw.RetainImport.(bool); ok {
		opts.RetainImport = b
	}
	return opts, nil
}

func extensions(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return DefaultExtensions
	}
	exts := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return DefaultExtensions
		}
		exts = append(exts, s)
	}
	return exts
}
