package spa

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOptions loads optimization options from a YAML file. Fields missing
// from the file keep their DefaultOptions values.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Options{}, fmt.Errorf("options file not found: %s", path)
		}
		return Options{}, fmt.Errorf("reading options file: %w", err)
	}
	return ParseOptions(data)
}

// ParseOptions decodes YAML options on top of DefaultOptions and validates them.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parsing options YAML: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("invalid options: %w", err)
	}
	return opts, nil
}

// SaveOptions writes options to a YAML file
func SaveOptions(path string, opts Options) error {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshaling options YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing options file: %w", err)
	}

	return nil
}
