package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads a loom.yaml from path, expands environment variables, merges
// it over Default(), validates the result, and returns it ready for use.
// A missing file is not an error: the defaults alone are returned, mirroring
// tarsy's loader.go allowing a config-free quickstart.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	raw = ExpandEnv(raw)

	var loaded Config
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
