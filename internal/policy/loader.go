package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedVersion is returned for any policy version other than 1.
var ErrUnsupportedVersion = errors.New("unsupported policy version")

// LoadPolicy reads and parses the policy file at path. Unknown keys are
// rejected so a typo does not silently disable enforcement.
func LoadPolicy(path string) (*PolicyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg PolicyConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedVersion, cfg.Version)
	}

	if cfg.Auditors == nil {
		cfg.Auditors = make(map[string]AuditorConfig)
	}

	if cfg.Checks == nil {
		cfg.Checks = make(map[string]CheckConfig)
	}

	return &cfg, nil
}
