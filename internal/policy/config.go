package policy

// PolicyConfig is the parsed form of a pa.yaml policy file.
type PolicyConfig struct {
	Version     int                      `yaml:"version"`
	Auditors    map[string]AuditorConfig `yaml:"auditors"`
	Checks      map[string]CheckConfig   `yaml:"checks"`
	Enforcement EnforcementConfig        `yaml:"enforcement"`
}

// AuditorConfig switches a whole auditor on or off.
type AuditorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CheckConfig is keyed by "auditor/check". A nil Enabled leaves the check on.
type CheckConfig struct {
	Enabled *bool              `yaml:"enabled,omitempty"`
	Params  map[string]float64 `yaml:"params,omitempty"`
}

// EnforcementConfig controls the audit exit status.
type EnforcementConfig struct {
	FailOnSeverity string `yaml:"fail_on_severity,omitempty"`
}
