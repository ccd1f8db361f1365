package policy

import "github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"

// GetThreshold returns the configured float64 parameter value for a check, or
// defaultValue when no override is present. It is safe to call with cfg == nil.
//
// Lookup order:
//  1. cfg == nil → defaultValue
//  2. cfg.Checks["auditor/check"] absent → defaultValue
//  3. cfg.Checks["auditor/check"].Params[key] absent → defaultValue
//  4. Otherwise → configured value
func GetThreshold(id registry.Identity, key string, defaultValue float64, cfg *PolicyConfig) float64 {
	if cfg == nil {
		return defaultValue
	}
	cc, ok := cfg.Checks[id.String()]
	if !ok {
		return defaultValue
	}
	v, ok := cc.Params[key]
	if !ok {
		return defaultValue
	}
	return v
}

// Params adapts a policy to the auditors' parameter lookup.
type Params struct {
	Config *PolicyConfig
}

func (p Params) Threshold(id registry.Identity, key string, def float64) float64 {
	return GetThreshold(id, key, def, p.Config)
}
