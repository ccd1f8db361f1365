package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// Validate checks cfg for semantic correctness and returns all validation errors
// found. An empty slice means the config is valid.
//
// Checks performed:
//   - version must be 1
//   - auditor names must appear in knownAuditors
//   - check keys must be "auditor/check" and appear in knownChecks
//   - check params must be non-negative
//   - enforcement fail_on_severity must be a valid severity value if set
//
// All errors are collected before returning; Validate never stops at the first error.
// Map keys are visited in sorted order so the result is stable.
func Validate(cfg *PolicyConfig, knownAuditors, knownChecks []string) []error {
	if cfg == nil {
		return []error{fmt.Errorf("policy config is nil")}
	}

	var errs []error

	// Version check.
	if cfg.Version != 1 {
		errs = append(errs, fmt.Errorf("version: unsupported value %d; must be 1", cfg.Version))
	}

	// Auditor checks.
	for _, name := range sortedKeys(cfg.Auditors) {
		if !slices.Contains(knownAuditors, name) {
			errs = append(errs, fmt.Errorf("auditors.%s: unknown auditor; valid values: %s", name, strings.Join(knownAuditors, ", ")))
		}
	}

	// Check entries.
	for _, key := range sortedKeys(cfg.Checks) {
		if _, err := registry.ParseIdentity(key); err != nil {
			errs = append(errs, fmt.Errorf("checks.%s: %w", key, err))
			continue
		}
		if !slices.Contains(knownChecks, key) {
			errs = append(errs, fmt.Errorf("checks.%s: unknown check", key))
		}
		params := cfg.Checks[key].Params
		for _, p := range sortedKeys(params) {
			if params[p] < 0 {
				errs = append(errs, fmt.Errorf("checks.%s.params.%s: must not be negative; got %v", key, p, params[p]))
			}
		}
	}

	// Enforcement check.
	if sev := cfg.Enforcement.FailOnSeverity; sev != "" {
		if _, err := models.ParseSeverity(sev); err != nil {
			errs = append(errs, fmt.Errorf("enforcement.fail_on_severity: %w", err))
		}
	}

	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
