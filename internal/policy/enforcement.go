package policy

import (
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// ShouldFail reports whether the audit summary contains a FAILED finding
// with a severity at or above the configured fail_on_severity threshold.
//
// It returns false when:
//   - cfg is nil (no policy loaded)
//   - fail_on_severity is empty or an unrecognised value
//   - no finding failed at or above the threshold
//
// Passed findings never count, whatever their severity.
// Severity rank ordering: CRITICAL (5) > HIGH (4) > MEDIUM (3) > LOW (2) > INFORMATIONAL (1).
func ShouldFail(summary models.AuditSummary, cfg *PolicyConfig) bool {
	if cfg == nil || cfg.Enforcement.FailOnSeverity == "" {
		return false
	}
	threshold, err := models.ParseSeverity(cfg.Enforcement.FailOnSeverity)
	if err != nil {
		return false
	}
	for sev, n := range summary.FailedBySeverity {
		if n > 0 && sev.Rank() >= threshold.Rank() {
			return true
		}
	}
	return false
}
