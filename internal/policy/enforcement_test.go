package policy

import (
	"testing"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

func summaryOf(findings ...models.Finding) models.AuditSummary {
	s := models.NewAuditSummary()
	for _, f := range findings {
		s.Add(f)
	}
	return s
}

func finding(status models.ComplianceStatus, sev models.Severity) models.Finding {
	return models.Finding{Severity: sev, Compliance: models.Compliance{Status: status}}
}

func enforce(sev string) *PolicyConfig {
	return &PolicyConfig{Version: 1, Enforcement: EnforcementConfig{FailOnSeverity: sev}}
}

func TestShouldFail_NilConfig(t *testing.T) {
	s := summaryOf(finding(models.ComplianceFailed, models.SeverityCritical))
	if ShouldFail(s, nil) {
		t.Error("nil cfg must return false")
	}
}

func TestShouldFail_NoEnforcementBlock(t *testing.T) {
	s := summaryOf(finding(models.ComplianceFailed, models.SeverityCritical))
	if ShouldFail(s, &PolicyConfig{Version: 1}) {
		t.Error("absent enforcement block must return false")
	}
}

func TestShouldFail_NoFindings(t *testing.T) {
	if ShouldFail(models.NewAuditSummary(), enforce("HIGH")) {
		t.Error("empty summary must return false")
	}
}

func TestShouldFail_InvalidSeverityIgnored(t *testing.T) {
	s := summaryOf(finding(models.ComplianceFailed, models.SeverityCritical))
	if ShouldFail(s, enforce("BOGUS")) {
		t.Error("unrecognised fail_on_severity must return false")
	}
}

func TestShouldFail_PassedFindingsNeverCount(t *testing.T) {
	// Passed findings are INFORMATIONAL, so even an INFO threshold ignores them.
	s := summaryOf(
		finding(models.CompliancePassed, models.SeverityInformational),
		finding(models.CompliancePassed, models.SeverityInformational),
	)
	if ShouldFail(s, enforce("info")) {
		t.Error("passed findings must not trip enforcement")
	}
}

func TestShouldFail_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold string
		failed    models.Severity
		want      bool
	}{
		{"critical at critical", "CRITICAL", models.SeverityCritical, true},
		{"high below critical", "CRITICAL", models.SeverityHigh, false},
		{"critical above high", "high", models.SeverityCritical, true},
		{"high at high", "High", models.SeverityHigh, true},
		{"medium below high", "HIGH", models.SeverityMedium, false},
		{"low at info", "INFO", models.SeverityLow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := summaryOf(
				finding(models.CompliancePassed, models.SeverityInformational),
				finding(models.ComplianceFailed, tt.failed),
			)
			if got := ShouldFail(s, enforce(tt.threshold)); got != tt.want {
				t.Errorf("ShouldFail(%s, %s) = %v; want %v", tt.failed, tt.threshold, got, tt.want)
			}
		})
	}
}
