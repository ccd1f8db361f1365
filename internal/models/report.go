package models

import "time"

// AuditSummary aggregates counts across all findings and checks of an audit.
type AuditSummary struct {
	TotalFindings int              `json:"total_findings"`
	Passed        int              `json:"passed"`
	Failed        int              `json:"failed"`
	Warning       int              `json:"warning"`
	BySeverity    map[Severity]int `json:"by_severity"`

	// FailedBySeverity counts only FAILED findings; policy enforcement
	// thresholds are evaluated against it.
	FailedBySeverity map[Severity]int `json:"failed_by_severity"`

	ChecksRun     int `json:"checks_run"`
	ChecksFaulted int `json:"checks_faulted"`

	// ResourcesSkipped counts resources checks could not evaluate, such as
	// a bucket whose policy lookup was denied.
	ResourcesSkipped int `json:"resources_skipped"`
}

// NewAuditSummary returns a summary with its maps initialised.
func NewAuditSummary() AuditSummary {
	return AuditSummary{
		BySeverity:       make(map[Severity]int),
		FailedBySeverity: make(map[Severity]int),
	}
}

// Add counts f into the summary.
func (s *AuditSummary) Add(f Finding) {
	if s.BySeverity == nil {
		s.BySeverity = make(map[Severity]int)
	}
	if s.FailedBySeverity == nil {
		s.FailedBySeverity = make(map[Severity]int)
	}
	s.TotalFindings++
	s.BySeverity[f.Severity]++
	switch f.Compliance.Status {
	case CompliancePassed:
		s.Passed++
	case ComplianceFailed:
		s.Failed++
		s.FailedBySeverity[f.Severity]++
	case ComplianceWarning:
		s.Warning++
	}
}

// CheckFault is one check that faulted in one scope.
type CheckFault struct {
	AccountID string `json:"account_id"`
	Region    string `json:"region"`
	Auditor   string `json:"auditor"`
	Check     string `json:"check"`
	Error     string `json:"error"`
	Panicked  bool   `json:"panicked,omitempty"`
}

// ScopeSummary describes the outcome of one scope run.
type ScopeSummary struct {
	Scope            Scope    `json:"scope"`
	State            string   `json:"state"`
	Checks           int      `json:"checks"`
	Findings         int      `json:"findings"`
	Faulted          int      `json:"faulted"`
	ResourcesSkipped int      `json:"resources_skipped"`
	Skipped          []string `json:"skipped_auditors,omitempty"`
	CacheFetches     int64    `json:"cache_fetches"`
	CacheHits        int64    `json:"cache_hits"`
}

// AuditReport is the top-level output of an audit. Findings themselves are
// streamed to a sink; the report carries the coverage picture so a partial
// run is distinguishable from one where everything passed.
type AuditReport struct {
	ReportID    string         `json:"report_id"`
	Fingerprint string         `json:"fingerprint"`
	GeneratedAt time.Time      `json:"generated_at"`
	Duration    string         `json:"duration"`
	Profiles    []string       `json:"profiles"`
	Accounts    []string       `json:"accounts"`
	Regions     []string       `json:"regions"`
	Summary     AuditSummary   `json:"summary"`
	Faults      []CheckFault   `json:"faults,omitempty"`
	Scopes      []ScopeSummary `json:"scopes"`
}
