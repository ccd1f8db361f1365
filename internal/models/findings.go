package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// SchemaVersion is the findings-format version stamped on every Finding.
const SchemaVersion = "2018-10-08"

// DefaultConfidence is used when a check does not set a confidence score.
const DefaultConfidence = 99

// ProductName is written into ProductFields["Product Name"].
const ProductName = "posture-auditor"

// Severity represents the impact level of a finding.
type Severity string

const (
	SeverityCritical      Severity = "CRITICAL"
	SeverityHigh          Severity = "HIGH"
	SeverityMedium        Severity = "MEDIUM"
	SeverityLow           Severity = "LOW"
	SeverityInformational Severity = "INFORMATIONAL"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInformational,
}

// Rank orders severities for sorting and threshold comparisons.
// CRITICAL (5) > HIGH (4) > MEDIUM (3) > LOW (2) > INFORMATIONAL (1).
// Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInformational:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the fixed severity labels.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity converts a case-insensitive label into a Severity.
// "INFO" is accepted as shorthand for INFORMATIONAL.
func ParseSeverity(s string) (Severity, error) {
	up := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if up == "INFO" {
		return SeverityInformational, nil
	}
	if !up.Valid() {
		return "", fmt.Errorf("invalid severity %q; valid values: CRITICAL, HIGH, MEDIUM, LOW, INFORMATIONAL", s)
	}
	return up, nil
}

// ComplianceStatus is the pass/fail outcome of one evaluation.
type ComplianceStatus string

const (
	CompliancePassed  ComplianceStatus = "PASSED"
	ComplianceFailed  ComplianceStatus = "FAILED"
	ComplianceWarning ComplianceStatus = "WARNING"
)

// WorkflowStatus tracks whether a finding needs attention.
type WorkflowStatus string

const (
	WorkflowNew      WorkflowStatus = "NEW"
	WorkflowResolved WorkflowStatus = "RESOLVED"
)

// RecordState marks a finding as live or archived.
type RecordState string

const (
	RecordActive   RecordState = "ACTIVE"
	RecordArchived RecordState = "ARCHIVED"
)

// Lifecycle returns the workflow status and record state that must accompany
// status. PASSED resolves and archives; FAILED and WARNING stay new and active.
func (status ComplianceStatus) Lifecycle() (WorkflowStatus, RecordState, error) {
	switch status {
	case CompliancePassed:
		return WorkflowResolved, RecordArchived, nil
	case ComplianceFailed, ComplianceWarning:
		return WorkflowNew, RecordActive, nil
	default:
		return "", "", fmt.Errorf("%w: unknown compliance status %q", ErrInvalidFinding, status)
	}
}

// Default finding types attached when a check does not supply its own.
var DefaultFindingTypes = []string{
	"Software and Configuration Checks/AWS Security Best Practices",
}

// Resource is the cloud resource a finding is about.
type Resource struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Partition string            `json:"partition"`
	Region    string            `json:"region"`
	Details   map[string]string `json:"details,omitempty"`
}

// Remediation is the human guidance attached to a finding.
type Remediation struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// Compliance carries the evaluation outcome and the control identifiers of
// the frameworks the check maps to.
type Compliance struct {
	Status              ComplianceStatus `json:"status"`
	RelatedRequirements []string         `json:"related_requirements,omitempty"`
}

// Finding is the normalized pass/fail record for one (resource, check)
// evaluation. It is the atomic output unit of the check registry.
//
// Build findings with NewFinding; a Finding is never mutated after it has
// been constructed and emitted.
type Finding struct {
	SchemaVersion   string            `json:"schema_version"`
	ID              string            `json:"id"`
	ProductARN      string            `json:"product_arn"`
	GeneratorID     string            `json:"generator_id"`
	AccountID       string            `json:"account_id"`
	Types           []string          `json:"types"`
	FirstObservedAt time.Time         `json:"first_observed_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Severity        Severity          `json:"severity"`
	Confidence      int               `json:"confidence"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Remediation     Remediation       `json:"remediation"`
	ProductFields   map[string]string `json:"product_fields,omitempty"`
	Resource        Resource          `json:"resource"`
	Compliance      Compliance        `json:"compliance"`
	Workflow        WorkflowStatus    `json:"workflow_status"`
	RecordState     RecordState       `json:"record_state"`

	// Auditor and Check identify the check that produced the finding.
	Auditor string `json:"auditor"`
	Check   string `json:"check"`
}

// FindingInput is everything a check decides about one evaluation. The
// remaining Finding fields are derived by NewFinding.
type FindingInput struct {
	Scope        Scope
	Auditor      string
	Check        string
	Resource     Resource
	Status       ComplianceStatus
	Severity     Severity
	Title        string
	Description  string
	Remediation  Remediation
	Types        []string
	Requirements []string
	ObservedAt   time.Time

	// Confidence is 0-100; nil means DefaultConfidence.
	Confidence *int
}

// ErrInvalidFinding is wrapped by every finding construction or validation error.
var ErrInvalidFinding = errors.New("invalid finding")

// FindingID returns the deterministic identifier for a (resource, check)
// evaluation. Repeated runs against the same resource and check produce the
// same ID, which downstream consumers use for deduplication.
func FindingID(resourceID, check string) string {
	return resourceID + "/" + check
}

// ProductARN returns the findings-product ARN for a scope.
func ProductARN(s Scope) string {
	return fmt.Sprintf("arn:%s:securityhub:%s:%s:product/%s/default", s.Partition, s.Region, s.AccountID, s.AccountID)
}

// NewFinding builds a Finding from in. Workflow status and record state are
// derived from the compliance status, so a constructed Finding always honours
// the PASSED→ARCHIVED/RESOLVED and FAILED→ACTIVE/NEW pairing.
func NewFinding(in FindingInput) (Finding, error) {
	workflow, state, err := in.Status.Lifecycle()
	if err != nil {
		return Finding{}, err
	}

	res := in.Resource
	if res.Partition == "" {
		res.Partition = in.Scope.Partition
	}
	if res.Region == "" {
		res.Region = in.Scope.Region
	}
	res.Details = maps.Clone(res.Details)

	confidence := DefaultConfidence
	if in.Confidence != nil {
		confidence = *in.Confidence
	}

	types := slices.Clone(in.Types)
	if len(types) == 0 {
		types = slices.Clone(DefaultFindingTypes)
	}

	observed := in.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	observed = observed.UTC()

	f := Finding{
		SchemaVersion:   SchemaVersion,
		ID:              FindingID(res.ID, in.Check),
		ProductARN:      ProductARN(in.Scope),
		GeneratorID:     res.ID,
		AccountID:       in.Scope.AccountID,
		Types:           types,
		FirstObservedAt: observed,
		CreatedAt:       observed,
		UpdatedAt:       observed,
		Severity:        in.Severity,
		Confidence:      confidence,
		Title:           in.Title,
		Description:     in.Description,
		Remediation:     in.Remediation,
		ProductFields:   map[string]string{"Product Name": ProductName},
		Resource:        res,
		Compliance: Compliance{
			Status:              in.Status,
			RelatedRequirements: slices.Clone(in.Requirements),
		},
		Workflow:    workflow,
		RecordState: state,
		Auditor:     in.Auditor,
		Check:       in.Check,
	}
	if err := f.Validate(); err != nil {
		return Finding{}, err
	}
	return f, nil
}

// Validate checks every structural invariant of f and returns all violations
// joined into one error wrapping ErrInvalidFinding.
func (f Finding) Validate() error {
	var errs []error
	if f.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Errorf("schema version %q", f.SchemaVersion))
	}
	if f.ID == "" || f.Resource.ID == "" {
		errs = append(errs, errors.New("missing resource id"))
	}
	if f.AccountID == "" {
		errs = append(errs, errors.New("missing account id"))
	}
	if f.Check == "" || f.Auditor == "" {
		errs = append(errs, errors.New("missing check identity"))
	}
	if !f.Severity.Valid() {
		errs = append(errs, fmt.Errorf("severity %q", f.Severity))
	}
	if f.Confidence < 0 || f.Confidence > 100 {
		errs = append(errs, fmt.Errorf("confidence %d out of range", f.Confidence))
	}
	if f.Title == "" {
		errs = append(errs, errors.New("missing title"))
	}
	workflow, state, err := f.Compliance.Status.Lifecycle()
	if err != nil {
		errs = append(errs, err)
	} else if f.Workflow != workflow || f.RecordState != state {
		errs = append(errs, fmt.Errorf("status %s requires %s/%s, got %s/%s",
			f.Compliance.Status, workflow, state, f.Workflow, f.RecordState))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %w", ErrInvalidFinding, f.ID, errors.Join(errs...))
}

// Passed reports whether the finding records a passing evaluation.
func (f Finding) Passed() bool { return f.Compliance.Status == CompliancePassed }
