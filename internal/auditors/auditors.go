// Package auditors holds the built-in security checks, one file per AWS
// service. Each auditor reads AWS through common.Fetcher, shares responses
// through the run's cache and yields one finding per evaluated resource.
package auditors

import (
	"context"
	"time"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// Params supplies per-check numeric parameters, such as age thresholds,
// from policy. A nil Params leaves every check on its default.
type Params interface {
	Threshold(check registry.Identity, key string, def float64) float64
}

// Deps are the collaborators every auditor needs.
type Deps struct {
	Clients common.ClientSource
	Fetcher *common.Fetcher
	Params  Params

	// Now stamps findings; defaults to time.Now.
	Now func() time.Time
}

// Auditor is one resource family's set of checks.
type Auditor interface {
	Name() string
	Checks() []registry.Check
}

// All returns every built-in auditor in registration order.
func All(deps Deps) []Auditor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return []Auditor{
		&ec2Auditor{base{name: "ec2", deps: deps}},
		&iamAuditor{base{name: "iam", deps: deps}},
		&s3Auditor{base{name: "s3", deps: deps}},
		&cloudTrailAuditor{base{name: "cloudtrail", deps: deps}},
		&guardDutyAuditor{base{name: "guardduty", deps: deps}},
		&configAuditor{base{name: "config", deps: deps}},
		&rdsAuditor{base{name: "rds", deps: deps}},
		&elbv2Auditor{base{name: "elbv2", deps: deps}},
		&eksAuditor{base{name: "eks", deps: deps}},
		&cloudWatchAuditor{base{name: "cloudwatch", deps: deps}},
	}
}

// RegisterAll registers every built-in check with reg. It must be called
// before the first run; a RegistrationError here is a wiring bug.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	for _, a := range All(deps) {
		for _, c := range a.Checks() {
			if err := reg.Register(a.Name(), c); err != nil {
				return err
			}
		}
	}
	return nil
}

// GlobalAuditors evaluate only in their partition's global region.
var GlobalAuditors = map[string]bool{
	"iam":        true,
	"s3":         true,
	"cloudtrail": true,
}

// ── shared plumbing ───────────────────────────────────────────────────────────

type base struct {
	name string
	deps Deps
}

func (b base) Name() string { return b.name }

func (b base) clients(scope models.Scope) (*common.ClientSet, error) {
	return b.deps.Clients.For(scope)
}

func (b base) threshold(check, key string, def float64) float64 {
	if b.deps.Params == nil {
		return def
	}
	return b.deps.Params.Threshold(registry.Identity{Auditor: b.name, Check: check}, key, def)
}

// control is the static description of one check.
type control struct {
	check        string
	title        string
	severity     models.Severity
	remediation  models.Remediation
	types        []string
	requirements []string
}

func (b base) check(c control, fn registry.CheckFunc) registry.Check {
	return registry.Check{Name: c.check, Description: c.title, Func: fn}
}

// finding builds the finding for one evaluation. Passing evaluations are
// reported at INFORMATIONAL severity.
func (b base) finding(scope models.Scope, c control, res models.Resource, status models.ComplianceStatus, description string) (models.Finding, error) {
	severity := c.severity
	if status == models.CompliancePassed {
		severity = models.SeverityInformational
	}
	return models.NewFinding(models.FindingInput{
		Scope:        scope,
		Auditor:      b.name,
		Check:        c.check,
		Resource:     res,
		Status:       status,
		Severity:     severity,
		Title:        c.title,
		Description:  description,
		Remediation:  c.remediation,
		Types:        c.types,
		Requirements: c.requirements,
		ObservedAt:   b.deps.Now(),
	})
}

// fetch reads through the run cache, calling AWS through the fetcher on a
// miss.
func fetch[T any](ctx context.Context, b base, c *cache.ResponseCache, key, service, operation string, call func(context.Context) (T, error)) (T, error) {
	return cache.Fetch(ctx, c, key, func(ctx context.Context) (T, error) {
		return common.Do(ctx, b.deps.Fetcher, service, operation, call)
	})
}

// onGlobalRegion reports whether account-wide checks should evaluate in
// scope.
func onGlobalRegion(scope models.Scope) bool {
	return scope.Region == common.GlobalRegion(scope.Partition)
}

// accountResource is the resource of account-level and regional account
// settings.
func accountResource(scope models.Scope, regional bool) models.Resource {
	id := scope.AccountID
	if regional {
		id = scope.AccountID + scope.Region
	}
	return models.Resource{Type: "AwsAccount", ID: id}
}

// ── compliance mappings ───────────────────────────────────────────────────────

var (
	typesBestPractice = []string{"Software and Configuration Checks/AWS Security Best Practices"}
	typesDataExposure = []string{
		"Software and Configuration Checks/AWS Security Best Practices",
		"Effects/Data Exposure",
	}

	reqAccessControl = []string{
		"NIST CSF PR.AC-4",
		"NIST SP 800-53 AC-3",
		"NIST SP 800-53 AC-6",
		"AICPA TSC CC6.3",
		"ISO 27001:2013 A.9.1.2",
		"ISO 27001:2013 A.9.4.1",
	}
	reqNetworkIntegrity = []string{
		"NIST CSF PR.AC-5",
		"NIST SP 800-53 AC-4",
		"NIST SP 800-53 SC-7",
		"AICPA TSC CC6.1",
		"ISO 27001:2013 A.13.1.1",
		"ISO 27001:2013 A.13.1.3",
	}
	reqDataAtRest = []string{
		"NIST CSF PR.DS-1",
		"NIST SP 800-53 MP-8",
		"NIST SP 800-53 SC-28",
		"AICPA TSC CC6.1",
		"ISO 27001:2013 A.8.2.3",
	}
	reqDataInTransit = []string{
		"NIST CSF PR.DS-2",
		"NIST SP 800-53 SC-8",
		"NIST SP 800-53 SC-13",
		"AICPA TSC CC6.7",
		"ISO 27001:2013 A.13.2.3",
	}
	reqIdentity = []string{
		"NIST CSF PR.AC-1",
		"NIST SP 800-53 IA-2",
		"NIST SP 800-53 IA-5",
		"AICPA TSC CC6.1",
		"ISO 27001:2013 A.9.2.1",
		"ISO 27001:2013 A.9.4.2",
	}
	reqMonitoring = []string{
		"NIST CSF DE.CM-1",
		"NIST SP 800-53 AU-12",
		"NIST SP 800-53 SI-4",
		"AICPA TSC CC7.2",
		"ISO 27001:2013 A.12.4.1",
	}
	reqAssetManagement = []string{
		"NIST CSF ID.AM-2",
		"NIST SP 800-53 CM-8",
		"AICPA TSC CC6.1",
		"ISO 27001:2013 A.8.1.1",
	}
	reqVulnerability = []string{
		"NIST CSF ID.RA-1",
		"NIST SP 800-53 RA-5",
		"NIST SP 800-53 SI-2",
		"AICPA TSC CC7.1",
		"ISO 27001:2013 A.12.6.1",
	}
)
