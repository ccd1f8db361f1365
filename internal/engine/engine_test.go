package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeProvider struct {
	profiles  map[string]*common.ProfileConfig
	all       []*common.ProfileConfig
	regions   map[string][]string
	regionErr map[string]error
}

func (p *fakeProvider) LoadProfile(_ context.Context, name string) (*common.ProfileConfig, error) {
	if pc, ok := p.profiles[name]; ok {
		return pc, nil
	}
	return nil, errors.New("profile not found")
}

func (p *fakeProvider) LoadAllProfiles(context.Context) ([]*common.ProfileConfig, error) {
	return p.all, nil
}

func (p *fakeProvider) GetActiveRegions(_ context.Context, cfg *common.ProfileConfig) ([]string, error) {
	if err := p.regionErr[cfg.ProfileName]; err != nil {
		return nil, err
	}
	return p.regions[cfg.ProfileName], nil
}

func (p *fakeProvider) ConfigForRegion(cfg *common.ProfileConfig, region string) aws.Config {
	c := cfg.Config.Copy()
	c.Region = region
	return c
}

func profile(name, account, region string) *common.ProfileConfig {
	return &common.ProfileConfig{
		ProfileName: name,
		AccountID:   account,
		Partition:   common.PartitionForRegion(region),
		Region:      region,
		Config:      aws.Config{Region: region},
	}
}

type recordingSink struct {
	mu       sync.Mutex
	findings []models.Finding
	failAt   int
}

func (s *recordingSink) WriteFinding(f models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.findings)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.findings = append(s.findings, f)
	return nil
}

type scopeRecorder struct {
	mu     sync.Mutex
	scopes []models.ScopeSummary
	checks int
}

func (r *scopeRecorder) CheckFinished(models.Scope, registry.CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
}

func (r *scopeRecorder) FindingEmitted(models.Scope, models.Finding) {}

func (r *scopeRecorder) ScopeFinished(s models.ScopeSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, s)
}

// resourceCheck yields one finding per scope, after confirming the pool
// serves clients for the scope's account.
func resourceCheck(pool *common.ClientPool, auditor, check string, status models.ComplianceStatus) registry.CheckFunc {
	return func(_ context.Context, _ *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			if _, err := pool.For(scope); err != nil {
				yield(models.Finding{}, err)
				return
			}
			yield(models.NewFinding(models.FindingInput{
				Scope:      scope,
				Auditor:    auditor,
				Check:      check,
				Resource:   models.Resource{Type: "AwsAccount", ID: "AWS::::Account:" + scope.AccountID + "/" + scope.Region},
				Status:     status,
				Severity:   models.SeverityHigh,
				Title:      check,
				ObservedAt: fixedNow,
			}))
		}
	}
}

func failingCheck(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		yield(models.Finding{}, errors.New("AccessDenied"))
	}
}

type fixture struct {
	provider *fakeProvider
	pool     *common.ClientPool
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := common.NewClientPool(func(aws.Config) *common.ClientSet { return &common.ClientSet{} })
	reg := registry.New()
	require.NoError(t, reg.RegisterFunc("svc", "svc-logging-check", resourceCheck(pool, "svc", "svc-logging-check", models.ComplianceFailed)))
	require.NoError(t, reg.RegisterFunc("svc", "svc-tagging-check", resourceCheck(pool, "svc", "svc-tagging-check", models.CompliancePassed)))
	require.NoError(t, reg.RegisterFunc("guardduty", "guardduty-enabled-check", resourceCheck(pool, "guardduty", "guardduty-enabled-check", models.ComplianceFailed)))
	return &fixture{
		provider: &fakeProvider{
			profiles: map[string]*common.ProfileConfig{
				"":     profile("default", "111122223333", "us-east-1"),
				"prod": profile("prod", "444455556666", "eu-west-1"),
				"cn":   profile("cn", "777788889999", "cn-north-1"),
			},
			regions: map[string][]string{
				"default": {"us-east-1", "eu-west-1"},
				"prod":    {"eu-west-1"},
				"cn":      {"cn-north-1", "cn-northwest-1"},
			},
		},
		pool:     pool,
		registry: reg,
	}
}

func (f *fixture) engine(opts ...Option) *DefaultEngine {
	return NewDefaultEngine(f.provider, f.pool, f.registry, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func testContext(t *testing.T) context.Context {
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(t.Context())
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestRunAudit_SingleProfileDiscoversRegions(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{}

	report, err := f.engine().RunAudit(testContext(t), AuditOptions{Selection: registry.All()}, sink)
	require.NoError(t, err)

	// 3 checks x 2 regions.
	assert.Len(t, sink.findings, 6)
	assert.Equal(t, 6, report.Summary.TotalFindings)
	assert.Equal(t, 2, report.Summary.Passed)
	assert.Equal(t, 4, report.Summary.Failed)
	assert.Equal(t, 4, report.Summary.FailedBySeverity[models.SeverityHigh])
	assert.Equal(t, 6, report.Summary.ChecksRun)
	assert.Zero(t, report.Summary.ChecksFaulted)

	assert.Equal(t, []string{"default"}, report.Profiles)
	assert.Equal(t, []string{"111122223333"}, report.Accounts)
	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, report.Regions)
	assert.Equal(t, fixedNow, report.GeneratedAt)
	assert.NotEmpty(t, report.ReportID)
	assert.NotEmpty(t, report.Fingerprint)

	require.Len(t, report.Scopes, 2)
	assert.Equal(t, "us-east-1", report.Scopes[0].Scope.Region)
	assert.Equal(t, "eu-west-1", report.Scopes[1].Scope.Region)
	for _, s := range report.Scopes {
		assert.Equal(t, 3, s.Checks)
		assert.Equal(t, 3, s.Findings)
		assert.Equal(t, "completed", s.State)
	}
}

func TestRunAudit_FingerprintTracksCoverage(t *testing.T) {
	f := newFixture(t)
	e := f.engine()
	opts := AuditOptions{Regions: []string{"us-east-1"}}

	a, err := e.RunAudit(testContext(t), opts, &recordingSink{})
	require.NoError(t, err)
	b, err := e.RunAudit(testContext(t), opts, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.ReportID, b.ReportID)

	opts.Selection = registry.Auditors("svc")
	c, err := e.RunAudit(testContext(t), opts, &recordingSink{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestRunAudit_DropsRegionsOutsidePartition(t *testing.T) {
	f := newFixture(t)
	report, err := f.engine().RunAudit(testContext(t), AuditOptions{
		Regions: []string{"us-east-1", "cn-north-1", "us-east-1"},
	}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1"}, report.Regions)
	assert.Len(t, report.Scopes, 1)
}

func TestRunAudit_SkipsUnsupportedAuditors(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{}

	report, err := f.engine().RunAudit(testContext(t), AuditOptions{Profile: "cn", Regions: []string{"cn-north-1"}}, sink)
	require.NoError(t, err)

	require.Len(t, report.Scopes, 1)
	assert.Equal(t, []string{"guardduty"}, report.Scopes[0].Skipped)
	assert.Equal(t, 2, report.Scopes[0].Checks)
	for _, fnd := range sink.findings {
		assert.NotEqual(t, "guardduty", fnd.Auditor)
	}
}

func TestRunAudit_AllProfilesSkipsFailingProfiles(t *testing.T) {
	f := newFixture(t)
	f.provider.all = []*common.ProfileConfig{
		f.provider.profiles[""],
		profile("default-copy", "111122223333", "us-east-1"),
		f.provider.profiles["prod"],
		profile("broken", "000000000000", "us-east-1"),
	}
	f.provider.regionErr = map[string]error{"broken": errors.New("ExpiredToken")}

	report, err := f.engine().RunAudit(testContext(t), AuditOptions{AllProfiles: true, Selection: registry.Auditors("svc")}, &recordingSink{})
	require.NoError(t, err)

	assert.Equal(t, []string{"default", "prod"}, report.Profiles)
	assert.Equal(t, []string{"111122223333", "444455556666"}, report.Accounts)
	// default: 2 regions, prod: 1 region.
	assert.Len(t, report.Scopes, 3)
	assert.Equal(t, 6, report.Summary.TotalFindings)
}

func TestRunAudit_AllProfilesFailing(t *testing.T) {
	f := newFixture(t)
	f.provider.all = []*common.ProfileConfig{profile("broken", "000000000000", "us-east-1")}
	f.provider.regionErr = map[string]error{"broken": errors.New("ExpiredToken")}

	_, err := f.engine().RunAudit(testContext(t), AuditOptions{AllProfiles: true}, &recordingSink{})
	require.Error(t, err)
}

func TestRunAudit_UnknownProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().RunAudit(testContext(t), AuditOptions{Profile: "missing"}, &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `load profile "missing"`)
}

func TestRunAudit_UnknownAuditor(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().RunAudit(testContext(t), AuditOptions{Selection: registry.Auditors("nope")}, &recordingSink{})
	assert.ErrorIs(t, err, registry.ErrUnknownAuditor)
}

func TestRunAudit_RecordsFaults(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("svc", "svc-broken-check", failingCheck))

	report, err := f.engine().RunAudit(testContext(t), AuditOptions{
		Selection: registry.Auditors("svc"),
		Regions:   []string{"us-east-1", "eu-west-1"},
	}, &recordingSink{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.ChecksFaulted)
	require.Len(t, report.Faults, 2)
	// Sorted by account, region, auditor and check.
	assert.Equal(t, "eu-west-1", report.Faults[0].Region)
	assert.Equal(t, "us-east-1", report.Faults[1].Region)
	assert.Equal(t, "svc-broken-check", report.Faults[0].Check)
	assert.Contains(t, report.Faults[0].Error, "AccessDenied")
	assert.False(t, report.Faults[0].Panicked)
	for _, s := range report.Scopes {
		assert.Equal(t, 1, s.Faulted)
	}
}

func TestRunAudit_CountsSkippedResources(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterFunc("svc", "svc-partial-check", func(ctx context.Context, _ *cache.ResponseCache, _ models.Scope) iter.Seq2[models.Finding, error] {
		return func(func(models.Finding, error) bool) {
			registry.SkipResource(ctx, "AwsTestResource", "locked", errors.New("AccessDenied"))
		}
	}))

	report, err := f.engine().RunAudit(testContext(t), AuditOptions{
		Selection: registry.Auditors("svc"),
		Regions:   []string{"us-east-1", "eu-west-1"},
	}, &recordingSink{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.ResourcesSkipped)
	assert.Zero(t, report.Summary.ChecksFaulted)
	for _, s := range report.Scopes {
		assert.Equal(t, 1, s.ResourcesSkipped)
	}
}

func TestRunAudit_SinkErrorAborts(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().RunAudit(testContext(t), AuditOptions{ScopeConcurrency: 1}, &recordingSink{failAt: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunAudit_NilSink(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().RunAudit(testContext(t), AuditOptions{}, nil)
	require.Error(t, err)
}

func TestRunAudit_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()
	_, err := f.engine().RunAudit(ctx, AuditOptions{}, &recordingSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAudit_NotifiesScopeObserver(t *testing.T) {
	f := newFixture(t)
	obs := &scopeRecorder{}

	_, err := f.engine(WithObserver(obs)).RunAudit(testContext(t), AuditOptions{
		Selection:        registry.Auditors("svc"),
		ScopeConcurrency: 2,
		Concurrency:      2,
	}, &recordingSink{})
	require.NoError(t, err)

	assert.Len(t, obs.scopes, 2)
	assert.Equal(t, 4, obs.checks)
}
