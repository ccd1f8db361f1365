package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

const defaultScopeConcurrency = 4

// fingerprintSpace namespaces report fingerprints.
var fingerprintSpace = uuid.MustParse("6f1c2a4e-93b0-4f7d-8a55-0d2c1e7b9f31")

// DefaultEngine is the production implementation of Engine.
// It coordinates profile loading, scope fan-out and report assembly.
// It never calls the AWS SDK directly; checks do that through the pool.
type DefaultEngine struct {
	provider common.AWSClientProvider
	pool     *common.ClientPool
	registry *registry.Registry
	observer registry.Observer
	now      func() time.Time
}

// Option configures a DefaultEngine.
type Option func(*DefaultEngine)

// WithObserver attaches a run observer to every scope run. When the observer
// also implements ScopeObserver it receives per-scope totals.
func WithObserver(o registry.Observer) Option {
	return func(e *DefaultEngine) { e.observer = o }
}

// WithClock overrides the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *DefaultEngine) { e.now = now }
}

// NewDefaultEngine constructs a DefaultEngine wired to the supplied provider,
// client pool and check registry. The pool must be the ClientSource the
// registered checks read from.
func NewDefaultEngine(
	provider common.AWSClientProvider,
	pool *common.ClientPool,
	reg *registry.Registry,
	opts ...Option,
) *DefaultEngine {
	e := &DefaultEngine{
		provider: provider,
		pool:     pool,
		registry: reg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// target is one loaded profile with its resolved regions.
type target struct {
	profile *common.ProfileConfig
	regions []string
}

// RunAudit implements Engine. It loads the requested AWS profile(s),
// discovers regions if not explicitly provided, runs the selected checks in
// every (account, region) scope and returns the coverage report. Findings are
// written to sink as they are produced.
func (e *DefaultEngine) RunAudit(ctx context.Context, opts AuditOptions, sink Sink) (*models.AuditReport, error) {
	if sink == nil {
		return nil, errors.New("engine: nil sink")
	}
	if _, err := e.registry.Resolve(opts.Selection); err != nil {
		return nil, fmt.Errorf("resolve selection: %w", err)
	}

	start := e.now()
	targets, err := e.loadTargets(ctx, opts)
	if err != nil {
		return nil, err
	}

	scopes := buildScopes(targets)
	if len(scopes) == 0 {
		return nil, errors.New("no scopes to audit")
	}

	collector := newCollector(sink)
	limit := opts.ScopeConcurrency
	if limit <= 0 {
		limit = defaultScopeConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, scope := range scopes {
		g.Go(func() error {
			sum, err := e.runScope(gctx, scope, opts, collector)
			collector.scopeDone(i, sum)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A cancelled parent leaves scopes partially run; surface that rather
	// than a report that looks complete.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := collector.report(len(scopes))
	report.ReportID = uuid.NewString()
	report.GeneratedAt = e.now().UTC()
	report.Duration = e.now().Sub(start).Round(time.Millisecond).String()
	report.Profiles = lo.Map(targets, func(t target, _ int) string { return t.profile.ProfileName })
	report.Accounts = e.pool.Accounts()
	report.Regions = lo.Uniq(lo.FlatMap(targets, func(t target, _ int) []string { return t.regions }))
	slices.Sort(report.Regions)
	report.Fingerprint = fingerprint(report.Accounts, report.Regions, e.selectedIDs(opts.Selection))
	return report, nil
}

// loadTargets loads the requested profiles, registers them with the pool and
// resolves their regions. In all-profiles mode a failing profile is skipped.
func (e *DefaultEngine) loadTargets(ctx context.Context, opts AuditOptions) ([]target, error) {
	log := zerolog.Ctx(ctx)

	if !opts.AllProfiles {
		profile, err := e.provider.LoadProfile(ctx, opts.Profile)
		if err != nil {
			return nil, fmt.Errorf("load profile %q: %w", opts.Profile, err)
		}
		regions, err := e.resolveRegions(ctx, profile, opts.Regions)
		if err != nil {
			return nil, fmt.Errorf("resolve regions for profile %q: %w", profile.ProfileName, err)
		}
		e.pool.Register(profile)
		return []target{{profile: profile, regions: regions}}, nil
	}

	profiles, err := e.provider.LoadAllProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load all profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, errors.New("no AWS profiles found")
	}

	seen := make(map[string]bool)
	var targets []target
	for _, profile := range profiles {
		if seen[profile.AccountID] {
			log.Debug().Str("profile", profile.ProfileName).Str("account", profile.AccountID).
				Msg("account already covered by another profile")
			continue
		}
		regions, err := e.resolveRegions(ctx, profile, opts.Regions)
		if err != nil {
			log.Warn().Err(err).Str("profile", profile.ProfileName).Msg("skipping profile")
			continue
		}
		seen[profile.AccountID] = true
		e.pool.Register(profile)
		targets = append(targets, target{profile: profile, regions: regions})
	}
	if len(targets) == 0 {
		return nil, errors.New("all profiles failed; nothing to audit")
	}
	return targets, nil
}

// resolveRegions returns the explicit region list when provided, otherwise
// calls GetActiveRegions to discover opted-in regions for the profile.
// Regions outside the profile's partition are dropped: its credentials
// cannot reach them.
func (e *DefaultEngine) resolveRegions(
	ctx context.Context,
	profile *common.ProfileConfig,
	explicit []string,
) ([]string, error) {
	regions := explicit
	if len(regions) == 0 {
		active, err := e.provider.GetActiveRegions(ctx, profile)
		if err != nil {
			return nil, err
		}
		regions = active
	}

	out := make([]string, 0, len(regions))
	for _, r := range lo.Uniq(regions) {
		if common.PartitionForRegion(r) != profile.Partition {
			zerolog.Ctx(ctx).Warn().Str("profile", profile.ProfileName).Str("region", r).
				Str("partition", profile.Partition).Msg("region outside profile partition, skipping")
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no regions in partition %s", profile.Partition)
	}
	return out, nil
}

func buildScopes(targets []target) []models.Scope {
	var scopes []models.Scope
	for _, t := range targets {
		for _, r := range t.regions {
			scopes = append(scopes, models.Scope{
				AccountID: t.profile.AccountID,
				Region:    r,
				Partition: t.profile.Partition,
			})
		}
	}
	return scopes
}

// runScope executes the selection in one scope and forwards its findings.
// Check faults are recorded, not returned; only a sink failure is an error.
func (e *DefaultEngine) runScope(ctx context.Context, scope models.Scope, opts AuditOptions, c *collector) (models.ScopeSummary, error) {
	log := zerolog.Ctx(ctx).With().Str("scope", scope.Key()).Logger()

	sel, skipped := e.scopeSelection(opts.Selection, scope)
	if len(skipped) > 0 {
		log.Debug().Strs("auditors", skipped).Msg("auditors unavailable in region")
	}
	sum := models.ScopeSummary{Scope: scope, Skipped: skipped}

	runOpts := []registry.RunOption{
		registry.WithConcurrency(opts.Concurrency),
		registry.WithCheckTimeout(opts.CheckTimeout),
		registry.WithAuditorDelay(opts.AuditorDelay),
	}
	if e.observer != nil {
		runOpts = append(runOpts, registry.WithObserver(e.observer))
	}

	run, err := e.registry.Run(log.WithContext(ctx), sel, scope, runOpts...)
	if err != nil {
		return sum, fmt.Errorf("scope %s: %w", scope, err)
	}

	log.Debug().Int("checks", len(run.Checks())).Msg("scope started")
	var sinkErr error
	for f := range run.Findings() {
		if sinkErr = c.write(f); sinkErr != nil {
			break
		}
	}

	rs := run.Summary()
	sum.State = rs.State.String()
	sum.Checks = rs.Checks
	sum.Findings = rs.Findings
	sum.Faulted = len(rs.Faulted)
	sum.ResourcesSkipped = rs.ResourcesSkipped
	sum.CacheFetches = rs.Cache.Fetches
	sum.CacheHits = rs.Cache.Hits
	c.faults(scope, run.Errors())

	if so, ok := e.observer.(ScopeObserver); ok {
		so.ScopeFinished(sum)
	}
	log.Info().Int("findings", sum.Findings).Int("faulted", sum.Faulted).
		Int("resources_skipped", sum.ResourcesSkipped).Int64("cache_fetches", sum.CacheFetches).Msg("scope finished")

	if sinkErr != nil {
		return sum, fmt.Errorf("write finding: %w", sinkErr)
	}
	return sum, nil
}

// scopeSelection excludes auditors whose service is not offered in the
// scope's region and returns their names.
func (e *DefaultEngine) scopeSelection(sel registry.Selection, scope models.Scope) (registry.Selection, []string) {
	checks, err := e.registry.Resolve(sel)
	if err != nil {
		return sel, nil
	}
	selected := lo.Uniq(lo.Map(checks, func(c registry.Check, _ int) string { return c.Auditor }))
	skipped := lo.Filter(selected, func(a string, _ int) bool {
		return !common.AuditorSupportedInRegion(a, scope.Region)
	})
	if len(skipped) == 0 {
		return sel, nil
	}
	return sel.Without(skipped...), skipped
}

func (e *DefaultEngine) selectedIDs(sel registry.Selection) []string {
	checks, err := e.registry.Resolve(sel)
	if err != nil {
		return nil
	}
	return lo.Map(checks, func(c registry.Check, _ int) string { return c.ID().String() })
}

// fingerprint identifies the coverage of a report: the same accounts,
// regions and checks always give the same value.
func fingerprint(accounts, regions, checks []string) string {
	parts := []string{
		strings.Join(accounts, ","),
		strings.Join(regions, ","),
		strings.Join(checks, ","),
	}
	return uuid.NewSHA1(fingerprintSpace, []byte(strings.Join(parts, "|"))).String()
}

// ── aggregation ───────────────────────────────────────────────────────────────

// collector serialises sink writes and accumulates report data from
// concurrently running scopes.
type collector struct {
	sink Sink

	mu      sync.Mutex
	summary models.AuditSummary
	faultsL []models.CheckFault
	scopes  map[int]models.ScopeSummary
}

func newCollector(sink Sink) *collector {
	return &collector{
		sink:    sink,
		summary: models.NewAuditSummary(),
		scopes:  make(map[int]models.ScopeSummary),
	}
}

func (c *collector) write(f models.Finding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sink.WriteFinding(f); err != nil {
		return err
	}
	c.summary.Add(f)
	return nil
}

func (c *collector) faults(scope models.Scope, errs []registry.CheckError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ce := range errs {
		c.faultsL = append(c.faultsL, models.CheckFault{
			AccountID: scope.AccountID,
			Region:    scope.Region,
			Auditor:   ce.Auditor,
			Check:     ce.Check,
			Error:     ce.Err.Error(),
			Panicked:  ce.Panicked(),
		})
	}
}

func (c *collector) scopeDone(i int, s models.ScopeSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[i] = s
	c.summary.ChecksRun += s.Checks
	c.summary.ChecksFaulted += s.Faulted
	c.summary.ResourcesSkipped += s.ResourcesSkipped
}

// report assembles scope summaries in scope order and faults in a stable
// order independent of scheduling.
func (c *collector) report(n int) *models.AuditReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &models.AuditReport{Summary: c.summary}
	for i := range n {
		if s, ok := c.scopes[i]; ok {
			r.Scopes = append(r.Scopes, s)
		}
	}
	r.Faults = slices.Clone(c.faultsL)
	slices.SortStableFunc(r.Faults, func(a, b models.CheckFault) int {
		return strings.Compare(faultKey(a), faultKey(b))
	})
	return r
}

func faultKey(f models.CheckFault) string {
	return f.AccountID + "/" + f.Region + "/" + f.Auditor + "/" + f.Check
}
