package engine

import (
	"context"
	"time"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// AuditOptions configures a single audit run.
// It is the sole input to Engine.RunAudit besides the sink.
type AuditOptions struct {
	// Profile is the named AWS profile to use. Empty means the default profile.
	Profile string

	// AllProfiles, when true, runs the audit across every configured AWS profile.
	AllProfiles bool

	// Regions is an explicit list of AWS regions to audit.
	// When empty the engine discovers and iterates all active regions.
	Regions []string

	// Selection chooses the auditors and checks to run in every scope.
	Selection registry.Selection

	// Concurrency is the number of checks run at once inside one scope.
	Concurrency int

	// ScopeConcurrency is the number of (account, region) scopes audited at
	// once. Defaults to 4 when zero.
	ScopeConcurrency int

	// CheckTimeout bounds each check. Zero means unbounded.
	CheckTimeout time.Duration

	// AuditorDelay pauses between auditors inside a scope.
	AuditorDelay time.Duration
}

// Sink receives findings as they are produced. WriteFinding is never called
// concurrently. An error aborts the audit.
type Sink interface {
	WriteFinding(f models.Finding) error
}

// ScopeObserver is optionally implemented by the run observer to receive
// per-scope totals, such as response cache activity.
type ScopeObserver interface {
	ScopeFinished(s models.ScopeSummary)
}

// Engine is the central orchestration interface.
// It fans the check registry out over every (account, region) scope,
// streams findings to the sink, and returns the coverage report.
//
// Engine must not call AWS SDK clients directly; checks do that through
// the client pool.
type Engine interface {
	RunAudit(ctx context.Context, opts AuditOptions, sink Sink) (*models.AuditReport, error)
}
