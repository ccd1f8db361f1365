package registry

import (
	"time"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// findingBuffer is the number of findings a check may produce ahead of the
// consumer before it blocks.
const findingBuffer = 16

// Observer receives execution events from a run. Implementations must be
// safe for concurrent use when several runs share one observer.
type Observer interface {
	// CheckFinished is called once per executed check, in check order.
	CheckFinished(scope models.Scope, result CheckResult)

	// FindingEmitted is called for every finding forwarded to the consumer.
	FindingEmitted(scope models.Scope, f models.Finding)
}

// RunOption configures one Run.
type RunOption func(*runOptions)

type runOptions struct {
	concurrency  int
	checkTimeout time.Duration
	auditorDelay time.Duration
	observer     Observer
}

func defaultRunOptions() runOptions {
	return runOptions{concurrency: 1}
}

// WithConcurrency runs up to n checks of the scope at the same time.
// Findings are still delivered in registration order. Values below 1 mean
// sequential execution.
func WithConcurrency(n int) RunOption {
	return func(o *runOptions) {
		if n < 1 {
			n = 1
		}
		o.concurrency = n
	}
}

// WithCheckTimeout bounds the wall-clock time of each check. A check that
// overruns is recorded as a fault wrapping ErrCheckTimeout and abandoned.
// Zero disables the bound.
func WithCheckTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.checkTimeout = d }
}

// WithAuditorDelay pauses for d before dispatching the first check of each
// auditor after the first one.
func WithAuditorDelay(d time.Duration) RunOption {
	return func(o *runOptions) { o.auditorDelay = d }
}

// WithObserver attaches an execution observer, such as a metrics recorder.
func WithObserver(obs Observer) RunOption {
	return func(o *runOptions) { o.observer = obs }
}
