package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// State is the lifecycle state of a Run.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	// StateCancelled means the context was cancelled, or the consumer stopped
	// iterating, before every selected check had been consumed.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CheckResult is the execution outcome of one selected check.
type CheckResult struct {
	Identity
	Findings int
	Duration time.Duration

	// ResourcesSkipped counts resources the check reported through
	// SkipResource.
	ResourcesSkipped int

	// Err is the first fault recorded for the check; nil for a clean run.
	Err error

	// Skipped is set for checks never consumed because the run was
	// cancelled first.
	Skipped bool
}

// RunSummary is the user-visible outcome of a run: how much ran, how much
// was emitted and which checks faulted.
type RunSummary struct {
	Scope            models.Scope `json:"scope"`
	State            State        `json:"-"`
	Checks           int          `json:"checks"`
	Skipped          int          `json:"skipped"`
	Findings         int          `json:"findings"`
	ResourcesSkipped int          `json:"resources_skipped"`
	Faulted          []Identity   `json:"faulted,omitempty"`
	Cache            cache.Stats  `json:"cache"`
}

// Run is one execution of a resolved set of checks against one scope.
// Iterating Findings drives execution; the error side channel (Errors) and
// the per-check results are complete once iteration returns.
type Run struct {
	// ctx is the caller's context from Registry.Run. Cancellation is only
	// observed at check boundaries.
	ctx    context.Context
	scope  models.Scope
	checks []Check
	cache  *cache.ResponseCache
	opts   runOptions

	state    atomic.Int32
	consumed atomic.Bool

	mu      sync.Mutex
	errs    []CheckError
	results []CheckResult
	emitted int
}

func newRun(ctx context.Context, scope models.Scope, checks []Check, c *cache.ResponseCache, o runOptions) *Run {
	return &Run{ctx: ctx, scope: scope, checks: checks, cache: c, opts: o}
}

// Scope returns the scope the run evaluates.
func (r *Run) Scope() models.Scope { return r.scope }

// Checks returns the resolved checks in execution order.
func (r *Run) Checks() []Check { return append([]Check(nil), r.checks...) }

// Cache returns the run's response cache, for inspection only.
func (r *Run) Cache() *cache.ResponseCache { return r.cache }

// State returns the current lifecycle state.
func (r *Run) State() State { return State(r.state.Load()) }

// Errors returns the execution faults recorded so far, in check order.
func (r *Run) Errors() []CheckError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CheckError(nil), r.errs...)
}

// Results returns one CheckResult per consumed or skipped check, in check
// order.
func (r *Run) Results() []CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CheckResult(nil), r.results...)
}

// Summary returns the run totals.
func (r *Run) Summary() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RunSummary{
		Scope:    r.scope,
		State:    r.State(),
		Findings: r.emitted,
		Cache:    r.cache.Stats(),
	}
	for _, res := range r.results {
		if res.Skipped {
			s.Skipped++
			continue
		}
		s.Checks++
		s.ResourcesSkipped += res.ResourcesSkipped
		if res.Err != nil {
			s.Faulted = append(s.Faulted, res.Identity)
		}
	}
	return s
}

// Findings returns the aggregate finding stream: the concatenation, in
// selection order, of each check's findings in emission order. The sequence
// can be consumed once; later iterations yield nothing.
//
// A faulting check contributes the findings it emitted before the fault, is
// recorded on the error side channel and never aborts the run.
func (r *Run) Findings() iter.Seq[models.Finding] {
	return func(yield func(models.Finding) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			return
		}
		r.execute(yield)
	}
}

// ── execution ─────────────────────────────────────────────────────────────────

type outcome struct {
	finding models.Finding
	err     error
}

// execution carries one check between its producer goroutine and the merge
// loop.
type execution struct {
	check Check
	out   chan outcome
	done  chan struct{}

	// started is closed when the producer begins; startedAt is written
	// before that.
	started   chan struct{}
	startedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once

	sem         *semaphore.Weighted
	acquired    atomic.Bool
	releaseOnce sync.Once

	// Written before out is closed.
	skipped  bool
	duration time.Duration

	resourcesSkipped atomic.Int64

	// Owned by the merge loop.
	timedOut bool
}

func newExecution(c Check, sem *semaphore.Weighted) *execution {
	return &execution{
		check:   c,
		sem:     sem,
		out:     make(chan outcome, findingBuffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (ex *execution) send(o outcome) bool {
	select {
	case ex.out <- o:
		return true
	case <-ex.stop:
		return false
	}
}

func (ex *execution) abandon() {
	ex.stopOnce.Do(func() { close(ex.stop) })
}

// release frees the check's worker slot. It is called when the producer
// returns and when the merge loop gives up on a timed-out check.
func (ex *execution) release() {
	if ex.acquired.Load() {
		ex.releaseOnce.Do(func() { ex.sem.Release(1) })
	}
}

func (ex *execution) skip() {
	ex.skipped = true
	close(ex.out)
	close(ex.done)
}

func (r *Run) execute(yield func(models.Finding) bool) {
	r.state.Store(int32(StateRunning))

	dispatchCtx, cancel := context.WithCancel(r.ctx)
	sem := semaphore.NewWeighted(int64(r.opts.concurrency))
	execs := make([]*execution, len(r.checks))
	for i, c := range r.checks {
		execs[i] = newExecution(c, sem)
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		r.dispatch(dispatchCtx, execs)
	}()

	defer func() {
		cancel()
		for _, ex := range execs {
			ex.abandon()
		}
		<-dispatched
		for _, ex := range execs {
			// A timed-out check may never return; it is left behind.
			if !ex.timedOut {
				<-ex.done
			}
		}
	}()

	for i, ex := range execs {
		if r.ctx.Err() != nil {
			r.cancelFrom(execs[i:])
			return
		}
		if !r.consume(ex, yield) {
			r.cancelFrom(execs[i+1:])
			return
		}
	}
	r.state.Store(int32(StateCompleted))
}

// dispatch starts checks in registration order, at most concurrency at a
// time. Acquiring slots in order guarantees the check the merge loop waits
// on is always running or finished.
func (r *Run) dispatch(ctx context.Context, execs []*execution) {
	for i, ex := range execs {
		if i > 0 && r.opts.auditorDelay > 0 && ex.check.Auditor != execs[i-1].check.Auditor {
			if !sleep(ctx, r.opts.auditorDelay) {
				skipAll(execs[i:])
				return
			}
		}
		if ctx.Err() != nil {
			skipAll(execs[i:])
			return
		}
		if err := ex.sem.Acquire(ctx, 1); err != nil {
			skipAll(execs[i:])
			return
		}
		ex.acquired.Store(true)
		go func() {
			defer ex.release()
			r.produce(ex)
		}()
	}
}

// produce runs one check and forwards its findings. Panics and yielded
// errors become a single fault outcome.
func (r *Run) produce(ex *execution) {
	defer close(ex.done)
	defer close(ex.out)

	ex.startedAt = time.Now()
	close(ex.started)

	id := ex.check.ID()
	log := zerolog.Ctx(r.ctx).With().Str("auditor", id.Auditor).Str("check", id.Check).Logger()
	ctx := withSkipCounter(log.WithContext(context.WithoutCancel(r.ctx)), &ex.resourcesSkipped)
	if r.opts.checkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.checkTimeout)
		defer cancel()
	}

	faulted := false
	defer func() {
		ex.duration = time.Since(ex.startedAt)
		if p := recover(); p != nil && !faulted {
			ex.send(outcome{err: &PanicError{Value: p, Stack: debug.Stack()}})
		}
	}()

	seq := ex.check.Func(ctx, r.cache, r.scope)
	if seq == nil {
		return
	}
	for f, err := range seq {
		if err != nil {
			faulted = true
			ex.send(outcome{err: err})
			return
		}
		if !ex.send(outcome{finding: f}) {
			return
		}
	}
}

// consume forwards one check's findings to yield. It returns false when the
// run must stop: the consumer stopped iterating, or the dispatcher skipped
// the check because the context was cancelled.
func (r *Run) consume(ex *execution, yield func(models.Finding) bool) bool {
	id := ex.check.ID()
	log := zerolog.Ctx(r.ctx).With().Str("auditor", id.Auditor).Str("check", id.Check).Logger()
	res := CheckResult{Identity: id}
	began := time.Now()

	// The timeout budget runs from when the producer starts.
	var deadline <-chan time.Time
	var started <-chan struct{}
	if r.opts.checkTimeout > 0 {
		started = ex.started
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fault := func(err error) {
		if res.Err == nil {
			res.Err = err
		}
		r.recordError(CheckError{Identity: id, Err: err})
		ev := log.Error().Err(err).Str("scope", r.scope.Key())
		var p *PanicError
		if errors.As(err, &p) {
			ev = ev.Bytes("stack", p.Stack)
		}
		ev.Msg("check execution failed")
	}

	for {
		select {
		case <-started:
			started = nil
			timer = time.NewTimer(max(r.opts.checkTimeout-time.Since(ex.startedAt), 0))
			deadline = timer.C
		case o, open := <-ex.out:
			if !open {
				if ex.skipped {
					res.Skipped = true
					r.finish(res)
					return false
				}
				res.Duration = ex.duration
				res.ResourcesSkipped = int(ex.resourcesSkipped.Load())
				r.finish(res)
				log.Debug().Int("findings", res.Findings).Dur("duration", res.Duration).Msg("check finished")
				return true
			}
			if o.err != nil {
				fault(o.err)
				continue
			}
			if err := o.finding.Validate(); err != nil {
				fault(err)
				continue
			}
			res.Findings++
			r.emit(o.finding)
			if !yield(o.finding) {
				res.Duration = time.Since(began)
				res.ResourcesSkipped = int(ex.resourcesSkipped.Load())
				r.finish(res)
				return false
			}
		case <-deadline:
			ex.timedOut = true
			ex.abandon()
			ex.release()
			fault(fmt.Errorf("%w after %s", ErrCheckTimeout, r.opts.checkTimeout))
			res.Duration = r.opts.checkTimeout
			res.ResourcesSkipped = int(ex.resourcesSkipped.Load())
			r.finish(res)
			return true
		}
	}
}

func (r *Run) emit(f models.Finding) {
	r.mu.Lock()
	r.emitted++
	r.mu.Unlock()
	if r.opts.observer != nil {
		r.opts.observer.FindingEmitted(r.scope, f)
	}
}

func (r *Run) recordError(e CheckError) {
	r.mu.Lock()
	r.errs = append(r.errs, e)
	r.mu.Unlock()
}

func (r *Run) finish(res CheckResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	if r.opts.observer != nil && !res.Skipped {
		r.opts.observer.CheckFinished(r.scope, res)
	}
}

// cancelFrom marks the remaining checks skipped and the run cancelled.
func (r *Run) cancelFrom(rest []*execution) {
	r.mu.Lock()
	for _, ex := range rest {
		r.results = append(r.results, CheckResult{Identity: ex.check.ID(), Skipped: true})
	}
	r.mu.Unlock()
	r.state.Store(int32(StateCancelled))
}

func skipAll(execs []*execution) {
	for _, ex := range execs {
		ex.skip()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
