package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

func runAll(t *testing.T, r *Registry, sel Selection, opts ...RunOption) (*Run, []models.Finding) {
	t.Helper()
	run, err := r.Run(context.Background(), sel, testScope, opts...)
	require.NoError(t, err)
	return run, slices.Collect(run.Findings())
}

// ── selection and ordering ────────────────────────────────────────────────────

func TestRun_SelectedAuditorOnly(t *testing.T) {
	log := &invocationLog{}
	r := New()
	r.MustRegister("svcA", Check{Name: "checkX", Func: emitting(log, "svcA", "checkX", "r1")})
	r.MustRegister("svcA", Check{Name: "checkY", Func: emitting(log, "svcA", "checkY", "r1")})
	r.MustRegister("svcB", Check{Name: "checkZ", Func: emitting(log, "svcB", "checkZ", "r1")})

	run, findings := runAll(t, r, Auditors("svcA"))

	assert.Equal(t, []string{"svcA/checkX", "svcA/checkY"}, log.list())
	assert.Equal(t, []string{"r1/checkX", "r1/checkY"}, ids(findings))
	assert.Equal(t, StateCompleted, run.State())
	assert.Empty(t, run.Errors())
}

func TestRun_OrderIsAuditorThenCheckThenEmission(t *testing.T) {
	r := New()
	r.MustRegister("svcA", Check{Name: "x", Func: emitting(nil, "svcA", "x", "a1", "a2")})
	r.MustRegister("svcB", Check{Name: "z", Func: emitting(nil, "svcB", "z", "b1")})
	r.MustRegister("svcA", Check{Name: "y", Func: emitting(nil, "svcA", "y", "a3")})

	_, findings := runAll(t, r, All())
	assert.Equal(t, []string{"a1/x", "a2/x", "a3/y", "b1/z"}, ids(findings))
}

func TestRun_ConcurrencyKeepsRegistrationOrder(t *testing.T) {
	r := New()
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("check%d", i)
		delay := time.Duration(8-i) * time.Millisecond
		inner := emitting(nil, "svc", name, "r1", "r2")
		r.MustRegister("svc", Check{Name: name, Func: func(ctx context.Context, c *cache.ResponseCache, s models.Scope) iter.Seq2[models.Finding, error] {
			time.Sleep(delay)
			return inner(ctx, c, s)
		}})
	}

	_, sequential := runAll(t, r, All())
	_, concurrent := runAll(t, r, All(), WithConcurrency(4))
	assert.Equal(t, ids(sequential), ids(concurrent))
	assert.Len(t, concurrent, 16)
}

// ── failure isolation ─────────────────────────────────────────────────────────

func TestRun_PanicIsIsolated(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: emitting(nil, "svc", "A", "r1")})
	r.MustRegister("svc", Check{Name: "B", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		panic("unexpected response shape")
	}})
	r.MustRegister("svc", Check{Name: "C", Func: emitting(nil, "svc", "C", "r1")})

	run, findings := runAll(t, r, All())

	assert.Equal(t, []string{"r1/A", "r1/C"}, ids(findings))
	errs := run.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, Identity{Auditor: "svc", Check: "B"}, errs[0].Identity)
	assert.True(t, errs[0].Panicked())
	assert.Equal(t, StateCompleted, run.State())

	summary := run.Summary()
	assert.Equal(t, 3, summary.Checks)
	assert.Equal(t, 2, summary.Findings)
	assert.Equal(t, []Identity{{Auditor: "svc", Check: "B"}}, summary.Faulted)
}

func TestRun_MidStreamFaultKeepsEarlierFindings(t *testing.T) {
	boom := errors.New("malformed page")
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: emitting(nil, "svc", "A", "r1")})
	r.MustRegister("svc", Check{Name: "B", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			if !yield(mustFinding("svc", "B", "r1", models.CompliancePassed), nil) {
				return
			}
			yield(models.Finding{}, boom)
		}
	}})
	r.MustRegister("svc", Check{Name: "C", Func: emitting(nil, "svc", "C", "r1")})

	run, findings := runAll(t, r, All())

	assert.Equal(t, []string{"r1/A", "r1/B", "r1/C"}, ids(findings))
	errs := run.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.False(t, errs[0].Panicked())
}

func TestRun_PanicAfterYieldedErrorIsReportedOnce(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "B", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			// Ignores the false return and keeps yielding.
			yield(models.Finding{}, errors.New("first"))
			yield(models.Finding{}, errors.New("second"))
		}
	}})

	run, _ := runAll(t, r, All())
	assert.Len(t, run.Errors(), 1)
}

func TestRun_InvalidFindingIsDroppedAndRecorded(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			bad := mustFinding("svc", "A", "r1", models.CompliancePassed)
			bad.RecordState = models.RecordActive
			if !yield(bad, nil) {
				return
			}
			yield(mustFinding("svc", "A", "r2", models.ComplianceFailed), nil)
		}
	}})

	run, findings := runAll(t, r, All())
	assert.Equal(t, []string{"r2/A"}, ids(findings))
	errs := run.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], models.ErrInvalidFinding)
}

func TestRun_NilSequence(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		return nil
	}})
	run, findings := runAll(t, r, All())
	assert.Empty(t, findings)
	assert.Empty(t, run.Errors())
	assert.Equal(t, StateCompleted, run.State())
}

func TestRun_ResourceNotFoundIsAbsorbedByCheck(t *testing.T) {
	errNotFound := errors.New("ResourceNotFound")
	describe := func(_ context.Context, id string) (string, error) {
		if id == "fs-2" {
			return "", errNotFound
		}
		return "encrypted", nil
	}

	r := New()
	r.MustRegister("efs", Check{Name: "encryption", Func: func(ctx context.Context, c *cache.ResponseCache, s models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			for _, id := range []string{"fs-1", "fs-2", "fs-3"} {
				_, err := cache.Fetch(ctx, c, "describe:"+id, func(ctx context.Context) (string, error) {
					return describe(ctx, id)
				})
				if errors.Is(err, errNotFound) {
					continue
				}
				if !yield(mustFinding("efs", "encryption", id, models.CompliancePassed), nil) {
					return
				}
			}
		}
	}})

	run, findings := runAll(t, r, All())
	assert.Equal(t, []string{"fs-1/encryption", "fs-3/encryption"}, ids(findings))
	assert.Empty(t, run.Errors())
}

// ── cache sharing ─────────────────────────────────────────────────────────────

func sharedFetchCheck(auditor, name string, calls *atomic.Int32, seen chan<- *[]string, fetchDelay time.Duration) CheckFunc {
	return func(ctx context.Context, c *cache.ResponseCache, s models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			items, err := cache.Fetch(ctx, c, "list_items:"+s.Region, func(context.Context) (*[]string, error) {
				calls.Add(1)
				time.Sleep(fetchDelay)
				return &[]string{"item-1"}, nil
			})
			if err != nil {
				yield(models.Finding{}, err)
				return
			}
			seen <- items
			for _, id := range *items {
				if !yield(mustFinding(auditor, name, id, models.CompliancePassed), nil) {
					return
				}
			}
		}
	}
}

func TestRun_SharedKeyFetchedOnce(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			defer goleak.VerifyNone(t)

			var calls atomic.Int32
			seen := make(chan *[]string, 4)
			r := New()
			for _, name := range []string{"A", "B", "C", "D"} {
				r.MustRegister("svc", Check{Name: name, Func: sharedFetchCheck("svc", name, &calls, seen, 10*time.Millisecond)})
			}

			run, findings := runAll(t, r, All(), WithConcurrency(concurrency))
			close(seen)

			assert.Equal(t, int32(1), calls.Load())
			assert.Len(t, findings, 4)
			var first *[]string
			for v := range seen {
				if first == nil {
					first = v
				}
				assert.Same(t, first, v, "every check must observe the identical cached value")
			}
			assert.Equal(t, int64(1), run.Summary().Cache.Fetches)
		})
	}
}

func TestRun_PopulatedKeyNeverCallsSecondFetch(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: func(ctx context.Context, c *cache.ResponseCache, s models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			_, err := c.GetOrFetch(ctx, "list_items:region1", func(context.Context) (any, error) {
				return []string{"x"}, nil
			})
			if err != nil {
				yield(models.Finding{}, err)
				return
			}
			yield(mustFinding("svc", "A", "x", models.CompliancePassed), nil)
		}
	}})
	r.MustRegister("svc", Check{Name: "B", Func: func(ctx context.Context, c *cache.ResponseCache, s models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			v, err := c.GetOrFetch(ctx, "list_items:region1", func(context.Context) (any, error) {
				return nil, errors.New("fetch must not run for a populated key")
			})
			if err != nil {
				yield(models.Finding{}, err)
				return
			}
			for _, id := range v.([]string) {
				yield(mustFinding("svc", "B", id, models.CompliancePassed), nil)
			}
		}
	}})

	run, findings := runAll(t, r, All())
	assert.Equal(t, []string{"x/A", "x/B"}, ids(findings))
	assert.Empty(t, run.Errors())
}

func TestRun_EachRunGetsAFreshCache(t *testing.T) {
	var calls atomic.Int32
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: sharedFetchCheck("svc", "A", &calls, make(chan *[]string, 2), 0)})

	first, err := r.Run(context.Background(), All(), testScope)
	require.NoError(t, err)
	second, err := r.Run(context.Background(), All(), models.Scope{AccountID: "111122223333", Region: "eu-west-1", Partition: "aws"})
	require.NoError(t, err)
	require.NotSame(t, first.Cache(), second.Cache())

	_ = slices.Collect(first.Findings())
	_ = slices.Collect(second.Findings())
	assert.Equal(t, int32(2), calls.Load())
}

// ── pairing invariant ─────────────────────────────────────────────────────────

func TestRun_EmittedFindingsHonourPairing(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "mixed", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			for i, status := range []models.ComplianceStatus{models.CompliancePassed, models.ComplianceFailed, models.ComplianceWarning} {
				if !yield(mustFinding("svc", "mixed", fmt.Sprintf("r%d", i), status), nil) {
					return
				}
			}
		}
	}})

	_, findings := runAll(t, r, All())
	require.Len(t, findings, 3)
	for _, f := range findings {
		switch f.Compliance.Status {
		case models.CompliancePassed:
			assert.Equal(t, models.RecordArchived, f.RecordState)
			assert.Equal(t, models.WorkflowResolved, f.Workflow)
		case models.ComplianceFailed:
			assert.Equal(t, models.RecordActive, f.RecordState)
			assert.Equal(t, models.WorkflowNew, f.Workflow)
		}
	}
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestRun_StateTransitions(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: emitting(nil, "svc", "A", "r1")})

	run, err := r.Run(context.Background(), All(), testScope)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, run.State())

	for range run.Findings() {
		assert.Equal(t, StateRunning, run.State())
	}
	assert.Equal(t, StateCompleted, run.State())
}

func TestRun_FindingsCanBeConsumedOnce(t *testing.T) {
	log := &invocationLog{}
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: emitting(log, "svc", "A", "r1")})

	run, err := r.Run(context.Background(), All(), testScope)
	require.NoError(t, err)
	assert.Len(t, slices.Collect(run.Findings()), 1)
	assert.Empty(t, slices.Collect(run.Findings()))
	assert.Len(t, log.list(), 1)
}

func TestRun_ConsumerStopCancelsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := &invocationLog{}
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: emitting(log, "svc", "A", "r1", "r2", "r3")})
	r.MustRegister("svc", Check{Name: "B", Func: emitting(log, "svc", "B", "r1")})

	run, err := r.Run(context.Background(), All(), testScope, WithConcurrency(2))
	require.NoError(t, err)
	for range run.Findings() {
		break
	}

	assert.Equal(t, StateCancelled, run.State())
	summary := run.Summary()
	assert.Equal(t, 1, summary.Findings)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRun_CancellationTakesEffectBetweenChecks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proceed := make(chan struct{})
	log := &invocationLog{}
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: func(checkCtx context.Context, c *cache.ResponseCache, s models.Scope) iter.Seq2[models.Finding, error] {
		log.add("svc/A")
		return func(yield func(models.Finding, error) bool) {
			if !yield(mustFinding("svc", "A", "r1", models.CompliancePassed), nil) {
				return
			}
			<-proceed
			// The check itself is not interrupted.
			if checkCtx.Err() != nil {
				yield(models.Finding{}, checkCtx.Err())
			}
		}
	}})
	r.MustRegister("svc", Check{Name: "B", Func: emitting(log, "svc", "B", "r1")})

	run, err := r.Run(ctx, All(), testScope)
	require.NoError(t, err)
	var findings []models.Finding
	for f := range run.Findings() {
		findings = append(findings, f)
		cancel()
		close(proceed)
	}

	assert.Equal(t, []string{"r1/A"}, ids(findings))
	assert.Equal(t, []string{"svc/A"}, log.list())
	assert.Empty(t, run.Errors())
	assert.Equal(t, StateCancelled, run.State())
	results := run.Results()
	require.Len(t, results, 2)
	assert.False(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
}

func TestRun_CheckTimeoutIsolatesHungCheck(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	r := New()
	r.MustRegister("svc", Check{Name: "hung", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			<-release
		}
	}})
	r.MustRegister("svc", Check{Name: "next", Func: emitting(nil, "svc", "next", "r1")})

	run, findings := runAll(t, r, All(), WithCheckTimeout(50*time.Millisecond))

	assert.Equal(t, []string{"r1/next"}, ids(findings))
	errs := run.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCheckTimeout)
	assert.Equal(t, "hung", errs[0].Check)
	assert.Equal(t, StateCompleted, run.State())
}

func TestRun_CheckTimeoutReachesCheckContext(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "bounded", Func: func(ctx context.Context, _ *cache.ResponseCache, _ models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			if _, ok := ctx.Deadline(); !ok {
				yield(models.Finding{}, errors.New("check context carries no deadline"))
				return
			}
			yield(mustFinding("svc", "bounded", "r1", models.CompliancePassed), nil)
		}
	}})

	run, findings := runAll(t, r, All(), WithCheckTimeout(time.Minute))
	assert.Len(t, findings, 1)
	assert.Empty(t, run.Errors())
}

func TestRun_AuditorDelay(t *testing.T) {
	r := New()
	r.MustRegister("a", Check{Name: "x", Func: emitting(nil, "a", "x", "r1")})
	r.MustRegister("a", Check{Name: "y", Func: emitting(nil, "a", "y", "r1")})
	r.MustRegister("b", Check{Name: "z", Func: emitting(nil, "b", "z", "r1")})

	start := time.Now()
	_, findings := runAll(t, r, All(), WithAuditorDelay(30*time.Millisecond))
	assert.Len(t, findings, 3)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRun_AuditorDelayDoesNotCountAgainstCheckTimeout(t *testing.T) {
	r := New()
	r.MustRegister("a", Check{Name: "x", Func: emitting(nil, "a", "x", "r1")})
	r.MustRegister("b", Check{Name: "y", Func: emitting(nil, "b", "y", "r1")})

	run, findings := runAll(t, r, All(),
		WithAuditorDelay(200*time.Millisecond),
		WithCheckTimeout(100*time.Millisecond))

	assert.Equal(t, []string{"r1/x", "r1/y"}, ids(findings))
	assert.Empty(t, run.Errors())
	assert.Equal(t, StateCompleted, run.State())
}

func TestRun_SkippedResourcesAreCounted(t *testing.T) {
	r := New()
	r.MustRegister("svc", Check{Name: "partial", Func: func(ctx context.Context, _ *cache.ResponseCache, _ models.Scope) iter.Seq2[models.Finding, error] {
		return func(yield func(models.Finding, error) bool) {
			SkipResource(ctx, "AwsTestResource", "r2", errors.New("AccessDenied"))
			SkipResource(ctx, "AwsTestResource", "r3", errors.New("AccessDenied"))
			yield(mustFinding("svc", "partial", "r1", models.CompliancePassed), nil)
		}
	}})
	r.MustRegister("svc", Check{Name: "clean", Func: emitting(nil, "svc", "clean", "r1")})

	run, findings := runAll(t, r, All())

	assert.Len(t, findings, 2)
	assert.Empty(t, run.Errors())
	results := run.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].ResourcesSkipped)
	assert.Zero(t, results[1].ResourcesSkipped)
	assert.Equal(t, 2, run.Summary().ResourcesSkipped)
}

func TestSkipResource_OutsideRunIsHarmless(t *testing.T) {
	assert.NotPanics(t, func() {
		SkipResource(context.Background(), "AwsTestResource", "r1", errors.New("AccessDenied"))
	})
}

// ── observer ──────────────────────────────────────────────────────────────────

type recordingObserver struct {
	mu       sync.Mutex
	finished []CheckResult
	emitted  int
}

func (o *recordingObserver) CheckFinished(_ models.Scope, res CheckResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res)
}

func (o *recordingObserver) FindingEmitted(models.Scope, models.Finding) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitted++
}

func TestRun_ObserverSeesEveryCheckAndFinding(t *testing.T) {
	obs := &recordingObserver{}
	r := New()
	r.MustRegister("svc", Check{Name: "A", Func: emitting(nil, "svc", "A", "r1", "r2")})
	r.MustRegister("svc", Check{Name: "B", Func: func(context.Context, *cache.ResponseCache, models.Scope) iter.Seq2[models.Finding, error] {
		panic("boom")
	}})

	runAll(t, r, All(), WithObserver(obs))

	assert.Equal(t, 2, obs.emitted)
	require.Len(t, obs.finished, 2)
	assert.Equal(t, 2, obs.finished[0].Findings)
	assert.NoError(t, obs.finished[0].Err)
	assert.Error(t, obs.finished[1].Err)
}
