package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// FetchOptions tunes the upstream call boundary.
type FetchOptions struct {
	// Timeout bounds every attempt.
	Timeout time.Duration

	// MaxTries caps attempts per call, the first one included.
	MaxTries uint

	// RatePerSecond and Burst configure the token bucket shared by every
	// call through the Fetcher. RatePerSecond <= 0 disables limiting.
	RatePerSecond float64
	Burst         int

	// InitialInterval is the first retry delay; later delays grow
	// exponentially with jitter.
	InitialInterval time.Duration
}

// DefaultFetchOptions returns the options used when config leaves them unset.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		Timeout:         30 * time.Second,
		MaxTries:        5,
		RatePerSecond:   10,
		Burst:           20,
		InitialInterval: 200 * time.Millisecond,
	}
}

// Fetcher is the single path every auditor uses to reach AWS. It applies a
// per-attempt timeout, a shared rate limit and exponential backoff on
// throttling. Other errors are returned after the first attempt.
type Fetcher struct {
	opts    FetchOptions
	limiter *rate.Limiter
}

// NewFetcher returns a Fetcher. Zero fields in o take their defaults.
func NewFetcher(o FetchOptions) *Fetcher {
	def := DefaultFetchOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxTries == 0 {
		o.MaxTries = def.MaxTries
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = def.InitialInterval
	}
	limit := rate.Inf
	if o.RatePerSecond > 0 {
		limit = rate.Limit(o.RatePerSecond)
		if o.Burst < 1 {
			o.Burst = 1
		}
	}
	return &Fetcher{opts: o, limiter: rate.NewLimiter(limit, o.Burst)}
}

// Do performs call through f. A failure is returned as a *FetchError naming
// service and operation. A nil Fetcher makes a single unthrottled attempt.
func Do[T any](ctx context.Context, f *Fetcher, service, operation string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if f == nil {
		v, err := call(ctx)
		if err != nil {
			return zero, &FetchError{Service: service, Operation: operation, Err: err}
		}
		return v, nil
	}

	attempt := func() (T, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()

		v, err := call(attemptCtx)
		if err == nil {
			return v, nil
		}
		if IsThrottling(err) {
			return zero, err
		}
		return zero, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialInterval

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.opts.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("service", service).
				Str("operation", operation).
				Dur("retry_in", next).
				Msg("throttled, retrying")
		}),
	)
	if err != nil {
		return zero, &FetchError{Service: service, Operation: operation, Err: err}
	}
	return v, nil
}
