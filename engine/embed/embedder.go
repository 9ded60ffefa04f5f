package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/pkg/fn"
	"github.com/eventsphere/kbassist/pkg/metrics"
	"github.com/eventsphere/kbassist/pkg/resilience"
)

// Options configures batching, pacing and retries.
type Options struct {
	// Dimension is the store's vector size; every returned vector has it.
	Dimension int
	BatchSize int
	// ItemDelay separates consecutive items in a batch.
	ItemDelay time.Duration
	// BatchDelay separates consecutive batches.
	BatchDelay time.Duration
	// RateLimitWait is multiplied by the attempt number after a rate-limit signal.
	RateLimitWait time.Duration
	// LoadingWait is the fixed wait after a cold-start signal.
	LoadingWait time.Duration
	// RequestsPerSecond paces provider calls across all callers; 0 disables pacing.
	RequestsPerSecond float64
	Retry             fn.RetryPolicy
	Breaker           resilience.BreakerOpts
}

// DefaultOptions returns the pacing used against hosted providers.
func DefaultOptions(dim int) Options {
	return Options{
		Dimension:     dim,
		BatchSize:     16,
		ItemDelay:     100 * time.Millisecond,
		BatchDelay:    time.Second,
		RateLimitWait: 2 * time.Second,
		LoadingWait:   20 * time.Second,
		Retry: fn.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      true,
		},
		Breaker: resilience.DefaultBreakerOpts,
	}
}

// Embedder is the embedding entry point used by ingestion and retrieval.
type Embedder struct {
	primary   Provider
	alternate Provider
	breakers  map[string]*resilience.Breaker
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Registry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Embedder. alternate may be nil; without it, items that
// exhaust their retries get a hash-derived vector instead of an error.
func New(primary, alternate Provider, opts Options, logger *slog.Logger, m *metrics.Registry) (*Embedder, error) {
	if primary == nil {
		return nil, domain.NewConfigurationError("embedding.provider", "no provider configured")
	}
	if opts.Dimension <= 0 {
		return nil, domain.NewConfigurationError("embedding.dimension", "must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Embedder{
		primary:   primary,
		alternate: alternate,
		breakers:  make(map[string]*resilience.Breaker),
		opts:      opts,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		sleep:     fn.SleepContext,
	}
	for _, p := range []Provider{primary, alternate} {
		if p == nil {
			continue
		}
		name := p.Name()
		bo := opts.Breaker
		bo.IsFailure = countsTowardBreaker
		bo.OnStateChange = func(from, to resilience.State) {
			logger.Warn("embed: breaker state change", "provider", name, "from", from, "to", to)
			m.BreakerState("embed_"+name, int(to))
		}
		e.breakers[name] = resilience.NewBreaker(bo)
	}
	if opts.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return e, nil
}

// Dimension returns the configured vector size.
func (e *Embedder) Dimension() int { return e.opts.Dimension }

// ProviderName returns the primary provider's name.
func (e *Embedder) ProviderName() string { return e.primary.Name() }

// BreakerStates reports the circuit state of each configured provider.
func (e *Embedder) BreakerStates() map[string]resilience.State {
	out := make(map[string]resilience.State, len(e.breakers))
	for name, b := range e.breakers {
		out[name] = b.State()
	}
	return out
}

// Embed returns one vector or one error per text, index-aligned with texts.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]domain.Vector, []error) {
	vecs := make([]domain.Vector, len(texts))
	errs := make([]error, len(texts))

	idx := make([]int, len(texts))
	for i := range idx {
		idx[i] = i
	}
	for bi, batch := range fn.Chunk(idx, e.opts.BatchSize) {
		if bi > 0 {
			if err := e.sleep(ctx, e.opts.BatchDelay); err != nil {
				fillErr(errs, idx[bi*e.opts.BatchSize:], err)
				return vecs, errs
			}
		}
		for j, i := range batch {
			if j > 0 {
				if err := e.sleep(ctx, e.opts.ItemDelay); err != nil {
					fillErr(errs, idx[bi*e.opts.BatchSize+j:], err)
					return vecs, errs
				}
			}
			vecs[i], errs[i] = e.EmbedOne(ctx, texts[i])
		}
	}
	return vecs, errs
}

func fillErr(errs []error, idx []int, err error) {
	for _, i := range idx {
		errs[i] = err
	}
}

// EmbedOne embeds a single text through the full retry and fallback chain.
func (e *Embedder) EmbedOne(ctx context.Context, text string) (domain.Vector, error) {
	v, err := e.embedWith(ctx, e.primary, text)
	if err == nil {
		return v, nil
	}
	if isConfigError(err) || ctx.Err() != nil {
		return domain.Vector{}, err
	}

	if e.alternate != nil {
		e.logger.Warn("embed: primary exhausted, trying alternate",
			"primary", e.primary.Name(), "alternate", e.alternate.Name(), "err", err)
		av, aerr := e.embedWith(ctx, e.alternate, text)
		if aerr == nil {
			return av, nil
		}
		return domain.Vector{}, fmt.Errorf("embed: primary: %v; alternate: %w", err, aerr)
	}

	e.logger.Warn("embed: using hash fallback", "provider", e.primary.Name(), "err", err)
	e.metrics.EmbedFallback()
	return domain.Vector{
		Values:      HashVector(text, e.opts.Dimension),
		Dimension:   e.opts.Dimension,
		Provider:    FallbackProvider,
		Model:       "sha256",
		GeneratedAt: e.now(),
	}, nil
}

// embedWith runs one provider under the retry policy and its breaker.
func (e *Embedder) embedWith(ctx context.Context, p Provider, text string) (domain.Vector, error) {
	policy := e.opts.Retry
	policy.Sleep = e.sleep
	policy.Retryable = retryable
	policy.WaitFor = e.waitFor

	breaker := e.breakers[p.Name()]
	r := fn.Retry(ctx, policy, func(ctx context.Context, attempt int) fn.Result[[]float32] {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fn.Err[[]float32](err)
			}
		}
		return resilience.CallResult(breaker, ctx, func(ctx context.Context) fn.Result[[]float32] {
			vals, err := e.call(ctx, p, text)
			e.metrics.EmbedCall(p.Name(), outcome(err))
			if err != nil {
				e.logger.Debug("embed: attempt failed", "provider", p.Name(), "attempt", attempt, "err", err)
			}
			return fn.FromPair(vals, err)
		})
	})
	vals, err := r.Unwrap()
	if err != nil {
		return domain.Vector{}, err
	}
	return domain.Vector{
		Values:      vals,
		Dimension:   len(vals),
		Provider:    p.Name(),
		Model:       p.Model(),
		GeneratedAt: e.now(),
	}, nil
}

func (e *Embedder) call(ctx context.Context, p Provider, text string) ([]float32, error) {
	out, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("embed: %s returned %d vectors for 1 text", p.Name(), len(out))
	}
	if len(out[0]) != e.opts.Dimension {
		return nil, &domain.DimensionError{Got: len(out[0]), Want: e.opts.Dimension}
	}
	return out[0], nil
}

// waitFor applies the provider-signalled waits; other errors use backoff.
func (e *Embedder) waitFor(err error, attempt int) (time.Duration, bool) {
	switch {
	case errors.Is(err, domain.ErrUpstreamRateLimited):
		return e.opts.RateLimitWait * time.Duration(attempt), true
	case errors.Is(err, ErrModelLoading):
		return e.opts.LoadingWait, true
	}
	return 0, false
}

func retryable(err error) bool {
	return !isConfigError(err) &&
		!errors.Is(err, ErrRejected) &&
		!errors.Is(err, resilience.ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// countsTowardBreaker ignores rate limiting: the provider is up, just busy.
func countsTowardBreaker(err error) bool {
	return !errors.Is(err, domain.ErrUpstreamRateLimited) && !isConfigError(err)
}
