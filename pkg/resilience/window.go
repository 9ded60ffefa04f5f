package resilience

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window request counter keyed by caller identity.
type Window interface {
	// Allow counts one request for key and reports whether it is within the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

// WindowOpts configures a fixed-window limiter.
type WindowOpts struct {
	// Limit is the number of requests admitted per key and window.
	Limit int
	// Size is the window length.
	Size time.Duration
}

// DefaultWindowOpts admits 30 requests per caller per minute.
var DefaultWindowOpts = WindowOpts{Limit: 30, Size: time.Minute}

func (o WindowOpts) normalize() WindowOpts {
	if o.Limit <= 0 {
		o.Limit = DefaultWindowOpts.Limit
	}
	if o.Size <= 0 {
		o.Size = DefaultWindowOpts.Size
	}
	return o
}

// windowStart truncates t to the start of its window.
func (o WindowOpts) windowStart(t time.Time) time.Time {
	return t.Truncate(o.Size)
}

// MemoryWindow keeps counters in process memory. Expired windows are
// dropped lazily on the next request for the same key.
type MemoryWindow struct {
	mu      sync.Mutex
	opts    WindowOpts
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	start time.Time
	count int
}

// NewMemoryWindow creates an in-process fixed-window limiter.
func NewMemoryWindow(opts WindowOpts) *MemoryWindow {
	return &MemoryWindow{
		opts:    opts.normalize(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements Window. It never returns an error.
func (w *MemoryWindow) Allow(_ context.Context, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.opts.windowStart(w.now())
	b, ok := w.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		w.buckets[key] = b
	}
	b.count++
	return b.count <= w.opts.Limit, nil
}

// Prune drops counters whose window has closed.
func (w *MemoryWindow) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := w.opts.windowStart(w.now())
	n := 0
	for k, b := range w.buckets {
		if b.start.Before(start) {
			delete(w.buckets, k)
			n++
		}
	}
	return n
}

// windowCounter is the subset of *redis.Client the limiter needs.
type windowCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisWindow shares counters across replicas with INCR + EXPIRE.
type RedisWindow struct {
	client windowCounter
	opts   WindowOpts
	prefix string
	now    func() time.Time
}

// NewRedisWindow creates a Redis-backed fixed-window limiter.
func NewRedisWindow(client *redis.Client, prefix string, opts WindowOpts) *RedisWindow {
	return newRedisWindow(client, prefix, opts)
}

func newRedisWindow(client windowCounter, prefix string, opts WindowOpts) *RedisWindow {
	if prefix == "" {
		prefix = "kbassist:rl"
	}
	return &RedisWindow{client: client, opts: opts.normalize(), prefix: prefix, now: time.Now}
}

// Allow implements Window.
func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	start := w.opts.windowStart(w.now())
	k := w.prefix + ":" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	n, err := w.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("resilience: incr %s: %w", k, err)
	}
	if n == 1 {
		if err := w.client.Expire(ctx, k, w.opts.Size).Err(); err != nil {
			return false, fmt.Errorf("resilience: expire %s: %w", k, err)
		}
	}
	return n <= int64(w.opts.Limit), nil
}
