package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC)
	w := NewMemoryWindow(WindowOpts{Limit: 2, Size: time.Minute})
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := w.Allow(ctx, "alice")
		if err != nil || ok != want {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := w.Allow(ctx, "bob"); !ok {
		t.Fatal("keys must be counted independently")
	}

	now = now.Add(time.Minute)
	if ok, _ := w.Allow(ctx, "alice"); !ok {
		t.Fatal("new window should admit")
	}
	if n := w.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1 (bob)", n)
	}
}

type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "incr", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.counts[key]++
	cmd.SetVal(f.counts[key])
	return cmd
}

func (f *fakeCounter) Expire(ctx context.Context, key string, d time.Duration) *redis.BoolCmd {
	f.expires[key] = d
	cmd := redis.NewBoolCmd(ctx, "expire", key)
	cmd.SetVal(true)
	return cmd
}

func TestRedisWindow(t *testing.T) {
	fc := &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
	w := newRedisWindow(fc, "rl", WindowOpts{Limit: 1, Size: time.Minute})
	w.now = func() time.Time { return time.Unix(120, 0) }
	ctx := context.Background()

	if ok, err := w.Allow(ctx, "1.2.3.4"); !ok || err != nil {
		t.Fatalf("first request: ok=%v err=%v", ok, err)
	}
	if ok, _ := w.Allow(ctx, "1.2.3.4"); ok {
		t.Fatal("second request should be rejected")
	}
	if d := fc.expires["rl:1.2.3.4:120"]; d != time.Minute {
		t.Fatalf("expire = %v", d)
	}
	if len(fc.expires) != 1 {
		t.Fatalf("expire should be set once, got %v", fc.expires)
	}

	fc.err = errors.New("conn refused")
	if _, err := w.Allow(ctx, "x"); err == nil {
		t.Fatal("expected error")
	}
}
