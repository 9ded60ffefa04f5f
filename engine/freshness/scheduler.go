package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// Locker is the subset of *redis.Client used for the cross-replica lock.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the lock only while it still holds our token; a run
// that outlived LockTTL must not drop another replica's lock.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Updater is satisfied by *Maintainer.
type Updater interface {
	AutoUpdate(ctx context.Context) (Outcome, error)
}

// SchedulerOpts configures a Scheduler.
type SchedulerOpts struct {
	// Spec is a cron expression; "@daily" and "@hourly" are accepted.
	Spec    string
	LockKey string
	LockTTL time.Duration
}

// Scheduler runs AutoUpdate on a cron schedule. When a Locker is set only
// one replica runs a given tick.
type Scheduler struct {
	expr    *cronexpr.Expression
	updater Updater
	locker  Locker
	opts    SchedulerOpts
	logger  *slog.Logger

	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// NewScheduler parses the cron spec. locker may be nil.
func NewScheduler(u Updater, locker Locker, opts SchedulerOpts, logger *slog.Logger) (*Scheduler, error) {
	expr, err := cronexpr.Parse(opts.Spec)
	if err != nil {
		return nil, fmt.Errorf("freshness: schedule %q: %w", opts.Spec, err)
	}
	if opts.LockKey == "" {
		opts.LockKey = "kbassist:freshness:lock"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:    expr,
		updater: u,
		locker:  locker,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		after:   time.After,
	}, nil
}

// Next returns the first fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.expr.Next(t) }

// Run blocks until ctx is done, firing Tick at every scheduled time.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.expr.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("freshness: schedule has no future fire time", "spec", s.opts.Spec)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.after(next.Sub(s.now())):
		}
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrInProgress) {
			s.logger.Error("freshness: scheduled update failed", "err", err)
		}
	}
}

// Tick runs one update if the lock can be taken. ran is false when another
// replica holds the lock.
func (s *Scheduler) Tick(ctx context.Context) (ran bool, err error) {
	if s.locker != nil {
		token := uuid.NewString()
		ok, err := s.locker.SetNX(ctx, s.opts.LockKey, token, s.opts.LockTTL).Result()
		if err != nil {
			return false, fmt.Errorf("freshness: lock: %w", err)
		}
		if !ok {
			s.logger.Debug("freshness: lock held elsewhere, skipping tick")
			return false, nil
		}
		defer s.release(context.WithoutCancel(ctx), token)
	}

	out, err := s.updater.AutoUpdate(ctx)
	if err != nil {
		return true, err
	}
	s.logger.Info("freshness: scheduled update", "action", out.Action,
		"stored", out.Ingest.Stored, "skipped", out.Ingest.Skipped)
	return true, nil
}

func (s *Scheduler) release(ctx context.Context, token string) {
	n, err := s.locker.Eval(ctx, releaseScript, []string{s.opts.LockKey}, token).Int()
	switch {
	case err != nil:
		s.logger.Warn("freshness: lock release failed", "key", s.opts.LockKey, "err", err)
	case n == 0:
		s.logger.Warn("freshness: lock expired before the update finished", "key", s.opts.LockKey, "ttl", s.opts.LockTTL)
	}
}
