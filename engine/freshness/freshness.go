// Package freshness audits the vector store for duplicate and stale chunks
// and drives re-ingestion when the audit asks for it.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/pkg/metrics"
)

// ErrInProgress is returned when an update is already running in this process.
var ErrInProgress = errors.New("freshness: update already in progress")

// Scroller is the part of semantic.Store the maintainer reads and clears.
type Scroller interface {
	ScrollAll(ctx context.Context, pageSize int, visit func([]domain.Point) error) error
	Clear(ctx context.Context) error
}

// Reingester rebuilds the collection contents from the document sources.
type Reingester interface {
	Reingest(ctx context.Context) (domain.IngestSummary, error)
}

// ReingestFunc adapts a function to Reingester.
type ReingestFunc func(ctx context.Context) (domain.IngestSummary, error)

func (f ReingestFunc) Reingest(ctx context.Context) (domain.IngestSummary, error) { return f(ctx) }

// Options tunes the audit.
type Options struct {
	// StaleAfter is the age past which a point counts as stale.
	StaleAfter time.Duration
	PageSize   int
}

// DefaultOptions flags points older than 30 days.
func DefaultOptions() Options {
	return Options{StaleAfter: 30 * 24 * time.Hour, PageSize: 100}
}

// Action names what an update run did.
type Action string

const (
	ActionNone    Action = "none"
	ActionReindex Action = "reindex"
	ActionForced  Action = "forced"
)

// Outcome reports one AutoUpdate or ForceUpdate run.
type Outcome struct {
	Action Action                  `json:"action"`
	Report *domain.FreshnessReport `json:"report,omitempty"`
	Ingest domain.IngestSummary    `json:"ingest"`
}

// Maintainer owns audit and refresh of one collection.
type Maintainer struct {
	store   Scroller
	ingest  Reingester
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry
	running atomic.Bool

	now func() time.Time
}

// New creates a Maintainer.
func New(store Scroller, ingest Reingester, opts Options, logger *slog.Logger, m *metrics.Registry) *Maintainer {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultOptions().PageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{store: store, ingest: ingest, opts: opts, logger: logger, metrics: m, now: time.Now}
}

type sourceState struct {
	hashes   map[string]int
	versions map[string]struct{}
}

// Audit scans the whole collection page by page. It takes no lock, so
// points written during the scan may or may not be counted.
func (m *Maintainer) Audit(ctx context.Context) (domain.FreshnessReport, error) {
	now := m.now()
	cutoff := now.Add(-m.opts.StaleAfter)
	sources := make(map[string]*sourceState)
	var total, stale int

	err := m.store.ScrollAll(ctx, m.opts.PageSize, func(points []domain.Point) error {
		for _, p := range points {
			total++
			pl := p.Payload
			if pl.IngestedAt.IsZero() || pl.IngestedAt.Before(cutoff) {
				stale++
			}
			st, ok := sources[pl.SourceID]
			if !ok {
				st = &sourceState{hashes: make(map[string]int), versions: make(map[string]struct{})}
				sources[pl.SourceID] = st
			}
			st.hashes[pl.ContentHash]++
			if pl.Version != "" {
				st.versions[pl.Version] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return domain.FreshnessReport{}, fmt.Errorf("freshness: audit: %w", err)
	}

	dups := 0
	for _, st := range sources {
		for _, n := range st.hashes {
			if n > 1 {
				dups++
			}
		}
		if len(st.versions) > 1 {
			dups++
		}
	}

	report := domain.FreshnessReport{
		TotalPoints:     total,
		Sources:         len(sources),
		DuplicateGroups: dups,
		StaleCount:      stale,
		Recommendation:  domain.RecommendNoAction,
		GeneratedAt:     now,
	}
	if dups > 0 || stale > 0 {
		report.Recommendation = domain.RecommendReindex
	}
	m.logger.Info("freshness: audit complete",
		"points", total, "sources", len(sources), "duplicate_groups", dups,
		"stale", stale, "recommendation", report.Recommendation)
	return report, nil
}

// AutoUpdate audits and rebuilds only when the report recommends it.
func (m *Maintainer) AutoUpdate(ctx context.Context) (Outcome, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Outcome{}, ErrInProgress
	}
	defer m.running.Store(false)

	report, err := m.Audit(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if report.Recommendation != domain.RecommendReindex {
		m.metrics.FreshnessRun(string(ActionNone))
		return Outcome{Action: ActionNone, Report: &report}, nil
	}
	sum, err := m.rebuild(ctx)
	out := Outcome{Action: ActionReindex, Report: &report, Ingest: sum}
	if err != nil {
		return out, err
	}
	m.metrics.FreshnessRun(string(ActionReindex))
	return out, nil
}

// ForceUpdate clears and rebuilds regardless of the audit.
func (m *Maintainer) ForceUpdate(ctx context.Context) (Outcome, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Outcome{}, ErrInProgress
	}
	defer m.running.Store(false)

	sum, err := m.rebuild(ctx)
	out := Outcome{Action: ActionForced, Ingest: sum}
	if err != nil {
		return out, err
	}
	m.metrics.FreshnessRun(string(ActionForced))
	return out, nil
}

func (m *Maintainer) rebuild(ctx context.Context) (domain.IngestSummary, error) {
	start := m.now()
	if err := m.store.Clear(ctx); err != nil {
		return domain.IngestSummary{}, fmt.Errorf("freshness: clear: %w", err)
	}
	sum, err := m.ingest.Reingest(ctx)
	if err != nil {
		m.metrics.FreshnessRun("failed")
		return sum, fmt.Errorf("freshness: reingest: %w", err)
	}
	m.logger.Info("freshness: rebuilt collection",
		"documents", sum.Documents, "stored", sum.Stored, "failed", sum.Failed,
		"took", m.now().Sub(start))
	return sum, nil
}
