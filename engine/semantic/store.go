// Package semantic is the vector store client: collection lifecycle,
// deduplicated upsert, similarity search, paginated scroll and stats over a
// pluggable Backend (Qdrant REST, Qdrant gRPC or pgvector).
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/pkg/fn"
	"github.com/eventsphere/kbassist/pkg/metrics"
)

// Options configures a Store.
type Options struct {
	VectorSize int
	// Distance is the similarity metric name (Cosine, Dot, Euclid).
	Distance string
	// UpsertBatch bounds points per write request.
	UpsertBatch int
	// HashLookupBatch bounds hashes per existence query.
	HashLookupBatch int
	Retry           fn.RetryPolicy
}

// DefaultOptions returns options for a cosine collection of the given size.
func DefaultOptions(size int) Options {
	return Options{
		VectorSize:      size,
		Distance:        "Cosine",
		UpsertBatch:     64,
		HashLookupBatch: 256,
		Retry:           fn.DefaultRetry,
	}
}

// Store validates, deduplicates and retries on top of a Backend.
type Store struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewStore wraps b.
func NewStore(b Backend, opts Options, logger *slog.Logger, m *metrics.Registry) *Store {
	if opts.Distance == "" {
		opts.Distance = "Cosine"
	}
	if opts.UpsertBatch <= 0 {
		opts.UpsertBatch = 64
	}
	if opts.HashLookupBatch <= 0 {
		opts.HashLookupBatch = 256
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = fn.DefaultRetry
	}
	opts.Retry.Retryable = retryable
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: b, opts: opts, logger: logger, metrics: m}
}

func retryable(err error) bool {
	return !IsClientError(err) &&
		!errors.Is(err, ErrCollectionMissing) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// VectorSize returns the configured dimension.
func (s *Store) VectorSize() int { return s.opts.VectorSize }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) run(ctx context.Context, op string, f func(ctx context.Context) error) error {
	start := time.Now()
	err := fn.RetryErr(ctx, s.opts.Retry, func(ctx context.Context, attempt int) error {
		err := f(ctx)
		if err != nil && retryable(err) && attempt < s.opts.Retry.MaxAttempts {
			s.logger.Warn("semantic: retrying", "op", op, "attempt", attempt, "err", err)
		}
		return err
	})
	s.metrics.StoreOp(op, start, err)
	if err != nil {
		return fmt.Errorf("semantic: %s: %w", op, err)
	}
	return nil
}

// CreateCollection creates the collection if needed.
func (s *Store) CreateCollection(ctx context.Context) error {
	return s.run(ctx, "create_collection", func(ctx context.Context) error {
		return s.backend.EnsureCollection(ctx, s.opts.VectorSize, s.opts.Distance)
	})
}

// Upsert stores points. Every vector must have the configured dimension or
// nothing is written. Points sharing a content hash within the call are
// stored once; with skipExisting, hashes already in the store are skipped.
func (s *Store) Upsert(ctx context.Context, points []domain.Point, skipExisting bool) (UpsertResult, error) {
	var res UpsertResult
	for _, p := range points {
		if len(p.Vector) != s.opts.VectorSize {
			return res, fmt.Errorf("semantic: upsert %s: %w", p.ID, &domain.DimensionError{Got: len(p.Vector), Want: s.opts.VectorSize})
		}
	}

	seen := make(map[string]bool, len(points))
	fresh := make([]domain.Point, 0, len(points))
	for _, p := range points {
		h := p.Payload.ContentHash
		if h != "" && seen[h] {
			res.Skipped++
			continue
		}
		seen[h] = true
		fresh = append(fresh, p)
	}

	if skipExisting {
		existing, err := s.existing(ctx, fresh)
		if err != nil {
			return res, err
		}
		kept := fn.Filter(fresh, func(p domain.Point) bool { return !existing[p.Payload.ContentHash] })
		res.Skipped += len(fresh) - len(kept)
		fresh = kept
	}

	for _, batch := range fn.Chunk(fresh, s.opts.UpsertBatch) {
		if err := s.run(ctx, "upsert", func(ctx context.Context) error {
			return s.backend.PutPoints(ctx, batch)
		}); err != nil {
			return res, err
		}
		res.Stored += len(batch)
	}

	s.metrics.Upserted(res.Stored, res.Skipped)
	s.logger.Debug("semantic: upsert", "stored", res.Stored, "skipped", res.Skipped)
	return res, nil
}

func (s *Store) existing(ctx context.Context, points []domain.Point) (map[string]bool, error) {
	hashes := make([]string, 0, len(points))
	for _, p := range points {
		if p.Payload.ContentHash != "" {
			hashes = append(hashes, p.Payload.ContentHash)
		}
	}
	found := make(map[string]bool)
	for _, batch := range fn.Chunk(hashes, s.opts.HashLookupBatch) {
		var got map[string]bool
		if err := s.run(ctx, "lookup_hashes", func(ctx context.Context) error {
			var err error
			got, err = s.backend.ExistingHashes(ctx, batch)
			return err
		}); err != nil {
			return nil, err
		}
		for h := range got {
			found[h] = true
		}
	}
	return found, nil
}

// Search returns up to limit hits scoring at least minScore.
func (s *Store) Search(ctx context.Context, vector []float32, limit int, minScore float32) ([]Hit, error) {
	if len(vector) != s.opts.VectorSize {
		return nil, fmt.Errorf("semantic: search: %w", &domain.DimensionError{Got: len(vector), Want: s.opts.VectorSize})
	}
	var hits []Hit
	err := s.run(ctx, "search", func(ctx context.Context) error {
		var err error
		hits, err = s.backend.Query(ctx, vector, limit, minScore)
		return err
	})
	return hits, err
}

// Scroll returns one page starting at cursor ("" for the first page).
func (s *Store) Scroll(ctx context.Context, cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var page Page
	err := s.run(ctx, "scroll", func(ctx context.Context) error {
		var err error
		page, err = s.backend.ScrollPage(ctx, cursor, pageSize)
		return err
	})
	return page, err
}

// ScrollAll visits every point page by page.
func (s *Store) ScrollAll(ctx context.Context, pageSize int, visit func([]domain.Point) error) error {
	cursor := ""
	for {
		page, err := s.Scroll(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		if len(page.Points) > 0 {
			if err := visit(page.Points); err != nil {
				return err
			}
		}
		if page.Next == "" || page.Next == cursor {
			return nil
		}
		cursor = page.Next
	}
}

// Stats reports point count, vector size and distance.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.run(ctx, "stats", func(ctx context.Context) error {
		var err error
		st, err = s.backend.Info(ctx)
		return err
	})
	return st, err
}

// DeleteByFilter removes every point whose payload key equals value.
func (s *Store) DeleteByFilter(ctx context.Context, key, value string) error {
	return s.run(ctx, "delete", func(ctx context.Context) error {
		return s.backend.DeleteWhere(ctx, key, value)
	})
}

// DeleteBySource removes every chunk of one source document.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) error {
	return s.DeleteByFilter(ctx, KeySourceID, sourceID)
}

// Clear drops and recreates the collection.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.run(ctx, "drop_collection", s.backend.DropCollection); err != nil {
		return err
	}
	return s.CreateCollection(ctx)
}
