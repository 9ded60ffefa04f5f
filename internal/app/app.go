// Package app builds the kbassist services from a config.Config. Both
// binaries share it so the API and the CLI see the same store, embedder and
// chunking settings.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventsphere/kbassist/config"
	"github.com/eventsphere/kbassist/engine/chat"
	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/embed"
	"github.com/eventsphere/kbassist/engine/events"
	"github.com/eventsphere/kbassist/engine/freshness"
	"github.com/eventsphere/kbassist/engine/ingest"
	"github.com/eventsphere/kbassist/engine/memory"
	"github.com/eventsphere/kbassist/engine/rag"
	"github.com/eventsphere/kbassist/engine/semantic"
	"github.com/eventsphere/kbassist/engine/semantic/pgvec"
	"github.com/eventsphere/kbassist/engine/semantic/qdrantgrpc"
	"github.com/eventsphere/kbassist/pkg/metrics"
	"github.com/eventsphere/kbassist/pkg/resilience"
)

// App holds the wired services. Optional parts are nil when not configured.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Registry

	Embedder  *embed.Embedder
	Store     *semantic.Store
	Pipeline  *ingest.Pipeline
	RAG       *rag.Service
	Memory    *memory.Store
	Freshness *freshness.Maintainer
	Chat      *chat.Service

	// Events is nil without events.dsn.
	Events *events.Handler
	// Redis is nil without redis.addr.
	Redis *redis.Client
	// Limiter is nil when rate limiting is disabled.
	Limiter resilience.Window

	closers []func() error
}

// NewLogger returns a slog logger for the configured level and format.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// NewBackend opens the vector backend named by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.VectorConfig) (semantic.Backend, error) {
	switch cfg.Backend {
	case "qdrant":
		return semantic.NewREST(cfg.URL, cfg.Collection, cfg.APIKey, nil), nil
	case "qdrant-grpc":
		return qdrantgrpc.New(cfg.GRPCAddr, cfg.Collection, cfg.APIKey)
	case "pgvector":
		return pgvec.New(ctx, cfg.DSN, cfg.Collection)
	case "memory":
		return semantic.NewMemory(), nil
	default:
		return nil, domain.NewConfigurationError("vector.backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}

// NewEmbedder builds the primary and optional alternate providers.
func NewEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger, m *metrics.Registry) (*embed.Embedder, error) {
	provider := func(p config.ProviderConfig) (embed.Provider, error) {
		return embed.NewProvider(embed.ProviderConfig{
			Provider:  p.Provider,
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			APIKey:    p.APIKey,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	}
	primary, err := provider(cfg.ProviderConfig)
	if err != nil {
		return nil, err
	}
	alternate, err := provider(cfg.Alternate)
	if err != nil {
		return nil, err
	}

	opts := embed.DefaultOptions(cfg.Dimension)
	opts.BatchSize = cfg.BatchSize
	opts.ItemDelay = cfg.ItemDelay
	opts.BatchDelay = cfg.BatchDelay
	opts.RateLimitWait = cfg.RateLimitWait
	opts.LoadingWait = cfg.LoadingWait
	opts.RequestsPerSecond = cfg.RequestsPerSecond
	if cfg.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = cfg.MaxAttempts
	}
	return embed.New(primary, alternate, opts, logger, m)
}

// New wires every service. The vector collection is created if missing; a
// store that cannot be reached is logged and left to degrade per request.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	emb, err := NewEmbedder(cfg.Embedding, logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("app: embedder: %w", err)
	}
	a.Embedder = emb

	backend, err := NewBackend(ctx, cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("app: vector backend: %w", err)
	}
	sopts := semantic.DefaultOptions(cfg.Embedding.Dimension)
	sopts.Distance = cfg.Vector.Distance
	if cfg.Vector.UpsertBatch > 0 {
		sopts.UpsertBatch = cfg.Vector.UpsertBatch
	}
	if cfg.Vector.MaxAttempts > 0 {
		sopts.Retry.MaxAttempts = cfg.Vector.MaxAttempts
	}
	a.Store = semantic.NewStore(backend, sopts, logger, a.Metrics)
	a.closers = append(a.closers, a.Store.Close)
	if err := a.Store.CreateCollection(ctx); err != nil {
		var derr *domain.DimensionError
		if errors.As(err, &derr) {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		logger.Warn("app: vector collection unavailable", "backend", cfg.Vector.Backend, "err", err)
	}

	a.Pipeline = ingest.NewPipeline(a.Embedder, a.Store, cfg.Chunk, logger)

	ropts := rag.DefaultOptions()
	ropts.MaxResults = cfg.Retrieval.MaxResults
	ropts.MinScore = cfg.Retrieval.MinScore
	ropts.KeywordTop = cfg.Retrieval.KeywordTop
	ropts.ContactDocID = cfg.Retrieval.ContactDocID
	ropts.SearchTimeout = cfg.Retrieval.SearchTimeout
	a.RAG = rag.New(a.Embedder, a.Store, nil, ropts, logger, a.Metrics)
	if err := a.ReloadCorpus(); err != nil {
		logger.Warn("app: keyword corpus not loaded", "dir", cfg.Freshness.DocsDir, "err", err)
	}

	a.Memory = memory.New(memory.Options{
		Capacity:      cfg.Memory.Capacity,
		IdleTimeout:   cfg.Memory.IdleTimeout,
		SweepInterval: cfg.Memory.SweepInterval,
		OngoingWindow: cfg.Memory.OngoingWindow,
	}, logger, a.Metrics)

	var querier chat.EventQuerier
	if cfg.Events.DSN != "" {
		pg, err := events.NewPGStore(ctx, cfg.Events.DSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: events store: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.Events = events.NewHandler(pg, cfg.Events.Location(), logger)
		querier = a.Events
	}

	a.Chat = chat.New(a.RAG, querier, a.Memory, chat.Options{
		BaseLink: cfg.Events.BaseLink,
		Model:    cfg.Embedding.Model,
	}, logger, a.Metrics)

	a.Freshness = freshness.New(a.Store, freshness.ReingestFunc(a.Reingest), freshness.Options{
		StaleAfter: cfg.Freshness.StaleAfter,
		PageSize:   freshness.DefaultOptions().PageSize,
	}, logger, a.Metrics)

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.Redis.Close)
	}
	if cfg.RateLimit.Enabled {
		wopts := resilience.WindowOpts{Limit: cfg.RateLimit.Requests, Size: cfg.RateLimit.Window}
		if a.Redis != nil {
			a.Limiter = resilience.NewRedisWindow(a.Redis, "kbassist:ratelimit:", wopts)
		} else {
			a.Limiter = resilience.NewMemoryWindow(wopts)
		}
	}
	return a, nil
}

// Start launches background maintenance until ctx ends: the memory sweep
// and, for an in-process limiter, pruning of closed windows.
func (a *App) Start(ctx context.Context) {
	a.Memory.Start(ctx)
	w, ok := a.Limiter.(*resilience.MemoryWindow)
	if !ok {
		return
	}
	go func() {
		t := time.NewTicker(a.Config.RateLimit.Window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := w.Prune(); n > 0 {
					a.Logger.Debug("app: pruned rate limit windows", "count", n)
				}
			}
		}
	}()
}

// ReloadCorpus refreshes the keyword fallback corpus from the docs directory.
// A missing directory leaves the corpus empty.
func (a *App) ReloadCorpus() error {
	docs, err := ingest.LoadDocuments(a.Config.Freshness.DocsDir)
	if errors.Is(err, fs.ErrNotExist) {
		a.RAG.SetCorpus(nil)
		return nil
	}
	if err != nil {
		return err
	}
	a.RAG.SetCorpus(Corpus(docs))
	return nil
}

// Corpus converts loaded documents to keyword corpus entries.
func Corpus(docs []ingest.Document) []rag.Document {
	out := make([]rag.Document, len(docs))
	for i, d := range docs {
		out[i] = rag.Document{ID: d.SourceID, Title: d.Title, Content: d.Text}
	}
	return out
}

// Reingest ingests the docs directory and refreshes the keyword corpus.
func (a *App) Reingest(ctx context.Context) (domain.IngestSummary, error) {
	sum, err := a.Pipeline.IngestDir(ctx, a.Config.Freshness.DocsDir)
	if err != nil {
		return sum, err
	}
	if err := a.ReloadCorpus(); err != nil {
		a.Logger.Warn("app: keyword corpus reload failed", "err", err)
	}
	return sum, nil
}

// Scheduler returns the freshness scheduler, or nil when no schedule is set.
func (a *App) Scheduler() (*freshness.Scheduler, error) {
	if a.Config.Freshness.Schedule == "" {
		return nil, nil
	}
	var locker freshness.Locker
	if a.Redis != nil {
		locker = a.Redis
	}
	return freshness.NewScheduler(a.Freshness, locker, freshness.SchedulerOpts{
		Spec:    a.Config.Freshness.Schedule,
		LockTTL: a.Config.Freshness.LockTTL,
	}, a.Logger)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	if a.Memory != nil {
		a.Memory.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
