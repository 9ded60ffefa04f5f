// Package rag retrieves knowledge-base context for a user question. It
// embeds the question, searches the vector store, and falls back to a local
// keyword scorer when any part of that chain fails or finds nothing.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/embed"
	"github.com/eventsphere/kbassist/engine/semantic"
	"github.com/eventsphere/kbassist/pkg/fn"
	"github.com/eventsphere/kbassist/pkg/metrics"
)

// NoInformation is returned when neither retrieval tier finds anything.
const NoInformation = "I don't have information about that yet. " +
	"Please reach out to the organizers through the contact page for help."

// Retrieval methods reported in Result.Method.
const (
	MethodVector  = "vector"
	MethodKeyword = "keyword"
	MethodNone    = "none"
)

// Fallback reasons recorded when vector retrieval is abandoned.
const (
	ReasonEmbedding    = "embedding_error"
	ReasonHashFallback = "embedding_fallback"
	ReasonSearch       = "search_error"
	ReasonNoResults    = "no_results"
)

// Embedder abstracts the query embedding call.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) (domain.Vector, error)
}

// Searcher abstracts the vector store search.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int, minScore float32) ([]semantic.Hit, error)
}

// Document is one entry of the local keyword corpus.
type Document struct {
	ID      string
	Title   string
	Content string
}

// Options configures the retrieval behaviour.
type Options struct {
	MaxResults int
	MinScore   float32
	// KeywordTop bounds keyword fallback results.
	KeywordTop int
	// ContactDocID names the document boosted for contact questions.
	ContactDocID  string
	ContactBonus  int
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxResults:    5,
		MinScore:      0.5,
		KeywordTop:    3,
		ContactDocID:  "contact",
		ContactBonus:  1000,
		SearchTimeout: 5 * time.Second,
	}
}

// Source is one piece of retrieved context.
type Source struct {
	ID       string  `json:"id"`
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Context        string   `json:"context"`
	Sources        []Source `json:"sources"`
	Method         string   `json:"method"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
}

// Service is the retrieval service.
type Service struct {
	embedder Embedder
	search   Searcher
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Registry

	mu     sync.RWMutex
	corpus []Document

	vector fn.Stage[string, []semantic.Hit]
}

// New creates a Service. embedder and search may be nil, in which case only
// the keyword tier runs.
func New(embedder Embedder, search Searcher, corpus []Document, opts Options, logger *slog.Logger, m *metrics.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.KeywordTop <= 0 {
		opts.KeywordTop = 3
	}
	s := &Service{
		embedder: embedder,
		search:   search,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		corpus:   corpus,
	}
	s.vector = fn.Then(
		fn.TracedStage("rag.embed", s.embedStage),
		fn.TracedStage("rag.search", s.searchStage),
	)
	return s
}

// SetCorpus replaces the keyword fallback corpus.
func (s *Service) SetCorpus(docs []Document) {
	s.mu.Lock()
	s.corpus = docs
	s.mu.Unlock()
}

// stageError tags a vector-tier failure with its fallback reason.
type stageError struct {
	reason string
	err    error
}

func (e *stageError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

var errNoResults = errors.New("no results above threshold")
var errHashVector = errors.New("query vector is a hash fallback")

func (s *Service) embedStage(ctx context.Context, q string) fn.Result[domain.Vector] {
	v, err := s.embedder.EmbedOne(ctx, q)
	if err != nil {
		return fn.Err[domain.Vector](&stageError{ReasonEmbedding, err})
	}
	// Hash vectors carry no meaning, so searching with one is noise.
	if v.Provider == embed.FallbackProvider {
		return fn.Err[domain.Vector](&stageError{ReasonHashFallback, errHashVector})
	}
	return fn.Ok(v)
}

func (s *Service) searchStage(ctx context.Context, v domain.Vector) fn.Result[[]semantic.Hit] {
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	hits, err := s.search.Search(ctx, v.Values, s.opts.MaxResults, s.opts.MinScore)
	if err != nil {
		return fn.Err[[]semantic.Hit](&stageError{ReasonSearch, err})
	}
	if len(hits) == 0 {
		return fn.Err[[]semantic.Hit](&stageError{ReasonNoResults, errNoResults})
	}
	return fn.Ok(hits)
}

// Retrieve returns context for question. The only error it returns is a
// configuration error, which no fallback can hide; every other failure
// degrades to keyword search and then to NoInformation.
func (s *Service) Retrieve(ctx context.Context, question string) (Result, error) {
	reason := ReasonNoResults
	if s.embedder != nil && s.search != nil {
		hits, err := s.vector(ctx, question).Unwrap()
		if err == nil {
			s.logger.Debug("rag: vector retrieval", "hits", len(hits))
			return vectorResult(hits), nil
		}
		var cerr *domain.ConfigurationError
		if errors.As(err, &cerr) {
			return Result{}, fmt.Errorf("rag: %w", err)
		}
		var se *stageError
		if errors.As(err, &se) {
			reason = se.reason
		}
		s.logger.Warn("rag: vector retrieval failed, using keyword fallback", "reason", reason, "err", err)
	}
	s.metrics.RetrievalFallback(reason)

	s.mu.RLock()
	corpus := s.corpus
	s.mu.RUnlock()

	sources := KeywordSearch(corpus, question, s.opts.ContactDocID, s.opts.ContactBonus, s.opts.KeywordTop)
	if len(sources) == 0 {
		return Result{Context: NoInformation, Method: MethodNone, FallbackReason: reason}, nil
	}
	return Result{
		Context:        joinContext(sources),
		Sources:        sources,
		Method:         MethodKeyword,
		FallbackReason: reason,
	}, nil
}

func vectorResult(hits []semantic.Hit) Result {
	sources := make([]Source, len(hits))
	for i, h := range hits {
		sources[i] = Source{
			ID:       h.ID,
			SourceID: h.Payload.SourceID,
			Title:    h.Payload.Title,
			Content:  h.Payload.Content,
			Score:    float64(h.Score),
		}
	}
	return Result{Context: joinContext(sources), Sources: sources, Method: MethodVector}
}

func joinContext(sources []Source) string {
	parts := make([]string, len(sources))
	for i, src := range sources {
		parts[i] = strings.TrimSpace(src.Content)
	}
	return strings.Join(parts, "\n\n")
}
