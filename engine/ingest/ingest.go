// Package ingest turns knowledge-base documents into deduplicated vector
// store points through validate, chunk, embed and store stages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eventsphere/kbassist/engine/chunk"
	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
	"github.com/eventsphere/kbassist/pkg/fn"
)

// Embedder is satisfied by *embed.Embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]domain.Vector, []error)
}

// VectorStore is the part of *semantic.Store ingestion writes through.
type VectorStore interface {
	Upsert(ctx context.Context, points []domain.Point, skipExisting bool) (semantic.UpsertResult, error)
	DeleteBySource(ctx context.Context, sourceID string) error
}

// Pipeline runs documents through Validate → Chunk → Embed → Store.
type Pipeline struct {
	embedder Embedder
	store    VectorStore
	chunking chunk.Options
	logger   *slog.Logger
	run      fn.Stage[Document, domain.IngestSummary]

	now func() time.Time
}

// NewPipeline wires the stages. Each stage gets its own span.
func NewPipeline(e Embedder, store VectorStore, opts chunk.Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		embedder: e,
		store:    store,
		chunking: opts.Normalize(),
		logger:   logger,
		now:      time.Now,
	}
	chunked := fn.Then(
		fn.TracedStage("ingest.validate", validate),
		fn.TracedStage("ingest.chunk", p.chunkStage),
	)
	embedded := fn.Then(chunked, fn.TracedStage("ingest.embed", p.embedStage))
	p.run = fn.Then(embedded, fn.TracedStage("ingest.store", p.storeStage))
	return p
}

func validate(_ context.Context, d Document) fn.Result[Document] {
	if err := domain.ValidateDocument(d.SourceID, d.Text); err != nil {
		return fn.Err[Document](err)
	}
	return fn.Ok(d)
}

func (p *Pipeline) chunkStage(_ context.Context, d Document) fn.Result[chunkedDoc] {
	if d.Version == "" {
		d.Version = chunk.Hash(d.Text)[:12]
	}
	return fn.Ok(chunkedDoc{Document: d, Chunks: chunk.Split(d.SourceID, d.Text, p.chunking)})
}

func (p *Pipeline) embedStage(ctx context.Context, d chunkedDoc) fn.Result[embeddedDoc] {
	texts := fn.Map(d.Chunks, func(c domain.Chunk) string { return c.Content })
	vecs, errs := p.embedder.Embed(ctx, texts)

	out := embeddedDoc{chunkedDoc: d, Vectors: make([]domain.Vector, len(d.Chunks))}
	for i := range d.Chunks {
		err := errs[i]
		if err == nil {
			out.Vectors[i] = vecs[i]
			continue
		}
		var cfg *domain.ConfigurationError
		if errors.As(err, &cfg) || ctx.Err() != nil {
			return fn.Err[embeddedDoc](fmt.Errorf("ingest: embed %s: %w", d.SourceID, err))
		}
		p.logger.Warn("ingest: chunk not embedded", "source_id", d.SourceID, "chunk", i, "err", err)
		out.Failed++
	}
	return fn.Ok(out)
}

func (p *Pipeline) storeStage(ctx context.Context, d embeddedDoc) fn.Result[domain.IngestSummary] {
	sum := domain.IngestSummary{Documents: 1, Chunks: len(d.Chunks), Failed: d.Failed}
	ingestedAt := p.now().UTC()

	points := make([]domain.Point, 0, len(d.Chunks))
	for i, c := range d.Chunks {
		if d.Vectors[i].Values == nil {
			continue
		}
		points = append(points, domain.Point{
			ID:     PointID(c.ContentHash),
			Vector: d.Vectors[i].Values,
			Payload: domain.PointPayload{
				Content:     c.Content,
				ContentHash: c.ContentHash,
				SourceID:    c.SourceID,
				Title:       d.Title,
				ChunkIndex:  c.ChunkIndex,
				TotalChunks: c.TotalChunks,
				Size:        c.Size,
				WordCount:   c.WordCount,
				Version:     d.Version,
				IngestedAt:  ingestedAt,
			},
		})
	}
	if len(points) == 0 {
		return fn.Ok(sum)
	}

	res, err := p.store.Upsert(ctx, points, true)
	if err != nil {
		return fn.Err[domain.IngestSummary](fmt.Errorf("ingest: store %s: %w", d.SourceID, err))
	}
	sum.Stored, sum.Skipped = res.Stored, res.Skipped
	return fn.Ok(sum)
}

// PointID derives a stable point ID from a chunk's content hash, so the same
// text always lands on the same point.
func PointID(contentHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(contentHash)).String()
}

// IngestDocument runs one document through the pipeline. Chunks whose text
// is already stored are skipped and counted in Skipped.
func (p *Pipeline) IngestDocument(ctx context.Context, d Document) (domain.IngestSummary, error) {
	start := p.now()
	sum, err := p.run(ctx, d).Unwrap()
	if err != nil {
		return sum, err
	}
	p.logger.Info("ingest: document done",
		"source_id", d.SourceID, "chunks", sum.Chunks, "stored", sum.Stored,
		"skipped", sum.Skipped, "failed", sum.Failed, "took", p.now().Sub(start))
	return sum, nil
}

// ReplaceDocument removes the previous chunks of d's source before ingesting it.
func (p *Pipeline) ReplaceDocument(ctx context.Context, d Document) (domain.IngestSummary, error) {
	if err := p.store.DeleteBySource(ctx, d.SourceID); err != nil {
		return domain.IngestSummary{}, fmt.Errorf("ingest: replace %s: %w", d.SourceID, err)
	}
	return p.IngestDocument(ctx, d)
}

// IngestAll ingests docs in order. A failing document does not stop the
// run; its error is joined into the returned error.
func (p *Pipeline) IngestAll(ctx context.Context, docs []Document) (domain.IngestSummary, error) {
	var total domain.IngestSummary
	var errs []error
	for _, d := range docs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		sum, err := p.IngestDocument(ctx, d)
		if err != nil {
			var cfg *domain.ConfigurationError
			if errors.As(err, &cfg) {
				return total, err
			}
			p.logger.Error("ingest: document failed", "source_id", d.SourceID, "err", err)
			errs = append(errs, err)
			continue
		}
		total.Add(sum)
	}
	return total, errors.Join(errs...)
}

// IngestDir loads every supported file under dir and ingests it.
func (p *Pipeline) IngestDir(ctx context.Context, dir string) (domain.IngestSummary, error) {
	docs, err := LoadDocuments(dir)
	if err != nil {
		return domain.IngestSummary{}, err
	}
	return p.IngestAll(ctx, docs)
}
