// Package pgvec is the PostgreSQL + pgvector backend for semantic.Store.
// Each collection is one table.
package pgvec

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Backend stores points in a pgvector table.
type Backend struct {
	pool     *pgxpool.Pool
	db       db
	table    string
	ident    string
	distance string
}

var tableRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// New connects to dsn and targets table collection.
func New(ctx context.Context, dsn, collection string) (*Backend, error) {
	if !tableRe.MatchString(collection) {
		return nil, domain.NewConfigurationError("vector.collection", "must be a lowercase SQL identifier for pgvector")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvec: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvec: ping: %w", err)
	}
	b := newBackend(pool, collection)
	b.pool = pool
	return b, nil
}

func newBackend(d db, table string) *Backend {
	return &Backend{db: d, table: table, ident: pgx.Identifier{table}.Sanitize(), distance: "Cosine"}
}

func (b *Backend) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

// operator returns the pgvector distance operator and the expression that
// turns its result into a higher-is-better score.
func operator(distance string) (op, score string) {
	switch distance {
	case "Dot":
		return "<#>", "-(embedding <#> $1)"
	case "Euclid":
		return "<->", "-(embedding <-> $1)"
	default:
		return "<=>", "1 - (embedding <=> $1)"
	}
}

var columns = map[string]string{
	semantic.KeySourceID:    "source_id",
	semantic.KeyContentHash: "content_hash",
	semantic.KeyVersion:     "version",
	semantic.KeyTitle:       "title",
}

// classify maps SQLSTATE classes 22 (data), 23 (constraint) and 42 (syntax
// or undefined object) to client errors; everything else is retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01":
			return &semantic.ClientError{Op: op, Status: 404, Message: pgErr.Message}
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"):
			return &semantic.ClientError{Op: op, Status: 400, Message: pgErr.Code + ": " + pgErr.Message}
		}
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrUpstreamUnavailable, err)
}

func (b *Backend) EnsureCollection(ctx context.Context, size int, distance string) error {
	b.distance = distance
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			embedding    vector(%d) NOT NULL,
			content      TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			source_id    TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			chunk_index  INT NOT NULL DEFAULT 0,
			total_chunks INT NOT NULL DEFAULT 0,
			size         INT NOT NULL DEFAULT 0,
			word_count   INT NOT NULL DEFAULT 0,
			version      TEXT NOT NULL DEFAULT '',
			ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, b.ident, size),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (content_hash)`,
			pgx.Identifier{b.table + "_hash_idx"}.Sanitize(), b.ident),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source_id)`,
			pgx.Identifier{b.table + "_source_idx"}.Sanitize(), b.ident),
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(ctx, s); err != nil {
			return classify("create collection", err)
		}
	}
	return nil
}

func (b *Backend) PutPoints(ctx context.Context, points []domain.Point) error {
	if len(points) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO %s
		(id, embedding, content, content_hash, source_id, title, chunk_index, total_chunks, size, word_count, version, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			source_id = EXCLUDED.source_id,
			title = EXCLUDED.title,
			chunk_index = EXCLUDED.chunk_index,
			total_chunks = EXCLUDED.total_chunks,
			size = EXCLUDED.size,
			word_count = EXCLUDED.word_count,
			version = EXCLUDED.version,
			ingested_at = EXCLUDED.ingested_at`, b.ident)

	batch := &pgx.Batch{}
	for _, p := range points {
		pl := p.Payload
		at := pl.IngestedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		batch.Queue(q, p.ID, pgvector.NewVector(p.Vector), pl.Content, pl.ContentHash, pl.SourceID,
			pl.Title, pl.ChunkIndex, pl.TotalChunks, pl.Size, pl.WordCount, pl.Version, at)
	}
	return classify("upsert", b.db.SendBatch(ctx, batch).Close())
}

func (b *Backend) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return found, nil
	}
	rows, err := b.db.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT content_hash FROM %s WHERE content_hash = ANY($1)`, b.ident), hashes)
	if err != nil {
		return nil, classify("lookup hashes", err)
	}
	got, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("lookup hashes", err)
	}
	for _, h := range got {
		found[h] = true
	}
	return found, nil
}

const payloadCols = `id, content, content_hash, source_id, title, chunk_index, total_chunks, size, word_count, version, ingested_at`

func scanPoint(row pgx.CollectableRow) (domain.Point, error) {
	var p domain.Point
	pl := &p.Payload
	err := row.Scan(&p.ID, &pl.Content, &pl.ContentHash, &pl.SourceID, &pl.Title, &pl.ChunkIndex,
		&pl.TotalChunks, &pl.Size, &pl.WordCount, &pl.Version, &pl.IngestedAt)
	return p, err
}

func (b *Backend) Query(ctx context.Context, vector []float32, limit int, minScore float32) ([]semantic.Hit, error) {
	op, score := operator(b.distance)
	q := fmt.Sprintf(`SELECT %s, %s AS score FROM %s
		WHERE %s >= $2
		ORDER BY embedding %s $1
		LIMIT $3`, payloadCols, score, b.ident, score, op)
	rows, err := b.db.Query(ctx, q, pgvector.NewVector(vector), minScore, limit)
	if err != nil {
		return nil, classify("search", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (semantic.Hit, error) {
		var h semantic.Hit
		pl := &h.Payload
		err := row.Scan(&h.ID, &pl.Content, &pl.ContentHash, &pl.SourceID, &pl.Title, &pl.ChunkIndex,
			&pl.TotalChunks, &pl.Size, &pl.WordCount, &pl.Version, &pl.IngestedAt, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, classify("search", err)
	}
	return hits, nil
}

// ScrollPage orders by id; the cursor is the last id of the previous page.
func (b *Backend) ScrollPage(ctx context.Context, offset string, limit int) (semantic.Page, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, payloadCols, b.ident)
	rows, err := b.db.Query(ctx, q, offset, limit+1)
	if err != nil {
		return semantic.Page{}, classify("scroll", err)
	}
	pts, err := pgx.CollectRows(rows, scanPoint)
	if err != nil {
		return semantic.Page{}, classify("scroll", err)
	}
	return pageOf(pts, limit), nil
}

// pageOf trims a limit+1 read to one page and sets the cursor if more remain.
func pageOf(pts []domain.Point, limit int) semantic.Page {
	if len(pts) <= limit {
		return semantic.Page{Points: pts}
	}
	pts = pts[:limit]
	return semantic.Page{Points: pts, Next: pts[len(pts)-1].ID}
}

func (b *Backend) DeleteWhere(ctx context.Context, key, value string) error {
	col, ok := columns[key]
	if !ok {
		return &semantic.ClientError{Op: "delete", Status: 400, Message: "unsupported filter key " + strconv.Quote(key)}
	}
	_, err := b.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, b.ident, col), value)
	return classify("delete", err)
}

func (b *Backend) DropCollection(ctx context.Context) error {
	_, err := b.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, b.ident))
	return classify("drop collection", err)
}

func (b *Backend) Info(ctx context.Context) (semantic.Stats, error) {
	st := semantic.Stats{Collection: b.table, Distance: b.distance}
	err := b.db.QueryRow(ctx, fmt.Sprintf(`SELECT count(*),
		(SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding')
		FROM %s`, b.ident), b.table).Scan(&st.PointCount, &st.VectorSize)
	if err != nil {
		err = classify("info", err)
		var ce *semantic.ClientError
		if errors.As(err, &ce) && ce.Status == 404 {
			return semantic.Stats{}, fmt.Errorf("%w: %w", semantic.ErrCollectionMissing, err)
		}
		return semantic.Stats{}, err
	}
	return st, nil
}

var _ semantic.Backend = (*Backend)(nil)
