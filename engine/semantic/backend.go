package semantic

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventsphere/kbassist/engine/domain"
)

// Backend is one vector database wire protocol. Backends do no retrying
// and no validation; Store layers both on top.
type Backend interface {
	// EnsureCollection creates the collection; an existing one is success.
	EnsureCollection(ctx context.Context, size int, distance string) error
	PutPoints(ctx context.Context, points []domain.Point) error
	// ExistingHashes reports which of hashes are already stored.
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
	Query(ctx context.Context, vector []float32, limit int, minScore float32) ([]Hit, error)
	// ScrollPage returns up to limit points after offset ("" starts at the
	// beginning). Page.Next is "" on the last page.
	ScrollPage(ctx context.Context, offset string, limit int) (Page, error)
	DeleteWhere(ctx context.Context, key, value string) error
	DropCollection(ctx context.Context) error
	Info(ctx context.Context) (Stats, error)
	Close() error
}

// Hit is one similarity search result.
type Hit struct {
	ID      string              `json:"id"`
	Score   float32             `json:"score"`
	Payload domain.PointPayload `json:"payload"`
}

// Page is one scroll page.
type Page struct {
	Points []domain.Point `json:"points"`
	Next   string         `json:"next,omitempty"`
}

// Stats describes the collection.
type Stats struct {
	Collection string `json:"collection"`
	PointCount int    `json:"point_count"`
	VectorSize int    `json:"vector_size"`
	Distance   string `json:"distance"`
}

// UpsertResult counts what an upsert did.
type UpsertResult struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
}

// ErrCollectionMissing is returned by Info when the collection does not exist.
var ErrCollectionMissing = errors.New("semantic: collection does not exist")

// ClientError is a 4xx-class rejection. It is never retried.
type ClientError struct {
	Op      string
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("semantic: %s: client error %d: %s", e.Op, e.Status, e.Message)
}

// IsClientError reports whether err contains a *ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// Payload keys shared by every backend.
const (
	KeyContent     = "content"
	KeyContentHash = "content_hash"
	KeySourceID    = "source_id"
	KeyTitle       = "title"
	KeyChunkIndex  = "chunk_index"
	KeyTotalChunks = "total_chunks"
	KeySize        = "size"
	KeyWordCount   = "word_count"
	KeyVersion     = "version"
	KeyIngestedAt  = "ingested_at"
)
