package ingest

import (
	"github.com/eventsphere/kbassist/engine/domain"
)

// Document is one knowledge-base source to ingest.
type Document struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title,omitempty"`
	Text     string `json:"text"`
	// Version tags every chunk of this ingestion. Empty derives one from Text.
	Version string `json:"version,omitempty"`
}

// chunkedDoc is a validated document split into chunks.
type chunkedDoc struct {
	Document
	Chunks []domain.Chunk
}

// embeddedDoc carries one vector per chunk. Chunks whose embedding failed
// have a nil entry in Vectors.
type embeddedDoc struct {
	chunkedDoc
	Vectors []domain.Vector
	Failed  int
}
