// Package domain defines the core types, constants and error taxonomy shared
// by the query pipeline and the ingestion path.
package domain

import "time"

// Intent classifies the purpose of a user utterance.
type Intent string

const (
	IntentGreeting         Intent = "GREETING"
	IntentEventStats       Intent = "EVENT_STATS"
	IntentSpecificEvent    Intent = "SPECIFIC_EVENT"
	IntentEventCategory    Intent = "EVENT_CATEGORY"
	IntentGeneralEventList Intent = "GENERAL_EVENT_LIST"
	IntentGeneralQuestion  Intent = "GENERAL_QUESTION"
)

// Entity keys produced by the classifier.
const (
	EntityEventName = "event_name"
	EntityCategory  = "category"
	EntityAttribute = "attribute"
)

// Attributes of interest a user can ask about a single event.
const (
	AttrFee          = "fee"
	AttrPrize        = "prize"
	AttrDeadline     = "deadline"
	AttrDate         = "date"
	AttrLocation     = "location"
	AttrParticipants = "participants"
	AttrDetails      = "details"
)

// Classification is the classifier output for one query. Never persisted.
type Classification struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Chunk is a bounded span of a source document prepared for embedding.
// ContentHash is the deduplication key.
type Chunk struct {
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	SourceID    string `json:"source_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Size        int    `json:"size"`
	WordCount   int    `json:"word_count"`
	// OverlapLen is the number of leading bytes repeated from the previous chunk.
	OverlapLen int `json:"overlap_len"`
}

// Vector is an embedding produced by a provider.
type Vector struct {
	Values      []float32 `json:"values"`
	Dimension   int       `json:"dimension"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PointPayload is the metadata stored next to each vector.
type PointPayload struct {
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title,omitempty"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	Size        int       `json:"size"`
	WordCount   int       `json:"word_count"`
	Version     string    `json:"version,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Point is one vector store entry.
type Point struct {
	ID      string       `json:"id"`
	Vector  []float32    `json:"vector,omitempty"`
	Payload PointPayload `json:"payload"`
}

// Recommendation is the outcome of a freshness audit.
type Recommendation string

const (
	RecommendNoAction Recommendation = "NO_ACTION"
	RecommendReindex  Recommendation = "REINDEX"
)

// FreshnessReport summarizes a vector store audit.
type FreshnessReport struct {
	TotalPoints     int            `json:"total_points"`
	Sources         int            `json:"sources"`
	DuplicateGroups int            `json:"duplicate_groups"`
	StaleCount      int            `json:"stale_count"`
	Recommendation  Recommendation `json:"recommendation"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// IngestSummary counts the outcome of an ingestion run.
type IngestSummary struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Stored    int `json:"stored"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Add accumulates another summary into s.
func (s *IngestSummary) Add(o IngestSummary) {
	s.Documents += o.Documents
	s.Chunks += o.Chunks
	s.Stored += o.Stored
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}
