package domain

// StrategyKind is the coarse answering strategy.
type StrategyKind string

const (
	KindSimple   StrategyKind = "SIMPLE"
	KindDatabase StrategyKind = "DATABASE"
	KindRAG      StrategyKind = "RAG"
)

// QueryType selects the structured query a DatabaseStrategy runs.
type QueryType string

const (
	QueryStats         QueryType = "stats"
	QueryListUpcoming  QueryType = "list_upcoming"
	QueryCategory      QueryType = "category"
	QuerySpecificEvent QueryType = "specific_event"
)

// Strategy is a closed sum type over SimpleStrategy, DatabaseStrategy and
// RAGStrategy. Callers switch on the concrete type.
type Strategy interface {
	Kind() StrategyKind
	UsesDatabase() bool
	UsesRAG() bool
	strategy()
}

// SimpleStrategy answers without any downstream call.
type SimpleStrategy struct{}

func (SimpleStrategy) Kind() StrategyKind { return KindSimple }
func (SimpleStrategy) UsesDatabase() bool { return false }
func (SimpleStrategy) UsesRAG() bool      { return false }
func (SimpleStrategy) strategy()          {}

// DatabaseStrategy answers from the structured event store.
type DatabaseStrategy struct {
	Query     QueryType `json:"query_type"`
	Limit     int       `json:"limit,omitempty"`
	Category  string    `json:"category,omitempty"`
	EventName string    `json:"event_name,omitempty"`
	Attribute string    `json:"attribute,omitempty"`
}

func (DatabaseStrategy) Kind() StrategyKind { return KindDatabase }
func (DatabaseStrategy) UsesDatabase() bool { return true }
func (DatabaseStrategy) UsesRAG() bool      { return false }
func (DatabaseStrategy) strategy()          {}

// RAGStrategy answers from retrieved knowledge-base text.
type RAGStrategy struct{}

func (RAGStrategy) Kind() StrategyKind { return KindRAG }
func (RAGStrategy) UsesDatabase() bool { return false }
func (RAGStrategy) UsesRAG() bool      { return true }
func (RAGStrategy) strategy()          {}
