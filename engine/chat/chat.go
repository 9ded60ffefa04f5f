// Package chat answers one user message: it classifies the message, routes
// it to a strategy, runs that strategy and records the exchange in
// conversation memory.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/intent"
	"github.com/eventsphere/kbassist/engine/memory"
	"github.com/eventsphere/kbassist/engine/rag"
	"github.com/eventsphere/kbassist/engine/router"
	"github.com/eventsphere/kbassist/pkg/metrics"
)

// Model labels reported in Response.Model for the non-retrieval strategies.
const (
	ModelRules    = "rules"
	ModelDatabase = "events-db"
)

// HistoryItem is one prior turn supplied by the client.
type HistoryItem struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,max=4000"`
}

// Request is the body of POST /api/chat.
type Request struct {
	Message             string        `json:"message" validate:"required,max=2000"`
	ConversationHistory []HistoryItem `json:"conversationHistory,omitempty" validate:"omitempty,max=50,dive"`
	UserID              string        `json:"userId,omitempty" validate:"omitempty,max=128"`
}

// Response is the body returned for a handled message.
type Response struct {
	Success   bool         `json:"success"`
	Response  string       `json:"response"`
	Strategy  string       `json:"strategy"`
	Model     string       `json:"model"`
	Timestamp time.Time    `json:"timestamp"`
	Intent    string       `json:"intent,omitempty"`
	Sources   []rag.Source `json:"sources,omitempty"`
}

// Retriever is satisfied by *rag.Service.
type Retriever interface {
	Retrieve(ctx context.Context, question string) (rag.Result, error)
}

// EventQuerier is satisfied by *events.Handler.
type EventQuerier interface {
	Execute(ctx context.Context, s domain.DatabaseStrategy, baseLink string) (string, error)
}

// Options configures response assembly.
type Options struct {
	// BaseLink prefixes event links in structured answers.
	BaseLink string
	// Model labels retrieval answers, usually the embedding model name.
	Model string
}

// Service runs the chat pipeline.
type Service struct {
	retriever Retriever
	events    EventQuerier
	memory    *memory.Store
	opts      Options
	validate  *validator.Validate
	logger    *slog.Logger
	metrics   *metrics.Registry

	now func() time.Time
}

// New creates a Service. events and mem may be nil: without an event store
// every structured query is answered by retrieval, and without memory every
// greeting is the generic one.
func New(r Retriever, events EventQuerier, mem *memory.Store, opts Options, logger *slog.Logger, m *metrics.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = "retrieval"
	}
	return &Service{
		retriever: r,
		events:    events,
		memory:    mem,
		opts:      opts,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Validate checks req and returns a *domain.ValidationError describing the
// first offending field.
func (s *Service) Validate(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			sentinel := domain.ErrInvalidMessage
			if fe.Field() == "Message" {
				sentinel = domain.ErrMessageEmpty
				if fe.Tag() == "max" {
					sentinel = domain.ErrMessageTooLong
				}
			}
			return domain.NewValidationError(fe.Namespace(), fe.Tag(), sentinel)
		}
		return domain.NewValidationError("request", "", err)
	}
	return domain.ValidateMessage(req.Message)
}

// Handle answers req. Only validation and configuration errors are
// returned; every other failure degrades to a fallback answer.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	if err := s.Validate(req); err != nil {
		s.metrics.ChatRejected("validation")
		return Response{}, err
	}
	msg := strings.TrimSpace(req.Message)
	session := req.UserID
	s.seed(session, req.ConversationHistory)

	c := intent.Classify(msg)
	s.metrics.Intent(string(c.Intent))
	strategy := router.RouteClassification(c)
	s.logger.Debug("chat: routed", "intent", c.Intent, "confidence", c.Confidence, "strategy", strategy.Kind())

	// The greeting reads memory before this turn is recorded.
	resp, err := s.answer(ctx, session, msg, strategy)
	if err != nil {
		return Response{}, err
	}
	resp.Success = true
	resp.Intent = string(c.Intent)
	resp.Timestamp = s.now().UTC()
	s.metrics.ChatRequest(resp.Strategy)

	if s.memory != nil && session != "" {
		s.memory.Append(session, domain.RoleUser, msg, map[string]string{"intent": string(c.Intent)})
		s.memory.Append(session, domain.RoleAssistant, resp.Response, map[string]string{"strategy": resp.Strategy})
	}
	return resp, nil
}

func (s *Service) answer(ctx context.Context, session, msg string, strategy domain.Strategy) (Response, error) {
	switch st := strategy.(type) {
	case domain.SimpleStrategy:
		return Response{Response: s.greeting(session), Strategy: string(st.Kind()), Model: ModelRules}, nil

	case domain.DatabaseStrategy:
		if s.events != nil {
			text, err := s.events.Execute(ctx, st, s.opts.BaseLink)
			if err == nil {
				return Response{Response: text, Strategy: string(st.Kind()), Model: ModelDatabase}, nil
			}
			s.logger.Warn("chat: event store failed, answering from knowledge base", "query", st.Query, "err", err)
			s.metrics.RetrievalFallback("database_error")
		}
		return s.retrieve(ctx, msg)

	default:
		return s.retrieve(ctx, msg)
	}
}

func (s *Service) retrieve(ctx context.Context, msg string) (Response, error) {
	res, err := s.retriever.Retrieve(ctx, msg)
	if err != nil {
		return Response{}, fmt.Errorf("chat: %w", err)
	}
	return Response{
		Response: FormatRetrieval(res),
		Strategy: string(domain.KindRAG),
		Model:    s.opts.Model,
		Sources:  res.Sources,
	}, nil
}

func (s *Service) greeting(session string) string {
	if s.memory == nil || session == "" {
		return memory.GenericGreeting
	}
	return s.memory.Greeting(session)
}

// seed loads client-supplied history into a session that has none yet.
func (s *Service) seed(session string, history []HistoryItem) {
	if s.memory == nil || session == "" || len(history) == 0 {
		return
	}
	msgs := make([]domain.Message, len(history))
	for i, h := range history {
		msgs[i] = domain.Message{Role: domain.Role(h.Role), Content: h.Content}
	}
	s.memory.Seed(session, msgs)
}

// FormatRetrieval renders a retrieval result as the answer body.
func FormatRetrieval(res rag.Result) string {
	if res.Method == rag.MethodNone || len(res.Sources) == 0 {
		return res.Context
	}
	var b strings.Builder
	b.WriteString("Here's what I found in the knowledge base:\n\n")
	b.WriteString(res.Context)

	seen := make(map[string]bool)
	var titles []string
	for _, src := range res.Sources {
		name := src.Title
		if name == "" {
			name = src.SourceID
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		titles = append(titles, name)
	}
	if len(titles) > 0 {
		b.WriteString("\n\nSources: ")
		b.WriteString(strings.Join(titles, ", "))
	}
	return b.String()
}
