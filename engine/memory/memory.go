// Package memory keeps bounded per-session conversation history in process.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/pkg/metrics"
)

// Options configures a Store.
type Options struct {
	// Capacity is the maximum number of messages kept per session.
	Capacity int
	// IdleTimeout evicts sessions with no activity for this long.
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are evicted.
	SweepInterval time.Duration
	// OngoingWindow is the recency window of HasOngoing.
	OngoingWindow time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Capacity:      20,
		IdleTimeout:   2 * time.Hour,
		SweepInterval: 10 * time.Minute,
		OngoingWindow: 30 * time.Minute,
	}
}

type session struct {
	mu           sync.Mutex
	messages     []domain.Message
	lastActivity time.Time
	evicted      bool
}

// Store holds every live session. Sessions are independent; each has its
// own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Store. Call Start to run the idle sweep.
func New(opts Options, logger *slog.Logger, m *metrics.Registry) *Store {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.OngoingWindow <= 0 {
		opts.OngoingWindow = def.OngoingWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*session),
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the idle sweep until ctx ends or Stop is called.
func (s *Store) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.opts.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-t.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Info("memory: evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// Stop ends the sweep started by Start and waits for it.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// lockSession returns the locked session for id, creating it if needed.
func (s *Store) lockSession(id string) *session {
	for {
		s.mu.Lock()
		sess, ok := s.sessions[id]
		if !ok {
			sess = &session{lastActivity: s.now()}
			s.sessions[id] = sess
			s.metrics.Sessions(len(s.sessions))
		}
		s.mu.Unlock()

		sess.mu.Lock()
		if !sess.evicted {
			return sess
		}
		sess.mu.Unlock()
	}
}

func (s *Store) get(id string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Append adds a message, evicting the oldest beyond Capacity.
func (s *Store) Append(id string, role domain.Role, content string, meta map[string]string) {
	sess := s.lockSession(id)
	defer sess.mu.Unlock()
	now := s.now()
	sess.messages = append(sess.messages, domain.Message{Role: role, Content: content, Timestamp: now, Metadata: meta})
	if over := len(sess.messages) - s.opts.Capacity; over > 0 {
		sess.messages = append(sess.messages[:0:0], sess.messages[over:]...)
	}
	sess.lastActivity = now
}

// Seed loads prior history into an empty session. It is a no-op when the
// session already has messages.
func (s *Store) Seed(id string, history []domain.Message) {
	if len(history) == 0 {
		return
	}
	sess := s.lockSession(id)
	defer sess.mu.Unlock()
	if len(sess.messages) > 0 {
		return
	}
	if len(history) > s.opts.Capacity {
		history = history[len(history)-s.opts.Capacity:]
	}
	now := s.now()
	for _, m := range history {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		sess.messages = append(sess.messages, m)
	}
	sess.lastActivity = now
}

// History returns a copy of the session's messages, oldest first.
func (s *Store) History(id string) []domain.Message {
	sess := s.get(id)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastActivity = s.now()
	return append([]domain.Message(nil), sess.messages...)
}

// Topics returns the topic families mentioned in the session's user
// messages, sorted.
func (s *Store) Topics(id string) []string {
	var texts []string
	for _, m := range s.History(id) {
		if m.Role == domain.RoleUser {
			texts = append(texts, m.Content)
		}
	}
	return ExtractTopics(strings.Join(texts, " "))
}

// HasOngoing reports whether the session had activity within OngoingWindow.
// It does not refresh the session.
func (s *Store) HasOngoing(id string) bool {
	sess := s.get(id)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.messages) > 0 && s.now().Sub(sess.lastActivity) <= s.opts.OngoingWindow
}

// Sweep evicts sessions idle past IdleTimeout and returns how many.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.opts.IdleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if sess.lastActivity.Before(cutoff) {
			sess.evicted = true
			delete(s.sessions, id)
			n++
		}
		sess.mu.Unlock()
	}
	s.metrics.Sessions(len(s.sessions))
	return n
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// topicFamilies maps a topic to the keywords that signal it.
var topicFamilies = map[string][]string{
	"events":       {"event", "hackathon", "competition", "workshop", "fest", "contest"},
	"registration": {"register", "registration", "sign up", "signup", "enroll"},
	"payments":     {"pay", "payment", "fee", "refund", "price", "cost"},
	"certificates": {"certificate", "certification"},
	"prizes":       {"prize", "reward", "winner"},
	"schedule":     {"deadline", "date", "schedule", "when", "timing"},
}

// ExtractTopics returns the topic families mentioned in text, sorted.
func ExtractTopics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for topic, words := range topicFamilies {
		for _, w := range words {
			if strings.Contains(lower, w) {
				topics = append(topics, topic)
				break
			}
		}
	}
	sort.Strings(topics)
	return topics
}

// GenericGreeting is used for new or idle sessions.
const GenericGreeting = "Hello! I'm the EventSphere assistant. I can tell you about upcoming events, " +
	"categories, fees, prizes and deadlines, or answer questions about the platform. What would you like to know?"

// Greeting picks a personalized greeting for an ongoing conversation and
// the generic one otherwise.
func (s *Store) Greeting(id string) string {
	if !s.HasOngoing(id) {
		return GenericGreeting
	}
	topics := s.Topics(id)
	if len(topics) == 0 {
		return "Welcome back! What else can I help you with?"
	}
	return "Welcome back! We were just talking about " + joinTopics(topics) + ". What else would you like to know?"
}

func joinTopics(t []string) string {
	if len(t) == 1 {
		return t[0]
	}
	return strings.Join(t[:len(t)-1], ", ") + " and " + t[len(t)-1]
}
