package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
)

// Handler executes a DatabaseStrategy against an EventStore.
type Handler struct {
	store    EventStore
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a Handler. loc controls how dates render; nil means UTC.
func NewHandler(store EventStore, loc *time.Location, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, location: loc, logger: logger, now: time.Now}
}

// Execute runs exactly one query for s and renders the answer. Store
// failures are returned wrapped; a lookup with no match is an answer, not
// an error.
func (h *Handler) Execute(ctx context.Context, s domain.DatabaseStrategy, baseLink string) (string, error) {
	f := Formatter{BaseLink: baseLink, Location: h.location}
	switch s.Query {
	case domain.QueryStats:
		st, err := h.store.Stats(ctx)
		if err != nil {
			return "", fmt.Errorf("events: stats: %w", err)
		}
		return f.Stats(st), nil

	case domain.QueryListUpcoming:
		limit := s.Limit
		if limit <= 0 {
			limit = 10
		}
		evs, err := h.store.Upcoming(ctx, h.now(), limit)
		if err != nil {
			return "", fmt.Errorf("events: upcoming: %w", err)
		}
		sortByDate(evs)
		return f.Upcoming(evs), nil

	case domain.QueryCategory:
		category := strings.TrimSpace(s.Category)
		if category == "" {
			return "Which category are you interested in? For example: technical, cultural, sports or workshops.", nil
		}
		evs, err := h.store.ByCategory(ctx, category)
		if err != nil {
			return "", fmt.Errorf("events: category %q: %w", category, err)
		}
		upcoming, past := splitByDate(evs, h.now())
		return f.Category(category, upcoming, past), nil

	case domain.QuerySpecificEvent:
		name := strings.TrimSpace(s.EventName)
		if name == "" {
			return f.NotFound(name), nil
		}
		evs, err := h.store.FindByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("events: find %q: %w", name, err)
		}
		sortByDate(evs)
		switch len(evs) {
		case 0:
			h.logger.Debug("events: no match", "name", name)
			return f.NotFound(name), nil
		case 1:
			if s.Attribute != "" && s.Attribute != domain.AttrDetails {
				return f.Attribute(evs[0], s.Attribute), nil
			}
			return f.Card(evs[0]), nil
		default:
			return f.Disambiguate(name, evs), nil
		}
	}
	return "", fmt.Errorf("events: unknown query type %q", s.Query)
}

func sortByDate(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Date.Before(evs[j].Date) })
}

// splitByDate returns upcoming events earliest first and past events most
// recent first.
func splitByDate(evs []Event, now time.Time) (upcoming, past []Event) {
	for _, e := range evs {
		if e.Date.Before(now) {
			past = append(past, e)
		} else {
			upcoming = append(upcoming, e)
		}
	}
	sortByDate(upcoming)
	sort.SliceStable(past, func(i, j int) bool { return past[i].Date.After(past[j].Date) })
	return upcoming, past
}
