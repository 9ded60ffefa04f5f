// Package events answers structured questions about events from the event
// store: stats, upcoming lists, category listings and single-event lookups.
package events

import (
	"context"
	"time"
)

// Event is one event record as the store returns it. Fee and Prize are NaN
// when the store has no value.
type Event struct {
	ID           string
	Name         string
	Category     string
	Description  string
	Venue        string
	Date         time.Time
	Deadline     time.Time
	Fee          float64
	Prize        float64
	Participants int
	Capacity     int
}

// Stats is the aggregate snapshot of the event store.
type Stats struct {
	TotalEvents        int
	UpcomingEvents     int
	PastEvents         int
	TotalRegistrations int
	Categories         int
}

// EventStore is the read-only query surface of the event database.
type EventStore interface {
	Stats(ctx context.Context) (Stats, error)
	// Upcoming returns events on or after from, earliest first.
	Upcoming(ctx context.Context, from time.Time, limit int) ([]Event, error)
	// ByCategory returns every event in category, earliest first.
	ByCategory(ctx context.Context, category string) ([]Event, error)
	// FindByName returns events whose name contains name, case-insensitively.
	FindByName(ctx context.Context, name string) ([]Event, error)
}
