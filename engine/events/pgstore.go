package events

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the minimal table layout PGStore reads. The event platform owns
// the real schema; this one is used for local runs and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	category              TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	venue                 TEXT NOT NULL DEFAULT '',
	starts_at             TIMESTAMPTZ NOT NULL,
	registration_deadline TIMESTAMPTZ,
	fee                   DOUBLE PRECISION,
	prize                 DOUBLE PRECISION,
	capacity              INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS registrations (
	id         BIGSERIAL PRIMARY KEY,
	event_id   TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGStore reads events from PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGStore connects to dsn and pings it.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("events: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events: ping: %w", err)
	}
	return &PGStore{pool: pool, now: time.Now}, nil
}

// Migrate creates Schema if it is missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("events: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }

const eventCols = `e.id, e.name, e.category, e.description, e.venue, e.starts_at,
	e.registration_deadline, e.fee, e.prize, e.capacity,
	(SELECT count(*) FROM registrations r WHERE r.event_id = e.id)`

func scanEvent(row pgx.CollectableRow) (Event, error) {
	var (
		e        Event
		deadline *time.Time
		fee      *float64
		prize    *float64
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Category, &e.Description, &e.Venue, &e.Date,
		&deadline, &fee, &prize, &e.Capacity, &e.Participants); err != nil {
		return Event{}, err
	}
	if deadline != nil {
		e.Deadline = *deadline
	}
	e.Fee, e.Prize = orNaN(fee), orNaN(prize)
	return e, nil
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func (s *PGStore) query(ctx context.Context, sql string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEvent)
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `SELECT
		count(*),
		count(*) FILTER (WHERE starts_at >= $1),
		count(*) FILTER (WHERE starts_at < $1),
		(SELECT count(*) FROM registrations),
		count(DISTINCT lower(category)) FILTER (WHERE category <> '')
		FROM events`, s.now()).Scan(&st.TotalEvents, &st.UpcomingEvents, &st.PastEvents, &st.TotalRegistrations, &st.Categories)
	if err != nil {
		return Stats{}, fmt.Errorf("events: stats: %w", err)
	}
	return st, nil
}

func (s *PGStore) Upcoming(ctx context.Context, from time.Time, limit int) ([]Event, error) {
	evs, err := s.query(ctx, `SELECT `+eventCols+` FROM events e
		WHERE e.starts_at >= $1 ORDER BY e.starts_at LIMIT $2`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("events: upcoming: %w", err)
	}
	return evs, nil
}

func (s *PGStore) ByCategory(ctx context.Context, category string) ([]Event, error) {
	evs, err := s.query(ctx, `SELECT `+eventCols+` FROM events e
		WHERE lower(e.category) = lower($1) ORDER BY e.starts_at`, category)
	if err != nil {
		return nil, fmt.Errorf("events: by category: %w", err)
	}
	return evs, nil
}

func (s *PGStore) FindByName(ctx context.Context, name string) ([]Event, error) {
	evs, err := s.query(ctx, `SELECT `+eventCols+` FROM events e
		WHERE e.name ILIKE '%' || $1 || '%' ESCAPE '\' ORDER BY e.starts_at`, escapeLike(name))
	if err != nil {
		return nil, fmt.Errorf("events: find by name: %w", err)
	}
	return evs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes name match literally inside an ILIKE pattern.
func escapeLike(name string) string { return likeEscaper.Replace(name) }

var _ EventStore = (*PGStore)(nil)
