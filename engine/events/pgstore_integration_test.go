//go:build integration

package events

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kb",
			"POSTGRES_PASSWORD": "kb",
			"POSTGRES_DB":       "kb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })
	host, _ := pg.Host(ctx)
	port, _ := pg.MappedPort(ctx, "5432")
	return fmt.Sprintf("postgres://kb:kb@%s:%s/kb?sslmode=disable", host, port.Port())
}

func TestPGStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewPGStore(ctx, startPostgres(t, ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err = s.pool.Exec(ctx, `INSERT INTO events (id, name, category, starts_at, fee, prize) VALUES
		('e1', 'Robo Wars', 'Technical', $1, 200, NULL),
		('e2', 'Code Sprint', 'technical', $2, NULL, 500),
		('e3', '100% Fun Run', 'sports', $3, 0, 0)`,
		now.AddDate(0, 0, 3), now.AddDate(0, 0, -3), now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO registrations (event_id) VALUES ('e1'), ('e1'), ('e3')`); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil || st != (Stats{TotalEvents: 3, UpcomingEvents: 2, PastEvents: 1, TotalRegistrations: 3, Categories: 2}) {
		t.Fatalf("stats=%+v err=%v", st, err)
	}

	up, err := s.Upcoming(ctx, now, 10)
	if err != nil || len(up) != 2 || up[0].ID != "e1" || up[0].Participants != 2 || !math.IsNaN(up[0].Prize) {
		t.Fatalf("upcoming=%+v err=%v", up, err)
	}

	cat, err := s.ByCategory(ctx, "TECHNICAL")
	if err != nil || len(cat) != 2 || cat[0].ID != "e2" {
		t.Fatalf("category=%+v err=%v", cat, err)
	}

	found, err := s.FindByName(ctx, "100%")
	if err != nil || len(found) != 1 || found[0].ID != "e3" {
		t.Fatalf("find=%+v err=%v", found, err)
	}
	if found, _ := s.FindByName(ctx, "%"); len(found) != 1 {
		t.Fatalf("percent must match literally, got %d rows", len(found))
	}
}
