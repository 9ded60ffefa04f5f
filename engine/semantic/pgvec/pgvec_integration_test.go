//go:build integration

package pgvec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
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
	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("postgres://kb:kb@%s:%s/kb?sslmode=disable", host, port.Port())
}

func TestPGVector_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, startPostgres(t, ctx), "kb_points")
	if err != nil {
		t.Fatal(err)
	}
	s := semantic.NewStore(b, semantic.DefaultOptions(3), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	defer s.Close()

	if err := s.CreateCollection(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCollection(ctx); err != nil {
		t.Fatalf("idempotent create: %v", err)
	}

	pts := []domain.Point{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: domain.PointPayload{Content: "Registration fee is 10 USD", ContentHash: "h1", SourceID: "faq"}},
		{ID: "p2", Vector: []float32{0, 1, 0}, Payload: domain.PointPayload{Content: "Contact support by email", ContentHash: "h2", SourceID: "contact"}},
	}
	res, err := s.Upsert(ctx, pts, true)
	if err != nil || res.Stored != 2 {
		t.Fatalf("upsert: %+v %v", res, err)
	}
	res, err = s.Upsert(ctx, pts, true)
	if err != nil || res.Skipped != 2 || res.Stored != 0 {
		t.Fatalf("re-upsert: %+v %v", res, err)
	}

	hits, err := s.Search(ctx, []float32{0.9, 0.1, 0}, 5, 0.5)
	if err != nil || len(hits) != 1 || hits[0].ID != "p1" {
		t.Fatalf("search: %+v %v", hits, err)
	}

	st, err := s.Stats(ctx)
	if err != nil || st.PointCount != 2 || st.VectorSize != 3 {
		t.Fatalf("stats: %+v %v", st, err)
	}

	if err := s.DeleteBySource(ctx, "faq"); err != nil {
		t.Fatal(err)
	}
	page, err := s.Scroll(ctx, "", 10)
	if err != nil || len(page.Points) != 1 || page.Points[0].ID != "p2" {
		t.Fatalf("scroll: %+v %v", page, err)
	}
}
