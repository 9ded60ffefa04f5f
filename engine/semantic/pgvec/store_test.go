package pgvec

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int // 0 means retryable
	}{
		{"dimension", &pgconn.PgError{Code: "22000", Message: "expected 384 dimensions, not 3"}, 400},
		{"unique", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), 400},
		{"undefined table", &pgconn.PgError{Code: "42P01", Message: `relation "kb" does not exist`}, 404},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, 0},
		{"network", errors.New("dial tcp: connection refused"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("upsert", tt.err)
			var ce *semantic.ClientError
			if tt.status == 0 {
				if errors.As(err, &ce) || !errors.Is(err, domain.ErrUpstreamUnavailable) {
					t.Fatalf("expected retryable error, got %v", err)
				}
				return
			}
			if !errors.As(err, &ce) || ce.Status != tt.status {
				t.Fatalf("expected client error %d, got %v", tt.status, err)
			}
		})
	}
	if err := classify("x", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("context errors pass through, got %v", err)
	}
}

func TestOperator(t *testing.T) {
	tests := map[string]string{"Cosine": "<=>", "": "<=>", "Dot": "<#>", "Euclid": "<->"}
	for dist, want := range tests {
		if op, _ := operator(dist); op != want {
			t.Errorf("operator(%q) = %s, want %s", dist, op, want)
		}
	}
}

func TestPageOf(t *testing.T) {
	pts := []domain.Point{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if p := pageOf(pts, 2); len(p.Points) != 2 || p.Next != "b" {
		t.Fatalf("got %+v", p)
	}
	if p := pageOf(pts, 3); len(p.Points) != 3 || p.Next != "" {
		t.Fatalf("got %+v", p)
	}
}

func TestDeleteWhereRejectsUnknownKey(t *testing.T) {
	b := newBackend(nil, "kb")
	if err := b.DeleteWhere(context.Background(), "content; DROP TABLE kb", "x"); !semantic.IsClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestNewRejectsBadTableName(t *testing.T) {
	_, err := New(context.Background(), "postgres://localhost/none", "Bad-Name")
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestIdentQuoted(t *testing.T) {
	if b := newBackend(nil, "kb_points"); b.ident != `"kb_points"` {
		t.Fatalf("ident = %s", b.ident)
	}
}
