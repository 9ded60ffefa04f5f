package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eventsphere/kbassist/config"
	"github.com/eventsphere/kbassist/engine/chat"
	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/freshness"
	"github.com/eventsphere/kbassist/engine/semantic"
	"github.com/eventsphere/kbassist/pkg/resilience"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeChat struct {
	calls int
	got   chat.Request
	resp  chat.Response
	err   error
}

func (f *fakeChat) Handle(_ context.Context, req chat.Request) (chat.Response, error) {
	f.calls++
	f.got = req
	return f.resp, f.err
}

type fakeStats struct {
	stats semantic.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (semantic.Stats, error) { return f.stats, f.err }

type fakeMaintainer struct {
	report domain.FreshnessReport
	out    freshness.Outcome
	err    error
	forced bool
}

func (f *fakeMaintainer) Audit(context.Context) (domain.FreshnessReport, error) {
	return f.report, f.err
}

func (f *fakeMaintainer) AutoUpdate(context.Context) (freshness.Outcome, error) {
	return f.out, f.err
}

func (f *fakeMaintainer) ForceUpdate(context.Context) (freshness.Outcome, error) {
	f.forced = true
	return f.out, f.err
}

var serverCfg = config.ServerConfig{CORSOrigin: "*", BodyLimit: 1 << 10, RequestTimeout: time.Second}

func serve(t *testing.T, d deps, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	newHandler(d, serverCfg, quiet).ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	rec := serve(t, deps{}, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decode(t, rec)["status"] != "ok" {
		t.Fatal("expected status ok")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

type fakeBreakers map[string]resilience.State

func (f fakeBreakers) BreakerStates() map[string]resilience.State { return f }

func TestHealthReportsOpenBreaker(t *testing.T) {
	rec := serve(t, deps{breakers: fakeBreakers{"ollama": resilience.StateClosed}}, http.MethodGet, "/api/health", "")
	body := decode(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("closed breaker: %v", body)
	}
	if emb, _ := body["embedding"].(map[string]any); emb["ollama"] != "closed" {
		t.Fatalf("embedding = %v", body["embedding"])
	}

	rec = serve(t, deps{breakers: fakeBreakers{"ollama": resilience.StateOpen, "hf": resilience.StateClosed}}, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "degraded" {
		t.Fatalf("open breaker: %v", body)
	}
}

func TestChatEndpoint(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		calls  int
	}{
		{"ok", `{"message":"hello","userId":"u1"}`, nil, http.StatusOK, 1},
		{"invalid json", `not json`, nil, http.StatusBadRequest, 0},
		{"non-string message", `{"message":42}`, nil, http.StatusBadRequest, 0},
		{"validation", `{"message":""}`, domain.NewValidationError("message", "", domain.ErrMessageEmpty), http.StatusBadRequest, 1},
		{"missing credentials", `{"message":"contact"}`, domain.NewConfigurationError("embedding.api_key", "not set"), http.StatusInternalServerError, 1},
		{"too large", `{"message":"` + strings.Repeat("x", 2<<10) + `"}`, nil, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeChat{
				resp: chat.Response{Success: true, Response: "Hi!", Strategy: "SIMPLE", Model: "rules", Timestamp: ts},
				err:  tt.err,
			}
			rec := serve(t, deps{chat: fc}, http.MethodPost, "/api/chat", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if fc.calls != tt.calls {
				t.Errorf("calls = %d, want %d", fc.calls, tt.calls)
			}
			out := decode(t, rec)
			if tt.status == http.StatusOK {
				if out["success"] != true || out["strategy"] != "SIMPLE" || out["timestamp"] != "2026-05-01T10:00:00Z" {
					t.Errorf("body = %v", out)
				}
				if fc.got.UserID != "u1" {
					t.Errorf("user id = %q", fc.got.UserID)
				}
				return
			}
			if out["success"] != false || out["error"] == "" {
				t.Errorf("body = %v", out)
			}
			if tt.status == http.StatusInternalServerError && strings.Contains(out["error"].(string), "api_key") {
				t.Errorf("internal detail leaked: %v", out["error"])
			}
		})
	}
}

func TestChatRateLimit(t *testing.T) {
	fc := &fakeChat{resp: chat.Response{Success: true}}
	d := deps{chat: fc, limiter: resilience.NewMemoryWindow(resilience.WindowOpts{Limit: 2, Size: time.Minute})}
	h := newHandler(d, serverCfg, quiet)

	send := func(body, ip string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(body))
		req.RemoteAddr = ip + ":5000"
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := send(`{"message":"hi","userId":"a"}`, "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: %d", i, code)
		}
	}
	if code := send(`{"message":"hi","userId":"a"}`, "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", code)
	}
	if fc.calls != 2 {
		t.Errorf("limited request reached the chat service: calls = %d", fc.calls)
	}
	if code := send(`{"message":"hi","userId":"b"}`, "10.0.0.1"); code != http.StatusOK {
		t.Errorf("other user limited: %d", code)
	}
	if code := send(`{"message":"hi"}`, "10.0.0.2"); code != http.StatusOK {
		t.Errorf("anonymous caller limited: %d", code)
	}
}

type brokenWindow struct{}

func (brokenWindow) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestChatRateLimiterFailureAdmits(t *testing.T) {
	fc := &fakeChat{resp: chat.Response{Success: true}}
	rec := serve(t, deps{chat: fc, limiter: brokenWindow{}}, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if rec.Code != http.StatusOK || fc.calls != 1 {
		t.Fatalf("status = %d calls = %d", rec.Code, fc.calls)
	}
}

func TestStatsEndpoint(t *testing.T) {
	rec := serve(t, deps{stats: fakeStats{stats: semantic.Stats{Collection: "kb", PointCount: 12, VectorSize: 384}}},
		http.MethodGet, "/api/kb/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out := decode(t, rec); out["point_count"] != float64(12) {
		t.Errorf("body = %v", out)
	}

	rec = serve(t, deps{stats: fakeStats{err: semantic.ErrCollectionMissing}}, http.MethodGet, "/api/kb/stats", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing collection: %d", rec.Code)
	}
	rec = serve(t, deps{stats: fakeStats{err: errors.New("dial tcp")}}, http.MethodGet, "/api/kb/stats", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("store down: %d", rec.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	fm := &fakeMaintainer{
		report: domain.FreshnessReport{TotalPoints: 3, Recommendation: domain.RecommendNoAction},
		out:    freshness.Outcome{Action: freshness.ActionForced, Ingest: domain.IngestSummary{Documents: 1, Stored: 3}},
	}
	rec := serve(t, deps{freshness: fm}, http.MethodPost, "/api/kb/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	report, _ := out["report"].(map[string]any)
	if out["action"] != "none" || report["recommendation"] != "NO_ACTION" {
		t.Errorf("body = %v", out)
	}

	rec = serve(t, deps{freshness: fm}, http.MethodPost, "/api/kb/audit?update=force", "")
	if rec.Code != http.StatusOK || !fm.forced {
		t.Fatalf("force: status = %d forced = %v", rec.Code, fm.forced)
	}

	rec = serve(t, deps{freshness: fm}, http.MethodPost, "/api/kb/audit?update=sometimes", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: %d", rec.Code)
	}

	fm.err = freshness.ErrInProgress
	rec = serve(t, deps{freshness: fm}, http.MethodPost, "/api/kb/audit?update=auto", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("in progress: %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := serve(t, deps{}, http.MethodOptions, "/api/chat", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("status = %d headers = %v", rec.Code, rec.Header())
	}
}
