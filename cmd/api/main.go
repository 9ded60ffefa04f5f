// Package main implements the kbassist chat API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventsphere/kbassist/config"
	"github.com/eventsphere/kbassist/engine/chat"
	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/freshness"
	"github.com/eventsphere/kbassist/engine/semantic"
	"github.com/eventsphere/kbassist/internal/app"
	"github.com/eventsphere/kbassist/pkg/mid"
	"github.com/eventsphere/kbassist/pkg/resilience"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		slog.Error("env file", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Getenv("KBASSIST_CONFIG"))
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)

	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	if sched != nil {
		go sched.Run(ctx)
		logger.Info("freshness schedule enabled", "spec", cfg.Freshness.Schedule)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: newHandler(deps{
			chat:      a.Chat,
			limiter:   a.Limiter,
			stats:     a.Store,
			freshness: a.Freshness,
			breakers:  a.Embedder,
			metrics:   a.Metrics.Handler(),
		}, cfg.Server, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr,
			"vector_backend", cfg.Vector.Backend, "embedding", a.Embedder.ProviderName())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

type chatter interface {
	Handle(ctx context.Context, req chat.Request) (chat.Response, error)
}

type statser interface {
	Stats(ctx context.Context) (semantic.Stats, error)
}

type maintainer interface {
	Audit(ctx context.Context) (domain.FreshnessReport, error)
	AutoUpdate(ctx context.Context) (freshness.Outcome, error)
	ForceUpdate(ctx context.Context) (freshness.Outcome, error)
}

type breakerReporter interface {
	BreakerStates() map[string]resilience.State
}

type deps struct {
	chat      chatter
	limiter   resilience.Window // nil disables rate limiting
	stats     statser
	freshness maintainer
	breakers  breakerReporter
	metrics   http.Handler
}

func newHandler(d deps, cfg config.ServerConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(d.breakers))
	mux.HandleFunc("POST /api/chat", handleChat(d.chat, d.limiter, cfg.RequestTimeout, logger))
	mux.HandleFunc("GET /api/kb/stats", handleStats(d.stats, logger))
	mux.HandleFunc("POST /api/kb/audit", handleAudit(d.freshness, logger))
	if d.metrics != nil {
		mux.Handle("GET /metrics", d.metrics)
	}

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.BodyLimit(cfg.BodyLimit),
		mid.OTel("kbassist-api"),
	)
}

// --- Handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// handleHealth reports "degraded" while any embedding provider's breaker is
// open. The status code is always 200.
func handleHealth(b breakerReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if b != nil {
			states := b.BreakerStates()
			embedding := make(map[string]string, len(states))
			for name, st := range states {
				embedding[name] = st.String()
				if st == resilience.StateOpen {
					body["status"] = "degraded"
				}
			}
			body["embedding"] = embedding
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleChat(svc chatter, limiter resilience.Window, timeout time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chat.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if limiter != nil {
			key := req.UserID
			if key == "" {
				key = mid.ClientIP(r)
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, admitting request", "err", err)
			} else if !ok {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, domain.ErrRateLimited.Error())
				return
			}
		}

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		resp, err := svc.Handle(ctx, req)
		if err != nil {
			status := domain.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("chat failed", "err", err)
				writeError(w, status, "internal server error")
				return
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleStats(s statser, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Stats(r.Context())
		if errors.Is(err, semantic.ErrCollectionMissing) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			logger.Error("kb stats failed", "err", err)
			writeError(w, http.StatusBadGateway, "vector store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// handleAudit reports on index freshness. ?update=auto rebuilds when the
// report recommends it; ?update=force always rebuilds.
func handleAudit(m maintainer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			out freshness.Outcome
			err error
		)
		switch r.URL.Query().Get("update") {
		case "":
			var report domain.FreshnessReport
			report, err = m.Audit(r.Context())
			out = freshness.Outcome{Action: freshness.ActionNone, Report: &report}
		case "auto":
			out, err = m.AutoUpdate(r.Context())
		case "force":
			out, err = m.ForceUpdate(r.Context())
		default:
			writeError(w, http.StatusBadRequest, "update must be auto or force")
			return
		}
		switch {
		case errors.Is(err, freshness.ErrInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			logger.Error("kb audit failed", "err", err)
			writeError(w, domain.HTTPStatus(err), "audit failed")
		default:
			writeJSON(w, http.StatusOK, out)
		}
	}
}
