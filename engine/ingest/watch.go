package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eventsphere/kbassist/engine/domain"
)

// Replacer is satisfied by *Pipeline.
type Replacer interface {
	ReplaceDocument(ctx context.Context, d Document) (domain.IngestSummary, error)
}

// Remover drops every chunk of a source. Satisfied by *semantic.Store.
type Remover interface {
	DeleteBySource(ctx context.Context, sourceID string) error
}

// Watcher re-ingests documents under a directory when they change.
type Watcher struct {
	root     string
	target   Replacer
	remover  Remover
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]fsnotify.Op
}

// NewWatcher creates a Watcher. Writes to the same file within debounce are
// coalesced into one re-ingestion.
func NewWatcher(root string, target Replacer, remover Remover, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		target:   target,
		remover:  remover,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]fsnotify.Op),
	}
}

// Run watches root and its subdirectories until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: watcher: %w", err)
	}
	defer fw.Close()

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return fw.Add(path)
	})
	if err != nil {
		return fmt.Errorf("ingest: watch %s: %w", w.root, err)
	}
	w.logger.Info("ingest: watching", "dir", w.root)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
					continue
				}
			}
			w.note(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("ingest: watcher error", "err", err)
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

func (w *Watcher) note(ev fsnotify.Event) {
	if !supported(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] |= ev.Op
	w.mu.Unlock()
}

// Flush applies every pending change.
func (w *Watcher) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path := range batch {
		if err := w.apply(ctx, path); err != nil {
			w.logger.Error("ingest: watch update failed", "path", path, "err", err)
		}
	}
}

func (w *Watcher) apply(ctx context.Context, path string) error {
	doc, err := LoadFile(w.root, path)
	if errors.Is(err, fs.ErrNotExist) {
		id := SourceIDFor(w.root, path)
		w.logger.Info("ingest: source removed", "source_id", id)
		return w.remover.DeleteBySource(ctx, id)
	}
	if err != nil {
		return err
	}
	sum, err := w.target.ReplaceDocument(ctx, doc)
	if err != nil {
		return err
	}
	w.logger.Info("ingest: source updated", "source_id", doc.SourceID, "stored", sum.Stored)
	return nil
}
