package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"

	"github.com/eventsphere/kbassist/engine/chunk"
	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
	"github.com/eventsphere/kbassist/pkg/fn"
	"github.com/eventsphere/kbassist/pkg/natsutil"
)

const dim = 4

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEmbedder struct {
	calls   int
	failIdx map[int]error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([]domain.Vector, []error) {
	f.calls++
	vecs := make([]domain.Vector, len(texts))
	errs := make([]error, len(texts))
	for i, t := range texts {
		if err := f.failIdx[i]; err != nil {
			errs[i] = err
			continue
		}
		vecs[i] = domain.Vector{Values: []float32{float32(len(t)), 1, 0, 0}, Dimension: dim, Provider: "fake"}
	}
	return vecs, errs
}

func memoryStore(t *testing.T) *semantic.Store {
	t.Helper()
	opts := semantic.DefaultOptions(dim)
	opts.Retry = fn.RetryPolicy{MaxAttempts: 1}
	s := semantic.NewStore(semantic.NewMemory(), opts, quiet, nil)
	if err := s.CreateCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

var ingestTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestPipeline(e Embedder, s VectorStore) *Pipeline {
	p := NewPipeline(e, s, chunk.Options{MinSize: 500, MaxSize: 800, Overlap: 100}, quiet)
	p.now = func() time.Time { return ingestTime }
	return p
}

// article builds n bytes of distinct sentences.
func article(n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "Rule %d explains how participants register for event number %d. ", i, i*7)
	}
	return b.String()[:n]
}

func collect(t *testing.T, s *semantic.Store) []domain.Point {
	t.Helper()
	var all []domain.Point
	if err := s.ScrollAll(context.Background(), 50, func(p []domain.Point) error {
		all = append(all, p...)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return all
}

func TestIngestIdenticalDocumentsTwice(t *testing.T) {
	store := memoryStore(t)
	p := newTestPipeline(&fakeEmbedder{}, store)
	text := article(1200)
	ctx := context.Background()

	first, err := p.IngestDocument(ctx, Document{SourceID: "rules-a", Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if first.Chunks < 2 || first.Stored != first.Chunks || first.Skipped != 0 {
		t.Fatalf("first run = %+v", first)
	}
	hashesBefore := hashSet(collect(t, store))

	second, err := p.IngestDocument(ctx, Document{SourceID: "rules-b", Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if second.Stored != 0 || second.Skipped != first.Chunks {
		t.Fatalf("second run = %+v, want stored=0 skipped=%d", second, first.Chunks)
	}
	hashesAfter := hashSet(collect(t, store))
	if len(hashesAfter) != len(hashesBefore) {
		t.Errorf("hash set changed: %d -> %d", len(hashesBefore), len(hashesAfter))
	}
}

func hashSet(points []domain.Point) map[string]bool {
	m := make(map[string]bool)
	for _, p := range points {
		m[p.Payload.ContentHash] = true
	}
	return m
}

func TestIngestPayload(t *testing.T) {
	store := memoryStore(t)
	p := newTestPipeline(&fakeEmbedder{}, store)
	text := article(1200)
	sum, err := p.IngestDocument(context.Background(), Document{SourceID: "faq", Title: "FAQ", Text: text})
	if err != nil {
		t.Fatal(err)
	}
	points := collect(t, store)
	if len(points) != sum.Stored {
		t.Fatalf("stored %d, scrolled %d", sum.Stored, len(points))
	}
	version := chunk.Hash(text)[:12]
	for i, pt := range points {
		pl := pt.Payload
		if pt.ID != PointID(pl.ContentHash) {
			t.Errorf("point %d id %s not derived from hash", i, pt.ID)
		}
		if pl.SourceID != "faq" || pl.Title != "FAQ" || pl.Version != version {
			t.Errorf("payload %d = %+v", i, pl)
		}
		if !pl.IngestedAt.Equal(ingestTime) || pl.TotalChunks != sum.Chunks {
			t.Errorf("payload %d meta = %+v", i, pl)
		}
	}
}

func TestPointIDStable(t *testing.T) {
	if PointID("abc") != PointID("abc") {
		t.Fatal("not deterministic")
	}
	if PointID("abc") == PointID("abd") {
		t.Fatal("collision")
	}
}

func TestIngestRejectsInvalidDocument(t *testing.T) {
	e := &fakeEmbedder{}
	p := newTestPipeline(e, memoryStore(t))
	_, err := p.IngestDocument(context.Background(), Document{SourceID: "", Text: "x"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if e.calls != 0 {
		t.Error("embedder called for invalid document")
	}
}

func TestIngestCountsFailedChunks(t *testing.T) {
	e := &fakeEmbedder{failIdx: map[int]error{0: errors.New("provider down")}}
	p := newTestPipeline(e, memoryStore(t))
	sum, err := p.IngestDocument(context.Background(), Document{SourceID: "faq", Text: article(1200)})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 || sum.Stored != sum.Chunks-1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestIngestConfigurationErrorAborts(t *testing.T) {
	e := &fakeEmbedder{failIdx: map[int]error{0: domain.NewConfigurationError("embedding.api_key", "not set")}}
	p := newTestPipeline(e, memoryStore(t))
	_, err := p.IngestAll(context.Background(), []Document{
		{SourceID: "a", Text: "short text"},
		{SourceID: "b", Text: "other text"},
	})
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("got %v", err)
	}
	if e.calls != 1 {
		t.Errorf("calls = %d, want run to stop after first document", e.calls)
	}
}

func TestIngestAllContinuesPastBadDocument(t *testing.T) {
	store := memoryStore(t)
	p := newTestPipeline(&fakeEmbedder{}, store)
	sum, err := p.IngestAll(context.Background(), []Document{
		{SourceID: "a", Text: "first document text"},
		{SourceID: "bad id!", Text: "ignored"},
		{SourceID: "c", Text: "third document text"},
	})
	if !errors.Is(err, domain.ErrSourceIDInvalid) {
		t.Fatalf("expected joined validation error, got %v", err)
	}
	if sum.Documents != 2 || sum.Stored != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestReplaceDocumentDropsOldChunks(t *testing.T) {
	store := memoryStore(t)
	p := newTestPipeline(&fakeEmbedder{}, store)
	ctx := context.Background()
	if _, err := p.IngestDocument(ctx, Document{SourceID: "faq", Text: article(1200)}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReplaceDocument(ctx, Document{SourceID: "faq", Text: "Completely new answer."}); err != nil {
		t.Fatal(err)
	}
	points := collect(t, store)
	if len(points) != 1 || points[0].Payload.Content != "Completely new answer." {
		t.Errorf("points = %+v", points)
	}
}

type failingStore struct{ err error }

func (f failingStore) Upsert(context.Context, []domain.Point, bool) (semantic.UpsertResult, error) {
	return semantic.UpsertResult{}, f.err
}
func (f failingStore) DeleteBySource(context.Context, string) error { return nil }

func TestStoreErrorSurfaces(t *testing.T) {
	boom := fmt.Errorf("qdrant: %w", domain.ErrUpstreamUnavailable)
	p := newTestPipeline(&fakeEmbedder{}, failingStore{err: boom})
	if _, err := p.IngestDocument(context.Background(), Document{SourceID: "faq", Text: "text"}); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "faq.md"), "# Frequently Asked\n\nHow do I register?")
	writeFile(t, filepath.Join(dir, "guides", "payments guide.txt"), "Pay with card.")
	writeFile(t, filepath.Join(dir, "logo.png"), "binary")
	writeFile(t, filepath.Join(dir, ".git", "notes.md"), "hidden")
	writeFile(t, filepath.Join(dir, "empty.md"), "  \n")

	docs, err := LoadDocuments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs: %+v", len(docs), docs)
	}
	if docs[0].SourceID != "faq.md" || docs[0].Title != "Frequently Asked" {
		t.Errorf("doc 0 = %+v", docs[0])
	}
	if docs[1].SourceID != "guides/payments-guide.txt" || docs[1].Title != "payments guide" {
		t.Errorf("doc 1 = %+v", docs[1])
	}
	for _, d := range docs {
		if err := domain.ValidateDocument(d.SourceID, d.Text); err != nil {
			t.Errorf("%s: %v", d.SourceID, err)
		}
	}
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "Alpha content.")
	writeFile(t, filepath.Join(dir, "b.md"), "Beta content.")
	p := newTestPipeline(&fakeEmbedder{}, memoryStore(t))
	sum, err := p.IngestDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Documents != 2 || sum.Stored != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if _, err := p.IngestDir(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing dir")
	}
}

type capturePublisher struct{ msgs []*nats.Msg }

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func jobMsg(t *testing.T, d Document, retries int) *nats.Msg {
	t.Helper()
	msg, err := natsutil.NewMsg(context.Background(), Subject, d)
	if err != nil {
		t.Fatal(err)
	}
	if retries > 0 {
		msg.Header.Set(natsutil.RetryHeader, fmt.Sprint(retries))
	}
	return msg
}

func TestConsumerSuccess(t *testing.T) {
	store := memoryStore(t)
	pub := &capturePublisher{}
	c := NewConsumer(newTestPipeline(&fakeEmbedder{}, store), pub, quiet)
	doc := Document{SourceID: "faq", Text: "Answer."}
	c.Handle(context.Background(), doc, jobMsg(t, doc, 0))
	if len(pub.msgs) != 0 {
		t.Errorf("unexpected publishes: %d", len(pub.msgs))
	}
	if n := len(collect(t, store)); n != 1 {
		t.Errorf("points = %d", n)
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	pub := &capturePublisher{}
	p := newTestPipeline(&fakeEmbedder{}, failingStore{err: domain.ErrUpstreamUnavailable})
	c := NewConsumer(p, pub, quiet)
	doc := Document{SourceID: "faq", Text: "Answer."}

	c.Handle(context.Background(), doc, jobMsg(t, doc, 0))
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != Subject || natsutil.RetryCount(pub.msgs[0]) != 1 {
		t.Fatalf("expected retry publish, got %+v", pub.msgs)
	}

	c.Handle(context.Background(), doc, jobMsg(t, doc, MaxRetries-1))
	last := pub.msgs[len(pub.msgs)-1]
	if last.Subject != DLQSubject {
		t.Fatalf("expected DLQ, got %s", last.Subject)
	}
	_, dl, err := natsutil.Decode[DeadLetter](last)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Retries != MaxRetries || dl.Document.SourceID != "faq" || dl.Error == "" {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestConsumerValidationGoesStraightToDLQ(t *testing.T) {
	pub := &capturePublisher{}
	c := NewConsumer(newTestPipeline(&fakeEmbedder{}, memoryStore(t)), pub, quiet)
	doc := Document{SourceID: "faq", Text: " "}
	c.Handle(context.Background(), doc, jobMsg(t, doc, 0))
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != DLQSubject {
		t.Fatalf("got %+v", pub.msgs)
	}
}

func TestPublishDocuments(t *testing.T) {
	pub := &capturePublisher{}
	docs := []Document{{SourceID: "a", Text: "x"}, {SourceID: "b", Text: "y"}}
	if err := PublishDocuments(context.Background(), pub, docs); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("published %d", len(pub.msgs))
	}
	_, got, err := natsutil.Decode[Document](pub.msgs[1])
	if err != nil || got.SourceID != "b" {
		t.Errorf("decoded %+v, %v", got, err)
	}
}

type recordingReplacer struct {
	replaced []string
	deleted  []string
}

func (r *recordingReplacer) ReplaceDocument(_ context.Context, d Document) (domain.IngestSummary, error) {
	r.replaced = append(r.replaced, d.SourceID)
	return domain.IngestSummary{Documents: 1}, nil
}

func (r *recordingReplacer) DeleteBySource(_ context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	return nil
}

func TestWatcherFlush(t *testing.T) {
	dir := t.TempDir()
	changed := filepath.Join(dir, "faq.md")
	writeFile(t, changed, "New answer.")
	gone := filepath.Join(dir, "old.md")

	r := &recordingReplacer{}
	w := NewWatcher(dir, r, r, time.Millisecond, quiet)
	w.note(fsnotify.Event{Name: changed, Op: fsnotify.Write})
	w.note(fsnotify.Event{Name: changed, Op: fsnotify.Write})
	w.note(fsnotify.Event{Name: gone, Op: fsnotify.Remove})
	w.note(fsnotify.Event{Name: filepath.Join(dir, "image.png"), Op: fsnotify.Write})
	w.note(fsnotify.Event{Name: changed, Op: fsnotify.Chmod})
	w.Flush(context.Background())

	if len(r.replaced) != 1 || r.replaced[0] != "faq.md" {
		t.Errorf("replaced = %v", r.replaced)
	}
	if len(r.deleted) != 1 || r.deleted[0] != "old.md" {
		t.Errorf("deleted = %v", r.deleted)
	}

	w.Flush(context.Background())
	if len(r.replaced) != 1 {
		t.Error("pending set not cleared")
	}
}
