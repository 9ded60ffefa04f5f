package semantic

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/eventsphere/kbassist/engine/domain"
)

// Memory is an in-process Backend for local runs and tests. Similarity is
// cosine; scroll order is insertion order.
type Memory struct {
	mu       sync.RWMutex
	exists   bool
	size     int
	distance string
	order    []string
	points   map[string]domain.Point
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{points: make(map[string]domain.Point)}
}

func (m *Memory) EnsureCollection(_ context.Context, size int, distance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		m.exists, m.size, m.distance = true, size, distance
	}
	return nil
}

func (m *Memory) PutPoints(_ context.Context, points []domain.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return &ClientError{Op: "upsert", Status: 404, Message: "collection not found"}
	}
	for _, p := range points {
		if _, ok := m.points[p.ID]; !ok {
			m.order = append(m.order, p.ID)
		}
		p.Vector = append([]float32(nil), p.Vector...)
		m.points[p.ID] = p
	}
	return nil
}

func (m *Memory) ExistingHashes(_ context.Context, hashes []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	found := make(map[string]bool)
	for _, p := range m.points {
		if want[p.Payload.ContentHash] {
			found[p.Payload.ContentHash] = true
		}
	}
	return found, nil
}

func (m *Memory) Query(_ context.Context, vector []float32, limit int, minScore float32) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, id := range m.order {
		p := m.points[id]
		score := cosine(vector, p.Vector)
		if score >= minScore {
			hits = append(hits, Hit{ID: id, Score: score, Payload: p.Payload})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ScrollPage uses the position in insertion order as the cursor.
func (m *Memory) ScrollPage(_ context.Context, offset string, limit int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return Page{}, &ClientError{Op: "scroll", Status: 400, Message: "bad offset " + offset}
		}
		start = n
	}
	var page Page
	end := min(start+limit, len(m.order))
	for i := start; i < end; i++ {
		p := m.points[m.order[i]]
		page.Points = append(page.Points, domain.Point{ID: p.ID, Payload: p.Payload})
	}
	if end < len(m.order) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Memory) DeleteWhere(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	for _, id := range m.order {
		if payloadField(m.points[id].Payload, key) == value {
			delete(m.points, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return nil
}

func (m *Memory) DropCollection(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = false
	m.order = nil
	m.points = make(map[string]domain.Point)
	return nil
}

func (m *Memory) Info(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.exists {
		return Stats{}, ErrCollectionMissing
	}
	return Stats{Collection: "memory", PointCount: len(m.points), VectorSize: m.size, Distance: m.distance}, nil
}

func (m *Memory) Close() error { return nil }

func payloadField(p domain.PointPayload, key string) string {
	switch key {
	case KeySourceID:
		return p.SourceID
	case KeyContentHash:
		return p.ContentHash
	case KeyVersion:
		return p.Version
	case KeyTitle:
		return p.Title
	}
	return ""
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
