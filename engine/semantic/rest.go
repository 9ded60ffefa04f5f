package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
)

// REST talks to Qdrant's HTTP/JSON API.
type REST struct {
	baseURL    string
	collection string
	apiKey     string
	client     *http.Client
}

// NewREST creates a REST backend for one collection.
func NewREST(baseURL, collection, apiKey string, client *http.Client) *REST {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		apiKey:     apiKey,
		client:     client,
	}
}

// pointID accepts both UUID strings and unsigned integers.
type pointID string

func (p *pointID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = pointID(s)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = pointID(strconv.FormatUint(n, 10))
	return nil
}

// offsetValue renders a cursor as Qdrant expects it: numbers stay numbers.
func offsetValue(cursor string) any {
	if n, err := strconv.ParseUint(cursor, 10, 64); err == nil {
		return n
	}
	return cursor
}

type restEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type restPoint struct {
	ID      string              `json:"id"`
	Vector  []float32           `json:"vector"`
	Payload domain.PointPayload `json:"payload"`
}

type restRecord struct {
	ID      pointID             `json:"id"`
	Score   float32             `json:"score"`
	Payload domain.PointPayload `json:"payload"`
}

type restScrollResult struct {
	Points         []restRecord `json:"points"`
	NextPageOffset *pointID     `json:"next_page_offset"`
}

type matchCond struct {
	Key   string         `json:"key"`
	Match map[string]any `json:"match"`
}

type restFilter struct {
	Must []matchCond `json:"must"`
}

func (r *REST) path(suffix string) string {
	return r.baseURL + "/collections/" + url.PathEscape(r.collection) + suffix
}

// do sends one request. Non-2xx responses become *ClientError for 4xx and
// ErrUpstreamUnavailable-wrapped errors otherwise.
func (r *REST) do(ctx context.Context, op, method, endpoint string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: marshal: %w", op, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("api-key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s: %w: %v", op, domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return resp.StatusCode, &ClientError{Op: op, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s: %w: status %d: %s", op, domain.ErrUpstreamUnavailable, resp.StatusCode, errorMessage(raw))
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode: %w", op, err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode result: %w", op, err)
	}
	return resp.StatusCode, nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Status.Error != "" {
		return body.Status.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func (r *REST) EnsureCollection(ctx context.Context, size int, distance string) error {
	body := map[string]any{
		"vectors": map[string]any{"size": size, "distance": distance},
	}
	_, err := r.do(ctx, "create collection", http.MethodPut, r.path(""), body, nil)
	var ce *ClientError
	if errors.As(err, &ce) && (ce.Status == http.StatusConflict || strings.Contains(strings.ToLower(ce.Message), "already exists")) {
		return nil
	}
	return err
}

func (r *REST) PutPoints(ctx context.Context, points []domain.Point) error {
	body := struct {
		Points []restPoint `json:"points"`
	}{Points: make([]restPoint, len(points))}
	for i, p := range points {
		body.Points[i] = restPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	_, err := r.do(ctx, "upsert", http.MethodPut, r.path("/points?wait=true"), body, nil)
	return err
}

func (r *REST) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return found, nil
	}
	var offset *pointID
	for {
		body := map[string]any{
			"filter":       restFilter{Must: []matchCond{{Key: KeyContentHash, Match: map[string]any{"any": hashes}}}},
			"limit":        len(hashes),
			"with_payload": []string{KeyContentHash},
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offsetValue(string(*offset))
		}
		var res restScrollResult
		if _, err := r.do(ctx, "lookup hashes", http.MethodPost, r.path("/points/scroll"), body, &res); err != nil {
			return nil, err
		}
		for _, p := range res.Points {
			found[p.Payload.ContentHash] = true
		}
		if res.NextPageOffset == nil || *res.NextPageOffset == "" {
			return found, nil
		}
		offset = res.NextPageOffset
	}
}

func (r *REST) Query(ctx context.Context, vector []float32, limit int, minScore float32) ([]Hit, error) {
	body := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"with_payload":    true,
		"score_threshold": minScore,
	}
	var res []restRecord
	if _, err := r.do(ctx, "search", http.MethodPost, r.path("/points/search"), body, &res); err != nil {
		return nil, err
	}
	hits := make([]Hit, len(res))
	for i, rec := range res {
		hits[i] = Hit{ID: string(rec.ID), Score: rec.Score, Payload: rec.Payload}
	}
	return hits, nil
}

func (r *REST) ScrollPage(ctx context.Context, offset string, limit int) (Page, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if offset != "" {
		body["offset"] = offsetValue(offset)
	}
	var res restScrollResult
	if _, err := r.do(ctx, "scroll", http.MethodPost, r.path("/points/scroll"), body, &res); err != nil {
		return Page{}, err
	}
	page := Page{Points: make([]domain.Point, len(res.Points))}
	for i, rec := range res.Points {
		page.Points[i] = domain.Point{ID: string(rec.ID), Payload: rec.Payload}
	}
	if res.NextPageOffset != nil {
		page.Next = string(*res.NextPageOffset)
	}
	return page, nil
}

func (r *REST) DeleteWhere(ctx context.Context, key, value string) error {
	body := map[string]any{
		"filter": restFilter{Must: []matchCond{{Key: key, Match: map[string]any{"value": value}}}},
	}
	_, err := r.do(ctx, "delete", http.MethodPost, r.path("/points/delete?wait=true"), body, nil)
	return err
}

func (r *REST) DropCollection(ctx context.Context) error {
	status, err := r.do(ctx, "drop collection", http.MethodDelete, r.path(""), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

type restCollectionInfo struct {
	PointsCount *int `json:"points_count"`
	Config      struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

func (r *REST) Info(ctx context.Context) (Stats, error) {
	var info restCollectionInfo
	status, err := r.do(ctx, "info", http.MethodGet, r.path(""), nil, &info)
	if status == http.StatusNotFound {
		return Stats{}, fmt.Errorf("%w: %w", ErrCollectionMissing, err)
	}
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Collection: r.collection,
		VectorSize: info.Config.Params.Vectors.Size,
		Distance:   info.Config.Params.Vectors.Distance,
	}
	if info.PointsCount != nil {
		st.PointCount = *info.PointsCount
	}
	return st, nil
}

func (r *REST) Close() error { return nil }
