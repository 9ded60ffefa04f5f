package qdrantgrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
)

type mockPoints struct {
	upserted  *pb.UpsertPoints
	deleted   *pb.DeletePoints
	search    *pb.SearchPoints
	scrolls   []*pb.ScrollPoints
	scrollOut []*pb.ScrollResponse
	searchOut *pb.SearchResponse
	apiKey    string
	err       error
}

func (m *mockPoints) Upsert(ctx context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get("api-key")) > 0 {
		m.apiKey = md.Get("api-key")[0]
	}
	m.upserted = in
	return &pb.PointsOperationResponse{}, m.err
}

func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleted = in
	return &pb.PointsOperationResponse{}, m.err
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.search = in
	if m.err != nil {
		return nil, m.err
	}
	return m.searchOut, nil
}

func (m *mockPoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	m.scrolls = append(m.scrolls, in)
	if m.err != nil {
		return nil, m.err
	}
	out := m.scrollOut[0]
	m.scrollOut = m.scrollOut[1:]
	return out, nil
}

type mockCollections struct {
	createErr error
	deleteErr error
	info      *pb.GetCollectionInfoResponse
	getErr    error
	created   *pb.CreateCollection
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = in
	return &pb.CollectionOperationResponse{Result: m.createErr == nil}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, m.deleteErr
}

func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	return m.info, m.getErr
}

func TestEnsureCollection(t *testing.T) {
	cols := &mockCollections{}
	b := NewWithClients(&mockPoints{}, cols, "kb", "")
	if err := b.EnsureCollection(context.Background(), 384, "Dot"); err != nil {
		t.Fatal(err)
	}
	params := cols.created.GetVectorsConfig().GetParams()
	if params.GetSize() != 384 || params.GetDistance() != pb.Distance_Dot {
		t.Fatalf("unexpected params %v", params)
	}

	cols.createErr = status.Error(codes.AlreadyExists, "collection kb already exists")
	if err := b.EnsureCollection(context.Background(), 384, "Cosine"); err != nil {
		t.Fatalf("already exists should be success: %v", err)
	}
}

func TestPutPointsPayloadRoundTrip(t *testing.T) {
	pts := &mockPoints{}
	b := NewWithClients(pts, &mockCollections{}, "kb", "secret")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := domain.PointPayload{
		Content: "Workshops start at 10am.", ContentHash: "h1", SourceID: "faq",
		ChunkIndex: 1, TotalChunks: 3, Size: 24, WordCount: 4, Version: "v2", IngestedAt: at,
	}
	err := b.PutPoints(context.Background(), []domain.Point{
		{ID: "a1111111-1111-1111-1111-111111111111", Vector: []float32{1, 0}, Payload: in},
	})
	if err != nil {
		t.Fatal(err)
	}
	if pts.apiKey != "secret" {
		t.Errorf("api key not forwarded: %q", pts.apiKey)
	}
	got := pts.upserted.GetPoints()[0]
	if got.GetId().GetUuid() != "a1111111-1111-1111-1111-111111111111" || !pts.upserted.GetWait() {
		t.Fatalf("unexpected point %v", got)
	}
	back := fromPayload(got.GetPayload())
	if !back.IngestedAt.Equal(at) {
		t.Fatalf("ingested_at = %v", back.IngestedAt)
	}
	back.IngestedAt, in.IngestedAt = time.Time{}, time.Time{}
	if back != in {
		t.Fatalf("payload mismatch:\n got %+v\nwant %+v", back, in)
	}
}

func TestQuery(t *testing.T) {
	pts := &mockPoints{searchOut: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		{Id: pointID("7"), Score: 0.8, Payload: toPayload(domain.PointPayload{Content: "Contact us", SourceID: "contact"})},
	}}}
	b := NewWithClients(pts, &mockCollections{}, "kb", "")

	hits, err := b.Query(context.Background(), []float32{1, 0}, 5, 0.6)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "7" || hits[0].Payload.SourceID != "contact" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if pts.search.GetScoreThreshold() != 0.6 || pts.search.GetLimit() != 5 {
		t.Fatalf("unexpected request %v", pts.search)
	}
}

func TestExistingHashesPages(t *testing.T) {
	pts := &mockPoints{scrollOut: []*pb.ScrollResponse{
		{Result: []*pb.RetrievedPoint{{Id: pointID("1"), Payload: map[string]*pb.Value{semantic.KeyContentHash: str("h1")}}}, NextPageOffset: pointID("2")},
		{Result: []*pb.RetrievedPoint{{Id: pointID("2"), Payload: map[string]*pb.Value{semantic.KeyContentHash: str("h3")}}}},
	}}
	b := NewWithClients(pts, &mockCollections{}, "kb", "")

	found, err := b.ExistingHashes(context.Background(), []string{"h1", "h2", "h3"})
	if err != nil {
		t.Fatal(err)
	}
	if !found["h1"] || found["h2"] || !found["h3"] {
		t.Fatalf("found = %v", found)
	}
	if len(pts.scrolls) != 2 || pts.scrolls[1].GetOffset().GetNum() != 2 {
		t.Fatalf("expected second page from offset 2, got %v", pts.scrolls)
	}
	kw := pts.scrolls[0].GetFilter().GetMust()[0].GetField().GetMatch().GetKeywords().GetStrings()
	if len(kw) != 3 {
		t.Fatalf("unexpected keywords %v", kw)
	}
}

func TestScrollPage(t *testing.T) {
	pts := &mockPoints{scrollOut: []*pb.ScrollResponse{
		{Result: []*pb.RetrievedPoint{{Id: pointID("b2222222-2222-2222-2222-222222222222")}}},
	}}
	b := NewWithClients(pts, &mockCollections{}, "kb", "")
	page, err := b.ScrollPage(context.Background(), "a1111111-1111-1111-1111-111111111111", 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Next != "" || page.Points[0].ID != "b2222222-2222-2222-2222-222222222222" {
		t.Fatalf("unexpected page %+v", page)
	}
	if pts.scrolls[0].GetOffset().GetUuid() != "a1111111-1111-1111-1111-111111111111" || pts.scrolls[0].GetLimit() != 10 {
		t.Fatalf("unexpected request %v", pts.scrolls[0])
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err    error
		client bool
		status int
	}{
		{status.Error(codes.InvalidArgument, "wrong vector size"), true, 400},
		{status.Error(codes.NotFound, "no collection"), true, 404},
		{status.Error(codes.Unavailable, "connection refused"), false, 0},
		{status.Error(codes.Internal, "boom"), false, 0},
		{errors.New("plain"), false, 0},
	}
	for _, tt := range tests {
		err := classify("upsert", tt.err)
		var ce *semantic.ClientError
		if got := errors.As(err, &ce); got != tt.client {
			t.Errorf("%v: client=%v want %v", tt.err, got, tt.client)
			continue
		}
		if tt.client && ce.Status != tt.status {
			t.Errorf("%v: status=%d want %d", tt.err, ce.Status, tt.status)
		}
		if !tt.client && !errors.Is(err, domain.ErrUpstreamUnavailable) {
			t.Errorf("%v: expected upstream unavailable, got %v", tt.err, err)
		}
	}
	if classify("x", nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestDeleteAndDrop(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{deleteErr: status.Error(codes.NotFound, "missing")}
	b := NewWithClients(pts, cols, "kb", "")

	if err := b.DeleteWhere(context.Background(), semantic.KeySourceID, "faq"); err != nil {
		t.Fatal(err)
	}
	f := pts.deleted.GetPoints().GetFilter().GetMust()[0].GetField()
	if f.GetKey() != semantic.KeySourceID || f.GetMatch().GetKeyword() != "faq" {
		t.Fatalf("unexpected filter %v", f)
	}
	if err := b.DropCollection(context.Background()); err != nil {
		t.Fatalf("dropping a missing collection should succeed: %v", err)
	}
}

func TestInfo(t *testing.T) {
	count := uint64(12)
	cols := &mockCollections{info: &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		PointsCount: &count,
		Config: &pb.CollectionConfig{Params: &pb.CollectionParams{VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{Size: 384, Distance: pb.Distance_Cosine}},
		}}},
	}}}
	b := NewWithClients(&mockPoints{}, cols, "kb", "")
	st, err := b.Info(context.Background())
	if err != nil || st.PointCount != 12 || st.VectorSize != 384 || st.Distance != "Cosine" {
		t.Fatalf("stats=%+v err=%v", st, err)
	}

	cols.getErr = status.Error(codes.NotFound, "Collection kb not found")
	if _, err := b.Info(context.Background()); !errors.Is(err, semantic.ErrCollectionMissing) {
		t.Fatalf("expected ErrCollectionMissing, got %v", err)
	}
}
