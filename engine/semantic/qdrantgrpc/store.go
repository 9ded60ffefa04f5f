// Package qdrantgrpc is the Qdrant gRPC backend for semantic.Store.
package qdrantgrpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/semantic"
)

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

type collectionsAPI interface {
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
}

// Backend talks to one Qdrant collection over gRPC.
type Backend struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	apiKey      string
}

// New dials Qdrant at addr (host:6334).
func New(addr, collection, apiKey string) (*Backend, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrantgrpc: dial %s: %w", addr, err)
	}
	b := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, apiKey)
	b.conn = conn
	return b, nil
}

// NewWithClients builds a Backend over existing service clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection, apiKey string) *Backend {
	return &Backend{points: points, collections: collections, collection: collection, apiKey: apiKey}
}

func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *Backend) outgoing(ctx context.Context) context.Context {
	if b.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", b.apiKey)
}

// classify turns gRPC status codes into the semantic error classes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrUpstreamUnavailable, err)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.OutOfRange:
		return &semantic.ClientError{Op: op, Status: 400, Message: st.Message()}
	case codes.Unauthenticated:
		return &semantic.ClientError{Op: op, Status: 401, Message: st.Message()}
	case codes.PermissionDenied:
		return &semantic.ClientError{Op: op, Status: 403, Message: st.Message()}
	case codes.NotFound:
		return &semantic.ClientError{Op: op, Status: 404, Message: st.Message()}
	case codes.AlreadyExists:
		return &semantic.ClientError{Op: op, Status: 409, Message: st.Message()}
	case codes.FailedPrecondition:
		return &semantic.ClientError{Op: op, Status: 412, Message: st.Message()}
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return fmt.Errorf("%s: %w: %s: %s", op, domain.ErrUpstreamUnavailable, st.Code(), st.Message())
}

func distance(name string) pb.Distance {
	if v, ok := pb.Distance_value[name]; ok {
		return pb.Distance(v)
	}
	return pb.Distance_Cosine
}

func (b *Backend) EnsureCollection(ctx context.Context, size int, dist string) error {
	_, err := b.collections.Create(b.outgoing(ctx), &pb.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(size), Distance: distance(dist)},
			},
		},
	})
	err = classify("create collection", err)
	var ce *semantic.ClientError
	if errors.As(err, &ce) && ce.Status == 409 {
		return nil
	}
	return err
}

func (b *Backend) PutPoints(ctx context.Context, points []domain.Point) error {
	if len(points) == 0 {
		return nil
	}
	out := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		out[i] = &pb.PointStruct{
			Id: pointID(p.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}},
			},
			Payload: toPayload(p.Payload),
		}
	}
	wait := true
	_, err := b.points.Upsert(b.outgoing(ctx), &pb.UpsertPoints{
		CollectionName: b.collection,
		Wait:           &wait,
		Points:         out,
	})
	return classify("upsert", err)
}

func (b *Backend) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return found, nil
	}
	filter := &pb.Filter{Must: []*pb.Condition{keywordsMatch(semantic.KeyContentHash, hashes)}}
	var offset *pb.PointId
	limit := uint32(len(hashes))
	for {
		resp, err := b.points.Scroll(b.outgoing(ctx), &pb.ScrollPoints{
			CollectionName: b.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
				Include: &pb.PayloadIncludeSelector{Fields: []string{semantic.KeyContentHash}},
			}},
		})
		if err != nil {
			return nil, classify("lookup hashes", err)
		}
		for _, p := range resp.GetResult() {
			found[p.GetPayload()[semantic.KeyContentHash].GetStringValue()] = true
		}
		if resp.GetNextPageOffset() == nil {
			return found, nil
		}
		offset = resp.GetNextPageOffset()
	}
}

func (b *Backend) Query(ctx context.Context, vector []float32, limit int, minScore float32) ([]semantic.Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: b.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if minScore > 0 {
		req.ScoreThreshold = &minScore
	}
	resp, err := b.points.Search(b.outgoing(ctx), req)
	if err != nil {
		return nil, classify("search", err)
	}
	hits := make([]semantic.Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = semantic.Hit{ID: idString(r.GetId()), Score: r.GetScore(), Payload: fromPayload(r.GetPayload())}
	}
	return hits, nil
}

func (b *Backend) ScrollPage(ctx context.Context, offset string, limit int) (semantic.Page, error) {
	l := uint32(limit)
	req := &pb.ScrollPoints{
		CollectionName: b.collection,
		Limit:          &l,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if offset != "" {
		req.Offset = pointID(offset)
	}
	resp, err := b.points.Scroll(b.outgoing(ctx), req)
	if err != nil {
		return semantic.Page{}, classify("scroll", err)
	}
	page := semantic.Page{Points: make([]domain.Point, len(resp.GetResult()))}
	for i, r := range resp.GetResult() {
		page.Points[i] = domain.Point{ID: idString(r.GetId()), Payload: fromPayload(r.GetPayload())}
	}
	if next := resp.GetNextPageOffset(); next != nil {
		page.Next = idString(next)
	}
	return page, nil
}

func (b *Backend) DeleteWhere(ctx context.Context, key, value string) error {
	wait := true
	_, err := b.points.Delete(b.outgoing(ctx), &pb.DeletePoints{
		CollectionName: b.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(key, value)}},
			},
		},
	})
	return classify("delete", err)
}

func (b *Backend) DropCollection(ctx context.Context) error {
	_, err := b.collections.Delete(b.outgoing(ctx), &pb.DeleteCollection{CollectionName: b.collection})
	err = classify("drop collection", err)
	var ce *semantic.ClientError
	if errors.As(err, &ce) && ce.Status == 404 {
		return nil
	}
	return err
}

func (b *Backend) Info(ctx context.Context) (semantic.Stats, error) {
	resp, err := b.collections.Get(b.outgoing(ctx), &pb.GetCollectionInfoRequest{CollectionName: b.collection})
	if err != nil {
		err = classify("info", err)
		var ce *semantic.ClientError
		if errors.As(err, &ce) && ce.Status == 404 {
			return semantic.Stats{}, fmt.Errorf("%w: %w", semantic.ErrCollectionMissing, err)
		}
		return semantic.Stats{}, err
	}
	info := resp.GetResult()
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	return semantic.Stats{
		Collection: b.collection,
		PointCount: int(info.GetPointsCount()),
		VectorSize: int(params.GetSize()),
		Distance:   params.GetDistance().String(),
	}, nil
}

// pointID sends numeric ids as numbers and everything else as a UUID.
func pointID(id string) *pb.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func idString(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func keywordsMatch(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{
					Keywords: &pb.RepeatedStrings{Strings: values},
				}},
			},
		},
	}
}

func str(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
func num(n int) *pb.Value    { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}} }

func toPayload(p domain.PointPayload) map[string]*pb.Value {
	out := map[string]*pb.Value{
		semantic.KeyContent:     str(p.Content),
		semantic.KeyContentHash: str(p.ContentHash),
		semantic.KeySourceID:    str(p.SourceID),
		semantic.KeyChunkIndex:  num(p.ChunkIndex),
		semantic.KeyTotalChunks: num(p.TotalChunks),
		semantic.KeySize:        num(p.Size),
		semantic.KeyWordCount:   num(p.WordCount),
	}
	if p.Title != "" {
		out[semantic.KeyTitle] = str(p.Title)
	}
	if p.Version != "" {
		out[semantic.KeyVersion] = str(p.Version)
	}
	if !p.IngestedAt.IsZero() {
		out[semantic.KeyIngestedAt] = str(p.IngestedAt.UTC().Format(time.RFC3339Nano))
	}
	return out
}

func intValue(v *pb.Value) int {
	if d, ok := v.GetKind().(*pb.Value_DoubleValue); ok {
		return int(d.DoubleValue)
	}
	return int(v.GetIntegerValue())
}

func fromPayload(m map[string]*pb.Value) domain.PointPayload {
	p := domain.PointPayload{
		Content:     m[semantic.KeyContent].GetStringValue(),
		ContentHash: m[semantic.KeyContentHash].GetStringValue(),
		SourceID:    m[semantic.KeySourceID].GetStringValue(),
		Title:       m[semantic.KeyTitle].GetStringValue(),
		Version:     m[semantic.KeyVersion].GetStringValue(),
		ChunkIndex:  intValue(m[semantic.KeyChunkIndex]),
		TotalChunks: intValue(m[semantic.KeyTotalChunks]),
		Size:        intValue(m[semantic.KeySize]),
		WordCount:   intValue(m[semantic.KeyWordCount]),
	}
	if s := m[semantic.KeyIngestedAt].GetStringValue(); s != "" {
		p.IngestedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return p
}

var _ semantic.Backend = (*Backend)(nil)
