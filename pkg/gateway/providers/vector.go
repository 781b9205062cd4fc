package providers

import (
	"context"

	pb "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// VectorUpsertRequest is the normalized shape for a vector-op call; Vectors
// is priced per-vector by the rate card, per SPEC_FULL.md §4.G's resolved
// open question.
type VectorUpsertRequest struct {
	Collection string
	Vectors    [][]float32
	Payloads   []map[string]interface{}
}

// VectorUpsertResponse reports how many vectors were actually written, for
// the Gateway's per-unit actual-cost computation.
type VectorUpsertResponse struct {
	VectorCount int64
}

// VectorProvider is satisfied by qdrantVector.
type VectorProvider interface {
	Upsert(ctx context.Context, req VectorUpsertRequest) (*VectorUpsertResponse, error)
}

// qdrantVector is a narrow wrapper over *pb.Client, grounded on
// StricklySoft-stricklysoft-core's pkg/clients/qdrant.Client: a small
// interface satisfied by the real client, a New/NewFromVectorDB
// constructor pair, and a per-call OTel span.
type qdrantVectorDB interface {
	Upsert(ctx context.Context, req *pb.UpsertPoints) (*pb.UpdateResult, error)
}

var _ qdrantVectorDB = (*pb.Client)(nil)

type qdrantVector struct {
	client qdrantVectorDB
}

// NewQdrantProvider dials a qdrant instance at addr (host:port).
func NewQdrantProvider(addr string, apiKey string) (VectorProvider, error) {
	client, err := pb.NewClient(&pb.Config{Host: addr, APIKey: apiKey})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "dial qdrant")
	}
	return NewQdrantFromVectorDB(client), nil
}

// NewQdrantFromVectorDB wraps an already-constructed client, mainly for
// tests that substitute a fake qdrantVectorDB.
func NewQdrantFromVectorDB(db qdrantVectorDB) VectorProvider {
	return &qdrantVector{client: db}
}

func (p *qdrantVector) Upsert(ctx context.Context, req VectorUpsertRequest) (*VectorUpsertResponse, error) {
	ctx, span := tracer.Start(ctx, "qdrant.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.qdrant.collection", req.Collection), attribute.Int("db.qdrant.vector_count", len(req.Vectors)))

	points := make([]*pb.PointStruct, 0, len(req.Vectors))
	for i, v := range req.Vectors {
		var payload map[string]*pb.Value
		if i < len(req.Payloads) {
			payload = toQdrantPayload(req.Payloads[i])
		}
		points = append(points, &pb.PointStruct{
			Vectors: pb.NewVectors(v...),
			Payload: payload,
		})
	}

	_, err := p.client.Upsert(ctx, &pb.UpsertPoints{CollectionName: req.Collection, Points: points})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, err, "qdrant upsert failed")
	}
	return &VectorUpsertResponse{VectorCount: int64(len(req.Vectors))}, nil
}

// toQdrantPayload converts a plain map into qdrant's wire Value type,
// supporting the scalar JSON kinds a manifest-declared payload can carry.
func toQdrantPayload(m map[string]interface{}) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = pb.NewValueString(val)
		case float64:
			out[k] = pb.NewValueDouble(val)
		case bool:
			out[k] = pb.NewValueBool(val)
		}
	}
	return out
}
