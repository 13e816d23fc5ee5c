package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/rag-support/internal/config"
	"github.com/ashureev/rag-support/internal/metrics"
)

// Payload keys written by ingest and read by search.
const (
	PayloadText   = "text"
	PayloadSource = "source"
)

const unknownSource = "unknown"

// qdrantAPI is the subset of *qdrant.Client used here.
type qdrantAPI interface {
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// VectorClient searches a Qdrant collection over gRPC.
type VectorClient struct {
	collection string
	timeout    time.Duration
	client     *lazy[qdrantAPI]
}

// NewVectorClient returns a client that dials on first use.
func NewVectorClient(cfg config.VectorDBConfig) *VectorClient {
	return newVectorClient(cfg, func() (qdrantAPI, error) {
		qc, err := qdrantConfig(cfg)
		if err != nil {
			return nil, err
		}
		client, err := qdrant.NewClient(qc)
		if err != nil {
			return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", qc.Host, qc.Port, err)
		}
		return client, nil
	})
}

func newVectorClient(cfg config.VectorDBConfig, dial func() (qdrantAPI, error)) *VectorClient {
	return &VectorClient{
		collection: cfg.Collection,
		timeout:    cfg.Timeout,
		client:     newLazy(dial),
	}
}

// qdrantConfig turns QDRANT_URL into gRPC settings. The REST port in the URL
// is replaced by the configured gRPC port.
func qdrantConfig(cfg config.VectorDBConfig) (*qdrant.Config, error) {
	if cfg.URL == "" {
		return nil, errors.New("QDRANT_URL is not set")
	}
	raw := cfg.URL
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return nil, fmt.Errorf("parse QDRANT_URL: %w", err)
		}
	}
	port := cfg.GRPCPort
	if port <= 0 {
		port = 6334
	}
	if p := u.Port(); p != "" && p != "6333" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return &qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
		GrpcOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:    2 * time.Minute,
				Timeout: 10 * time.Second,
			}),
		},
	}, nil
}

func (v *VectorClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout > 0 {
		return context.WithTimeout(ctx, v.timeout)
	}
	return context.WithCancel(ctx)
}

// Search returns up to topK chunks, filtered by threshold as FilterByThreshold
// describes.
func (v *VectorClient) Search(ctx context.Context, vector []float32, topK int, threshold float64) (results []RetrievalResult, err error) {
	client, err := v.client.get()
	if err != nil {
		return nil, unavailable(NameVector, err)
	}

	start := time.Now()
	defer func() { metrics.ObserveProvider(NameVector, start, err) }()

	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	points, err := client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, unavailable(NameVector, err)
	}

	results = make([]RetrievalResult, 0, len(points))
	for _, p := range points {
		results = append(results, toResult(p))
	}
	return FilterByThreshold(results, threshold), nil
}

func toResult(p *qdrant.ScoredPoint) RetrievalResult {
	r := RetrievalResult{Score: float64(p.GetScore()), Source: unknownSource}
	payload := p.GetPayload()
	if val, ok := payload[PayloadText]; ok {
		r.Text = val.GetStringValue()
	}
	if val, ok := payload[PayloadSource]; ok && val.GetStringValue() != "" {
		r.Source = val.GetStringValue()
	}
	return r
}

// FilterByThreshold keeps results scoring at least threshold. When that would
// drop every result the unfiltered set is returned, so mediocre matches still
// reach the model instead of a false "no results".
func FilterByThreshold(results []RetrievalResult, threshold float64) []RetrievalResult {
	kept := make([]RetrievalResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return results
	}
	return kept
}

// Chunk is one document chunk to index.
type Chunk struct {
	ID     uint64
	Vector []float32
	Text   string
	Source string
}

// EnsureCollection creates the collection with cosine distance. With recreate
// an existing collection is dropped first.
func (v *VectorClient) EnsureCollection(ctx context.Context, size int, recreate bool) error {
	client, err := v.client.get()
	if err != nil {
		return unavailable(NameVector, err)
	}

	exists, err := client.CollectionExists(ctx, v.collection)
	if err != nil {
		return unavailable(NameVector, err)
	}
	if exists && recreate {
		if err := client.DeleteCollection(ctx, v.collection); err != nil {
			return unavailable(NameVector, fmt.Errorf("delete collection %s: %w", v.collection, err))
		}
		exists = false
	}
	if exists {
		return nil
	}
	err = client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(size),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return unavailable(NameVector, fmt.Errorf("create collection %s: %w", v.collection, err))
	}
	return nil
}

// Upsert writes chunks with {text, source} payloads and waits for indexing.
func (v *VectorClient) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	client, err := v.client.get()
	if err != nil {
		return unavailable(NameVector, err)
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				PayloadText:   c.Text,
				PayloadSource: c.Source,
			}),
		})
	}
	_, err = client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return unavailable(NameVector, fmt.Errorf("upsert %d points: %w", len(points), err))
	}
	return nil
}

// Ping checks that Qdrant answers.
func (v *VectorClient) Ping(ctx context.Context) error {
	client, err := v.client.get()
	if err != nil {
		return unavailable(NameVector, err)
	}
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		return unavailable(NameVector, err)
	}
	return nil
}

// Close releases the gRPC connection if one was opened.
func (v *VectorClient) Close() error {
	if client, ok := v.client.peek(); ok {
		return client.Close()
	}
	return nil
}
