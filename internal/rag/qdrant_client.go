package rag

import (
	"context"
	"fmt"
	"log"

	"github.com/qdrant/go-client/qdrant"

	"Jianghu-Annals/server/internal/config"
)

// QdrantStore is a thin wrapper over the Qdrant gRPC client scoped to one
// collection of memory vectors.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	vectorSize uint64
}

// NewQdrantStore connects to Qdrant and ensures the memory collection
// exists.
func NewQdrantStore(ctx context.Context, cfg config.QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.APIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		vectorSize: uint64(cfg.VectorSize),
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.collection, err)
	}
	log.Printf("[Qdrant] created collection %s (dim %d)", s.collection, s.vectorSize)
	return nil
}

// Upsert writes one point with its payload.
func (s *QdrantStore) Upsert(ctx context.Context, id string, vector []float64, payload map[string]any) error {
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(id),
				Vectors: qdrant.NewVectors(toFloat32(vector)...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Search runs a similarity query, optionally filtered by exact payload
// matches.
func (s *QdrantStore) Search(ctx context.Context, vector []float64, limit int, threshold float32, match map[string]string) ([]*qdrant.ScoredPoint, error) {
	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(toFloat32(vector)...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if threshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(threshold)
	}
	if len(match) > 0 {
		query.Filter = matchFilter(match)
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}
	return points, nil
}

// DeleteByMatch removes every point whose payload matches all given pairs.
func (s *QdrantStore) DeleteByMatch(ctx context.Context, match map[string]string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(matchFilter(match)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// HealthCheck verifies connectivity.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close tears down the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func matchFilter(match map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(match))
	for key, value := range match {
		conditions = append(conditions, qdrant.NewMatch(key, value))
	}
	return &qdrant.Filter{Must: conditions}
}

func toFloat32(vector []float64) []float32 {
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(v)
	}
	return out
}
