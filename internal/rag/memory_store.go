package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"Jianghu-Annals/server/internal/interfaces"
)

const searchThreshold = 0.7

// MemoryStore persists long-term memories as vectors so the retriever can
// recall them semantically rather than by recency alone.
type MemoryStore struct {
	store     *QdrantStore
	embedding *EmbeddingService
}

// NewMemoryStore wires a memory store over Qdrant and the embedding
// service.
func NewMemoryStore(store *QdrantStore, embedding *EmbeddingService) *MemoryStore {
	return &MemoryStore{store: store, embedding: embedding}
}

var _ interfaces.VectorStore = (*MemoryStore)(nil)

// StoreMemory embeds and writes one memory.
func (s *MemoryStore) StoreMemory(ctx context.Context, memory *interfaces.Memory) error {
	if memory.ID == "" {
		memory.ID = uuid.NewString()
	}
	if memory.Timestamp == 0 {
		memory.Timestamp = time.Now().Unix()
	}

	vector := memory.Embedding
	if len(vector) == 0 {
		var err error
		vector, err = s.embedding.Embed(ctx, memory.Content)
		if err != nil {
			return fmt.Errorf("failed to embed memory: %w", err)
		}
	}

	payload := map[string]any{
		"session_id": memory.SessionID,
		"character":  memory.Character,
		"type":       string(memory.Type),
		"content":    memory.Content,
		"timestamp":  memory.Timestamp,
	}
	for k, v := range memory.Metadata {
		payload[k] = v
	}

	return s.store.Upsert(ctx, memory.ID, vector, payload)
}

// SearchMemories returns the most similar memories for a free-text query.
func (s *MemoryStore) SearchMemories(ctx context.Context, query string, limit int) ([]*interfaces.Memory, error) {
	vector, err := s.embedding.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	points, err := s.store.Search(ctx, vector, limit, searchThreshold, nil)
	if err != nil {
		return nil, err
	}
	return pointsToMemories(points), nil
}

// SearchCharacterMemories returns memories tied to one character within a
// session, most similar first.
func (s *MemoryStore) SearchCharacterMemories(ctx context.Context, sessionID, character string, limit int) ([]*interfaces.Memory, error) {
	vector, err := s.embedding.Embed(ctx, character)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	points, err := s.store.Search(ctx, vector, limit, 0, map[string]string{
		"session_id": sessionID,
		"character":  character,
	})
	if err != nil {
		return nil, err
	}
	return pointsToMemories(points), nil
}

// DeleteSessionMemories removes everything a session stored.
func (s *MemoryStore) DeleteSessionMemories(ctx context.Context, sessionID string) error {
	return s.store.DeleteByMatch(ctx, map[string]string{"session_id": sessionID})
}

func pointsToMemories(points []*qdrant.ScoredPoint) []*interfaces.Memory {
	memories := make([]*interfaces.Memory, 0, len(points))
	for _, p := range points {
		content := p.Payload["content"].GetStringValue()
		if content == "" {
			continue
		}
		memories = append(memories, &interfaces.Memory{
			ID:        p.Id.GetUuid(),
			SessionID: p.Payload["session_id"].GetStringValue(),
			Character: p.Payload["character"].GetStringValue(),
			Type:      interfaces.MemoryType(p.Payload["type"].GetStringValue()),
			Content:   content,
			Timestamp: p.Payload["timestamp"].GetIntegerValue(),
		})
	}
	return memories
}
