package interfaces

import "context"

// MemoryType represents the type of memory
type MemoryType string

const (
	MemorySummary   MemoryType = "summary"   // compacted character memory block
	MemoryCharacter MemoryType = "character" // single character fact
	MemoryEvent     MemoryType = "event"     // key story event
)

// Memory represents a stored memory with vector embedding
type Memory struct {
	ID        string
	SessionID string
	Character string
	Type      MemoryType
	Content   string
	Metadata  map[string]interface{}
	Embedding []float64
	Timestamp int64
}

// VectorStore defines the interface for vector database operations
type VectorStore interface {
	// StoreMemory stores a memory with its embedding
	StoreMemory(ctx context.Context, memory *Memory) error

	// SearchMemories searches for relevant memories by query
	SearchMemories(ctx context.Context, query string, limit int) ([]*Memory, error)

	// SearchCharacterMemories searches memories tied to one character in a session
	SearchCharacterMemories(ctx context.Context, sessionID, character string, limit int) ([]*Memory, error)

	// DeleteSessionMemories removes all memories for a session
	DeleteSessionMemories(ctx context.Context, sessionID string) error
}
