package models

import (
	"time"
)

// Memory is one vectorized long-term memory row.
type Memory struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Character string    `json:"character"`
	Type      string    `json:"type"` // "summary", "event", "promise"
	Content   string    `json:"content"`
	VectorID  string    `json:"vector_id"` // Qdrant point ID
	Turn      int       `json:"turn"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired checks if the memory has expired.
func (m *Memory) IsExpired() bool {
	return !m.ExpiresAt.IsZero() && time.Now().After(m.ExpiresAt)
}
