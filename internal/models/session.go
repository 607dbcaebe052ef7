package models

import (
	"time"

	"gorm.io/gorm"
)

// GameSession is one ongoing playthrough.
type GameSession struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	PlayerName string         `gorm:"size:128" json:"player_name"`
	Status     string         `gorm:"size:32" json:"status"` // "active", "ended"
	Turn       int            `json:"turn"`
	JSONState  string         `gorm:"type:mediumtext" json:"-"` // Serialized PlayerState
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// TurnRecord is the durable log of one executed turn.
type TurnRecord struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index;size:64" json:"session_id"`
	Turn       int       `json:"turn"`
	UserText   string    `gorm:"type:text" json:"user_text"`
	Hidden     bool      `json:"hidden"`
	FinalText  string    `gorm:"type:mediumtext" json:"final_text"`
	Category   string    `gorm:"size:32" json:"category"`
	Score      int       `json:"score"`
	Ending     string    `gorm:"size:16" json:"ending,omitempty"`
	CostMicros int64     `json:"cost_micros"`
	CreatedAt  time.Time `json:"created_at"`
}

// GoalRecord mirrors an active/archived goal for querying outside the
// serialized state blob.
type GoalRecord struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"index;size:64" json:"session_id"`
	Description string    `gorm:"type:text" json:"description"`
	Type        string    `gorm:"size:16" json:"type"`
	Status      string    `gorm:"size:16" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
