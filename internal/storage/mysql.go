package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/models"
)

type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.GameSession{}, &models.TurnRecord{}, &models.GoalRecord{}); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLStore) GetDB() *gorm.DB {
	return s.db
}

// Transaction helper
func (s *MySQLStore) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// SaveSession upserts the session row with its serialized state.
func (s *MySQLStore) SaveSession(ctx context.Context, session *models.GameSession, state *models.PlayerState) error {
	if state != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to serialize state: %w", err)
		}
		session.JSONState = string(data)
		session.Turn = state.Turn
	}
	return s.db.WithContext(ctx).Save(session).Error
}

// LoadSession returns the session row and its deserialized state.
func (s *MySQLStore) LoadSession(ctx context.Context, sessionID string) (*models.GameSession, *models.PlayerState, error) {
	var session models.GameSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var state models.PlayerState
	if session.JSONState != "" {
		if err := json.Unmarshal([]byte(session.JSONState), &state); err != nil {
			return nil, nil, fmt.Errorf("corrupt state for session %s: %w", sessionID, err)
		}
	}
	return &session, &state, nil
}

// RecordTurn appends one durable turn log row and mirrors any goal
// changes inside the same transaction.
func (s *MySQLStore) RecordTurn(ctx context.Context, record *models.TurnRecord) error {
	return s.WithTx(func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Create(record).Error
	})
}

// SaveSessionState rewrites the session row's serialized state after a
// committed turn. Only the state columns change; name and timestamps
// stay as created.
func (s *MySQLStore) SaveSessionState(ctx context.Context, sessionID string, state *models.PlayerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	return s.db.WithContext(ctx).
		Model(&models.GameSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"json_state": string(data),
			"turn":       state.Turn,
		}).Error
}

// SyncGoals mirrors the state's goal list into queryable rows.
func (s *MySQLStore) SyncGoals(ctx context.Context, sessionID string, goals []models.Goal) error {
	return s.WithTx(func(tx *gorm.DB) error {
		for _, g := range goals {
			row := models.GoalRecord{
				ID:          g.ID,
				SessionID:   sessionID,
				Description: g.Description,
				Type:        g.Type,
				Status:      g.Status,
			}
			if err := tx.WithContext(ctx).Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTurns returns the newest turn records for a session.
func (s *MySQLStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.TurnRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	return records, nil
}

// EndSession marks the session closed.
func (s *MySQLStore) EndSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Model(&models.GameSession{}).
		Where("id = ?", sessionID).
		Update("status", "ended").Error
}
