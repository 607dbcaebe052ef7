package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/models"
)

// Hot-path session data lives in Redis: the rewind snapshot and the
// recent raw-input history. Both expire with the session.
const (
	snapshotKeyFmt  = "session:%s:snapshot"
	historyKeyFmt   = "session:%s:history"
	historyMaxLen   = 200
	sessionDataTTL  = 72 * time.Hour
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

// SaveSnapshot stores the last safe state used by Rewind.
func (s *RedisStore) SaveSnapshot(ctx context.Context, sessionID string, state *models.PlayerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	key := fmt.Sprintf(snapshotKeyFmt, sessionID)
	if err := s.client.Set(ctx, key, data, sessionDataTTL).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored safe state.
func (s *RedisStore) LoadSnapshot(ctx context.Context, sessionID string) (*models.PlayerState, error) {
	key := fmt.Sprintf(snapshotKeyFmt, sessionID)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("no snapshot for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var state models.PlayerState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &state, nil
}

// AppendTurnHistory pushes one raw player input onto the session's
// bounded history list.
func (s *RedisStore) AppendTurnHistory(ctx context.Context, sessionID, entry string) error {
	key := fmt.Sprintf(historyKeyFmt, sessionID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, historyMaxLen-1)
	pipe.Expire(ctx, key, sessionDataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// RecentTurnHistory returns the newest entries, most recent first.
func (s *RedisStore) RecentTurnHistory(ctx context.Context, sessionID string, limit int64) ([]string, error) {
	if limit <= 0 || limit > historyMaxLen {
		limit = 50
	}
	key := fmt.Sprintf(historyKeyFmt, sessionID)
	entries, err := s.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}

// DeleteSession removes the session's hot data.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx,
		fmt.Sprintf(snapshotKeyFmt, sessionID),
		fmt.Sprintf(historyKeyFmt, sessionID),
	).Err()
}
