package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Snapshot Store
// ============================================================================

// SnapshotStore persists a warm-start copy of the conversation view so a
// fresh session can render a list before the network round trips complete.
// Saves are best-effort; the API remains the source of truth.
type SnapshotStore interface {
	SaveConversations(ctx context.Context, userID string, convs []Conversation) error
	LoadConversations(ctx context.Context, userID string) ([]Conversation, error)
}

// snapshotTTL bounds how stale a cached view may get before it expires
// instead of being shown.
const snapshotTTL = 24 * time.Hour

func snapshotKey(userID string) string {
	return fmt.Sprintf("parley:conversations:%s", userID)
}

// ----------------------------------------------------------------------------
// Redis
// ----------------------------------------------------------------------------

// RedisSnapshots stores snapshots in Redis, one key per user.
type RedisSnapshots struct {
	client *redis.Client
}

// NewRedisSnapshots wraps an existing Redis client.
func NewRedisSnapshots(client *redis.Client) *RedisSnapshots {
	return &RedisSnapshots{client: client}
}

// DialRedisSnapshots connects to Redis and verifies the connection.
func DialRedisSnapshots(ctx context.Context, addr, password string, db int) (*RedisSnapshots, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSnapshots{client: client}, nil
}

func (s *RedisSnapshots) SaveConversations(ctx context.Context, userID string, convs []Conversation) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, snapshotKey(userID), data, snapshotTTL).Err()
}

func (s *RedisSnapshots) LoadConversations(ctx context.Context, userID string) ([]Conversation, error) {
	data, err := s.client.Get(ctx, snapshotKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return convs, nil
}

func (s *RedisSnapshots) Close() error {
	return s.client.Close()
}

// ----------------------------------------------------------------------------
// Memory
// ----------------------------------------------------------------------------

// MemorySnapshots keeps snapshots in process memory. Used in tests and when
// no Redis is configured.
type MemorySnapshots struct {
	mu    sync.RWMutex
	convs map[string][]Conversation
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{convs: make(map[string][]Conversation)}
}

func (s *MemorySnapshots) SaveConversations(_ context.Context, userID string, convs []Conversation) error {
	cp := make([]Conversation, len(convs))
	copy(cp, convs)
	s.mu.Lock()
	s.convs[userID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemorySnapshots) LoadConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs, ok := s.convs[userID]
	if !ok {
		return nil, nil
	}
	out := make([]Conversation, len(convs))
	copy(out, convs)
	return out, nil
}
