package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/telemetry"
)

// PendingInterrupt marks a thread that is waiting for external input.
// While set, the engine refuses to run the thread forward except
// through Resume.
type PendingInterrupt struct {
	Node         string                 `json:"node"`
	Reason       string                 `json:"reason"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CheckpointID string                 `json:"checkpoint_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Checkpoint is the durable record of one workflow thread: the full
// state after the last completed stage, where execution continues
// next, and whether the thread is paused on an interrupt. The engine
// saves a checkpoint after every stage, so a crashed or restarted
// process can pick any thread back up.
type Checkpoint struct {
	ThreadID         string            `json:"thread_id"`
	Version          int               `json:"version"`
	State            State             `json:"state"`
	NextNode         string            `json:"next_node,omitempty"`
	PendingInterrupt *PendingInterrupt `json:"pending_interrupt,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CheckpointStore persists workflow checkpoints keyed by thread ID.
type CheckpointStore interface {
	// Save persists the checkpoint, overwriting any previous version
	// for the thread.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns the latest checkpoint for the thread, or an error
	// wrapping core.ErrThreadNotFound.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	// ListThreadIDs returns the IDs of all known threads.
	ListThreadIDs(ctx context.Context) ([]string, error)
	// Delete removes the checkpoint for the thread.
	Delete(ctx context.Context, threadID string) error
	// Close releases any underlying resources.
	Close() error
}

// -----------------------------------------------------------------------------
// Redis implementation
// -----------------------------------------------------------------------------

// RedisCheckpointStore implements CheckpointStore using Redis.
//
// Storage layout:
//   - Checkpoints:  {prefix}:checkpoint:{thread_id} (JSON, with TTL)
//   - Thread index: {prefix}:threads (Redis Set)
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	redisURL  string // For error messages
	logger    core.Logger
}

type redisCheckpointConfig struct {
	redisURL  string
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisCheckpointStoreOption configures the checkpoint store.
type RedisCheckpointStoreOption func(*redisCheckpointConfig)

// WithCheckpointRedisURL sets the Redis connection URL.
func WithCheckpointRedisURL(url string) RedisCheckpointStoreOption {
	return func(c *redisCheckpointConfig) {
		c.redisURL = url
	}
}

// WithCheckpointKeyPrefix sets the key namespace prefix.
func WithCheckpointKeyPrefix(prefix string) RedisCheckpointStoreOption {
	return func(c *redisCheckpointConfig) {
		c.keyPrefix = prefix
	}
}

// WithCheckpointTTL sets how long checkpoints are retained.
func WithCheckpointTTL(ttl time.Duration) RedisCheckpointStoreOption {
	return func(c *redisCheckpointConfig) {
		c.ttl = ttl
	}
}

// WithCheckpointLogger sets the logger for store operations.
func WithCheckpointLogger(logger core.Logger) RedisCheckpointStoreOption {
	return func(c *redisCheckpointConfig) {
		c.logger = logger
	}
}

// NewRedisCheckpointStore creates a Redis-backed checkpoint store.
//
// Configuration precedence:
//  1. Explicit option (e.g. WithCheckpointRedisURL)
//  2. REDIS_URL environment variable
//  3. Default (redis://localhost:6379)
func NewRedisCheckpointStore(opts ...RedisCheckpointStoreOption) (*RedisCheckpointStore, error) {
	config := &redisCheckpointConfig{
		redisURL:  "redis://localhost:6379",
		keyPrefix: "invoiceflow",
		ttl:       24 * time.Hour,
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		config.redisURL = url
	}
	for _, opt := range opts {
		opt(config)
	}

	logger := config.logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("workflow.checkpoint")
	}

	client, err := core.DialRedis(config.redisURL, logger)
	if err != nil {
		return nil, err
	}

	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: config.keyPrefix,
		ttl:       config.ttl,
		redisURL:  config.redisURL,
		logger:    logger,
	}, nil
}

func (s *RedisCheckpointStore) checkpointKey(threadID string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.keyPrefix, threadID)
}

func (s *RedisCheckpointStore) threadsKey() string {
	return fmt.Sprintf("%s:threads", s.keyPrefix)
}

// Save persists the checkpoint and indexes the thread.
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}

	data, err := json.Marshal(cp)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to marshal checkpoint for thread %s: %w", cp.ThreadID, err)
	}

	if err := s.client.Set(ctx, s.checkpointKey(cp.ThreadID), data, s.ttl).Err(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		s.logger.Error("Failed to save checkpoint", map[string]interface{}{
			"operation": "checkpoint_save",
			"thread_id": cp.ThreadID,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to save checkpoint for thread %s to Redis: %w (check REDIS_URL=%s and Redis connectivity)", cp.ThreadID, err, s.redisURL)
	}

	if err := s.client.SAdd(ctx, s.threadsKey(), cp.ThreadID).Err(); err != nil {
		// Non-fatal, the checkpoint itself is durable
		s.logger.Warn("Failed to add thread to index", map[string]interface{}{
			"operation": "checkpoint_index_add",
			"thread_id": cp.ThreadID,
			"error":     err.Error(),
		})
	}

	telemetry.AddSpanEvent(ctx, "checkpoint.saved",
		attribute.String("thread_id", cp.ThreadID),
		attribute.Int("version", cp.Version),
		attribute.String("stage", cp.State.CurrentStage),
	)

	s.logger.Debug("Checkpoint saved", map[string]interface{}{
		"operation": "checkpoint_save_complete",
		"thread_id": cp.ThreadID,
		"version":   cp.Version,
		"stage":     cp.State.CurrentStage,
		"status":    cp.State.Status,
	})

	return nil
}

// Load retrieves the latest checkpoint for a thread.
func (s *RedisCheckpointStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(threadID)).Bytes()
	if err == redis.Nil {
		s.logger.Debug("Checkpoint not found", map[string]interface{}{
			"operation": "checkpoint_load",
			"thread_id": threadID,
		})
		return nil, &core.WorkflowError{
			Op:   "checkpoint.Load",
			Kind: "checkpoint",
			ID:   threadID,
			Err:  core.ErrThreadNotFound,
		}
	}
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		s.logger.Error("Failed to load checkpoint", map[string]interface{}{
			"operation": "checkpoint_load",
			"thread_id": threadID,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to load checkpoint for thread %s from Redis: %w (check REDIS_URL=%s)", threadID, err, s.redisURL)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to unmarshal checkpoint for thread %s: %w (checkpoint data may be corrupted)", threadID, err)
	}

	return &cp, nil
}

// ListThreadIDs returns all indexed thread IDs.
func (s *RedisCheckpointStore) ListThreadIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.threadsKey()).Result()
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to list workflow threads from Redis: %w (check REDIS_URL=%s)", err, s.redisURL)
	}
	return ids, nil
}

// Delete removes a thread checkpoint and its index entry.
func (s *RedisCheckpointStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, s.checkpointKey(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint for thread %s: %w", threadID, err)
	}
	if err := s.client.SRem(ctx, s.threadsKey(), threadID).Err(); err != nil {
		s.logger.Warn("Failed to remove thread from index", map[string]interface{}{
			"operation": "checkpoint_index_remove",
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// InMemoryCheckpointStore implements CheckpointStore with a map. It is
// used in tests and when running without Redis. Checkpoints are stored
// as serialized JSON so loads return deep copies, matching the Redis
// store's isolation semantics.
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewInMemoryCheckpointStore creates an empty in-memory store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[string][]byte),
	}
}

// Save stores a deep copy of the checkpoint.
func (s *InMemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for thread %s: %w", cp.ThreadID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ThreadID] = data
	return nil
}

// Load returns a deep copy of the stored checkpoint.
func (s *InMemoryCheckpointStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.checkpoints[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, &core.WorkflowError{
			Op:   "checkpoint.Load",
			Kind: "checkpoint",
			ID:   threadID,
			Err:  core.ErrThreadNotFound,
		}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint for thread %s: %w", threadID, err)
	}
	return &cp, nil
}

// ListThreadIDs returns all stored thread IDs.
func (s *InMemoryCheckpointStore) ListThreadIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes a thread checkpoint.
func (s *InMemoryCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryCheckpointStore) Close() error { return nil }

// Compile-time interface checks
var (
	_ CheckpointStore = (*RedisCheckpointStore)(nil)
	_ CheckpointStore = (*InMemoryCheckpointStore)(nil)
)
