package hitl

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

// AuditRecord is one workflow action in the persisted compliance
// trail: which stage did what to which invoice, and when.
type AuditRecord struct {
	ThreadID  string                 `json:"thread_id"`
	InvoiceID string                 `json:"invoice_id"`
	Stage     string                 `json:"stage"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditStore persists per-thread audit trails. Appends are ordered;
// List returns records in the order they were appended.
type AuditStore interface {
	// Append adds records to the thread's trail. Zero timestamps are
	// stamped with the current time.
	Append(ctx context.Context, threadID string, records []AuditRecord) error
	// List returns the thread's full trail, oldest first. An unknown
	// thread yields an empty trail, not an error.
	List(ctx context.Context, threadID string) ([]AuditRecord, error)
	// Close releases any underlying resources.
	Close() error
}

// -----------------------------------------------------------------------------
// Redis implementation
// -----------------------------------------------------------------------------

// RedisAuditStore implements AuditStore on a Redis list per thread:
// {prefix}:audit:{thread_id}. RPush keeps append order, so List is a
// single LRANGE.
type RedisAuditStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	redisURL  string // For error messages
	logger    core.Logger
}

type redisAuditConfig struct {
	redisURL  string
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisAuditStoreOption configures the audit store.
type RedisAuditStoreOption func(*redisAuditConfig)

// WithAuditRedisURL sets the Redis connection URL.
func WithAuditRedisURL(url string) RedisAuditStoreOption {
	return func(c *redisAuditConfig) {
		c.redisURL = url
	}
}

// WithAuditKeyPrefix sets the key namespace prefix.
func WithAuditKeyPrefix(prefix string) RedisAuditStoreOption {
	return func(c *redisAuditConfig) {
		c.keyPrefix = prefix
	}
}

// WithAuditTTL sets how long audit trails are retained.
func WithAuditTTL(ttl time.Duration) RedisAuditStoreOption {
	return func(c *redisAuditConfig) {
		c.ttl = ttl
	}
}

// WithAuditLogger sets the logger for store operations.
func WithAuditLogger(logger core.Logger) RedisAuditStoreOption {
	return func(c *redisAuditConfig) {
		c.logger = logger
	}
}

// NewRedisAuditStore creates a Redis-backed audit store.
//
// Configuration precedence:
//  1. Explicit option (e.g. WithAuditRedisURL)
//  2. REDIS_URL environment variable
//  3. Default (redis://localhost:6379)
//
// Trails are retained for 30 days by default, the longest of the three
// stores, because the audit trail is the compliance record and must
// outlive both checkpoints and reviews.
func NewRedisAuditStore(opts ...RedisAuditStoreOption) (*RedisAuditStore, error) {
	config := &redisAuditConfig{
		redisURL:  "redis://localhost:6379",
		keyPrefix: "invoiceflow",
		ttl:       30 * 24 * time.Hour,
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
		logger = cl.WithComponent("hitl.audit")
	}

	client, err := core.DialRedis(config.redisURL, logger)
	if err != nil {
		return nil, err
	}

	return &RedisAuditStore{
		client:    client,
		keyPrefix: config.keyPrefix,
		ttl:       config.ttl,
		redisURL:  config.redisURL,
		logger:    logger,
	}, nil
}

func (s *RedisAuditStore) auditKey(threadID string) string {
	return fmt.Sprintf("%s:audit:%s", s.keyPrefix, threadID)
}

// Append RPushes the records onto the thread's list and refreshes the
// retention window.
func (s *RedisAuditStore) Append(ctx context.Context, threadID string, records []AuditRecord) error {
	if threadID == "" {
		return fmt.Errorf("audit append missing thread_id")
	}
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	values := make([]interface{}, 0, len(records))
	for i := range records {
		rec := records[i]
		rec.ThreadID = threadID
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			telemetry.RecordSpanError(ctx, err)
			return fmt.Errorf("failed to marshal audit record for thread %s: %w", threadID, err)
		}
		values = append(values, data)
	}

	key := s.auditKey(threadID)
	if err := s.client.RPush(ctx, key, values...).Err(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		s.logger.Error("Failed to append audit records", map[string]interface{}{
			"operation": "audit_append",
			"thread_id": threadID,
			"entries":   len(records),
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to append audit trail for thread %s to Redis: %w (check REDIS_URL=%s and Redis connectivity)", threadID, err, s.redisURL)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to set retention on audit trail for thread %s: %w", threadID, err)
	}

	telemetry.AddSpanEvent(ctx, "audit.appended",
		attribute.String("thread_id", threadID),
		attribute.Int("entries", len(records)),
	)

	s.logger.Debug("Audit records appended", map[string]interface{}{
		"operation": "audit_append",
		"thread_id": threadID,
		"entries":   len(records),
	})
	return nil
}

// List returns the thread's trail in append order.
func (s *RedisAuditStore) List(ctx context.Context, threadID string) ([]AuditRecord, error) {
	items, err := s.client.LRange(ctx, s.auditKey(threadID), 0, -1).Result()
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load audit trail for thread %s from Redis: %w (check REDIS_URL=%s)", threadID, err, s.redisURL)
	}

	records := make([]AuditRecord, 0, len(items))
	for _, item := range items {
		var rec AuditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			telemetry.RecordSpanError(ctx, err)
			return nil, fmt.Errorf("failed to unmarshal audit record for thread %s: %w (audit data may be corrupted)", threadID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the Redis connection.
func (s *RedisAuditStore) Close() error {
	return s.client.Close()
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// InMemoryAuditStore implements AuditStore with a map of serialized
// records, used in tests and when running without Redis.
type InMemoryAuditStore struct {
	mu     sync.Mutex
	trails map[string][][]byte
}

// NewInMemoryAuditStore creates an empty in-memory store.
func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{
		trails: make(map[string][][]byte),
	}
}

// Append adds deep copies of the records to the thread's trail.
func (s *InMemoryAuditStore) Append(ctx context.Context, threadID string, records []AuditRecord) error {
	if threadID == "" {
		return fmt.Errorf("audit append missing thread_id")
	}
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	serialized := make([][]byte, 0, len(records))
	for i := range records {
		rec := records[i]
		rec.ThreadID = threadID
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal audit record for thread %s: %w", threadID, err)
		}
		serialized = append(serialized, data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trails[threadID] = append(s.trails[threadID], serialized...)
	return nil
}

// List returns the thread's trail in append order.
func (s *InMemoryAuditStore) List(ctx context.Context, threadID string) ([]AuditRecord, error) {
	s.mu.Lock()
	trail := s.trails[threadID]
	s.mu.Unlock()

	records := make([]AuditRecord, 0, len(trail))
	for _, data := range trail {
		var rec AuditRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record for thread %s: %w", threadID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryAuditStore) Close() error { return nil }

// Compile-time interface checks
var (
	_ AuditStore = (*RedisAuditStore)(nil)
	_ AuditStore = (*InMemoryAuditStore)(nil)
)
