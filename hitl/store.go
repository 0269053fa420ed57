// Package hitl stores human review requests for paused invoice
// workflows. A review is created when two-way matching fails or scores
// below threshold. It stays PENDING until a reviewer submits a
// decision, and the resolved record is kept as the audit trail of who
// decided what.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/telemetry"
)

// Review lifecycle states.
const (
	StatusPending  = "PENDING"
	StatusReviewed = "REVIEWED"
)

// Reviewer decisions.
const (
	DecisionAccept = "ACCEPT"
	DecisionReject = "REJECT"
)

// ValidDecision reports whether d is a decision a reviewer may submit.
func ValidDecision(d string) bool {
	return d == DecisionAccept || d == DecisionReject
}

// ReviewRecord is one invoice held for (or already given) a human
// decision. MatchEvidence carries the per-component match scores shown
// to the reviewer alongside the invoice summary.
type ReviewRecord struct {
	CheckpointID  string                 `json:"checkpoint_id"`
	ThreadID      string                 `json:"thread_id"`
	InvoiceID     string                 `json:"invoice_id"`
	VendorName    string                 `json:"vendor_name"`
	Amount        float64                `json:"amount"`
	Currency      string                 `json:"currency"`
	MatchScore    float64                `json:"match_score"`
	MatchResult   string                 `json:"match_result"`
	MatchEvidence map[string]interface{} `json:"match_evidence,omitempty"`
	ReasonForHold string                 `json:"reason_for_hold"`
	ReviewURL     string                 `json:"review_url"`
	Status        string                 `json:"status"`
	Decision      string                 `json:"decision,omitempty"`
	ReviewerID    string                 `json:"reviewer_id,omitempty"`
	ReviewerNotes string                 `json:"reviewer_notes,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ReviewedAt    *time.Time             `json:"reviewed_at,omitempty"`
}

// Resolution is what a reviewer submits against a pending record.
type Resolution struct {
	Decision      string
	ReviewerID    string
	ReviewerNotes string
}

// ReviewStore persists review requests. Implementations never delete a
// resolved review; they move it out of the pending index so the
// decision trail survives the workflow.
type ReviewStore interface {
	// Create persists a new review in PENDING state and indexes it for
	// ListPending.
	Create(ctx context.Context, rec *ReviewRecord) error
	// Get returns a review by checkpoint ID, or an error wrapping
	// core.ErrReviewNotFound.
	Get(ctx context.Context, checkpointID string) (*ReviewRecord, error)
	// ListPending returns unresolved reviews, oldest first.
	ListPending(ctx context.Context) ([]*ReviewRecord, error)
	// Resolve applies a reviewer decision exactly once and returns the
	// updated record. A second resolve wraps core.ErrAlreadyReviewed.
	Resolve(ctx context.Context, checkpointID string, res Resolution) (*ReviewRecord, error)
	// Close releases any underlying resources.
	Close() error
}

func validateResolution(checkpointID string, res Resolution) error {
	if !ValidDecision(res.Decision) {
		return &core.WorkflowError{
			Op:      "review.Resolve",
			Kind:    "review",
			ID:      checkpointID,
			Message: fmt.Sprintf("decision must be %s or %s, got %q", DecisionAccept, DecisionReject, res.Decision),
			Err:     core.ErrInvalidDecision,
		}
	}
	return nil
}

func notFoundErr(op, checkpointID string) error {
	return &core.WorkflowError{
		Op:   op,
		Kind: "review",
		ID:   checkpointID,
		Err:  core.ErrReviewNotFound,
	}
}

func alreadyReviewedErr(checkpointID string) error {
	return &core.WorkflowError{
		Op:   "review.Resolve",
		Kind: "review",
		ID:   checkpointID,
		Err:  core.ErrAlreadyReviewed,
	}
}

func sortOldestFirst(records []*ReviewRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

// -----------------------------------------------------------------------------
// Redis implementation
// -----------------------------------------------------------------------------

// RedisReviewStore implements ReviewStore using Redis.
//
// Storage layout:
//   - Records:       {prefix}:review:{checkpoint_id} (JSON, with TTL)
//   - Pending index: {prefix}:review:pending (Redis Set)
//
// The pending set doubles as the single-resolution gate: SRem reports
// how many members it removed, so concurrent resolvers race on the
// same SRem and only one of them observes 1.
type RedisReviewStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	redisURL  string // For error messages
	logger    core.Logger
}

type redisReviewConfig struct {
	redisURL  string
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisReviewStoreOption configures the review store.
type RedisReviewStoreOption func(*redisReviewConfig)

// WithReviewRedisURL sets the Redis connection URL.
func WithReviewRedisURL(url string) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.redisURL = url
	}
}

// WithReviewKeyPrefix sets the key namespace prefix.
func WithReviewKeyPrefix(prefix string) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.keyPrefix = prefix
	}
}

// WithReviewTTL sets how long review records are retained.
func WithReviewTTL(ttl time.Duration) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.ttl = ttl
	}
}

// WithReviewLogger sets the logger for store operations.
func WithReviewLogger(logger core.Logger) RedisReviewStoreOption {
	return func(c *redisReviewConfig) {
		c.logger = logger
	}
}

// NewRedisReviewStore creates a Redis-backed review store.
//
// Configuration precedence:
//  1. Explicit option (e.g. WithReviewRedisURL)
//  2. REDIS_URL environment variable
//  3. Default (redis://localhost:6379)
//
// Reviews are retained for 7 days by default, longer than workflow
// checkpoints, because resolved reviews are the decision audit trail.
func NewRedisReviewStore(opts ...RedisReviewStoreOption) (*RedisReviewStore, error) {
	config := &redisReviewConfig{
		redisURL:  "redis://localhost:6379",
		keyPrefix: "invoiceflow",
		ttl:       7 * 24 * time.Hour,
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
		logger = cl.WithComponent("hitl.store")
	}

	client, err := core.DialRedis(config.redisURL, logger)
	if err != nil {
		return nil, err
	}

	return &RedisReviewStore{
		client:    client,
		keyPrefix: config.keyPrefix,
		ttl:       config.ttl,
		redisURL:  config.redisURL,
		logger:    logger,
	}, nil
}

func (s *RedisReviewStore) reviewKey(checkpointID string) string {
	return fmt.Sprintf("%s:review:%s", s.keyPrefix, checkpointID)
}

func (s *RedisReviewStore) pendingKey() string {
	return fmt.Sprintf("%s:review:pending", s.keyPrefix)
}

func (s *RedisReviewStore) save(ctx context.Context, rec *ReviewRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to marshal review %s: %w", rec.CheckpointID, err)
	}
	if err := s.client.Set(ctx, s.reviewKey(rec.CheckpointID), data, s.ttl).Err(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		s.logger.Error("Failed to save review", map[string]interface{}{
			"operation":     "review_save",
			"checkpoint_id": rec.CheckpointID,
			"thread_id":     rec.ThreadID,
			"error":         err.Error(),
		})
		return fmt.Errorf("failed to save review %s to Redis: %w (check REDIS_URL=%s and Redis connectivity)", rec.CheckpointID, err, s.redisURL)
	}
	return nil
}

// Create persists the review and adds it to the pending index. The
// index add is fatal because the pending set is how reviewers discover
// work.
func (s *RedisReviewStore) Create(ctx context.Context, rec *ReviewRecord) error {
	if rec.CheckpointID == "" {
		return fmt.Errorf("review record missing checkpoint_id")
	}
	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := s.save(ctx, rec); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.pendingKey(), rec.CheckpointID).Err(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		return fmt.Errorf("failed to index review %s as pending: %w", rec.CheckpointID, err)
	}

	telemetry.AddSpanEvent(ctx, "review.created",
		attribute.String("checkpoint_id", rec.CheckpointID),
		attribute.String("thread_id", rec.ThreadID),
		attribute.Float64("match_score", rec.MatchScore),
	)

	s.logger.Info("Review created", map[string]interface{}{
		"operation":     "review_create",
		"checkpoint_id": rec.CheckpointID,
		"thread_id":     rec.ThreadID,
		"invoice_id":    rec.InvoiceID,
		"match_score":   rec.MatchScore,
		"reason":        rec.ReasonForHold,
	})
	return nil
}

// Get retrieves a review by checkpoint ID.
func (s *RedisReviewStore) Get(ctx context.Context, checkpointID string) (*ReviewRecord, error) {
	data, err := s.client.Get(ctx, s.reviewKey(checkpointID)).Bytes()
	if err == redis.Nil {
		return nil, notFoundErr("review.Get", checkpointID)
	}
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load review %s from Redis: %w (check REDIS_URL=%s)", checkpointID, err, s.redisURL)
	}

	var rec ReviewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to unmarshal review %s: %w (review data may be corrupted)", checkpointID, err)
	}
	return &rec, nil
}

// ListPending returns unresolved reviews, oldest first. Index entries
// whose records have expired are pruned as they are encountered.
func (s *RedisReviewStore) ListPending(ctx context.Context) ([]*ReviewRecord, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to list pending reviews: %w (check REDIS_URL=%s)", err, s.redisURL)
	}

	records := make([]*ReviewRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				s.client.SRem(ctx, s.pendingKey(), id)
				continue
			}
			s.logger.Warn("Failed to load pending review", map[string]interface{}{
				"operation":     "review_list_pending",
				"checkpoint_id": id,
				"error":         err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}

	sortOldestFirst(records)
	return records, nil
}

// Resolve applies the reviewer decision exactly once.
func (s *RedisReviewStore) Resolve(ctx context.Context, checkpointID string, res Resolution) (*ReviewRecord, error) {
	if err := validateResolution(checkpointID, res); err != nil {
		return nil, err
	}

	rec, err := s.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, alreadyReviewedErr(checkpointID)
	}

	// Atomic single-resolution gate: whoever removes the ID from the
	// pending set owns the resolution.
	removed, err := s.client.SRem(ctx, s.pendingKey(), checkpointID).Result()
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("failed to claim review %s for resolution: %w", checkpointID, err)
	}
	if removed == 0 {
		return nil, alreadyReviewedErr(checkpointID)
	}

	now := time.Now().UTC()
	rec.Status = StatusReviewed
	rec.Decision = res.Decision
	rec.ReviewerID = res.ReviewerID
	rec.ReviewerNotes = res.ReviewerNotes
	rec.ReviewedAt = &now

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}

	telemetry.AddSpanEvent(ctx, "review.resolved",
		attribute.String("checkpoint_id", checkpointID),
		attribute.String("thread_id", rec.ThreadID),
		attribute.String("decision", res.Decision),
	)

	s.logger.Info("Review resolved", map[string]interface{}{
		"operation":     "review_resolve",
		"checkpoint_id": checkpointID,
		"thread_id":     rec.ThreadID,
		"decision":      res.Decision,
		"reviewer_id":   res.ReviewerID,
	})
	return rec, nil
}

// Close closes the Redis connection.
func (s *RedisReviewStore) Close() error {
	return s.client.Close()
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// InMemoryReviewStore implements ReviewStore with a map. It is used in
// tests and when running without Redis. Records are stored as
// serialized JSON so reads return deep copies, matching the Redis
// store's isolation semantics.
type InMemoryReviewStore struct {
	mu      sync.Mutex
	records map[string][]byte
	pending map[string]bool
}

// NewInMemoryReviewStore creates an empty in-memory store.
func NewInMemoryReviewStore() *InMemoryReviewStore {
	return &InMemoryReviewStore{
		records: make(map[string][]byte),
		pending: make(map[string]bool),
	}
}

// Create stores a deep copy of the record in PENDING state.
func (s *InMemoryReviewStore) Create(ctx context.Context, rec *ReviewRecord) error {
	if rec.CheckpointID == "" {
		return fmt.Errorf("review record missing checkpoint_id")
	}
	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal review %s: %w", rec.CheckpointID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CheckpointID] = data
	s.pending[rec.CheckpointID] = true
	return nil
}

// Get returns a deep copy of the stored record.
func (s *InMemoryReviewStore) Get(ctx context.Context, checkpointID string) (*ReviewRecord, error) {
	s.mu.Lock()
	data, ok := s.records[checkpointID]
	s.mu.Unlock()
	if !ok {
		return nil, notFoundErr("review.Get", checkpointID)
	}
	var rec ReviewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal review %s: %w", checkpointID, err)
	}
	return &rec, nil
}

// ListPending returns unresolved reviews, oldest first.
func (s *InMemoryReviewStore) ListPending(ctx context.Context) ([]*ReviewRecord, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	records := make([]*ReviewRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	sortOldestFirst(records)
	return records, nil
}

// Resolve applies the reviewer decision exactly once.
func (s *InMemoryReviewStore) Resolve(ctx context.Context, checkpointID string, res Resolution) (*ReviewRecord, error) {
	if err := validateResolution(checkpointID, res); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.records[checkpointID]
	if !ok {
		return nil, notFoundErr("review.Resolve", checkpointID)
	}
	var rec ReviewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal review %s: %w", checkpointID, err)
	}
	if rec.Status != StatusPending || !s.pending[checkpointID] {
		return nil, alreadyReviewedErr(checkpointID)
	}

	now := time.Now().UTC()
	rec.Status = StatusReviewed
	rec.Decision = res.Decision
	rec.ReviewerID = res.ReviewerID
	rec.ReviewerNotes = res.ReviewerNotes
	rec.ReviewedAt = &now

	updated, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal review %s: %w", checkpointID, err)
	}
	s.records[checkpointID] = updated
	delete(s.pending, checkpointID)
	return &rec, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryReviewStore) Close() error { return nil }

// Compile-time interface checks
var (
	_ ReviewStore = (*RedisReviewStore)(nil)
	_ ReviewStore = (*InMemoryReviewStore)(nil)
)
