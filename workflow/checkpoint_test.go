package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/invoiceflow/core"
)

func newTestRedisStore(t *testing.T) (*RedisCheckpointStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisCheckpointStore(
		WithCheckpointRedisURL("redis://" + mr.Addr()),
		WithCheckpointKeyPrefix("invoiceflow-test"),
		WithCheckpointTTL(time.Hour),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func sampleCheckpoint(threadID string) *Checkpoint {
	state := NewState(threadID, testPayload())
	state = state.Apply(&Delta{
		CurrentStage: String(StageMatchTwoWay),
		MatchScore:   Float64(0.72),
		MatchResult:  String(MatchResultFailed),
		AuditLog:     []AuditEntry{{Stage: StageIntake, Action: "invoice_ingested"}},
	})
	return &Checkpoint{
		ThreadID:  threadID,
		Version:   5,
		State:     state,
		NextNode:  StageCheckpointHITL,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRedisCheckpointSaveLoad(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("thread-redis")
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "thread-redis")
	require.NoError(t, err)

	assert.Equal(t, "thread-redis", got.ThreadID)
	assert.Equal(t, 5, got.Version)
	assert.Equal(t, StageCheckpointHITL, got.NextNode)
	assert.Equal(t, StageMatchTwoWay, got.State.CurrentStage)
	assert.Equal(t, 0.72, got.State.MatchScore)
	assert.Equal(t, MatchResultFailed, got.State.MatchResult)
	require.Len(t, got.State.AuditLog, 1)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestRedisCheckpointPendingInterruptRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("thread-pending")
	cp.PendingInterrupt = &PendingInterrupt{
		Node:         StageHITLDecision,
		Reason:       "Match score 0.72 below threshold",
		Payload:      map[string]interface{}{"type": "human_review", "match_score": 0.72},
		CheckpointID: "CHKPT-ABCDEF123456",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "thread-pending")
	require.NoError(t, err)
	require.NotNil(t, got.PendingInterrupt)
	assert.Equal(t, StageHITLDecision, got.PendingInterrupt.Node)
	assert.Equal(t, "CHKPT-ABCDEF123456", got.PendingInterrupt.CheckpointID)
	assert.Equal(t, "human_review", got.PendingInterrupt.Payload["type"])
}

func TestRedisCheckpointLoadMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.Load(context.Background(), "never-submitted")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrThreadNotFound))
	assert.True(t, core.IsNotFound(err))
}

func TestRedisCheckpointListAndDelete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint("thread-1")))
	require.NoError(t, store.Save(ctx, sampleCheckpoint("thread-2")))

	ids, err := store.ListThreadIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"thread-1", "thread-2"}, ids)

	require.NoError(t, store.Delete(ctx, "thread-1"))

	ids, err = store.ListThreadIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"thread-2"}, ids)

	_, err = store.Load(ctx, "thread-1")
	assert.True(t, core.IsNotFound(err))
}

func TestRedisCheckpointTTLApplied(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint("thread-ttl")))

	key := "invoiceflow-test:checkpoint:thread-ttl"
	require.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.Equal(t, time.Hour, ttl)

	// After expiry the thread is gone even though the index may lag.
	mr.FastForward(2 * time.Hour)
	_, err := store.Load(ctx, "thread-ttl")
	assert.True(t, core.IsNotFound(err))
}

func TestInMemoryCheckpointSaveLoad(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	cp := sampleCheckpoint("thread-mem")
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "thread-mem")
	require.NoError(t, err)
	assert.Equal(t, cp.Version, got.Version)
	assert.Equal(t, cp.State.MatchScore, got.State.MatchScore)
}

// TestInMemoryCheckpointIsolation verifies loads return deep copies:
// mutating a loaded checkpoint must not leak into the store.
func TestInMemoryCheckpointIsolation(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleCheckpoint("thread-iso")))

	first, err := store.Load(ctx, "thread-iso")
	require.NoError(t, err)
	first.State.AuditLog = append(first.State.AuditLog, AuditEntry{Stage: "rogue", Action: "mutation"})
	first.Version = 99

	second, err := store.Load(ctx, "thread-iso")
	require.NoError(t, err)
	assert.Equal(t, 5, second.Version)
	require.Len(t, second.State.AuditLog, 1)
}

func TestInMemoryCheckpointMissingAndDelete(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrThreadNotFound))

	require.NoError(t, store.Save(ctx, sampleCheckpoint("thread-del")))
	require.NoError(t, store.Delete(ctx, "thread-del"))
	_, err = store.Load(ctx, "thread-del")
	assert.True(t, core.IsNotFound(err))

	ids, err := store.ListThreadIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
