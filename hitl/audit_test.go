package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditStore(t *testing.T) (*RedisAuditStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisAuditStore(
		WithAuditRedisURL("redis://"+mr.Addr()),
		WithAuditKeyPrefix("invoiceflow-test"),
		WithAuditTTL(time.Hour),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func sampleTrail() []AuditRecord {
	return []AuditRecord{
		{
			InvoiceID: "INV-2024-001",
			Stage:     "INTAKE",
			Action:    "invoice_received",
			Details:   map[string]interface{}{"vendor": "Acme Corp"},
		},
		{
			InvoiceID: "INV-2024-001",
			Stage:     "MATCH_TWO_WAY",
			Action:    "match_computed",
			Details:   map[string]interface{}{"match_score": 0.95},
		},
	}
}

func TestRedisAuditAppendAndList(t *testing.T) {
	store, _ := newTestAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "thread-1", sampleTrail()))
	require.NoError(t, store.Append(ctx, "thread-1", []AuditRecord{
		{InvoiceID: "INV-2024-001", Stage: "COMPLETE", Action: "workflow_completed"},
	}))

	trail, err := store.List(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)

	assert.Equal(t, "invoice_received", trail[0].Action)
	assert.Equal(t, "match_computed", trail[1].Action)
	assert.Equal(t, "workflow_completed", trail[2].Action)

	// Thread and timestamp are stamped on the way in.
	for _, rec := range trail {
		assert.Equal(t, "thread-1", rec.ThreadID)
		assert.Equal(t, "INV-2024-001", rec.InvoiceID)
		assert.False(t, rec.Timestamp.IsZero())
	}
	assert.EqualValues(t, 0.95, trail[1].Details["match_score"])
}

func TestRedisAuditTrailsAreIsolatedByThread(t *testing.T) {
	store, _ := newTestAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "thread-a", sampleTrail()))
	require.NoError(t, store.Append(ctx, "thread-b", sampleTrail()[:1]))

	a, err := store.List(ctx, "thread-a")
	require.NoError(t, err)
	assert.Len(t, a, 2)

	b, err := store.List(ctx, "thread-b")
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestRedisAuditUnknownThreadIsEmpty(t *testing.T) {
	store, _ := newTestAuditStore(t)

	trail, err := store.List(context.Background(), "thread-nothing")
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestRedisAuditAppendRequiresThreadID(t *testing.T) {
	store, _ := newTestAuditStore(t)

	err := store.Append(context.Background(), "", sampleTrail())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_id")
}

func TestRedisAuditKeepsExplicitTimestamps(t *testing.T) {
	store, _ := newTestAuditStore(t)
	ctx := context.Background()

	stamped := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, "thread-ts", []AuditRecord{
		{Stage: "POSTING", Action: "posted_to_erp", Timestamp: stamped},
	}))

	trail, err := store.List(ctx, "thread-ts")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.True(t, trail[0].Timestamp.Equal(stamped))
}

func TestRedisAuditTrailExpires(t *testing.T) {
	store, mr := newTestAuditStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "thread-ttl", sampleTrail()))
	mr.FastForward(2 * time.Hour)

	trail, err := store.List(ctx, "thread-ttl")
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestInMemoryAuditAppendAndList(t *testing.T) {
	store := NewInMemoryAuditStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "thread-mem", sampleTrail()))

	trail, err := store.List(ctx, "thread-mem")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "thread-mem", trail[0].ThreadID)
	assert.False(t, trail[0].Timestamp.IsZero())

	empty, err := store.List(ctx, "thread-other")
	require.NoError(t, err)
	assert.Empty(t, empty)

	err = store.Append(ctx, "", sampleTrail())
	require.Error(t, err)
}

// TestInMemoryAuditIsolation verifies reads return deep copies:
// mutating a returned record must not leak into the store.
func TestInMemoryAuditIsolation(t *testing.T) {
	store := NewInMemoryAuditStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "thread-iso", sampleTrail()))

	first, err := store.List(ctx, "thread-iso")
	require.NoError(t, err)
	first[0].Action = "tampered"
	first[1].Details["match_score"] = 0.0

	second, err := store.List(ctx, "thread-iso")
	require.NoError(t, err)
	assert.Equal(t, "invoice_received", second[0].Action)
	assert.EqualValues(t, 0.95, second[1].Details["match_score"])
}
