package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dealbridge/backend/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testEvent(typ string) models.LedgerEvent {
	return models.LedgerEvent{
		Type:        typ,
		DealID:      uuid.New(),
		SourceTxRef: "a1b2c3",
		LogIndex:    1,
		Amount:      decimal.RequireFromString("3.25"),
	}
}

func TestLedgerStream_AppendReadAck(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	s := NewLedgerStream(client, "ledger:events", "reconciler", "c1", zap.NewNop())
	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.EnsureGroup(ctx))

	ev := testEvent(models.LedgerEventDepositConfirmed)
	_, err := s.Append(ctx, ev)
	require.NoError(t, err)

	got, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.DealID, got[0].Event.DealID)
	assert.Equal(t, "a1b2c3:1", got[0].Event.Identity())
	assert.True(t, ev.Amount.Equal(got[0].Event.Amount))
	assert.Equal(t, 0, got[0].Attempts)

	require.NoError(t, s.Ack(ctx, got[0].ID))

	got, err = s.Read(ctx, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLedgerStream_RestartRedeliversUnacked(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	first := NewLedgerStream(client, "ledger:events", "reconciler", "c1", zap.NewNop())
	require.NoError(t, first.EnsureGroup(ctx))
	_, err := first.Append(ctx, testEvent(models.LedgerEventFundsReleased))
	require.NoError(t, err)

	got, err := first.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Crash before ack: a new consumer instance with the same name sees it again.
	restarted := NewLedgerStream(client, "ledger:events", "reconciler", "c1", zap.NewNop())
	again, err := restarted.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].ID, again[0].ID)

	require.NoError(t, restarted.Ack(ctx, again[0].ID))
	again, err = restarted.Read(ctx, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLedgerStream_RetryIncrementsAttempts(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	s := NewLedgerStream(client, "ledger:events", "reconciler", "c1", zap.NewNop())
	require.NoError(t, s.EnsureGroup(ctx))
	_, err := s.Append(ctx, testEvent(models.LedgerEventApprovalStarted))
	require.NoError(t, err)

	got, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.Retry(ctx, got[0], 0))
	require.NoError(t, s.Retry(ctx, got[0], 0))

	requeued, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, requeued, 2)
	assert.Equal(t, 1, requeued[0].Attempts)
	assert.NotEqual(t, got[0].ID, requeued[0].ID)
}

func TestLedgerStream_DelayedRetryWaitsUntilDue(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewLedgerStream(client, "ledger:events", "reconciler", "c1", zap.NewNop())
	s.now = func() time.Time { return now }
	require.NoError(t, s.EnsureGroup(ctx))

	ev := testEvent(models.LedgerEventConditionsMet)
	_, err := s.Append(ctx, ev)
	require.NoError(t, err)
	got, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.Retry(ctx, got[0], 10*time.Second))

	pending, err := client.XPending(ctx, "ledger:events", "reconciler").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
	n, err := s.Delayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	now = now.Add(9 * time.Second)
	early, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, early)

	now = now.Add(time.Second)
	due, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, ev.Identity(), due[0].Event.Identity())

	n, err = s.Delayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedgerStream_DropsMalformedEntries(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	s := NewLedgerStream(client, "ledger:events", "reconciler", "c1", zap.NewNop())
	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "ledger:events",
		Values: map[string]any{"event": "{not json"},
	}).Err())

	got, err := s.Read(ctx, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, got)

	pending, err := client.XPending(ctx, "ledger:events", "reconciler").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisPubSub_RoundTrip(t *testing.T) {
	_, client := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewRedisSubscriber(client, zap.NewNop())
	received := make(chan Event, 1)
	require.NoError(t, sub.Subscribe(ctx, ChannelAlerts, func(e Event) { received <- e }))

	pub := NewRedisPublisher(client, zap.NewNop())
	require.NoError(t, pub.Publish(ctx, ChannelAlerts, NewAlert(AlertReconciliationGap, "deal-1", "stuck")))

	select {
	case e := <-received:
		assert.Equal(t, EventAlert, e.Type)
		assert.Equal(t, AlertReconciliationGap, e.Payload["kind"])
		assert.Equal(t, "deal-1", e.Payload["deal_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("alert not received")
	}
}
