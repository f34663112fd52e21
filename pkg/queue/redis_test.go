package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, mode Mode) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, Config{
		Name:          "test-" + string(mode),
		Mode:          mode,
		SweepInterval: time.Hour, // tests drive the sweep explicitly where needed
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return q, mr
}

func TestNewRedisQueue_RejectsStreamMode(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, Config{Name: "test-stream", Mode: ModeStream})
	require.Error(t, err)
	require.Nil(t, q)
}

func TestFIFO_PreservesEnqueueOrder(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, []byte(`{"x":1}`), EnqueueOptions{})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, []byte(`{"x":2}`), EnqueueOptions{})
	require.NoError(t, err)

	m1, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m1)
	require.Equal(t, id1, m1.ID)
	require.NoError(t, q.Ack(ctx, m1.ID))

	m2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m2)
	require.Equal(t, id2, m2.ID)
	require.NoError(t, q.Ack(ctx, m2.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Enqueued)
	require.EqualValues(t, 2, stats.Dequeued)
	require.EqualValues(t, 2, stats.Completed)
}

func TestLIFO_ReturnsMostRecentFirst(t *testing.T) {
	q, _ := newTestQueue(t, ModeLIFO)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte(`{"x":1}`), EnqueueOptions{})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, []byte(`{"x":2}`), EnqueueOptions{})
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, id2, m.ID)
}

func TestPriority_ReturnsHighestFirst(t *testing.T) {
	q, _ := newTestQueue(t, ModePriority)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte(`low`), EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	idHigh, err := q.Enqueue(ctx, []byte(`high`), EnqueueOptions{Priority: 10})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte(`mid`), EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, idHigh, m.ID)
}

func TestDequeue_TimesOutOnEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	m, err := q.Dequeue(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestNack_RequeuesWithBackoffUntilRetriesExhausted(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`payload`), EnqueueOptions{MaxRetries: 1})
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, id, m.ID)

	require.NoError(t, q.Nack(ctx, id, true))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Retried)
	require.EqualValues(t, 1, stats.DelayedSize)

	// The backoff schedules delay_until ~120s out; make it due without
	// sleeping the test by moving its score in the delayed set to the past.
	require.NoError(t, q.client.ZAdd(ctx, q.keyDelayed(), redis.Z{
		Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: id,
	}).Err())

	m2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m2)
	require.Equal(t, id, m2.ID)
	require.Equal(t, 1, m2.RetryCount)

	require.NoError(t, q.Nack(ctx, id, true))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 1, stats.DLQSize)
}

func TestNack_IdempotentOnAlreadyFailed(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`payload`), EnqueueOptions{MaxRetries: 0})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, id, false))
	require.NoError(t, q.Nack(ctx, id, true))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
}

func TestAck_IsIdempotentOnUnknownID(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	require.NoError(t, q.Ack(context.Background(), "does-not-exist"))
}

func TestDequeue_ExpiredMessageIsNeverDelivered(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := q.Enqueue(ctx, []byte(`stale`), EnqueueOptions{ExpiresAt: &past})
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, m)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Expired)
}

func TestDelayedMessage_NotDeliveredBeforeDelayUntil(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	id, err := q.Enqueue(ctx, []byte(`delayed`), EnqueueOptions{DelayUntil: &future})
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, m)

	// Make the delayed entry due without sleeping an hour.
	require.NoError(t, q.client.ZAdd(ctx, q.keyDelayed(), redis.Z{
		Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: id,
	}).Err())

	m2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m2)
	require.Equal(t, id, m2.ID)
}

func TestPurge_RemovesAllStructures(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte(`a`), EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Purge(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PrimarySize)
	require.Zero(t, stats.Enqueued)
}

func TestVisibilitySweep_RequeuesLeaseExpiredMessage(t *testing.T) {
	q, _ := newTestQueue(t, ModeFIFO)
	ctx := context.Background()
	q.visibilityTimeout = 10 * time.Second

	id, err := q.Enqueue(ctx, []byte(`payload`), EnqueueOptions{})
	require.NoError(t, err)

	m, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, id, m.ID)

	// Force the lease to look expired without sleeping 10s.
	require.NoError(t, q.client.ZAdd(ctx, q.keyProcessing(), redis.Z{
		Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: id,
	}).Err())

	n, err := sweepScript.Run(ctx, q.client,
		[]string{q.keyMessages(), q.keyPrimary(), q.keyProcessing()},
		string(q.mode), time.Now().UnixMilli(), 100,
	).Int()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	m2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m2)
	require.Equal(t, id, m2.ID)
}
