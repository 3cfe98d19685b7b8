package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	RepositoryID uint   `json:"repository_id"`
	Owner        string `json:"owner"`
}

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisQueueWithClient(client, "test"), mr
}

func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, QueueRetrieve, testPayload{RepositoryID: 7, Owner: "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[QueueRetrieve].Pending)
	assert.Equal(t, int64(0), stats[QueueSync].Pending)

	msg, err := q.Dequeue(ctx, QueueRetrieve, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, jobID, msg.JobID)
	assert.Equal(t, QueueRetrieve, msg.Queue)

	var payload testPayload
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, uint(7), payload.RepositoryID)
	assert.Equal(t, "acme", payload.Owner)

	stats, err = q.Stats(ctx, QueueRetrieve)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[QueueRetrieve].Pending)
	assert.Equal(t, int64(1), stats[QueueRetrieve].Processing)

	status, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusProcessing, status["status"])

	require.NoError(t, q.Ack(ctx, msg))

	stats, err = q.Stats(ctx, QueueRetrieve)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[QueueRetrieve].Processing)

	status, err = q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, status["status"])
}

func TestRedisQueue_DequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	msg, err := q.Dequeue(context.Background(), QueueSync, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRedisQueue_FIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, QueueSync, testPayload{RepositoryID: 1})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, QueueSync, testPayload{RepositoryID: 2})
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, QueueSync, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, first, msg.JobID)

	msg, err = q.Dequeue(ctx, QueueSync, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, second, msg.JobID)
}

func TestRedisQueue_RecoverOrphaned(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, QueueRetrieve, testPayload{RepositoryID: 3})
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, QueueRetrieve, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// lease still fresh
	requeued, dead, err := q.RecoverOrphaned(ctx, QueueRetrieve, time.Hour, 3)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Empty(t, dead)

	// any lease counts as expired with a zero timeout
	requeued, dead, err = q.RecoverOrphaned(ctx, QueueRetrieve, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Empty(t, dead)

	again, err := q.Dequeue(ctx, QueueRetrieve, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.JobID, again.JobID)
	assert.Equal(t, 1, again.Attempts)
}

func TestRedisQueue_RecoverDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, QueueSync, testPayload{RepositoryID: 4})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, QueueSync, 50*time.Millisecond)
	require.NoError(t, err)

	requeued, dead, err := q.RecoverOrphaned(ctx, QueueSync, 0, 1)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	require.Len(t, dead, 1)
	assert.Equal(t, jobID, dead[0].JobID)
	assert.Equal(t, 1, dead[0].Attempts)

	var payload testPayload
	require.NoError(t, dead[0].Decode(&payload))
	assert.Equal(t, uint(4), payload.RepositoryID)

	stats, err := q.Stats(ctx, QueueSync)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Pending: 0, Processing: 0, Dead: 1}, stats[QueueSync])
}

func TestRedisQueue_RecoverSkipsJobWithoutLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, QueueRetrieve, testPayload{RepositoryID: 5})
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, QueueRetrieve, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// moved into processing but not leased yet
	require.NoError(t, q.GetClient().HDel(ctx, q.leaseKey(QueueRetrieve), msg.JobID).Err())

	requeued, dead, err := q.RecoverOrphaned(ctx, QueueRetrieve, time.Minute, 3)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Empty(t, dead)

	leased, err := q.GetClient().HExists(ctx, q.leaseKey(QueueRetrieve), msg.JobID).Result()
	require.NoError(t, err)
	assert.True(t, leased)

	stats, err := q.Stats(ctx, QueueRetrieve)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[QueueRetrieve].Processing)
}

func TestRedisQueue_ExtendLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, QueueSync, testPayload{RepositoryID: 6})
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, QueueSync, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	stale := time.Now().Add(-2 * time.Hour).Unix()
	require.NoError(t, q.GetClient().HSet(ctx, q.leaseKey(QueueSync), msg.JobID, stale).Err())

	ok, err := q.ExtendLease(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	requeued, dead, err := q.RecoverOrphaned(ctx, QueueSync, time.Hour, 3)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Empty(t, dead)

	require.NoError(t, q.Ack(ctx, msg))
	ok, err = q.ExtendLease(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok, "acked job holds no lease")
}

func TestRedisQueue_PublishSubscribe(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	channel := q.ChannelKey("repo_status")
	assert.Equal(t, "test:channel:repo_status", channel)

	sub := q.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, channel, map[string]string{"status": "Success"}))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, `{"status":"Success"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
