package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Named queues
const (
	QueueRetrieve = "retrieve"
	QueueSync     = "sync"
)

// Job status values kept in the per-job hash
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusDead       = "dead"
)

// RedisQueue durable named queues on redis lists
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// JobMessage envelope of a queued job
type JobMessage struct {
	JobID    string          `json:"job_id"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Created  int64           `json:"created"`

	raw string // exact list element, needed for LREM
}

// Decode unmarshals the payload into v
func (m *JobMessage) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Config redis connection settings
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewRedisQueue connects to redis
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisQueueWithClient(client, config.Prefix)
}

// NewRedisQueueWithClient wraps an existing client
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "ciflow"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// Close closes the redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks the redis connection
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue pushes payload onto the named queue and returns the job id
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	message := JobMessage{
		JobID:   uuid.NewString(),
		Queue:   queueName,
		Payload: body,
		Created: time.Now().Unix(),
	}
	data, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal job message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.queueKey(queueName), data)
	pipe.HSet(ctx, q.jobKey(message.JobID), map[string]interface{}{
		"queue":     queueName,
		"status":    JobStatusQueued,
		"queued_at": message.Created,
	})
	pipe.Expire(ctx, q.jobKey(message.JobID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", queueName, err)
	}

	return message.JobID, nil
}

// Dequeue blocks up to timeout for a job. The job is moved atomically into the
// processing list and stays there until Ack, so a crashed worker never loses it.
// Returns nil, nil when the queue stayed empty.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*JobMessage, error) {
	result, err := q.client.BLMove(ctx, q.queueKey(queueName), q.processingKey(queueName), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue %s job: %w", queueName, err)
	}

	var message JobMessage
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		// unparseable element would be redelivered forever; park it
		q.client.LRem(ctx, q.processingKey(queueName), 1, result)
		q.client.LPush(ctx, q.deadKey(queueName), result)
		return nil, fmt.Errorf("decode %s job: %w", queueName, err)
	}
	message.raw = result

	now := time.Now().Unix()
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, q.leaseKey(queueName), message.JobID, now)
	pipe.HSet(ctx, q.jobKey(message.JobID), map[string]interface{}{
		"status":      JobStatusProcessing,
		"dequeued_at": now,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lease %s job: %w", queueName, err)
	}

	return &message, nil
}

// Ack removes a processed job from the processing list
func (q *RedisQueue) Ack(ctx context.Context, message *JobMessage) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(message.Queue), 1, message.raw)
	pipe.HDel(ctx, q.leaseKey(message.Queue), message.JobID)
	pipe.HSet(ctx, q.jobKey(message.JobID), map[string]interface{}{
		"status":      JobStatusDone,
		"finished_at": time.Now().Unix(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s job %s: %w", message.Queue, message.JobID, err)
	}
	return nil
}

// RecoverOrphaned requeues jobs whose lease is older than leaseTimeout.
// Jobs that already reached maxAttempts are moved to the dead list instead.
// A job found without a lease was moved by Dequeue a moment ago and is leased now.
// Returns how many jobs were requeued and the messages that were dead-lettered.
func (q *RedisQueue) RecoverOrphaned(ctx context.Context, queueName string, leaseTimeout time.Duration, maxAttempts int) (int, []*JobMessage, error) {
	processing := q.processingKey(queueName)
	items, err := q.client.LRange(ctx, processing, 0, -1).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("list processing %s jobs: %w", queueName, err)
	}

	now := time.Now()
	requeued := 0
	var dead []*JobMessage
	for _, item := range items {
		var message JobMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			continue
		}

		value, err := q.client.HGet(ctx, q.leaseKey(queueName), message.JobID).Result()
		if errors.Is(err, redis.Nil) {
			q.client.HSetNX(ctx, q.leaseKey(queueName), message.JobID, now.Unix())
			continue
		}
		if err != nil {
			return requeued, dead, fmt.Errorf("read lease of %s job %s: %w", queueName, message.JobID, err)
		}
		leasedAt, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			leasedAt = message.Created
		}
		if now.Sub(time.Unix(leasedAt, 0)) < leaseTimeout {
			continue
		}

		message.Attempts++
		next, err := json.Marshal(message)
		if err != nil {
			continue
		}

		target, status := q.queueKey(queueName), JobStatusQueued
		if maxAttempts > 0 && message.Attempts >= maxAttempts {
			target, status = q.deadKey(queueName), JobStatusDead
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processing, 1, item)
		pipe.LPush(ctx, target, next)
		pipe.HDel(ctx, q.leaseKey(queueName), message.JobID)
		pipe.HSet(ctx, q.jobKey(message.JobID), map[string]interface{}{
			"status":       status,
			"recovered_at": now.Unix(),
			"attempts":     message.Attempts,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, dead, fmt.Errorf("recover %s job %s: %w", queueName, message.JobID, err)
		}

		message.raw = string(next)
		if status == JobStatusDead {
			dead = append(dead, &message)
		} else {
			requeued++
		}
	}

	return requeued, dead, nil
}

// extendLeaseScript refreshes a lease only while the job still holds one
var extendLeaseScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
end
return -1
`)

// ExtendLease renews the lease of a job that is still being processed.
// Returns false when the job is no longer leased, e.g. it was recovered meanwhile.
func (q *RedisQueue) ExtendLease(ctx context.Context, message *JobMessage) (bool, error) {
	result, err := extendLeaseScript.Run(ctx, q.client, []string{q.leaseKey(message.Queue)}, message.JobID, time.Now().Unix()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lease of %s job %s: %w", message.Queue, message.JobID, err)
	}
	return result >= 0, nil
}

// JobStatus returns the status hash of a job
func (q *RedisQueue) JobStatus(ctx context.Context, jobID string) (map[string]string, error) {
	result, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return result, nil
}

// QueueStats depth of one named queue
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Stats returns depth per named queue
func (q *RedisQueue) Stats(ctx context.Context, queueNames ...string) (map[string]QueueStats, error) {
	if len(queueNames) == 0 {
		queueNames = []string{QueueRetrieve, QueueSync}
	}

	stats := make(map[string]QueueStats, len(queueNames))
	for _, name := range queueNames {
		pipe := q.client.Pipeline()
		pending := pipe.LLen(ctx, q.queueKey(name))
		processing := pipe.LLen(ctx, q.processingKey(name))
		dead := pipe.LLen(ctx, q.deadKey(name))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue %s stats: %w", name, err)
		}
		stats[name] = QueueStats{
			Pending:    pending.Val(),
			Processing: processing.Val(),
			Dead:       dead.Val(),
		}
	}
	return stats, nil
}

// Publish sends message as JSON on channel
func (q *RedisQueue) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to the given channels
func (q *RedisQueue) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return q.client.Subscribe(ctx, channels...)
}

// ChannelKey namespaces an internal channel name with the queue prefix
func (q *RedisQueue) ChannelKey(name string) string {
	return fmt.Sprintf("%s:channel:%s", q.prefix, name)
}

// GetClient exposes the client for advanced operations
func (q *RedisQueue) GetClient() *redis.Client {
	return q.client
}

func (q *RedisQueue) queueKey(name string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, name)
}

func (q *RedisQueue) processingKey(name string) string {
	return fmt.Sprintf("%s:queue:%s:processing", q.prefix, name)
}

func (q *RedisQueue) deadKey(name string) string {
	return fmt.Sprintf("%s:queue:%s:dead", q.prefix, name)
}

func (q *RedisQueue) leaseKey(name string) string {
	return fmt.Sprintf("%s:queue:%s:leases", q.prefix, name)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", q.prefix, jobID)
}
