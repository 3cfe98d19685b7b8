package services

import (
	"context"
	"time"

	"ciflow/internal/github"
	"ciflow/pkg/queue"

	"github.com/go-redis/redis/v8"
)

// JobQueue enqueues pipeline jobs
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error)
}

// JobSource is what the worker pool consumes
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.JobMessage, error)
	Ack(ctx context.Context, message *queue.JobMessage) error
	ExtendLease(ctx context.Context, message *queue.JobMessage) (bool, error)
	RecoverOrphaned(ctx context.Context, queueName string, leaseTimeout time.Duration, maxAttempts int) (int, []*queue.JobMessage, error)
}

// Publisher publishes JSON messages on a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Subscriber opens pub/sub subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Vault encrypts secrets at rest
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	NeedsRotation(ciphertext string) bool
}

// GitHubAPI the GitHub calls made with a user's token
type GitHubAPI interface {
	RepoExists(ctx context.Context, token, owner, repo string) (bool, error)
	CreateHook(ctx context.Context, token, owner, repo string, spec github.HookSpec) (int64, error)
	EditHook(ctx context.Context, token, owner, repo string, hookID int64, spec github.HookSpec) error
	DeleteHook(ctx context.Context, token, owner, repo string, hookID int64) error
	GetHook(ctx context.Context, token, owner, repo string, hookID int64) (*github.Hook, error)
	GetFileContent(ctx context.Context, token, owner, repo, path, ref string) (string, error)
	CommitFile(ctx context.Context, token, owner, repo, path, branch, message, content string) (*github.FileCommit, error)
}
