package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"ciflow/internal/database"
	"ciflow/internal/github"
	"ciflow/internal/models"
	"ciflow/pkg/crypto"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueueWithClient(client, "test")
}

func newTestVault(t *testing.T) *crypto.Vault {
	t.Helper()

	v, err := crypto.NewVault("test-encryption-secret")
	require.NoError(t, err)
	return v
}

type enqueued struct {
	queue   string
	payload interface{}
}

// fakeQueue records enqueued jobs
type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{queue: queueName, payload: payload})
	return uuid.NewString(), nil
}

func (q *fakeQueue) retrieveJobs() []queue.RetrieveJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []queue.RetrieveJob
	for _, job := range q.jobs {
		if payload, ok := job.payload.(queue.RetrieveJob); ok {
			jobs = append(jobs, payload)
		}
	}
	return jobs
}

func (q *fakeQueue) syncJobs() []queue.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []queue.SyncJob
	for _, job := range q.jobs {
		if payload, ok := job.payload.(queue.SyncJob); ok {
			jobs = append(jobs, payload)
		}
	}
	return jobs
}

// fakeGitHub an in-memory GitHub
type fakeGitHub struct {
	mu       sync.Mutex
	repos    map[string]bool
	hooks    map[int64]github.HookSpec
	files    map[string]string
	nextHook int64
	tokens   []string
	err      error
}

func newFakeGitHub(fullNames ...string) *fakeGitHub {
	gh := &fakeGitHub{repos: map[string]bool{}, hooks: map[int64]github.HookSpec{}, files: map[string]string{}, nextHook: 100}
	for _, name := range fullNames {
		gh.repos[name] = true
	}
	return gh
}

func (g *fakeGitHub) RepoExists(ctx context.Context, token, owner, repo string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokens = append(g.tokens, token)
	if g.err != nil {
		return false, g.err
	}
	return g.repos[owner+"/"+repo], nil
}

func (g *fakeGitHub) CreateHook(ctx context.Context, token, owner, repo string, spec github.HookSpec) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return 0, g.err
	}
	g.nextHook++
	g.hooks[g.nextHook] = spec
	return g.nextHook, nil
}

func (g *fakeGitHub) EditHook(ctx context.Context, token, owner, repo string, hookID int64, spec github.HookSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	g.hooks[hookID] = spec
	return nil
}

func (g *fakeGitHub) DeleteHook(ctx context.Context, token, owner, repo string, hookID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.hooks, hookID)
	return nil
}

func (g *fakeGitHub) GetHook(ctx context.Context, token, owner, repo string, hookID int64) (*github.Hook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	spec, ok := g.hooks[hookID]
	if !ok {
		return nil, notFoundHook(hookID)
	}
	return &github.Hook{ID: hookID, URL: spec.URL, Events: spec.Events, Active: spec.Active}, nil
}

func (g *fakeGitHub) GetFileContent(ctx context.Context, token, owner, repo, path, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	content, ok := g.files[owner+"/"+repo+"/"+path]
	if !ok {
		return "", apperrors.NotFound("fakeGitHub.GetFileContent", "%s", path)
	}
	return content, nil
}

func (g *fakeGitHub) CommitFile(ctx context.Context, token, owner, repo, path, branch, message, content string) (*github.FileCommit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	key := owner + "/" + repo + "/" + path
	_, existed := g.files[key]
	g.files[key] = content
	g.tokens = append(g.tokens, token)
	return &github.FileCommit{Path: path, Branch: branch, CommitSHA: "c0ffee", FileSHA: "f11e", Created: !existed}, nil
}

// seedRepository inserts a repository in status under a fresh correlation id
func seedRepository(t *testing.T, db *gorm.DB, vault Vault, userID uint, owner, name, status string) *models.Repository {
	t.Helper()

	token, err := vault.Encrypt("tok123")
	require.NoError(t, err)

	correlationID := NewCorrelationID()
	repo := &models.Repository{
		UserID:        userID,
		Owner:         owner,
		Name:          name,
		FullName:      owner + "/" + name,
		URL:           canonicalURL(owner, name),
		Token:         token,
		Status:        status,
		CorrelationID: &correlationID,
	}
	require.NoError(t, db.Create(repo).Error)
	return repo
}

func reload(t *testing.T, db *gorm.DB, repo *models.Repository) *models.Repository {
	t.Helper()

	var fresh models.Repository
	require.NoError(t, db.First(&fresh, repo.ID).Error)
	return &fresh
}

func strPtr(s string) *string { return &s }

func notFoundHook(hookID int64) error {
	return apperrors.NotFound("fakeGitHub.GetHook", "hook %d", hookID)
}
