package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ciflow/internal/models"
	"ciflow/internal/retrieval/mocks"
	"ciflow/pkg/config"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"
)

func retrieveJobFor(repo *models.Repository) *queue.RetrieveJob {
	return &queue.RetrieveJob{
		RepositoryID:    repo.ID,
		URL:             repo.URL,
		Credential:      repo.Token,
		Owner:           repo.Owner,
		Name:            repo.Name,
		CorrelationHint: *repo.CorrelationID,
	}
}

func TestRetrieveProcessor_SubmitsAndMarksPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	retriever := mocks.NewMockRetriever(ctrl)

	db := newTestDB(t)
	vault := newTestVault(t)
	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)

	retriever.EXPECT().
		SubmitRetrieve(gomock.Any(), "https://github.com/acme/widgets", "tok123", *repo.CorrelationID).
		Return(nil)

	p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
	require.NoError(t, p.Process(context.Background(), retrieveJobFor(repo)))

	stored := reload(t, db, repo)
	assert.Equal(t, models.RepoStatusPending, stored.Status)
	assert.Equal(t, *repo.CorrelationID, *stored.CorrelationID)
}

func TestRetrieveProcessor_StaleJobMakesNoExternalCalls(t *testing.T) {
	tests := []struct {
		name   string
		status string
		hint   func(repo *models.Repository) string
	}{
		{
			name:   "superseded correlation id",
			status: models.RepoStatusQueued,
			hint:   func(*models.Repository) string { return NewCorrelationID() },
		},
		{
			name:   "already succeeded",
			status: models.RepoStatusSuccess,
			hint:   func(repo *models.Repository) string { return *repo.CorrelationID },
		},
		{
			name:   "already failed",
			status: models.RepoStatusFailed,
			hint:   func(repo *models.Repository) string { return *repo.CorrelationID },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// no expectations: any retriever call fails the test
			ctrl := gomock.NewController(t)
			retriever := mocks.NewMockRetriever(ctrl)

			db := newTestDB(t)
			vault := newTestVault(t)
			repo := seedRepository(t, db, vault, 1, "acme", "widgets", tt.status)

			job := retrieveJobFor(repo)
			job.CorrelationHint = tt.hint(repo)

			p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
			require.NoError(t, p.Process(context.Background(), job))

			stored := reload(t, db, repo)
			assert.Equal(t, tt.status, stored.Status)
			assert.Equal(t, *repo.CorrelationID, *stored.CorrelationID)
		})
	}
}

func TestRetrieveProcessor_MissingRepository(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := newTestDB(t)
	p := NewRetrieveProcessor(db, newTestVault(t), mocks.NewMockRetriever(ctrl), NewRepositoryState(db, nil, nil))

	err := p.Process(context.Background(), &queue.RetrieveJob{RepositoryID: 404, CorrelationHint: "x"})
	assert.NoError(t, err)
}

func TestRetrieveProcessor_SubmitFailureMarksFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	retriever := mocks.NewMockRetriever(ctrl)

	db := newTestDB(t)
	vault := newTestVault(t)
	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)

	retriever.EXPECT().
		SubmitRetrieve(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(apperrors.New(apperrors.ErrUpstreamUnavailable, "retrieval.SubmitRetrieve", "503 after 5 attempts"))

	p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
	err := p.Process(context.Background(), retrieveJobFor(repo))
	require.Error(t, err)

	stored := reload(t, db, repo)
	assert.Equal(t, models.RepoStatusFailed, stored.Status)
	assert.Contains(t, stored.StatusMessage, "503 after 5 attempts")
}

func TestRetrieveProcessor_UndecryptableCredentialMarksFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	retriever := mocks.NewMockRetriever(ctrl)

	db := newTestDB(t)
	vault := newTestVault(t)
	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)

	job := retrieveJobFor(repo)
	job.Credential = "v2:deadbeef"

	p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
	err := p.Process(context.Background(), job)
	assert.True(t, apperrors.Is(err, apperrors.ErrCrypto))

	stored := reload(t, db, repo)
	assert.Equal(t, models.RepoStatusFailed, stored.Status)
}

func TestRetrieveProcessor_HandleJobDecodesPayload(t *testing.T) {
	ctrl := gomock.NewController(t)
	retriever := mocks.NewMockRetriever(ctrl)

	db := newTestDB(t)
	vault := newTestVault(t)
	q := newTestRedisQueue(t)
	ctx := context.Background()

	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)
	_, err := q.Enqueue(ctx, queue.QueueRetrieve, retrieveJobFor(repo))
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, queue.QueueRetrieve, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	retriever.EXPECT().SubmitRetrieve(gomock.Any(), repo.URL, "tok123", *repo.CorrelationID).Return(nil)

	p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
	require.NoError(t, p.HandleJob(ctx, msg))
	assert.Equal(t, models.RepoStatusPending, reload(t, db, repo).Status)
}

func TestRetrieveProcessor_PanicMarksFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	retriever := mocks.NewMockRetriever(ctrl)

	db := newTestDB(t)
	vault := newTestVault(t)
	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)

	retriever.EXPECT().
		SubmitRetrieve(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, url, token, correlationID string) error {
			panic("nil pointer dereference")
		})

	p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
	err := p.Process(context.Background(), retrieveJobFor(repo))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil pointer dereference")

	stored := reload(t, db, repo)
	assert.Equal(t, models.RepoStatusFailed, stored.Status)
	assert.Contains(t, stored.StatusMessage, "panic")
}

func TestRetrieveProcessor_PanicThroughWorkerPoolMarksFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	retriever := mocks.NewMockRetriever(ctrl)

	db := newTestDB(t)
	vault := newTestVault(t)
	q := newTestRedisQueue(t)
	ctx := context.Background()

	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)
	_, err := q.Enqueue(ctx, queue.QueueRetrieve, retrieveJobFor(repo))
	require.NoError(t, err)

	retriever.EXPECT().
		SubmitRetrieve(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, url, token, correlationID string) error {
			panic("boom")
		})

	pool := NewWorkerPool(q, config.WorkerConfig{DequeueTimeout: 50 * time.Millisecond}, nil)
	pool.Register(queue.QueueRetrieve, 1, NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil)).HandleJob)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(stopCtx)
	})

	assert.Eventually(t, func() bool {
		var stored models.Repository
		if err := db.Select("status").Where("id = ?", repo.ID).First(&stored).Error; err != nil {
			return false
		}
		return stored.Status == models.RepoStatusFailed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRetrieveProcessor_StoreErrorsMarkFailed(t *testing.T) {
	tests := []struct {
		name   string
		inject func(db *gorm.DB) error
	}{
		{
			name: "loading the repository",
			inject: func(db *gorm.DB) error {
				return db.Callback().Query().Before("gorm:query").Register("test:fail_load", func(tx *gorm.DB) {
					if tx.Statement.Table == "repositories" {
						_ = tx.AddError(errors.New("connection reset by peer"))
					}
				})
			},
		},
		{
			name: "marking the repository pending",
			inject: func(db *gorm.DB) error {
				return db.Callback().Update().Before("gorm:update").Register("test:fail_pending", func(tx *gorm.DB) {
					if updates, ok := tx.Statement.Dest.(map[string]interface{}); ok && updates["status"] == models.RepoStatusPending {
						_ = tx.AddError(errors.New("deadlock detected"))
					}
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// no expectations: the retrieval service is never reached
			retriever := mocks.NewMockRetriever(gomock.NewController(t))

			db := newTestDB(t)
			vault := newTestVault(t)
			repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)
			require.NoError(t, tt.inject(db))

			p := NewRetrieveProcessor(db, vault, retriever, NewRepositoryState(db, nil, nil))
			require.Error(t, p.Process(context.Background(), retrieveJobFor(repo)))

			var stored models.Repository
			require.NoError(t, db.Session(&gorm.Session{NewDB: true}).Raw("SELECT status FROM repositories WHERE id = ?", repo.ID).Scan(&stored).Error)
			assert.Equal(t, models.RepoStatusFailed, stored.Status)
		})
	}
}

func TestRetrieveProcessor_HandleDeadLetter(t *testing.T) {
	db := newTestDB(t)
	vault := newTestVault(t)
	q := newTestRedisQueue(t)
	ctx := context.Background()

	repo := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusQueued)
	_, err := q.Enqueue(ctx, queue.QueueRetrieve, retrieveJobFor(repo))
	require.NoError(t, err)

	// leased by a consumer that crashed, then recovered past the attempt limit
	msg, err := q.Dequeue(ctx, queue.QueueRetrieve, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	p := NewRetrieveProcessor(db, vault, mocks.NewMockRetriever(gomock.NewController(t)), NewRepositoryState(db, nil, nil))
	pool := NewWorkerPool(q, config.WorkerConfig{LeaseTimeout: 0, MaxAttempts: 1}, nil)
	pool.Register(queue.QueueRetrieve, 1, p.HandleJob)
	pool.OnDeadLetter(queue.QueueRetrieve, p.HandleDeadLetter)
	pool.RecoverOnce(ctx)

	stats, err := q.Stats(ctx, queue.QueueRetrieve)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueStats{Dead: 1}, stats[queue.QueueRetrieve])

	stored := reload(t, db, repo)
	assert.Equal(t, models.RepoStatusFailed, stored.Status)
	assert.Contains(t, stored.StatusMessage, "dead-lettered")
}
