package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ciflow/internal/models"
	"ciflow/internal/retrieval"
	"ciflow/pkg/config"
	"ciflow/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeRetrievalService serves the retrieval API for acme/widgets
type fakeRetrievalService struct {
	mu         sync.Mutex
	submitted  []string
	tokens     []string
	repository string
}

func (s *fakeRetrievalService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/retrieve":
		var body struct {
			URL       string `json:"url"`
			Token     string `json:"token"`
			RequestID string `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.submitted = append(s.submitted, body.RequestID)
		s.tokens = append(s.tokens, body.Token)
		s.repository = body.URL
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"accepted"}`))

	case r.URL.Path == "/repos/acme/widgets":
		_, _ = w.Write([]byte(widgetsDetails))

	case r.URL.Path == "/workflows" && r.URL.Query().Get("repo") == "widgets":
		_ = json.NewEncoder(w).Encode(widgetsWorkflows())

	case r.URL.Path == "/workflow_runs" && r.URL.Query().Get("repo") == "widgets":
		_ = json.NewEncoder(w).Encode(widgetsRuns())

	default:
		http.NotFound(w, r)
	}
}

func (s *fakeRetrievalService) lastSubmission() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.submitted) == 0 {
		return "", ""
	}
	return s.submitted[len(s.submitted)-1], s.tokens[len(s.tokens)-1]
}

func repoStatus(db *gorm.DB, repoID uint) string {
	var repo models.Repository
	if err := db.First(&repo, repoID).Error; err != nil {
		return ""
	}
	return repo.Status
}

func TestPipeline_RegisterToPredictionOutcome(t *testing.T) {
	db := newTestDB(t)
	rq := newTestRedisQueue(t)
	vault := newTestVault(t)
	ctx := context.Background()

	upstream := &fakeRetrievalService{}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	client := retrieval.NewClient(&config.RetrievalConfig{
		BaseURL:       server.URL,
		SubmitTimeout: 2 * time.Second,
		FetchTimeout:  2 * time.Second,
		MaxRetries:    1,
	}, nil)

	state := NewRepositoryState(db, nil, nil)
	repos := NewRepositoryService(db, rq, vault, newFakeGitHub("acme/widgets"), state)
	channel := rq.ChannelKey("retrieve_results")
	listener := NewCorrelationListener(db, client, rq, state, rq, channel)

	pool := NewWorkerPool(rq, config.WorkerConfig{DequeueTimeout: 50 * time.Millisecond}, nil)
	pool.Register(queue.QueueRetrieve, 1, NewRetrieveProcessor(db, vault, client, state).HandleJob)
	pool.Register(queue.QueueSync, 1, NewSyncProcessor(db, NewSynchronizer(db, client, nil), state).HandleJob)

	runCtx, cancel := context.WithCancel(ctx)
	listenerDone := make(chan struct{})
	go func() {
		listener.Run(runCtx)
		close(listenerDone)
	}()
	require.NoError(t, pool.Start(runCtx))
	t.Cleanup(func() {
		cancel()
		<-listenerDone
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = pool.Stop(stopCtx)
	})

	// the model scored run 99 before it finished
	_, err := NewPredictionService(db).Save(ctx, predictionRequest(99, false))
	require.NoError(t, err)

	repo, err := repos.Register(ctx, 1, &RegisterRepositoryRequest{URL: "https://github.com/acme/widgets", Token: "tok123"})
	require.NoError(t, err)
	assert.Equal(t, models.RepoStatusQueued, repo.Status)

	require.Eventually(t, func() bool {
		return repoStatus(db, repo.ID) == models.RepoStatusPending
	}, 5*time.Second, 20*time.Millisecond)

	requestID, token := upstream.lastSubmission()
	assert.Equal(t, *repo.CorrelationID, requestID)
	assert.Equal(t, "tok123", token, "the upstream receives the decrypted token")
	assert.Equal(t, "https://github.com/acme/widgets", upstream.repository)

	result := map[string]interface{}{
		"request_id": requestID,
		"status":     retrieval.ResultSuccess,
		"data":       json.RawMessage(widgetsDetails),
	}
	require.Eventually(t, func() bool {
		_ = rq.Publish(ctx, channel, result)
		return repoStatus(db, repo.ID) == models.RepoStatusSuccess
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		var prediction models.Prediction
		if err := db.Where("github_run_id = ?", 99).First(&prediction).Error; err != nil {
			return false
		}
		return prediction.ActualResult != nil
	}, 5*time.Second, 20*time.Millisecond)

	prediction, err := NewPredictionService(db).Get(ctx, 99)
	require.NoError(t, err)
	assert.True(t, *prediction.ActualResult, "run 99 failed")

	stored := reload(t, db, repo)
	assert.Equal(t, models.RepoStatusSuccess, stored.Status)
	assert.Equal(t, int64(4242), stored.GitHubRepoID)
	assert.Equal(t, requestID, *stored.CorrelationID)

	var workflow models.Workflow
	require.NoError(t, db.Where("repository_id = ? AND github_workflow_id = ?", repo.ID, 1).First(&workflow).Error)
	assert.Equal(t, "CI", workflow.Name)

	var run models.WorkflowRun
	require.NoError(t, db.Where("github_run_id = ?", 99).First(&run).Error)
	assert.Equal(t, workflow.ID, run.WorkflowID)
	assert.Equal(t, "failure", *run.Conclusion)
}
