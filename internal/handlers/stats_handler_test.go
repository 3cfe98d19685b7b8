package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"ciflow/internal/models"
	"ciflow/internal/services"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/pagination"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRuns(t *testing.T, env *testEnv, repo *models.Repository, branch string, firstRunID int64, conclusions ...string) {
	t.Helper()

	started := time.Now().Add(-time.Hour)
	for i, conclusion := range conclusions {
		conclusion := conclusion
		createdAt := started.Add(time.Duration(i) * time.Minute)
		run := &models.WorkflowRun{
			UserID:          repo.UserID,
			GitHubRunID:     firstRunID + int64(i),
			WorkflowID:      1,
			RepositoryID:    repo.ID,
			HeadBranch:      branch,
			Status:          "completed",
			Conclusion:      &conclusion,
			RunStartedAt:    &createdAt,
			GitHubCreatedAt: &createdAt,
			GitHubUpdatedAt: &createdAt,
		}
		require.NoError(t, env.db.Create(run).Error)
	}
}

func TestStatsHandler_ListRuns(t *testing.T) {
	env := newTestEnv(t)
	repo := env.seedRepository(t, 1, "acme", "widgets", models.RepoStatusSuccess)
	seedRuns(t, env, repo, "main", 1000, "success", "failure", "success")
	seedRuns(t, env, repo, "dev", 2000, "success")

	_, body := env.authed(t, 1, http.MethodGet, "/workflow-runs?workflow_id=1&branch=main&page=1&page_size=2", nil)
	require.Equal(t, apperrors.CodeSuccess, body.Code, body.Message)

	var runs []models.WorkflowRun
	require.NoError(t, json.Unmarshal(body.Data, &runs))
	assert.Len(t, runs, 2)

	var page pagination.PageInfo
	require.NoError(t, json.Unmarshal(body.PageInfo, &page))
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasNext)

	// another user's view of the same workflow is empty
	_, body = env.authed(t, 2, http.MethodGet, "/workflow-runs?workflow_id=1&branch=main", nil)
	require.Equal(t, apperrors.CodeSuccess, body.Code)
	require.NoError(t, json.Unmarshal(body.Data, &runs))
	assert.Empty(t, runs)
}

func TestStatsHandler_ListRunsValidation(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.authed(t, 1, http.MethodGet, "/workflow-runs?branch=main", nil)
	assert.Equal(t, apperrors.CodeInvalidParam, body.Code)

	_, body = env.authed(t, 1, http.MethodGet, "/workflow-runs?workflow_id=1", nil)
	assert.Equal(t, apperrors.CodeInvalidParam, body.Code)
}

func TestStatsHandler_PipelineStats(t *testing.T) {
	env := newTestEnv(t)
	repo := env.seedRepository(t, 1, "acme", "widgets", models.RepoStatusSuccess)
	seedRuns(t, env, repo, "main", 1000, "success", "failure", "success", "success")

	_, body := env.authed(t, 1, http.MethodGet, "/workflow-runs/pipeline-stats?repo_id="+jsonNumber(repo.ID)+"&branch=main", nil)
	require.Equal(t, apperrors.CodeSuccess, body.Code, body.Message)

	var stats services.PipelineStats
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	assert.Equal(t, 4, stats.TotalPipelines)
	assert.Equal(t, 1, stats.FailedBuilds)
	assert.InDelta(t, 75.0, stats.SuccessRate, 0.01)

	_, body = env.authed(t, 2, http.MethodGet, "/workflow-runs/pipeline-stats?repo_id="+jsonNumber(repo.ID)+"&branch=main", nil)
	assert.Equal(t, apperrors.CodeNotFound, body.Code)
}

func TestStatsHandler_PipelineDataRejectsUnknownUnit(t *testing.T) {
	env := newTestEnv(t)
	repo := env.seedRepository(t, 1, "acme", "widgets", models.RepoStatusSuccess)

	_, body := env.authed(t, 1, http.MethodGet, "/workflow-runs/pipeline-data?repo_id="+jsonNumber(repo.ID)+"&branch=main&time_unit=year", nil)
	assert.Equal(t, apperrors.CodeInvalidParam, body.Code)
}

func TestPredictionHandler_SaveAndGet(t *testing.T) {
	env := newTestEnv(t)

	request := gin.H{
		"github_run_id":    555,
		"model_name":       "xgboost",
		"model_version":    "1.4.0",
		"predicted_result": true,
		"probability":      0.91,
		"threshold":        0.5,
		"timestamp":        "2026-03-01T12:00:00Z",
		"execution_time":   8.2,
		"project_name":     "acme/widgets",
		"branch":           "main",
	}
	_, body := env.authed(t, 1, http.MethodPost, "/predictions", request)
	require.Equal(t, apperrors.CodeSuccess, body.Code, body.Message)

	_, body = env.authed(t, 1, http.MethodGet, "/predictions/555", nil)
	require.Equal(t, apperrors.CodeSuccess, body.Code, body.Message)

	var prediction models.Prediction
	require.NoError(t, json.Unmarshal(body.Data, &prediction))
	assert.Equal(t, int64(555), prediction.GitHubRunID)
	assert.Equal(t, "xgboost", prediction.ModelName)
	assert.Nil(t, prediction.ActualResult)

	_, body = env.authed(t, 1, http.MethodGet, "/predictions/556", nil)
	assert.Equal(t, apperrors.CodeNotFound, body.Code)

	_, body = env.authed(t, 1, http.MethodGet, "/predictions/abc", nil)
	assert.Equal(t, apperrors.CodeInvalidParam, body.Code)
}

func TestPredictionHandler_SaveValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{name: "empty", body: gin.H{}},
		{name: "probability out of range", body: gin.H{
			"github_run_id": 1, "model_name": "m", "model_version": "1", "predicted_result": false,
			"probability": 1.5, "threshold": 0.5, "timestamp": "2026-03-01T12:00:00Z", "execution_time": 1,
		}},
		{name: "missing predicted_result", body: gin.H{
			"github_run_id": 1, "model_name": "m", "model_version": "1",
			"probability": 0.5, "threshold": 0.5, "timestamp": "2026-03-01T12:00:00Z", "execution_time": 1,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := env.authed(t, 1, http.MethodPost, "/predictions", tt.body)
			assert.Equal(t, apperrors.CodeInvalidParam, body.Code)
		})
	}
}

func TestStatsHandler_Workflows(t *testing.T) {
	env := newTestEnv(t)
	repo := env.seedRepository(t, 1, "acme", "widgets", models.RepoStatusSuccess)
	workflow := &models.Workflow{UserID: 1, RepositoryID: repo.ID, GitHubWorkflowID: 1, Name: "CI", Path: ".github/workflows/ci.yml"}
	require.NoError(t, env.db.Create(workflow).Error)
	seedRuns(t, env, repo, "main", 1000, "success", "failure")

	_, body := env.authed(t, 1, http.MethodGet, "/workflows/with-runs?repo_id="+jsonNumber(repo.ID)+"&branch=main", nil)
	require.Equal(t, apperrors.CodeSuccess, body.Code, body.Message)

	var withRuns []services.WorkflowWithRuns
	require.NoError(t, json.Unmarshal(body.Data, &withRuns))
	require.Len(t, withRuns, 1)
	assert.Equal(t, "CI", withRuns[0].Name)
	assert.Equal(t, int64(2), withRuns[0].RunCount)
	assert.Len(t, withRuns[0].Runs, 2)

	_, body = env.authed(t, 1, http.MethodGet, "/workflows/with-runs", nil)
	assert.Equal(t, apperrors.CodeInvalidParam, body.Code)

	_, body = env.authed(t, 1, http.MethodGet, "/workflows/"+jsonNumber(workflow.ID), nil)
	require.Equal(t, apperrors.CodeSuccess, body.Code, body.Message)
	var got models.Workflow
	require.NoError(t, json.Unmarshal(body.Data, &got))
	assert.Equal(t, ".github/workflows/ci.yml", got.Path)

	_, body = env.authed(t, 2, http.MethodGet, "/workflows/"+jsonNumber(workflow.ID), nil)
	assert.Equal(t, apperrors.CodeNotFound, body.Code)
}
