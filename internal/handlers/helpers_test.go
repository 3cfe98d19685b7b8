package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"ciflow/internal/database"
	"ciflow/internal/middleware"
	"ciflow/internal/models"
	"ciflow/internal/services"
	"ciflow/pkg/crypto"
	"ciflow/pkg/jwt"
	"ciflow/pkg/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const webhookPublicURL = "https://ci.example.com/api/v1/webhooks/github"

// testEnv real services over sqlite and miniredis behind a minimal route table
type testEnv struct {
	db      *gorm.DB
	vault   *crypto.Vault
	queue   *queue.RedisQueue
	jwt     *jwt.JWTManager
	engine  *gin.Engine
	repos   *services.RepositoryService
	webhook *services.WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
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

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueueWithClient(client, "test")

	vault, err := crypto.NewVault("test-encryption-secret")
	require.NoError(t, err)

	manager := jwt.NewJWTManager("test-secret", "1h")
	state := services.NewRepositoryState(db, nil, nil)
	repos := services.NewRepositoryService(db, q, vault, nil, state)
	webhooks := services.NewWebhookService(db, vault, nil, repos, nil, webhookPublicURL, nil)

	env := &testEnv{
		db:      db,
		vault:   vault,
		queue:   q,
		jwt:     manager,
		engine:  gin.New(),
		repos:   repos,
		webhook: webhooks,
	}
	env.routes(services.NewStatsService(db), services.NewPredictionService(db))
	return env
}

func (e *testEnv) routes(stats *services.StatsService, predictions *services.PredictionService) {
	auth := middleware.NewAuthMiddleware(e.jwt, nil)

	webhookHandler := NewWebhookHandler(e.webhook)
	e.engine.POST("/webhooks/github", webhookHandler.Receive)
	e.engine.POST("/webhooks/github/:key", webhookHandler.Receive)

	repoHandler := NewRepositoryHandler(e.repos)
	statsHandler := NewStatsHandler(stats)
	predictionHandler := NewPredictionHandler(predictions)

	api := e.engine.Group("", auth.RequireLogin())
	api.POST("/repos", repoHandler.Register)
	api.GET("/repos", repoHandler.List)
	api.GET("/repos/:id", repoHandler.Get)
	api.DELETE("/repos/:id", repoHandler.Delete)
	api.PUT("/webhook-user", webhookHandler.RegisterURL)
	api.GET("/webhook-user", webhookHandler.GetURL)
	api.GET("/workflows/with-runs", statsHandler.WorkflowsWithRuns)
	api.POST("/workflows/commit", repoHandler.CommitWorkflow)
	api.GET("/workflows/:id", statsHandler.GetWorkflow)
	api.GET("/workflow-runs", statsHandler.ListRuns)
	api.GET("/workflow-runs/pipeline-stats", statsHandler.PipelineStats)
	api.GET("/workflow-runs/pipeline-data", statsHandler.PipelineData)
	api.POST("/predictions", predictionHandler.Save)
	api.GET("/predictions/:run_id", predictionHandler.Get)
}

func (e *testEnv) token(t *testing.T, userID uint, admin bool) string {
	t.Helper()

	token, err := e.jwt.GenerateToken(userID, fmt.Sprintf("user%d", userID), fmt.Sprintf("user%d@example.com", userID), admin)
	require.NoError(t, err)
	return token
}

// envelope decoded response body
type envelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	PageInfo json.RawMessage `json:"page_info"`
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (e *testEnv) authed(t *testing.T, userID uint, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return e.request(t, method, path, body, map[string]string{"Authorization": "Bearer " + e.token(t, userID, false)})
}

// seedRepository stores a repository of userID in status
func (e *testEnv) seedRepository(t *testing.T, userID uint, owner, name, status string) *models.Repository {
	t.Helper()

	token, err := e.vault.Encrypt("tok123")
	require.NoError(t, err)
	correlationID := services.NewCorrelationID()

	repo := &models.Repository{
		UserID:        userID,
		Owner:         owner,
		Name:          name,
		FullName:      owner + "/" + name,
		URL:           "https://github.com/" + owner + "/" + name,
		Token:         token,
		Status:        status,
		GitHubRepoID:  4242,
		CorrelationID: &correlationID,
	}
	require.NoError(t, e.db.Create(repo).Error)
	return repo
}

// seedWebhook stores a configured active hook signed with secret
func (e *testEnv) seedWebhook(t *testing.T, repo *models.Repository, secret string) *models.Webhook {
	t.Helper()

	encrypted, err := e.vault.Encrypt(secret)
	require.NoError(t, err)

	webhook := &models.Webhook{
		RepositoryID:    repo.ID,
		UserID:          repo.UserID,
		GitHubRepoID:    repo.GitHubRepoID,
		GitHubWebhookID: 1,
		Secret:          encrypted,
		Active:          true,
		Status:          models.WebhookStatusConfigured,
	}
	require.NoError(t, e.db.Create(webhook).Error)
	return webhook
}
