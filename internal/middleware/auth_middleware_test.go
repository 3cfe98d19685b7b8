package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/jwt"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubUsers map[uint]*models.User

func (s stubUsers) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	user, ok := s[userID]
	if !ok {
		return nil, apperrors.NotFound("stubUsers.GetUser", "user %d", userID)
	}
	return user, nil
}

func newTestEngine(m *AuthMiddleware, admin bool) *gin.Engine {
	engine := gin.New()
	handlers := []gin.HandlerFunc{m.RequireLogin()}
	if admin {
		handlers = append(handlers, m.RequireAdmin())
	}
	handlers = append(handlers, func(c *gin.Context) {
		response.Success(c, gin.H{"user_id": UserID(c), "is_admin": IsAdmin(c)})
	})
	engine.GET("/probe", handlers...)
	return engine
}

func call(t *testing.T, engine *gin.Engine, authorization string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return int(body["code"].(float64)), body
}

func TestRequireLogin_Rejects(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "1h")
	foreign, err := jwt.NewJWTManager("other-secret", "1h").GenerateToken(1, "alice", "alice@example.com", false)
	require.NoError(t, err)

	tests := []struct {
		name          string
		authorization string
	}{
		{name: "missing header", authorization: ""},
		{name: "not bearer", authorization: "Basic YWxpY2U6c2VjcmV0"},
		{name: "garbage token", authorization: "Bearer not-a-jwt"},
		{name: "foreign signature", authorization: "Bearer " + foreign},
	}

	engine := newTestEngine(NewAuthMiddleware(manager, nil), false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := call(t, engine, tt.authorization)
			assert.Equal(t, apperrors.CodeUnauthorized, code)
			assert.Nil(t, body["data"])
		})
	}
}

func TestRequireLogin_SetsContext(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "1h")
	token, err := manager.GenerateToken(7, "alice", "alice@example.com", false)
	require.NoError(t, err)

	code, body := call(t, newTestEngine(NewAuthMiddleware(manager, nil), false), "Bearer "+token)
	require.Equal(t, apperrors.CodeSuccess, code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(7), data["user_id"])
	assert.Equal(t, false, data["is_admin"])
}

func TestRequireLogin_RoleComesFromStore(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "1h")
	// token minted while the user was still an admin
	token, err := manager.GenerateToken(7, "alice", "alice@example.com", true)
	require.NoError(t, err)

	users := stubUsers{7: {Username: "alice", Role: models.UserRoleUser}}
	engine := newTestEngine(NewAuthMiddleware(manager, users), true)

	code, _ := call(t, engine, "Bearer "+token)
	assert.Equal(t, apperrors.CodeForbidden, code)

	users[7].Role = models.UserRoleAdmin
	code, _ = call(t, engine, "Bearer "+token)
	assert.Equal(t, apperrors.CodeSuccess, code)
}

func TestRequireLogin_DeletedUser(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "1h")
	token, err := manager.GenerateToken(9, "ghost", "ghost@example.com", false)
	require.NoError(t, err)

	code, _ := call(t, newTestEngine(NewAuthMiddleware(manager, stubUsers{}), false), "Bearer "+token)
	assert.Equal(t, apperrors.CodeUnauthorized, code)
}

func TestRequireAdmin(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "1h")
	engine := newTestEngine(NewAuthMiddleware(manager, nil), true)

	userToken, err := manager.GenerateToken(1, "alice", "alice@example.com", false)
	require.NoError(t, err)
	adminToken, err := manager.GenerateToken(2, "root", "root@example.com", true)
	require.NoError(t, err)

	code, _ := call(t, engine, "Bearer "+userToken)
	assert.Equal(t, apperrors.CodeForbidden, code)

	code, body := call(t, engine, "Bearer "+adminToken)
	require.Equal(t, apperrors.CodeSuccess, code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["is_admin"])
}

func TestErrorHandler_RecoversPanics(t *testing.T) {
	engine := gin.New()
	engine.Use(ErrorHandler())
	engine.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(apperrors.CodeServerError), body["code"])
	assert.NotContains(t, rec.Body.String(), "kaboom")
}
