package handlers

import (
	"errors"
	"strings"

	"ciflow/internal/middleware"
	"ciflow/internal/services"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// AuthHandler sign-up, login and token refresh
type AuthHandler struct {
	authService *services.AuthService
}

// NewAuthHandler creates the handler
func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Register creates an account
func (h *AuthHandler) Register(c *gin.Context) {
	var req services.RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}

	response.SuccessWithMessage(c, "account created", user)
}

// Login issues a token
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		fail(c, err)
		return
	}

	response.Success(c, result)
}

// RefreshToken swaps a valid token for a fresh one
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		response.Unauthorized(c, "malformed authorization header")
		return
	}

	token, err := h.authService.Refresh(authHeader[7:])
	if err != nil {
		response.Unauthorized(c, "token invalid or expired")
		return
	}

	response.Success(c, gin.H{"token": token})
}

// Me the authenticated account
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.authService.GetUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, user)
}
