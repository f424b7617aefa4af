package http

import (
	"net/http"
	"strings"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Role     string `json:"role" binding:"required,oneof=broadcaster viewer"`
	Premium  bool   `json:"premium"`
}

// IssueToken mints an access token for a named identity.
// TODO: back this with real credential verification once an account
// store exists; today any caller can claim any role.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	userID := domain.UserID(uuid.New().String())

	token, err := h.authService.GenerateToken(userID, req.Username, services.Role(req.Role), req.Premium)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":      userID,
		"username":     req.Username,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
