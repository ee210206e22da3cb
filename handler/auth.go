package handler

import (
	"net/http"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/middleware"
	"github.com/docflow/custody/model"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type AuthHandler struct {
	config *config.Config
	dir    service.Directory
}

func NewAuthHandler(cfg *config.Config, dir service.Directory) *AuthHandler {
	return &AuthHandler{config: cfg, dir: dir}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token      string `json:"token"`
	ExpiresAt  string `json:"expires_at"`
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Department string `json:"department"`
	Role       string `json:"role,omitempty"`
}

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user := h.config.FindUser(req.Username)
	if user == nil || !user.Active {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	actor := model.Actor{
		UserID:     user.ID,
		Username:   user.Username,
		Department: user.Department,
		Role:       user.Role,
	}
	token, expiresAt, err := middleware.GenerateToken(actor, &h.config.Auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:      token,
		ExpiresAt:  expiresAt.Format("2006-01-02T15:04:05Z07:00"),
		UserID:     user.ID,
		Username:   user.Username,
		Department: user.Department,
		Role:       user.Role,
	})
}

// GetCurrentUser returns the current user info
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	actor := middleware.GetActor(c)
	user, err := h.dir.User(c.Request.Context(), actor.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Departments lists the departments documents can be routed between
func (h *AuthHandler) Departments(c *gin.Context) {
	deps, err := h.dir.Departments(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"departments": deps})
}
