package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"madrasa-backend/sections"
	"madrasa-backend/sections/billing"
	"madrasa-backend/sections/common/auth"
	"madrasa-backend/sections/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
)

// Handler handles user-related requests
type Handler struct {
	logger       *slog.Logger
	deps         *sections.Dependencies
	jwtManager   *auth.JWTManager
	userSvc      *UserService
	registration *billing.RegistrationLinker
}

// NewHandler creates a new users handler
func NewHandler(deps *sections.Dependencies, jwtManager *auth.JWTManager, registration *billing.RegistrationLinker) *Handler {
	return &Handler{
		logger:       slog.With("handler", "UsersHandler"),
		deps:         deps,
		jwtManager:   jwtManager,
		userSvc:      NewUserService(deps),
		registration: registration,
	}
}

// RegisterRequest represents a mosque registration request. The tracking and
// session ids are optional correlation hints carried over from a checkout
// redirect that happened before registration.
type RegisterRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=8"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	MosqueName string `json:"mosqueName" binding:"required"`

	TrackingID string `json:"trackingId"`
	SessionID  string `json:"sessionId"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Token   string               `json:"token"`
	User    UserResponse         `json:"user"`
	Mosque  *MosqueResponse      `json:"mosque,omitempty"`
	Payment *billing.LinkOutcome `json:"payment,omitempty"`
}

// UserResponse represents a user in API responses
type UserResponse struct {
	ID            uint       `json:"id"`
	Email         string     `json:"email"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	EmailVerified bool       `json:"emailVerified"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
}

// MosqueResponse represents a mosque in API responses
type MosqueResponse struct {
	ID                 uint   `json:"id"`
	Name               string `json:"name"`
	Schema             string `json:"schema"`
	SubscriptionStatus string `json:"subscriptionStatus"`
	PlanType           string `json:"planType"`
}

// Register creates a user and their mosque, then attempts to link any payment
// made before registration.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var existingUser models.User
	if err := h.deps.DB.DB.Where("email = ?", email).First(&existingUser).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "user with this email already exists"})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("Failed to hash password", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	user, mosque, err := h.userSvc.CreateUserWithMosque(c.Request.Context(), CreateUserWithMosqueParams{
		User: models.User{
			Email:        email,
			PasswordHash: string(hashedPassword),
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			Active:       true,
		},
		MosqueName: req.MosqueName,
	})
	if err != nil {
		h.logger.Error("Failed to create user with mosque", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	// Correlate any payment made before this registration. A miss enqueues a
	// deferred retry; either way the mosque is usable immediately on trial.
	outcome, linkErr := h.registration.LinkAtRegistration(c.Request.Context(), billing.RegistrationLink{
		MosqueID:   mosque.ID,
		AdminEmail: email,
		TrackingID: req.TrackingID,
		SessionID:  req.SessionID,
	})
	if linkErr != nil {
		h.logger.Error("Payment link at registration failed", "mosque_id", mosque.ID, "error", linkErr)
		outcome = &billing.LinkOutcome{Reason: "link_failed"}
	}

	token, err := h.jwtManager.GenerateToken(user.ID, user.Email, mosque.SchemaName)
	if err != nil {
		h.logger.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	h.logger.Info("Mosque registered", "userId", user.ID, "mosque", mosque.SchemaName, "payment_linked", outcome.Linked)

	c.JSON(http.StatusCreated, AuthResponse{
		Token:   token,
		User:    h.toUserResponse(user),
		Mosque:  h.toMosqueResponse(mosque),
		Payment: outcome,
	})
}

// Login handles user login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user models.User
	if err := h.deps.DB.DB.Where("email = ?", strings.ToLower(req.Email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		h.logger.Error("Failed to find user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	if !user.Active {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "account is disabled"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now()
	h.deps.DB.DB.Model(&user).Update("last_login_at", now)
	user.LastLoginAt = &now

	mosqueSchema, err := h.userSvc.GetPrimaryMosqueSchema(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("Failed to resolve user mosque", "userId", user.ID, "error", err)
	}

	token, err := h.jwtManager.GenerateToken(user.ID, user.Email, mosqueSchema)
	if err != nil {
		h.logger.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	h.logger.Info("User logged in", "userId", user.ID, "email", user.Email)

	c.JSON(http.StatusOK, AuthResponse{
		Token: token,
		User:  h.toUserResponse(&user),
	})
}

// Me returns the authenticated user's profile
func (h *Handler) Me(c *gin.Context) {
	claims, ok := auth.GetClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var user models.User
	if err := h.deps.DB.DB.First(&user, claims.UserID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, h.toUserResponse(&user))
}

func (h *Handler) toUserResponse(user *models.User) UserResponse {
	return UserResponse{
		ID:            user.ID,
		Email:         user.Email,
		FirstName:     user.FirstName,
		LastName:      user.LastName,
		EmailVerified: user.EmailVerified,
		LastLoginAt:   user.LastLoginAt,
	}
}

func (h *Handler) toMosqueResponse(mosque *models.Mosque) *MosqueResponse {
	return &MosqueResponse{
		ID:                 mosque.ID,
		Name:               mosque.Name,
		Schema:             mosque.SchemaName,
		SubscriptionStatus: string(mosque.SubscriptionStatus),
		PlanType:           string(mosque.PlanType),
	}
}

// RegisterRoutes registers auth-related routes
func RegisterRoutes(r *gin.Engine, deps *sections.Dependencies, jwtManager *auth.JWTManager, registration *billing.RegistrationLinker) {
	h := NewHandler(deps, jwtManager, registration)

	grp := r.Group("/api/v1/auth")
	grp.POST("/register", h.Register)
	grp.POST("/login", h.Login)
	grp.GET("/me", auth.JWTAuthMiddleware(jwtManager), h.Me)
}
