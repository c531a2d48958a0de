package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections"
	"madrasa-backend/sections/models"

	"gorm.io/gorm"
)

// UserService handles user and mosque creation logic
type UserService struct {
	logger *slog.Logger
	deps   *sections.Dependencies
}

// NewUserService creates a new user service
func NewUserService(deps *sections.Dependencies) *UserService {
	return &UserService{
		logger: slog.With("service", "UserService"),
		deps:   deps,
	}
}

// CreateUserWithMosqueParams holds parameters for creating a user with their mosque
type CreateUserWithMosqueParams struct {
	User       models.User
	MosqueName string
}

// CreateUserWithMosque creates a user and their mosque in one transaction. The
// mosque starts on trial with trial limits; payment linking happens afterwards
// and upgrades the row in place.
func (s *UserService) CreateUserWithMosque(ctx context.Context, params CreateUserWithMosqueParams) (*models.User, *models.Mosque, error) {
	if params.MosqueName == "" {
		return nil, nil, errors.New("mosque name is required")
	}

	schema, err := s.generateMosqueSchema(params.MosqueName)
	if err != nil {
		return nil, nil, err
	}

	tx := s.deps.DB.DB.Begin()
	if tx.Error != nil {
		return nil, nil, fmt.Errorf("failed to start transaction: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(&params.User).Error; err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("User created", "user_id", params.User.ID, "email", params.User.Email)

	now := time.Now()
	trialEnds := now.AddDate(0, 0, s.deps.Config.TrialDays)
	limits := common.LimitsForPlan(common.PlanTrial)

	mosque := models.Mosque{
		Name:               params.MosqueName,
		ContactEmail:       strings.ToLower(params.User.Email),
		SubscriptionStatus: models.SubscriptionTrialing,
		PlanType:           common.PlanTrial,
		TrialStartedAt:     &now,
		TrialEndsAt:        &trialEnds,
		MaxStudents:        limits.MaxStudents,
		MaxTeachers:        limits.MaxTeachers,
	}
	mosque.SchemaName = schema
	mosque.DomainURL = schema

	if err := tx.Create(&mosque).Error; err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("failed to create mosque: %w", err)
	}
	s.logger.Info("Mosque created", "mosque_schema", schema, "mosque_name", params.MosqueName)

	if err := s.deps.DB.CreateMosqueSchema(ctx, schema); err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("failed to migrate mosque schema: %w", err)
	}

	// The registering user founds the mosque, so they are its admin.
	userMosque := models.UserMosque{
		UserID:       params.User.ID,
		MosqueSchema: schema,
		Role:         "admin",
	}
	if err := tx.Create(&userMosque).Error; err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("failed to link user to mosque: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("User linked to mosque", "user_id", params.User.ID, "mosque_schema", schema, "role", "admin")
	return &params.User, &mosque, nil
}

// GetPrimaryMosqueSchema returns the first mosque schema for a user
func (s *UserService) GetPrimaryMosqueSchema(ctx context.Context, userID uint) (string, error) {
	var userMosque models.UserMosque
	err := s.deps.DB.DB.Where("user_id = ?", userID).Order("created_at ASC").First(&userMosque).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query user mosque: %w", err)
	}
	return userMosque.MosqueSchema, nil
}

// generateMosqueSchema derives a unique schema name from the mosque name.
func (s *UserService) generateMosqueSchema(name string) (string, error) {
	schema := common.SafeString(name)
	schema = strings.Trim(schema, "_")
	if schema == "" {
		schema = "mosque"
	}
	if schema[0] >= '0' && schema[0] <= '9' {
		schema = "m_" + schema
	}
	if len(schema) > 48 {
		schema = schema[:48]
	}

	baseSchema := schema
	counter := 1
	for {
		var mosque models.Mosque
		err := s.deps.DB.DB.Where("schema_name = ?", schema).First(&mosque).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return schema, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check schema availability: %w", err)
		}
		schema = fmt.Sprintf("%s_%d", baseSchema, counter)
		counter++
	}
}
