package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/db"
	"madrasa-backend/sections/models"

	"gorm.io/gorm"
)

// UsageCounter counts tenant-scoped resources for limit enforcement.
type UsageCounter interface {
	CountStudents(ctx context.Context, schema string) (int64, error)
	CountTeachers(ctx context.Context, schema string) (int64, error)
}

// GormUsageCounter counts resources inside the mosque's schema.
type GormUsageCounter struct {
	db *db.DB
}

func NewGormUsageCounter(database *db.DB) *GormUsageCounter {
	return &GormUsageCounter{db: database}
}

func (c *GormUsageCounter) CountStudents(ctx context.Context, schema string) (int64, error) {
	var count int64
	err := c.db.WithMosque(ctx, schema, func(tx *gorm.DB) error {
		return tx.Model(&models.Student{}).Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count students: %w", err)
	}
	return count, nil
}

func (c *GormUsageCounter) CountTeachers(ctx context.Context, schema string) (int64, error) {
	var count int64
	err := c.db.WithMosque(ctx, schema, func(tx *gorm.DB) error {
		return tx.Model(&models.Teacher{}).Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count teachers: %w", err)
	}
	return count, nil
}

// Usage is the current tenant resource consumption.
type Usage struct {
	Students int64 `json:"students"`
	Teachers int64 `json:"teachers"`
}

// TrialStatus is the subscription view returned to the frontend.
type TrialStatus struct {
	Status models.SubscriptionStatus `json:"status"`
	Plan   common.PlanType           `json:"plan"`

	TrialDaysLeft *int       `json:"trialDaysLeft,omitempty"`
	TrialEndsAt   *time.Time `json:"trialEndsAt,omitempty"`
	TrialExpired  bool       `json:"trialExpired"`

	Limits common.PlanLimits `json:"limits"`
	Usage  Usage             `json:"usage"`

	CanAddStudent bool `json:"canAddStudent"`
	CanAddTeacher bool `json:"canAddTeacher"`
}

// TrialService answers subscription and usage questions for a mosque, lazily
// initializing trial bookkeeping for mosques created before any payment.
type TrialService struct {
	mosques MosqueStore
	usage   UsageCounter
	logger  *slog.Logger

	trialDays int
}

func NewTrialService(mosques MosqueStore, usage UsageCounter, trialDays int) *TrialService {
	if trialDays <= 0 {
		trialDays = common.DEFAULT_TRIAL_DAYS
	}
	return &TrialService{
		mosques:   mosques,
		usage:     usage,
		logger:    slog.With("service", "TrialService"),
		trialDays: trialDays,
	}
}

// Status assembles the subscription state, trial countdown, and resource
// headroom for a mosque.
func (t *TrialService) Status(ctx context.Context, schema string) (*TrialStatus, error) {
	mosque, err := t.mosques.GetBySchema(ctx, schema)
	if err != nil {
		return nil, err
	}

	mosque, err = t.ensureTrial(ctx, mosque)
	if err != nil {
		return nil, err
	}

	status := &TrialStatus{
		Status:      mosque.SubscriptionStatus,
		Plan:        mosque.PlanType,
		TrialEndsAt: mosque.TrialEndsAt,
		Limits: common.PlanLimits{
			MaxStudents: mosque.MaxStudents,
			MaxTeachers: mosque.MaxTeachers,
		},
	}

	if mosque.SubscriptionStatus == models.SubscriptionTrialing && mosque.TrialEndsAt != nil {
		days := daysUntil(*mosque.TrialEndsAt, time.Now())
		status.TrialDaysLeft = &days
		status.TrialExpired = days == 0 && time.Now().After(*mosque.TrialEndsAt)
	}

	students, err := t.usage.CountStudents(ctx, mosque.SchemaName)
	if err != nil {
		return nil, err
	}
	teachers, err := t.usage.CountTeachers(ctx, mosque.SchemaName)
	if err != nil {
		return nil, err
	}
	status.Usage = Usage{Students: students, Teachers: teachers}
	status.CanAddStudent = withinLimit(status.Limits.MaxStudents, students)
	status.CanAddTeacher = withinLimit(status.Limits.MaxTeachers, teachers)

	return status, nil
}

// CanAddStudent reports whether the mosque has headroom for another student.
func (t *TrialService) CanAddStudent(ctx context.Context, schema string) (bool, error) {
	mosque, err := t.mosques.GetBySchema(ctx, schema)
	if err != nil {
		return false, err
	}
	if mosque.MaxStudents == nil {
		return true, nil
	}
	count, err := t.usage.CountStudents(ctx, mosque.SchemaName)
	if err != nil {
		return false, err
	}
	return withinLimit(mosque.MaxStudents, count), nil
}

// CanAddTeacher reports whether the mosque has headroom for another teacher.
func (t *TrialService) CanAddTeacher(ctx context.Context, schema string) (bool, error) {
	mosque, err := t.mosques.GetBySchema(ctx, schema)
	if err != nil {
		return false, err
	}
	if mosque.MaxTeachers == nil {
		return true, nil
	}
	count, err := t.usage.CountTeachers(ctx, mosque.SchemaName)
	if err != nil {
		return false, err
	}
	return withinLimit(mosque.MaxTeachers, count), nil
}

// ensureTrial backfills trial bookkeeping for a trialing mosque that never got
// trial dates, which happens for rows created before payment handling existed.
func (t *TrialService) ensureTrial(ctx context.Context, mosque *models.Mosque) (*models.Mosque, error) {
	if mosque.SubscriptionStatus != models.SubscriptionTrialing || mosque.TrialStartedAt != nil {
		return mosque, nil
	}

	now := time.Now()
	endsAt := now.AddDate(0, 0, t.trialDays)
	limits := common.LimitsForPlan(common.PlanTrial)
	if err := t.mosques.InitTrial(ctx, mosque.ID, now, endsAt, limits); err != nil {
		return nil, err
	}
	t.logger.Info("Trial initialized", "mosque_id", mosque.ID, "ends_at", endsAt)

	mosque.TrialStartedAt = &now
	mosque.TrialEndsAt = &endsAt
	mosque.MaxStudents = limits.MaxStudents
	mosque.MaxTeachers = limits.MaxTeachers
	return mosque, nil
}

// daysUntil counts whole days remaining, rounding partial days up and
// clamping at zero.
func daysUntil(deadline, now time.Time) int {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

func withinLimit(limit *int, current int64) bool {
	return limit == nil || current < int64(*limit)
}
