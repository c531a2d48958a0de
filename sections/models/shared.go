package models

import (
	"time"

	"madrasa-backend/common"

	multitenancy "github.com/bartventer/gorm-multitenancy/v8"
	"gorm.io/gorm"
)

// SubscriptionStatus is the lifecycle state of a mosque's subscription.
type SubscriptionStatus string

const (
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionFree     SubscriptionStatus = "free"
)

// Mosque represents a customer organization (public/shared model). The schema
// name doubles as the subdomain used for request routing.
type Mosque struct {
	multitenancy.TenantModel
	gorm.Model
	Name         string `gorm:"size:255;not null" json:"name"`
	ContactEmail string `gorm:"size:255;index" json:"contactEmail"`

	SubscriptionStatus SubscriptionStatus `gorm:"size:50;default:'trialing'" json:"subscriptionStatus"`
	PlanType           common.PlanType    `gorm:"size:50;default:'trial'" json:"planType"`
	TrialStartedAt     *time.Time         `json:"trialStartedAt,omitempty"`
	TrialEndsAt        *time.Time         `json:"trialEndsAt,omitempty"`

	// Resource limits derived from the plan. Nil means unlimited.
	MaxStudents *int `json:"maxStudents,omitempty"`
	MaxTeachers *int `json:"maxTeachers,omitempty"`

	StripeCustomerID     *string `gorm:"size:255;index" json:"-"`
	StripeSubscriptionID *string `gorm:"size:255;index" json:"-"`
}

// TableName returns the table name with public schema prefix
func (Mosque) TableName() string {
	return "public.mosques"
}

// IsSharedModel indicates this is a shared/public model
func (Mosque) IsSharedModel() bool {
	return true
}

// User represents a user in the system (public/shared model)
type User struct {
	gorm.Model
	Email         string     `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash  string     `gorm:"size:255" json:"-"`
	FirstName     string     `gorm:"size:100" json:"firstName"`
	LastName      string     `gorm:"size:100" json:"lastName"`
	EmailVerified bool       `gorm:"default:false" json:"emailVerified"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	Active        bool       `gorm:"default:true" json:"active"`
}

// TableName returns the table name with public schema prefix
func (User) TableName() string {
	return "public.users"
}

// IsSharedModel indicates this is a shared/public model
func (User) IsSharedModel() bool {
	return true
}

// UserMosque links users to mosques (public/shared model)
type UserMosque struct {
	gorm.Model
	UserID       uint   `gorm:"not null;index" json:"userId"`
	MosqueSchema string `gorm:"size:63;not null;index" json:"mosqueSchema"`
	Role         string `gorm:"size:50;default:'member'" json:"role"` // admin, teacher, member
	User         User   `gorm:"foreignKey:UserID" json:"-"`
	Mosque       Mosque `gorm:"foreignKey:MosqueSchema;references:SchemaName" json:"-"`
}

// TableName returns the table name with public schema prefix
func (UserMosque) TableName() string {
	return "public.user_mosques"
}

// IsSharedModel indicates this is a shared/public model
func (UserMosque) IsSharedModel() bool {
	return true
}
