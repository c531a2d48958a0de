package models

import (
	"time"

	"gorm.io/gorm"
)

// Student is a tenant-scoped record. Only the count matters to the billing
// core (plan resource limits); roster CRUD lives in its own section.
type Student struct {
	gorm.Model
	FirstName  string     `gorm:"size:100;not null" json:"firstName"`
	LastName   string     `gorm:"size:100" json:"lastName"`
	Guardian   string     `gorm:"size:255" json:"guardian"`
	EnrolledAt *time.Time `json:"enrolledAt,omitempty"`
	Active     bool       `gorm:"default:true" json:"active"`
}

// TableName returns the table name (no prefix for tenant-scoped)
func (Student) TableName() string {
	return "students"
}

// IsSharedModel indicates this is a tenant-specific model
func (Student) IsSharedModel() bool {
	return false
}

// Teacher is a tenant-scoped record counted against plan limits.
type Teacher struct {
	gorm.Model
	FirstName string `gorm:"size:100;not null" json:"firstName"`
	LastName  string `gorm:"size:100" json:"lastName"`
	Email     string `gorm:"size:255" json:"email"`
	Active    bool   `gorm:"default:true" json:"active"`
}

// TableName returns the table name (no prefix for tenant-scoped)
func (Teacher) TableName() string {
	return "teachers"
}

// IsSharedModel indicates this is a tenant-specific model
func (Teacher) IsSharedModel() bool {
	return false
}
