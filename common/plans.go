package common

import (
	"encoding/json"
	"fmt"
	"os"
)

// PlanType identifies a subscription tier.
type PlanType string

const (
	PlanTrial        PlanType = "trial"
	PlanBasic        PlanType = "basic"
	PlanProfessional PlanType = "professional"
	PlanPremium      PlanType = "premium"
)

// PlanLimits holds the resource ceilings derived from a plan. Nil means unlimited.
type PlanLimits struct {
	MaxStudents *int `json:"maxStudents"`
	MaxTeachers *int `json:"maxTeachers"`
}

// Unlimited reports whether the plan imposes no resource ceilings.
func (l PlanLimits) Unlimited() bool {
	return l.MaxStudents == nil && l.MaxTeachers == nil
}

const (
	trialMaxStudents = 10
	trialMaxTeachers = 2
)

// LimitsForPlan derives the resource limits for a plan: trial and basic tiers
// get fixed ceilings, professional and premium are unlimited.
func LimitsForPlan(plan PlanType) PlanLimits {
	switch plan {
	case PlanTrial, PlanBasic:
		students := trialMaxStudents
		teachers := trialMaxTeachers
		return PlanLimits{MaxStudents: &students, MaxTeachers: &teachers}
	default:
		return PlanLimits{}
	}
}

// ParsePlanType validates a plan identifier coming from checkout metadata.
func ParsePlanType(s string) (PlanType, error) {
	switch PlanType(s) {
	case PlanTrial, PlanBasic, PlanProfessional, PlanPremium:
		return PlanType(s), nil
	}
	return "", fmt.Errorf("unknown plan type: %q", s)
}

// Plan describes a purchasable subscription plan as configured in plans.json.
type Plan struct {
	ID         PlanType `json:"id"`
	Name       string   `json:"name"`
	PriceCents int64    `json:"priceCents"`
	Currency   string   `json:"currency"`
	Interval   string   `json:"interval"` // e.g. "month", "year"
	PriceId    string   `json:"priceId"`
	ProductId  string   `json:"productId"`
}

func GetPlan(plans []Plan, planID PlanType) *Plan {
	for _, plan := range plans {
		if plan.ID == planID {
			return &plan
		}
	}
	return nil
}

// LoadPlans reads the purchasable plan catalog from a JSON file.
func LoadPlans(path string) ([]Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plans file: %w", err)
	}
	defer f.Close()

	var plans []Plan
	if err := json.NewDecoder(f).Decode(&plans); err != nil {
		return nil, fmt.Errorf("failed to parse plans file: %w", err)
	}
	return plans, nil
}
