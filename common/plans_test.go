package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimitsForPlan(t *testing.T) {
	for _, plan := range []PlanType{PlanTrial, PlanBasic} {
		limits := LimitsForPlan(plan)
		require.NotNil(t, limits.MaxStudents, "plan %s", plan)
		require.Equal(t, 10, *limits.MaxStudents)
		require.Equal(t, 2, *limits.MaxTeachers)
		require.False(t, limits.Unlimited())
	}

	for _, plan := range []PlanType{PlanProfessional, PlanPremium} {
		limits := LimitsForPlan(plan)
		require.Nil(t, limits.MaxStudents, "plan %s", plan)
		require.Nil(t, limits.MaxTeachers, "plan %s", plan)
		require.True(t, limits.Unlimited())
	}
}

func TestParsePlanType(t *testing.T) {
	plan, err := ParsePlanType("basic")
	require.NoError(t, err)
	require.Equal(t, PlanBasic, plan)

	_, err = ParsePlanType("platinum")
	require.Error(t, err)

	_, err = ParsePlanType("")
	require.Error(t, err)
}

func TestGetPlan(t *testing.T) {
	plans := []Plan{
		{ID: PlanBasic, Name: "Basic", PriceId: "price_1"},
		{ID: PlanPremium, Name: "Premium", PriceId: "price_2"},
	}

	got := GetPlan(plans, PlanPremium)
	require.NotNil(t, got)
	require.Equal(t, "price_2", got.PriceId)

	require.Nil(t, GetPlan(plans, PlanProfessional))
}
