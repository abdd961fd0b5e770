package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
)

func TestMonthlyRowAllowancePerPlan(t *testing.T) {
	assert.EqualValues(t, 100_000, monthlyRowAllowance(db.PlanFree))
	assert.EqualValues(t, 5_000_000, monthlyRowAllowance(db.PlanPro))
	assert.EqualValues(t, 0, monthlyRowAllowance(db.PlanScale), "SCALE is uncapped")
	assert.EqualValues(t, 100_000, monthlyRowAllowance("UNKNOWN"), "unknown plans get the FREE cap")
}

func TestCrossedUsageThresholdFiresOncePerMonth(t *testing.T) {
	const allowance = 100_000 // threshold at 80_000

	// Below the line: no alert.
	assert.False(t, crossedUsageThreshold(allowance, 50_000, 10_000))

	// The job that pushes the month across the line alerts.
	assert.True(t, crossedUsageThreshold(allowance, 85_000, 10_000))

	// Landing exactly on the threshold still counts as crossing it.
	assert.True(t, crossedUsageThreshold(allowance, 80_000, 1))

	// Later jobs in the same month stay silent: the total was already over.
	assert.False(t, crossedUsageThreshold(allowance, 95_000, 5_000))

	// Uncapped plans never alert.
	assert.False(t, crossedUsageThreshold(0, 1_000_000, 1_000_000))
}

func TestResultFormatFallsBackToKeyExtension(t *testing.T) {
	withFormat := &broker.Event{Format: db.FormatCSV, Key: "exports/t/j.xlsx"}
	assert.Equal(t, db.FormatCSV, resultFormat(withFormat), "explicit format wins over the key")

	fromKey := &broker.Event{Key: "exports/t/j.xlsx"}
	assert.Equal(t, db.FormatXLSX, resultFormat(fromKey))

	assert.Equal(t, "", resultFormat(&broker.Event{Key: "no-extension"}))
}

func TestPriorityForPlanOrdersTiers(t *testing.T) {
	assert.Less(t, PriorityForPlan(db.PlanScale), PriorityForPlan(db.PlanPro))
	assert.Less(t, PriorityForPlan(db.PlanPro), PriorityForPlan(db.PlanFree))
	assert.Equal(t, PriorityForPlan(db.PlanFree), PriorityForPlan("UNKNOWN"))
}
