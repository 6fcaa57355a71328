package outcome_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-cfagent/cfagentd/internal/outcome"
)

func TestReduce(t *testing.T) {
	assert.Equal(t, outcome.RollupKept, outcome.KEPT.Reduce())
	assert.Equal(t, outcome.RollupKept, outcome.NOOP.Reduce())
	assert.Equal(t, outcome.RollupRepaired, outcome.REPAIRED.Reduce())
	assert.Equal(t, outcome.RollupRepaired, outcome.CHANGE.Reduce())
	assert.Equal(t, outcome.RollupNotRepaired, outcome.NOT_KEPT_FAIL.Reduce())
	assert.Equal(t, outcome.RollupNotRepaired, outcome.FAIL.Reduce())
}

func TestSummary_Percentages(t *testing.T) {
	var s outcome.Summary
	s.Tally(outcome.KEPT)
	s.Tally(outcome.REPAIRED)
	s.Tally(outcome.NOT_KEPT_FAIL)
	s.Tally(outcome.NOT_KEPT_FAIL)

	kept, repaired, notRepaired := s.Percentages()
	assert.InDelta(t, 25.0, kept, 0.001)
	assert.InDelta(t, 25.0, repaired, 0.001)
	assert.InDelta(t, 50.0, notRepaired, 0.001)
}

func TestSummary_EmptyDoesNotDivideByZero(t *testing.T) {
	var s outcome.Summary
	kept, repaired, notRepaired := s.Percentages()
	assert.Zero(t, kept)
	assert.Zero(t, repaired)
	assert.Zero(t, notRepaired)
}

func TestClassSuffix(t *testing.T) {
	assert.Equal(t, "change", outcome.REPAIRED.ClassSuffix())
	assert.Equal(t, "failure", outcome.NOT_KEPT_FAIL.ClassSuffix())
	assert.Equal(t, "kept", outcome.KEPT.ClassSuffix())
}
