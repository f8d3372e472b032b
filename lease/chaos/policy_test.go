package chaos_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasekit/lease/chaos"
)

func TestDeterministicPolicy_FailFirstN(t *testing.T) {
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	policy := chaos.NewDeterministicFailFirstN("fail-first-3", 3, strategy)

	results := make([]bool, 0, 5)
	for i := 0; i < 5; i++ {
		inject, _ := policy.Decide(&chaos.FaultContext{})
		results = append(results, inject)
	}

	assert.Equal(t, []bool{true, true, true, false, false}, results)
}

func TestDeterministicPolicy_Reset(t *testing.T) {
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	policy := chaos.NewDeterministicFailFirstN("fail-first-1", 1, strategy)

	inject, _ := policy.Decide(&chaos.FaultContext{})
	assert.True(t, inject)
	inject, _ = policy.Decide(&chaos.FaultContext{})
	assert.False(t, inject)

	policy.Reset()
	inject, _ = policy.Decide(&chaos.FaultContext{})
	assert.True(t, inject)
}

func TestThresholdPolicy_FirstN(t *testing.T) {
	strategy := chaos.NewDelayStrategy("delay", 0, 0)
	policy := chaos.NewThresholdFirstN("first-3", 3, strategy)

	hits := 0
	for i := 0; i < 5; i++ {
		inject, _ := policy.Decide(&chaos.FaultContext{})
		if inject {
			hits++
		}
	}
	assert.Equal(t, 3, hits)
}

func TestProbabilisticPolicy_ZeroProbabilityNeverInjects(t *testing.T) {
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	seed := int64(42)
	policy := chaos.NewProbabilisticPolicy("never", 0, &seed, strategy)

	for i := 0; i < 20; i++ {
		inject, _ := policy.Decide(&chaos.FaultContext{})
		assert.False(t, inject)
	}
}

func TestProbabilisticPolicy_OneAlwaysInjects(t *testing.T) {
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	seed := int64(7)
	policy := chaos.NewProbabilisticPolicy("always", 1, &seed, strategy)

	for i := 0; i < 20; i++ {
		inject, s := policy.Decide(&chaos.FaultContext{})
		assert.True(t, inject)
		assert.NotNil(t, s)
	}
}

func TestThresholdPolicy_EmptyAllowedDaysRejected(t *testing.T) {
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	policy := chaos.NewThresholdOnDays("no-days", []time.Weekday{}, strategy)

	cfg := chaos.Config{Enabled: true, DefaultPolicy: policy}
	errs, _ := cfg.Validate()
	require.Error(t, errs)
}

func TestThresholdPolicy_AllowedDaysRestrictsInjection(t *testing.T) {
	strategy := chaos.NewExceptionStrategy("boom", "injected", "synthetic failure")
	today := time.Now().Weekday()
	tomorrow := (today + 1) % 7

	allowed := chaos.NewThresholdOnDays("today-only", []time.Weekday{today}, strategy)
	inject, _ := allowed.Decide(&chaos.FaultContext{})
	assert.True(t, inject)

	disallowed := chaos.NewThresholdOnDays("tomorrow-only", []time.Weekday{tomorrow}, strategy)
	inject, _ = disallowed.Decide(&chaos.FaultContext{})
	assert.False(t, inject)
}

func TestConfig_Validate_ReportsDuplicateStrategyNames(t *testing.T) {
	dup1 := chaos.NewExceptionStrategy("dup", "k1", "m1")
	dup2 := chaos.NewExceptionStrategy("dup", "k2", "m2")
	seed := int64(1)
	policy := chaos.NewProbabilisticPolicy("p", 0.5, &seed, dup1, dup2)

	cfg := chaos.Config{Enabled: true, DefaultPolicy: policy}
	errs, _ := cfg.Validate()
	require.Error(t, errs)
}

func TestConfig_Validate_WarnsWhenDisabled(t *testing.T) {
	cfg := chaos.Config{Enabled: false}
	_, warnings := cfg.Validate()
	assert.Contains(t, warnings, "chaos is globally disabled")
}
