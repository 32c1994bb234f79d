package circuit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tryon-backend/internal/circuit"
	"tryon-backend/internal/logger"
)

type fakeSettings struct {
	values map[string]string
	getErr error
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: map[string]string{}}
}

func (f *fakeSettings) GetSettings(keys ...string) (map[string]string, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := map[string]string{}
	for _, key := range keys {
		if v, ok := f.values[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (f *fakeSettings) UpsertSetting(key, value string) error {
	f.values[key] = value
	return nil
}

type fakeAlerts struct {
	severities []string
}

func (f *fakeAlerts) Emit(alertType, message, severity string) {
	f.severities = append(f.severities, severity)
}

func newBreaker(settings *fakeSettings, alerts *fakeAlerts, recovery time.Duration) *circuit.Breaker {
	return circuit.New(settings, alerts, 5, recovery, logger.NewNop())
}

func TestCheckAllowed_ClosedByDefault(t *testing.T) {
	breaker := newBreaker(newFakeSettings(), &fakeAlerts{}, 2*time.Minute)

	decision := breaker.CheckAllowed()

	assert.True(t, decision.Allowed)
}

func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	settings := newFakeSettings()
	alerts := &fakeAlerts{}
	breaker := newBreaker(settings, alerts, 2*time.Minute)

	for i := 0; i < 4; i++ {
		breaker.RecordFailure("timeout")
	}
	assert.NotEqual(t, circuit.StateOpen, settings.values["replicate_circuit_state"])

	breaker.RecordFailure("timeout")

	assert.Equal(t, circuit.StateOpen, settings.values["replicate_circuit_state"])
	assert.Equal(t, "5", settings.values["replicate_failure_count"])
	assert.Contains(t, alerts.severities, "critical")
}

func TestCheckAllowed_OpenBlocksWithRetryAfter(t *testing.T) {
	settings := newFakeSettings()
	settings.values["replicate_circuit_state"] = circuit.StateOpen
	settings.values["replicate_last_failure"] = time.Now().UTC().Format(time.RFC3339)
	breaker := newBreaker(settings, &fakeAlerts{}, 2*time.Minute)

	decision := breaker.CheckAllowed()

	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "retry in")
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestCheckAllowed_RecoveryElapsedGoesHalfOpen(t *testing.T) {
	settings := newFakeSettings()
	settings.values["replicate_circuit_state"] = circuit.StateOpen
	settings.values["replicate_last_failure"] = time.Now().Add(-3 * time.Minute).UTC().Format(time.RFC3339)
	breaker := newBreaker(settings, &fakeAlerts{}, 2*time.Minute)

	decision := breaker.CheckAllowed()

	assert.True(t, decision.Allowed)
	assert.Equal(t, circuit.StateHalfOpen, settings.values["replicate_circuit_state"])
}

func TestRecordSuccess_ClosesAndResetsFailures(t *testing.T) {
	settings := newFakeSettings()
	settings.values["replicate_circuit_state"] = circuit.StateHalfOpen
	settings.values["replicate_failure_count"] = "5"
	breaker := newBreaker(settings, &fakeAlerts{}, 2*time.Minute)

	breaker.RecordSuccess()

	assert.Equal(t, circuit.StateClosed, settings.values["replicate_circuit_state"])
	assert.Equal(t, "0", settings.values["replicate_failure_count"])
}

func TestCheckAllowed_StoreErrorFailsOpen(t *testing.T) {
	settings := newFakeSettings()
	settings.getErr = errors.New("connection refused")
	breaker := newBreaker(settings, &fakeAlerts{}, 2*time.Minute)

	decision := breaker.CheckAllowed()

	assert.True(t, decision.Allowed)
}
