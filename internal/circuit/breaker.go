package circuit

import (
	"fmt"
	"strconv"
	"time"

	"tryon-backend/internal/alert"
	"tryon-backend/internal/logger"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"

	stateKey       = "replicate_circuit_state"
	failuresKey    = "replicate_failure_count"
	lastFailureKey = "replicate_last_failure"
)

type SettingsStore interface {
	GetSettings(keys ...string) (map[string]string, error)
	UpsertSetting(key, value string) error
}

type AlertSink interface {
	Emit(alertType, message, severity string)
}

type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Breaker gates provider submissions behind a shared failure counter. State
// lives in the settings table so every dispatcher instance observes the same
// circuit. Concurrent trial requests during half-open are not serialized;
// the next recorded success or failure settles the state.
type Breaker struct {
	store     SettingsStore
	alerts    AlertSink
	threshold int
	recovery  time.Duration
	log       *logger.Logger
}

func New(settings SettingsStore, alerts AlertSink, threshold int, recovery time.Duration, log *logger.Logger) *Breaker {
	return &Breaker{
		store:     settings,
		alerts:    alerts,
		threshold: threshold,
		recovery:  recovery,
		log:       log,
	}
}

// CheckAllowed decides whether a new submission may be dispatched. An open
// circuit whose recovery window has elapsed moves to half-open and lets the
// request through as a trial.
func (b *Breaker) CheckAllowed() Decision {
	state, _, lastFailure := b.snapshot()

	if state != StateOpen {
		return Decision{Allowed: true}
	}

	sinceFailure := time.Since(lastFailure)
	if sinceFailure >= b.recovery {
		b.setState(StateHalfOpen)
		return Decision{Allowed: true}
	}

	wait := b.recovery - sinceFailure
	waitSeconds := int(wait/time.Second) + 1
	return Decision{
		Allowed:    false,
		Reason:     fmt.Sprintf("service temporarily unavailable, retry in %d seconds", waitSeconds),
		RetryAfter: wait,
	}
}

// RecordFailure counts one provider failure, synchronous or delivered via
// webhook. Crossing the threshold opens the circuit and raises a critical
// alert.
func (b *Breaker) RecordFailure(detail string) {
	state, failures, _ := b.snapshot()
	newFailures := failures + 1

	b.upsert(failuresKey, strconv.Itoa(newFailures))
	b.upsert(lastFailureKey, time.Now().UTC().Format(time.RFC3339))

	b.log.Warn("provider failure recorded", "failures", newFailures, "detail", detail)

	if newFailures >= b.threshold && state != StateOpen {
		b.setState(StateOpen)
		b.alerts.Emit(alert.TypeAPIError,
			fmt.Sprintf("circuit breaker opened after %d consecutive failures", newFailures),
			alert.SeverityCritical)
	}
}

// RecordSuccess closes the circuit and zeroes the failure counter. Called
// from the webhook path on a successful terminal result, since success is
// only known asynchronously.
func (b *Breaker) RecordSuccess() {
	state, _, _ := b.snapshot()
	if state == StateClosed {
		return
	}

	b.log.Info("circuit closing after success", "previous_state", state)
	b.setState(StateClosed)
	b.upsert(failuresKey, "0")
}

func (b *Breaker) snapshot() (state string, failures int, lastFailure time.Time) {
	state = StateClosed

	values, err := b.store.GetSettings(stateKey, failuresKey, lastFailureKey)
	if err != nil {
		// Fail open: an unreadable circuit must not block dispatch.
		b.log.Warn("failed to read circuit state", "error", err.Error())
		return state, 0, time.Time{}
	}

	if v, ok := values[stateKey]; ok {
		state = v
	}
	if v, ok := values[failuresKey]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			failures = n
		}
	}
	if v, ok := values[lastFailureKey]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			lastFailure = t
		}
	}
	return state, failures, lastFailure
}

func (b *Breaker) setState(state string) {
	b.upsert(stateKey, state)
}

func (b *Breaker) upsert(key, value string) {
	if err := b.store.UpsertSetting(key, value); err != nil {
		b.log.Warn("failed to persist circuit state", "key", key, "error", err.Error())
	}
}
