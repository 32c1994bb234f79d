package ratelimit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
	"tryon-backend/internal/ratelimit"
	"tryon-backend/internal/store"
)

type fakeCounterStore struct {
	counter   *models.RateCounter
	getErr    error
	created   bool
	reset     bool
	increment int
}

func (f *fakeCounterStore) GetRateCounter(userID, action string) (*models.RateCounter, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.counter == nil {
		return nil, store.ErrNotFound
	}
	return f.counter, nil
}

func (f *fakeCounterStore) CreateRateCounter(userID, action string, windowStart time.Time) error {
	f.created = true
	return nil
}

func (f *fakeCounterStore) ResetRateCounter(userID, action string, windowStart time.Time) error {
	f.reset = true
	return nil
}

func (f *fakeCounterStore) IncrementRateCounter(userID, action string) error {
	f.increment++
	return nil
}

type fakeAlertSink struct {
	types []string
}

func (f *fakeAlertSink) Emit(alertType, message, severity string) {
	f.types = append(f.types, alertType)
}

func newLimiter(counters *fakeCounterStore, alerts *fakeAlertSink) *ratelimit.Limiter {
	return ratelimit.New(counters, alerts, 25, time.Hour, logger.NewNop())
}

func TestCheck_AnonymousAlwaysAllowed(t *testing.T) {
	counters := &fakeCounterStore{getErr: errors.New("should not be called")}
	limiter := newLimiter(counters, &fakeAlertSink{})

	result := limiter.Check("")

	assert.True(t, result.Allowed)
	assert.Equal(t, 25, result.Remaining)
	assert.False(t, counters.created)
}

func TestCheck_FirstRequestOpensWindow(t *testing.T) {
	counters := &fakeCounterStore{}
	limiter := newLimiter(counters, &fakeAlertSink{})

	result := limiter.Check("user-1")

	assert.True(t, result.Allowed)
	assert.Equal(t, 24, result.Remaining)
	assert.True(t, counters.created)
	assert.NotNil(t, result.ResetAt)
}

func TestCheck_UnderLimitIncrements(t *testing.T) {
	counters := &fakeCounterStore{counter: &models.RateCounter{
		Count:       10,
		WindowStart: time.Now().Add(-10 * time.Minute),
	}}
	limiter := newLimiter(counters, &fakeAlertSink{})

	result := limiter.Check("user-1")

	assert.True(t, result.Allowed)
	assert.Equal(t, 14, result.Remaining)
	assert.Equal(t, 1, counters.increment)
}

func TestCheck_AtLimitRejected(t *testing.T) {
	windowStart := time.Now().Add(-10 * time.Minute)
	counters := &fakeCounterStore{counter: &models.RateCounter{
		Count:       25,
		WindowStart: windowStart,
	}}
	alerts := &fakeAlertSink{}
	limiter := newLimiter(counters, alerts)

	result := limiter.Check("user-1")

	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 0, counters.increment)
	if assert.NotNil(t, result.ResetAt) {
		assert.WithinDuration(t, windowStart.Add(time.Hour), *result.ResetAt, time.Second)
		assert.True(t, result.ResetAt.After(time.Now()))
	}
	assert.Contains(t, alerts.types, "high_usage")
}

func TestCheck_ExpiredWindowResets(t *testing.T) {
	counters := &fakeCounterStore{counter: &models.RateCounter{
		Count:       25,
		WindowStart: time.Now().Add(-2 * time.Hour),
	}}
	limiter := newLimiter(counters, &fakeAlertSink{})

	result := limiter.Check("user-1")

	assert.True(t, result.Allowed)
	assert.Equal(t, 24, result.Remaining)
	assert.True(t, counters.reset)
}

func TestCheck_StoreErrorFailsOpen(t *testing.T) {
	counters := &fakeCounterStore{getErr: errors.New("connection refused")}
	limiter := newLimiter(counters, &fakeAlertSink{})

	result := limiter.Check("user-1")

	assert.True(t, result.Allowed)
	assert.Equal(t, 25, result.Remaining)
}
