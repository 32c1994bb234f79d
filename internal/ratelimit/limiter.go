package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"tryon-backend/internal/alert"
	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
	"tryon-backend/internal/store"
)

// Action is the counter bucket for generation submissions.
const Action = "generation"

type CounterStore interface {
	GetRateCounter(userID, action string) (*models.RateCounter, error)
	CreateRateCounter(userID, action string, windowStart time.Time) error
	ResetRateCounter(userID, action string, windowStart time.Time) error
	IncrementRateCounter(userID, action string) error
}

type AlertSink interface {
	Emit(alertType, message, severity string)
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   *time.Time
}

// Limiter bounds generation submissions per identified user to a fixed
// window. Counters live in the database so every dispatcher instance sees
// the same window; the read-check-write sequence tolerates a concurrent
// overshoot of at most one unit.
type Limiter struct {
	store  CounterStore
	alerts AlertSink
	max    int
	window time.Duration
	log    *logger.Logger
}

func New(counterStore CounterStore, alerts AlertSink, max int, window time.Duration, log *logger.Logger) *Limiter {
	return &Limiter{
		store:  counterStore,
		alerts: alerts,
		max:    max,
		window: window,
		log:    log,
	}
}

// Check decides whether a submission by userID is allowed right now. An
// empty userID (anonymous generation) is always allowed. Store errors fail
// open: the limiter is a guard, not an authority.
func (l *Limiter) Check(userID string) Result {
	if userID == "" {
		return Result{Allowed: true, Remaining: l.max}
	}

	now := time.Now()

	counter, err := l.store.GetRateCounter(userID, Action)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.log.Warn("rate limit check failed, allowing request",
				"user_id", shortID(userID), "error", err.Error())
			return Result{Allowed: true, Remaining: l.max}
		}

		if err := l.store.CreateRateCounter(userID, Action, now); err != nil {
			l.log.Warn("failed to create rate counter",
				"user_id", shortID(userID), "error", err.Error())
		}
		resetAt := now.Add(l.window)
		return Result{Allowed: true, Remaining: l.max - 1, ResetAt: &resetAt}
	}

	if now.Sub(counter.WindowStart) >= l.window {
		if err := l.store.ResetRateCounter(userID, Action, now); err != nil {
			l.log.Warn("failed to reset rate counter",
				"user_id", shortID(userID), "error", err.Error())
		}
		resetAt := now.Add(l.window)
		return Result{Allowed: true, Remaining: l.max - 1, ResetAt: &resetAt}
	}

	resetAt := counter.WindowStart.Add(l.window)

	if counter.Count >= l.max {
		l.alerts.Emit(alert.TypeHighUsage,
			fmt.Sprintf("user %s reached the generation limit", shortID(userID)),
			alert.SeverityInfo)
		return Result{Allowed: false, Remaining: 0, ResetAt: &resetAt}
	}

	if err := l.store.IncrementRateCounter(userID, Action); err != nil {
		l.log.Warn("failed to increment rate counter",
			"user_id", shortID(userID), "error", err.Error())
	}
	return Result{Allowed: true, Remaining: l.max - counter.Count - 1, ResetAt: &resetAt}
}

func shortID(userID string) string {
	if len(userID) > 8 {
		return userID[:8]
	}
	return userID
}
