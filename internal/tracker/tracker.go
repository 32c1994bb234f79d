// Package tracker follows a single generation job to its terminal state on
// behalf of a client. It prefers pushed updates from the queue's notify
// channel and degrades to polling when the subscription is unhealthy, while
// guaranteeing each job resolves its callbacks exactly once.
package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jitterbug "github.com/lthibault/jitterbug/v2"

	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
)

type Subscription interface {
	Updates() <-chan models.JobEvent
	Errors() <-chan error
	Close()
}

type Notifier interface {
	Subscribe(jobID uuid.UUID) (Subscription, error)
}

type StatusSource interface {
	Status(jobID uuid.UUID) (*models.JobEvent, error)
	Position(jobID uuid.UUID) (int, error)
}

// Callbacks receive the tracked job's outcome. Exactly one of OnCompleted or
// OnFailed fires, once, no matter how many channels report the result.
// OnPosition may fire any number of times before that.
type Callbacks struct {
	OnCompleted func(resultImageURL string)
	OnFailed    func(message string)
	OnPosition  func(position int)
}

type Options struct {
	// MaxWait bounds the whole wait; past it the job is reported failed to
	// the caller without touching the job itself.
	MaxWait time.Duration

	// FallbackPollInterval drives polling once the subscription degrades.
	FallbackPollInterval time.Duration

	// SafetyPollInterval drives the always-on poll that catches updates a
	// healthy subscription missed.
	SafetyPollInterval time.Duration

	PositionPollInterval time.Duration

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (o *Options) applyDefaults() {
	if o.MaxWait <= 0 {
		o.MaxWait = 3 * time.Minute
	}
	if o.FallbackPollInterval <= 0 {
		o.FallbackPollInterval = 5 * time.Second
	}
	if o.SafetyPollInterval <= 0 {
		o.SafetyPollInterval = 10 * time.Second
	}
	if o.PositionPollInterval <= 0 {
		o.PositionPollInterval = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
}

type Tracker struct {
	jobID     uuid.UUID
	notifier  Notifier
	status    StatusSource
	callbacks Callbacks
	opts      Options
	log       *logger.Logger

	resolved atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Track starts following jobID and returns immediately. The returned Tracker
// runs until the job resolves, MaxWait elapses or Stop is called.
func Track(jobID uuid.UUID, notifier Notifier, status StatusSource, callbacks Callbacks, opts Options, log *logger.Logger) *Tracker {
	opts.applyDefaults()
	t := &Tracker{
		jobID:     jobID,
		notifier:  notifier,
		status:    status,
		callbacks: callbacks,
		opts:      opts,
		log:       log.With("job_id", jobID.String()),
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run()
	return t
}

// Stop abandons tracking without firing callbacks. Safe to call from inside
// a callback; it never blocks on the run loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the run loop has exited.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) run() {
	defer close(t.done)

	sub, err := t.notifier.Subscribe(t.jobID)
	if err != nil {
		t.log.Warn("subscribe failed, tracking by polling only", "error", err.Error())
		sub = nil
	}
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	// The job may already be terminal before any update can arrive.
	if t.checkOnce() {
		return
	}
	t.reportPosition()

	watchdog := time.NewTimer(t.opts.MaxWait)
	defer watchdog.Stop()

	// The safety poll jitters so a fleet of trackers does not align its
	// reads against the store.
	safety := jitterbug.New(t.opts.SafetyPollInterval, &jitterbug.Norm{Stdev: t.opts.SafetyPollInterval / 20})
	defer safety.Stop()

	position := time.NewTicker(t.opts.PositionPollInterval)
	defer position.Stop()

	var fallback *time.Ticker
	defer func() {
		if fallback != nil {
			fallback.Stop()
		}
	}()
	fallbackC := func() <-chan time.Time {
		if fallback == nil {
			return nil
		}
		return fallback.C
	}

	var reconnectC <-chan time.Time
	reconnects := 0

	updates, subErrs := subChannels(sub)

	for {
		select {
		case <-t.stop:
			return

		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if t.deliver(ev) {
				return
			}

		case err, ok := <-subErrs:
			if !ok {
				subErrs = nil
				continue
			}
			t.log.Warn("subscription degraded, polling for status", "error", err.Error())
			if fallback == nil {
				fallback = time.NewTicker(t.opts.FallbackPollInterval)
			}
			// Poll right away; the update that errored may have been
			// the terminal one.
			if t.checkOnce() {
				return
			}
			if reconnects < t.opts.MaxReconnectAttempts && reconnectC == nil {
				reconnectC = time.After(t.opts.ReconnectDelay)
			}

		case <-reconnectC:
			reconnectC = nil
			reconnects++
			if sub != nil {
				sub.Close()
			}
			newSub, err := t.notifier.Subscribe(t.jobID)
			if err != nil {
				t.log.Warn("resubscribe failed", "attempt", reconnects, "error", err.Error())
				sub = nil
				updates, subErrs = nil, nil
				if reconnects < t.opts.MaxReconnectAttempts {
					reconnectC = time.After(t.opts.ReconnectDelay)
				}
				continue
			}
			sub = newSub
			updates, subErrs = subChannels(sub)
			if fallback != nil {
				fallback.Stop()
				fallback = nil
			}
			if t.checkOnce() {
				return
			}

		case <-fallbackC():
			if t.checkOnce() {
				return
			}

		case <-safety.C:
			if t.checkOnce() {
				return
			}

		case <-position.C:
			t.reportPosition()

		case <-watchdog.C:
			// Give up on the client side only; the job row keeps
			// whatever state the webhook eventually writes.
			t.log.Warn("gave up waiting for generation")
			t.fail("generation timed out, please try again")
			return
		}
	}
}

func subChannels(sub Subscription) (<-chan models.JobEvent, <-chan error) {
	if sub == nil {
		return nil, nil
	}
	return sub.Updates(), sub.Errors()
}

// checkOnce polls current status and resolves if terminal. Returns true when
// tracking is finished.
func (t *Tracker) checkOnce() bool {
	ev, err := t.status.Status(t.jobID)
	if err != nil {
		t.log.Warn("status poll failed", "error", err.Error())
		return false
	}
	return t.deliver(*ev)
}

// deliver resolves the tracker if ev is terminal. A completed event without a
// result URL is a partial write and is ignored; the final update follows.
func (t *Tracker) deliver(ev models.JobEvent) bool {
	switch ev.Status {
	case models.StatusCompleted:
		if ev.ResultImageURL == nil || *ev.ResultImageURL == "" {
			return false
		}
		if t.resolved.CompareAndSwap(false, true) {
			if t.callbacks.OnCompleted != nil {
				t.callbacks.OnCompleted(*ev.ResultImageURL)
			}
		}
		return true
	case models.StatusFailed:
		message := "unknown error"
		if ev.ErrorMessage != nil && *ev.ErrorMessage != "" {
			message = *ev.ErrorMessage
		}
		t.fail(message)
		return true
	default:
		return false
	}
}

func (t *Tracker) fail(message string) {
	if t.resolved.CompareAndSwap(false, true) {
		if t.callbacks.OnFailed != nil {
			t.callbacks.OnFailed(message)
		}
	}
}

func (t *Tracker) reportPosition() {
	if t.callbacks.OnPosition == nil {
		return
	}
	pos, err := t.status.Position(t.jobID)
	if err != nil {
		t.log.Warn("position poll failed", "error", err.Error())
		return
	}
	t.callbacks.OnPosition(pos)
}
