package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
)

const queueEventsChannel = "generation_queue_events"

// Subscription is a per-job stream of queue row changes. Updates carries the
// rows emitted by the notify trigger; Errors reports transport problems so
// the consumer can fall back to polling. Close releases the subscription and
// is safe to call more than once.
type Subscription struct {
	updates   chan models.JobEvent
	errs      chan error
	closeOnce sync.Once
	closeFn   func()
}

func (s *Subscription) Updates() <-chan models.JobEvent { return s.updates }

func (s *Subscription) Errors() <-chan error { return s.errs }

func (s *Subscription) Close() {
	s.closeOnce.Do(s.closeFn)
}

// Listener fans generation_queue change notifications out to per-job
// subscribers over a single Postgres LISTEN connection.
type Listener struct {
	pqListener *pq.Listener
	log        *logger.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func NewListener(databaseURL string, log *logger.Logger) (*Listener, error) {
	l := &Listener{
		log:  log,
		subs: make(map[string]map[*Subscription]struct{}),
		done: make(chan struct{}),
	}

	l.pqListener = pq.NewListener(databaseURL, 2*time.Second, time.Minute, l.onConnectionEvent)
	if err := l.pqListener.Listen(queueEventsChannel); err != nil {
		l.pqListener.Close()
		return nil, err
	}

	go l.run()
	return l, nil
}

// Subscribe registers for changes to one job's queue row.
func (l *Listener) Subscribe(jobID uuid.UUID) (*Subscription, error) {
	key := jobID.String()
	sub := &Subscription{
		updates: make(chan models.JobEvent, 8),
		errs:    make(chan error, 1),
	}
	sub.closeFn = func() { l.unsubscribe(key, sub) }

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[key] == nil {
		l.subs[key] = make(map[*Subscription]struct{})
	}
	l.subs[key][sub] = struct{}{}
	return sub, nil
}

func (l *Listener) unsubscribe(key string, sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.subs[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(l.subs, key)
		}
	}
}

func (l *Listener) Close() error {
	l.doneOnce.Do(func() { close(l.done) })
	return l.pqListener.Close()
}

func (l *Listener) onConnectionEvent(ev pq.ListenerEventType, err error) {
	if err == nil {
		return
	}
	l.log.Warn("queue listener connection problem", "error", err.Error())
	l.broadcastError(err)
}

func (l *Listener) run() {
	for {
		select {
		case <-l.done:
			return
		case n := <-l.pqListener.Notify:
			// nil marks a re-established connection; notifications in the
			// gap were lost, which the subscribers' polling paths cover.
			if n == nil {
				continue
			}
			var event models.JobEvent
			if err := json.Unmarshal([]byte(n.Extra), &event); err != nil {
				l.log.Warn("failed to parse queue notification", "error", err.Error())
				continue
			}
			l.deliver(event)
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.pqListener.Ping(); err != nil {
					l.log.Warn("queue listener ping failed", "error", err.Error())
				}
			}()
		}
	}
}

func (l *Listener) deliver(event models.JobEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[event.ID] {
		select {
		case sub.updates <- event:
		default:
			l.log.Warn("dropping queue event for slow subscriber", "job_id", event.ID)
		}
	}
}

func (l *Listener) broadcastError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range l.subs {
		for sub := range set {
			select {
			case sub.errs <- err:
			default:
			}
		}
	}
}
