package fanout

import (
	"context"
	"sync"

	"presence/internal/metrics"
)

// Kind identifies a state transition pushed to subscribers.
type Kind string

const (
	SessionCreated    Kind = "session_created"
	SessionClosed     Kind = "session_closed"
	CheckInRecorded   Kind = "check_in_recorded"
	EnrollmentUpdated Kind = "enrollment_updated"
)

// Event is a course-scoped notification. Delivery is best-effort and
// at-most-once: consumers treat events as cache-invalidation hints and
// re-query authoritative state, never as a replayable log.
type Event struct {
	Kind      Kind              `json:"kind"`
	CourseID  string            `json:"course_id"`
	SessionID string            `json:"session_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Publisher pushes events toward subscribers of the event's course.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Broker is a Publisher that can also hand out course-scoped
// subscriptions on the same process or backend.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, courseID string) (*Subscription, error)
}

// Subscription is one subscriber's view of a course topic. Events are
// dropped, not queued, when the subscriber falls behind or disconnects.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Hub is the in-process broker: course-keyed subscriber sets with
// non-blocking delivery. Suited to single-process deployments and tests.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Publish delivers evt to every current subscriber of evt.CourseID.
// Subscribers with a full buffer are skipped.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	metrics.FanoutPublished.WithLabelValues(string(evt.Kind)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[evt.CourseID] {
		select {
		case sub.ch <- evt:
		default:
			metrics.FanoutDropped.Inc()
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to the course topic.
func (h *Hub) Subscribe(_ context.Context, courseID string) (*Subscription, error) {
	sub := &Subscription{ch: make(chan Event, h.buffer)}
	sub.cancel = func() {
		h.mu.Lock()
		if set, ok := h.subs[courseID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, courseID)
			}
		}
		h.mu.Unlock()
		close(sub.ch)
	}

	h.mu.Lock()
	if _, ok := h.subs[courseID]; !ok {
		h.subs[courseID] = make(map[*Subscription]struct{})
	}
	h.subs[courseID][sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}
