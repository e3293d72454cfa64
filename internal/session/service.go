package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"presence/internal/fanout"
	"presence/internal/geo"
	"presence/internal/metrics"
)

// Service owns session lifecycle: creation, explicit close, and the
// proactive expiry sweep. Fanout publication is best effort and never
// fails the caller.
type Service struct {
	store Store
	pub   fanout.Publisher
	now   func() time.Time
}

func NewService(store Store, pub fanout.Publisher) *Service {
	return &Service{store: store, pub: pub, now: time.Now}
}

// Create opens an Active session for a course meeting.
func (s *Service) Create(ctx context.Context, courseID, creator string, anchor geo.Coordinate, maxDistance float64, expiresAt time.Time) (*Session, error) {
	now := s.now().UTC()
	if !expiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}
	if maxDistance <= 0 {
		return nil, fmt.Errorf("max distance must be positive, got %v", maxDistance)
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:                uuid.NewString(),
		CourseID:          courseID,
		CreatedBy:         creator,
		Anchor:            anchor,
		MaxDistanceMeters: maxDistance,
		Secret:            secret,
		CreatedAt:         now,
		ExpiresAt:         expiresAt.UTC(),
		Active:            true,
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	s.publish(ctx, fanout.SessionCreated, sess)
	return sess, nil
}

// Get resolves a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// Close terminates a session before its natural expiry. Only the
// creator may close; closing a terminal session is an error.
func (s *Service) Close(ctx context.Context, id, by string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.CreatedBy != by {
		return ErrNotCreator
	}
	if sess.State(s.now().UTC()) != StateActive {
		return ErrNotActive
	}
	closed, err := s.store.Close(ctx, id)
	if err != nil {
		return err
	}
	if !closed {
		// Lost the race to another closer or the sweep.
		return ErrNotActive
	}
	s.publish(ctx, fanout.SessionClosed, sess)
	return nil
}

// SweepExpired deactivates sessions past expiry and notifies course
// subscribers. Lazy expiry already hides these sessions from readers;
// the sweep exists so dashboards hear about natural expiry without
// polling.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	flipped, err := s.store.ExpireBefore(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, sess := range flipped {
		metrics.SessionsSwept.Inc()
		s.publish(ctx, fanout.SessionClosed, sess)
	}
	return len(flipped), nil
}

func (s *Service) publish(ctx context.Context, kind fanout.Kind, sess *Session) {
	if s.pub == nil {
		return
	}
	err := s.pub.Publish(ctx, fanout.Event{
		Kind:      kind,
		CourseID:  sess.CourseID,
		SessionID: sess.ID,
	})
	if err != nil {
		log.Printf("session: fanout %s for %s failed: %v", kind, sess.ID, err)
	}
}
