// Package checkin evaluates one student check-in attempt against the
// session state machine, the rotating code, the nonce ledger, the
// device registry, and the geofence, in that order.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"presence/internal/code"
	"presence/internal/device"
	"presence/internal/fanout"
	"presence/internal/geo"
	"presence/internal/metrics"
	"presence/internal/nonce"
	"presence/internal/session"
)

// ErrStaleCode rejects a code from a prior rotation window or one that
// never matched. Surfaced distinctly from distance outcomes so a client
// cannot mistake a stale code for being out of range.
var ErrStaleCode = errors.New("stale or invalid session code")

// Request is one submitted check-in attempt.
type Request struct {
	SessionID string
	StudentID string
	Code      string
	NonceID   string
	Location  geo.Coordinate
	DeviceRef string
}

// Result is the business outcome returned to the student. Protocol
// failures (nonce, code, device) are returned as errors instead and
// never reach a Result.
type Result struct {
	Status         Status
	DistanceMeters float64
	WithinRange    bool
	CheckedInAt    time.Time
}

// Evaluator orchestrates the check-in protocol. It is safe for
// concurrent use: the nonce ledger's consume is the serializing point,
// and the attempt store's unique constraint backstops the rest.
type Evaluator struct {
	sessions session.Store
	nonces   *nonce.Ledger
	rotator  *code.Rotator
	devices  *device.Registry
	attempts AttemptStore
	pub      fanout.Publisher
	now      func() time.Time
}

func NewEvaluator(sessions session.Store, nonces *nonce.Ledger, rotator *code.Rotator, devices *device.Registry, attempts AttemptStore, pub fanout.Publisher) *Evaluator {
	return &Evaluator{
		sessions: sessions,
		nonces:   nonces,
		rotator:  rotator,
		devices:  devices,
		attempts: attempts,
		pub:      pub,
		now:      time.Now,
	}
}

// Evaluate runs the ordered checks and records the outcome. The order
// is load-bearing: replay protection (nonce, then code) is checked
// before anything the student could learn from, so a replayed
// submission never gets a distance reading back.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	now := e.now().UTC()

	sess, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	if !sess.AcceptingCheckIns(now) {
		metrics.CheckInOutcomes.WithLabelValues(string(StatusExpired)).Inc()
		return Result{Status: StatusExpired}, nil
	}

	if err := e.nonces.Consume(req.NonceID, req.SessionID, req.StudentID); err != nil {
		metrics.ProtocolRejections.WithLabelValues("nonce").Inc()
		return Result{}, err
	}

	if !e.rotator.Verify(sess, req.Code, now) {
		metrics.ProtocolRejections.WithLabelValues("code").Inc()
		return Result{}, ErrStaleCode
	}

	ref, err := e.devices.ActiveReference(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, device.ErrNoCredential) {
			metrics.ProtocolRejections.WithLabelValues("device").Inc()
			return Result{}, device.ErrMismatch
		}
		return Result{}, err
	}
	if ref != req.DeviceRef {
		metrics.ProtocolRejections.WithLabelValues("device").Inc()
		return Result{}, device.ErrMismatch
	}

	// Repeated attempts after success are a pure no-op: the original
	// record is returned untouched and nothing new is written.
	if prev, err := e.attempts.Present(ctx, req.SessionID, req.StudentID); err != nil {
		return Result{}, err
	} else if prev != nil {
		metrics.CheckInOutcomes.WithLabelValues(string(StatusAlreadyCheckedIn)).Inc()
		return Result{
			Status:         StatusAlreadyCheckedIn,
			DistanceMeters: prev.DistanceMeters,
			WithinRange:    true,
			CheckedInAt:    prev.CreatedAt,
		}, nil
	}

	dist := geo.Distance(sess.Anchor, req.Location)
	att := Attempt{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		StudentID:      req.StudentID,
		Code:           req.Code,
		NonceID:        req.NonceID,
		Lat:            req.Location.Lat,
		Lng:            req.Location.Lng,
		DistanceMeters: dist,
		Status:         StatusPresent,
		CreatedAt:      now,
	}
	if dist > sess.MaxDistanceMeters {
		att.Status = StatusOutOfRange
	}

	if err := e.attempts.Insert(ctx, att); err != nil {
		if errors.Is(err, ErrDuplicatePresent) {
			// Lost a race against the student's own duplicate
			// submission; fold into the idempotent outcome.
			metrics.CheckInOutcomes.WithLabelValues(string(StatusAlreadyCheckedIn)).Inc()
			return Result{Status: StatusAlreadyCheckedIn, DistanceMeters: dist, WithinRange: true, CheckedInAt: now}, nil
		}
		return Result{}, fmt.Errorf("record attempt: %w", err)
	}

	if att.Status == StatusPresent {
		e.publishRecorded(ctx, sess, att)
	}

	metrics.CheckInOutcomes.WithLabelValues(string(att.Status)).Inc()
	return Result{
		Status:         att.Status,
		DistanceMeters: dist,
		WithinRange:    att.Status == StatusPresent,
		CheckedInAt:    att.CreatedAt,
	}, nil
}

// ListAttempts exposes the session audit trail for teacher dashboards.
func (e *Evaluator) ListAttempts(ctx context.Context, sessionID string, limit, offset int) ([]Attempt, error) {
	return e.attempts.ListBySession(ctx, sessionID, limit, offset)
}

// publishRecorded is fire-and-forget: the student gets their outcome
// synchronously whether or not any dashboard hears about it.
func (e *Evaluator) publishRecorded(ctx context.Context, sess *session.Session, att Attempt) {
	if e.pub == nil {
		return
	}
	err := e.pub.Publish(ctx, fanout.Event{
		Kind:      fanout.CheckInRecorded,
		CourseID:  sess.CourseID,
		SessionID: sess.ID,
		Payload:   map[string]string{"student_id": att.StudentID},
	})
	if err != nil {
		log.Printf("checkin: fanout for %s failed: %v", att.ID, err)
	}
}
