// Package code derives the short display codes a teacher projects
// during an attendance session. Codes rotate on a fixed window and are
// an HMAC one-time password over the window index, keyed by the
// session's random seed, so an overheard code says nothing about the
// next one.
package code

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"

	"presence/internal/session"
)

// DefaultWindow is the rotation period when none is configured.
const DefaultWindow = 30 * time.Second

// Rotator computes and checks the code valid for a session at a given
// instant. It is a pure function of session state and the clock; it
// holds no per-session state of its own.
type Rotator struct {
	window time.Duration
	grace  int
}

// New creates a rotator. grace is the number of immediately preceding
// windows still accepted by Verify; 0 accepts only the current window.
func New(window time.Duration, grace int) *Rotator {
	if window <= 0 {
		window = DefaultWindow
	}
	if grace < 0 {
		grace = 0
	}
	return &Rotator{window: window, grace: grace}
}

// Window returns the rotation period.
func (r *Rotator) Window() time.Duration {
	return r.window
}

// Current returns the code valid at now and how long it remains valid.
// Fails with session.ErrNotActive once the session stops accepting
// check-ins.
func (r *Rotator) Current(sess *session.Session, now time.Time) (string, time.Duration, error) {
	if !sess.AcceptingCheckIns(now) {
		return "", 0, session.ErrNotActive
	}
	idx, elapsed := r.windowIndex(sess.CreatedAt, now)
	passcode, err := hotp.GenerateCodeCustom(sess.Secret, idx, r.opts())
	if err != nil {
		return "", 0, err
	}
	remaining := r.window - elapsed%r.window
	return passcode, remaining, nil
}

// Verify reports whether submitted is the code for the current window,
// or for one of the configured grace windows before it. A session that
// no longer accepts check-ins verifies nothing.
func (r *Rotator) Verify(sess *session.Session, submitted string, now time.Time) bool {
	if !sess.AcceptingCheckIns(now) {
		return false
	}
	idx, _ := r.windowIndex(sess.CreatedAt, now)
	for back := 0; back <= r.grace; back++ {
		if uint64(back) > idx {
			break
		}
		ok, err := hotp.ValidateCustom(submitted, idx-uint64(back), sess.Secret, r.opts())
		if err == nil && ok {
			return true
		}
	}
	return false
}

// windowIndex is floor((now - created) / window), clamped at zero for
// clock skew between the creating and reading node.
func (r *Rotator) windowIndex(created, now time.Time) (uint64, time.Duration) {
	elapsed := now.Sub(created)
	if elapsed < 0 {
		return 0, 0
	}
	return uint64(elapsed / r.window), elapsed
}

func (r *Rotator) opts() hotp.ValidateOpts {
	return hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}
