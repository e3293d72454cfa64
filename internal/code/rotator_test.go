package code

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/geo"
	"presence/internal/session"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func testSession(created time.Time) *session.Session {
	return &session.Session{
		ID:                "sess-1",
		CourseID:          "course-1",
		CreatedBy:         "teacher-1",
		Anchor:            geo.Coordinate{Lat: 40.7, Lng: 29.0},
		MaxDistanceMeters: 50,
		Secret:            testSecret,
		CreatedAt:         created,
		ExpiresAt:         created.Add(10 * time.Minute),
		Active:            true,
	}
}

func TestCurrentStableWithinWindow(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := testSession(created)
	r := New(30*time.Second, 0)

	c1, rem1, err := r.Current(sess, created.Add(5*time.Second))
	require.NoError(t, err)
	c2, rem2, err := r.Current(sess, created.Add(25*time.Second))
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Len(t, c1, 6)
	assert.Equal(t, 25*time.Second, rem1)
	assert.Equal(t, 5*time.Second, rem2)
}

func TestCurrentRotatesAcrossWindows(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := testSession(created)
	r := New(30*time.Second, 0)

	early, _, err := r.Current(sess, created.Add(10*time.Second))
	require.NoError(t, err)
	late, _, err := r.Current(sess, created.Add(45*time.Second))
	require.NoError(t, err)

	assert.NotEqual(t, early, late)
}

func TestVerifyCurrentWindowOnly(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := testSession(created)
	r := New(30*time.Second, 0)

	c0, _, err := r.Current(sess, created.Add(10*time.Second))
	require.NoError(t, err)

	assert.True(t, r.Verify(sess, c0, created.Add(20*time.Second)))
	// Same code one window later is stale.
	assert.False(t, r.Verify(sess, c0, created.Add(40*time.Second)))
	assert.False(t, r.Verify(sess, "000000", created.Add(20*time.Second)))
}

func TestVerifyGraceAcceptsPreviousWindow(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := testSession(created)
	r := New(30*time.Second, 1)

	c0, _, err := r.Current(sess, created.Add(10*time.Second))
	require.NoError(t, err)

	// Accepted one window late, rejected two windows late.
	assert.True(t, r.Verify(sess, c0, created.Add(40*time.Second)))
	assert.False(t, r.Verify(sess, c0, created.Add(70*time.Second)))
}

func TestRotatorRejectsInactiveSession(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess := testSession(created)

	r := New(30*time.Second, 0)
	c0, _, err := r.Current(sess, created.Add(10*time.Second))
	require.NoError(t, err)

	sess.Active = false
	_, _, err = r.Current(sess, created.Add(10*time.Second))
	assert.ErrorIs(t, err, session.ErrNotActive)
	assert.False(t, r.Verify(sess, c0, created.Add(10*time.Second)))

	// Expired-by-time behaves the same with the flag still set.
	sess.Active = true
	_, _, err = r.Current(sess, sess.ExpiresAt)
	assert.ErrorIs(t, err, session.ErrNotActive)
}
