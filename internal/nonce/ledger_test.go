package nonce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/session"
)

func activeSession(now time.Time) *session.Session {
	return &session.Session{
		ID:        "sess-1",
		CourseID:  "course-1",
		CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(10 * time.Minute),
		Active:    true,
	}
}

func frozenLedger(ttl time.Duration, at time.Time) (*Ledger, *time.Time) {
	clock := at
	l := NewLedger(ttl).WithClock(func() time.Time { return clock })
	return l, &clock
}

func TestIssueAndConsume(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, _ := frozenLedger(20*time.Second, base)
	sess := activeSession(base)

	n, err := l.Issue(sess, "student-1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(20*time.Second), n.ExpiresAt)

	require.NoError(t, l.Consume(n.ID, "sess-1", "student-1"))
	assert.ErrorIs(t, l.Consume(n.ID, "sess-1", "student-1"), ErrAlreadyUsed)
}

func TestIssueRejectsInactiveSession(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, _ := frozenLedger(20*time.Second, base)
	sess := activeSession(base)
	sess.Active = false

	_, err := l.Issue(sess, "student-1")
	assert.ErrorIs(t, err, session.ErrNotActive)
}

func TestConsumeExpired(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, clock := frozenLedger(30*time.Second, base)
	sess := activeSession(base)

	n, err := l.Issue(sess, "student-1")
	require.NoError(t, err)

	// Issued at T with 30s validity, consumed at T+40s.
	*clock = base.Add(40 * time.Second)
	assert.ErrorIs(t, l.Consume(n.ID, "sess-1", "student-1"), ErrExpired)
}

func TestConsumeMismatches(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, _ := frozenLedger(20*time.Second, base)
	sess := activeSession(base)

	n, err := l.Issue(sess, "student-1")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Consume("no-such-nonce", "sess-1", "student-1"), ErrNotFound)
	assert.ErrorIs(t, l.Consume(n.ID, "sess-2", "student-1"), ErrSessionMismatch)
	assert.ErrorIs(t, l.Consume(n.ID, "sess-1", "student-2"), ErrRequesterMismatch)
	// Mismatched probes must not have burned the nonce.
	assert.NoError(t, l.Consume(n.ID, "sess-1", "student-1"))
}

func TestReissueSupersedesPrevious(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, _ := frozenLedger(20*time.Second, base)
	sess := activeSession(base)

	first, err := l.Issue(sess, "student-1")
	require.NoError(t, err)
	second, err := l.Issue(sess, "student-1")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Consume(first.ID, "sess-1", "student-1"), ErrNotFound)
	assert.NoError(t, l.Consume(second.ID, "sess-1", "student-1"))
}

func TestConcurrentConsumeSingleSuccess(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, _ := frozenLedger(20*time.Second, base)
	sess := activeSession(base)

	n, err := l.Issue(sess, "student-1")
	require.NoError(t, err)

	const workers = 64
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Consume(n.ID, "sess-1", "student-1")
		}()
	}
	wg.Wait()
	close(results)

	successes, reused := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrAlreadyUsed):
			reused++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, reused)
}

func TestPurgeKeepsRecentConsumed(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l, clock := frozenLedger(20*time.Second, base)
	sess := activeSession(base)

	n, err := l.Issue(sess, "student-1")
	require.NoError(t, err)
	require.NoError(t, l.Consume(n.ID, "sess-1", "student-1"))

	// Within the retention horizon a replay still reads AlreadyUsed.
	assert.Equal(t, 0, l.Purge(time.Minute))
	assert.ErrorIs(t, l.Consume(n.ID, "sess-1", "student-1"), ErrAlreadyUsed)

	*clock = base.Add(2 * time.Minute)
	assert.Equal(t, 1, l.Purge(time.Minute))
	assert.ErrorIs(t, l.Consume(n.ID, "sess-1", "student-1"), ErrNotFound)
}
