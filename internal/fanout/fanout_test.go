package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubScopesByCourse(t *testing.T) {
	hub := NewHub(4)
	subA, err := hub.Subscribe(context.Background(), "course-a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := hub.Subscribe(context.Background(), "course-b")
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, hub.Publish(context.Background(), Event{Kind: SessionCreated, CourseID: "course-a", SessionID: "s1"}))

	select {
	case evt := <-subA.Events():
		assert.Equal(t, SessionCreated, evt.Kind)
		assert.Equal(t, "s1", evt.SessionID)
	default:
		t.Fatal("course-a subscriber should have received the event")
	}
	select {
	case evt := <-subB.Events():
		t.Fatalf("course-b subscriber received foreign event %v", evt)
	default:
	}
}

func TestHubFanoutToAllSubscribers(t *testing.T) {
	hub := NewHub(4)
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := hub.Subscribe(context.Background(), "course-a")
		require.NoError(t, err)
		defer sub.Close()
		subs = append(subs, sub)
	}

	require.NoError(t, hub.Publish(context.Background(), Event{Kind: CheckInRecorded, CourseID: "course-a"}))
	for _, sub := range subs {
		assert.Len(t, sub.Events(), 1)
	}
}

func TestHubDropsWhenSubscriberLagging(t *testing.T) {
	hub := NewHub(1)
	sub, err := hub.Subscribe(context.Background(), "course-a")
	require.NoError(t, err)
	defer sub.Close()

	// Publish never blocks; overflow beyond the buffer is dropped.
	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), Event{Kind: CheckInRecorded, CourseID: "course-a"}))
	}
	assert.Len(t, sub.Events(), 1)
}

func TestHubPublishAfterClose(t *testing.T) {
	hub := NewHub(4)
	sub, err := hub.Subscribe(context.Background(), "course-a")
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, hub.Publish(context.Background(), Event{Kind: SessionClosed, CourseID: "course-a"}))
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(4)
	assert.NoError(t, hub.Publish(context.Background(), Event{Kind: EnrollmentUpdated, CourseID: "course-x"}))
}
