package fanout

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"presence/internal/metrics"
)

// RedisBroker fans events out over Redis pub/sub, one channel per
// course. Pub/sub gives the at-most-once, no-offline-queueing semantics
// this transport promises for free.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker builds a broker publishing on prefix:<courseID>.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "presence:events"
	}
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) channel(courseID string) string {
	return b.prefix + ":" + courseID
}

// Publish marshals evt and publishes it on the course channel.
func (b *RedisBroker) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	metrics.FanoutPublished.WithLabelValues(string(evt.Kind)).Inc()
	return b.client.Publish(ctx, b.channel(evt.CourseID), body).Err()
}

// Subscribe attaches to the course channel. The returned subscription
// is closed when ctx is cancelled or Close is called.
func (b *RedisBroker) Subscribe(ctx context.Context, courseID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(courseID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &Subscription{ch: make(chan Event, 16)}
	done := make(chan struct{})
	sub.cancel = func() {
		close(done)
		_ = pubsub.Close()
	}

	go func() {
		defer close(sub.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Printf("fanout: bad event payload: %v", err)
					continue
				}
				select {
				case sub.ch <- evt:
				default:
					metrics.FanoutDropped.Inc()
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}()
	return sub, nil
}
