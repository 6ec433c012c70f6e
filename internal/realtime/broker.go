package realtime

import (
	"context"
	"fmt"
)

// Broker is a minimal pub/sub client used for the best-effort real-time
// channel. Delivery is at-most-once with no ack protocol; durability is
// the file layer's job.
type Broker interface {
	// Name identifies the broker kind, e.g. "redis" or "amqp".
	Name() string

	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Publish sends a payload to a channel. Subscribers that are not
	// currently listening never see it.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on a channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases all broker resources.
	Close() error
}

// Subscription is an open pub/sub subscription.
type Subscription interface {
	// Messages returns the inbound payload stream. The channel is closed
	// when the subscription ends.
	Messages() <-chan []byte

	// Unsubscribe tears the subscription down.
	Unsubscribe(ctx context.Context) error
}

// InboxChannel returns the pub/sub channel carrying real-time deliveries
// for a role's inbox.
func InboxChannel(role string) string {
	return fmt.Sprintf("a2a:%s:inbox", role)
}

// forward bridges a broker's typed delivery stream onto a subscription's
// payload channel. It returns when src closes or done is closed, so
// tearing a subscription down never strands the bridge on a blocked
// send.
func forward[T any](src <-chan T, out chan<- []byte, done <-chan struct{}, payload func(T) []byte) {
	defer close(out)
	for {
		select {
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case out <- payload(msg):
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}
