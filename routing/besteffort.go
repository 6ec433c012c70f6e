package routing

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
	"github.com/vaultrelay/vaultrelay-go/internal/realtime"
)

// unsubscribeTimeout bounds the cleanup call made after the subscribe
// context is cancelled.
const unsubscribeTimeout = 5 * time.Second

// BestEffortTransport decorates the durable file transport with a
// best-effort pub/sub channel. The durable transport remains ground
// truth: a publish failure is never allowed to mask a durable success,
// and receives are answered from the file layer alone.
type BestEffortTransport struct {
	durable   *FileTransport
	broker    realtime.Broker
	logger    *slog.Logger
	connected atomic.Bool
}

// BestEffortOption configures the BestEffortTransport.
type BestEffortOption func(*BestEffortTransport)

// WithBestEffortLogger sets the logger.
func WithBestEffortLogger(logger *slog.Logger) BestEffortOption {
	return func(t *BestEffortTransport) {
		t.logger = logger
	}
}

// NewBestEffortTransport wraps a durable transport with a real-time
// broker.
func NewBestEffortTransport(durable *FileTransport, broker realtime.Broker, options ...BestEffortOption) *BestEffortTransport {
	t := &BestEffortTransport{
		durable: durable,
		broker:  broker,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect attempts the broker connection and reports whether the
// real-time channel is live. A failed connect is a supported steady
// state, not an error: the transport degrades to file-only mode and
// stays fully functional.
func (t *BestEffortTransport) Connect(ctx context.Context) bool {
	if err := t.broker.Connect(ctx); err != nil {
		t.logger.Warn("real-time broker unavailable, running file-only",
			"broker", t.broker.Name(),
			"error", err,
		)
		t.connected.Store(false)
		return false
	}
	t.connected.Store(true)
	return true
}

// Connected reports whether the real-time channel is live.
func (t *BestEffortTransport) Connected() bool {
	return t.connected.Load()
}

// Send persists through the durable transport first. Only a durable
// success is followed by a publish, and a publish failure only costs the
// real-time nudge; the overall result is the durable result.
func (t *BestEffortTransport) Send(ctx context.Context, msg *contracts.Message) error {
	if err := t.durable.Send(ctx, msg); err != nil {
		return err
	}

	if !t.connected.Load() {
		return nil
	}

	data, err := msg.ToJSON()
	if err != nil {
		t.logger.Error("skipping real-time publish, serialize failed",
			"messageId", msg.ID,
			"error", err,
		)
		return nil
	}

	channel := realtime.InboxChannel(string(msg.Recipient))
	if err := t.broker.Publish(ctx, channel, data); err != nil {
		t.logger.Warn("real-time publish failed, durable copy stands",
			"messageId", msg.ID,
			"channel", channel,
			"error", err,
		)
	}
	return nil
}

// Receive always defers to the durable transport. The pub/sub path is a
// real-time convenience and never authoritative.
func (t *BestEffortTransport) Receive(ctx context.Context, role contracts.Role, limit int) ([]*contracts.Message, error) {
	return t.durable.Receive(ctx, role, limit)
}

// Subscribe runs a long-lived listen loop over real-time pushes for a
// role's inbox, invoking callback for every parseable message. Callback
// errors are logged and the loop continues. Cancelling ctx unsubscribes
// cleanly and returns ctx.Err().
func (t *BestEffortTransport) Subscribe(ctx context.Context, role contracts.Role, callback func(*contracts.Message) error) error {
	if !t.connected.Load() {
		return ErrRealtimeUnavailable
	}

	channel := realtime.InboxChannel(string(role))
	sub, err := t.broker.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	t.logger.Info("subscribed to real-time channel", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
			if err := sub.Unsubscribe(cleanupCtx); err != nil {
				t.logger.Warn("unsubscribe failed during shutdown",
					"channel", channel,
					"error", err,
				)
			}
			cancel()
			return ctx.Err()

		case raw, ok := <-sub.Messages():
			if !ok {
				return realtime.ErrSubscriptionClosed
			}
			msg, err := contracts.FromJSON(raw)
			if err != nil {
				t.logger.Error("dropping unparseable real-time message",
					"channel", channel,
					"error", err,
				)
				continue
			}
			if err := callback(msg); err != nil {
				t.logger.Error("subscriber callback failed",
					"messageId", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Acknowledge delegates to the durable transport.
func (t *BestEffortTransport) Acknowledge(ctx context.Context, msg *contracts.Message, role contracts.Role) error {
	return t.durable.Acknowledge(ctx, msg, role)
}

// MoveToDeadLetter delegates to the durable transport.
func (t *BestEffortTransport) MoveToDeadLetter(ctx context.Context, msg *contracts.Message, role contracts.Role) error {
	return t.durable.MoveToDeadLetter(ctx, msg, role)
}

// Close closes the broker and the durable transport.
func (t *BestEffortTransport) Close() error {
	t.connected.Store(false)
	brokerErr := t.broker.Close()
	durableErr := t.durable.Close()
	if brokerErr != nil {
		return brokerErr
	}
	return durableErr
}
