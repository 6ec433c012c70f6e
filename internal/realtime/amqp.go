package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker implements Broker over RabbitMQ. Each channel name maps to a
// fanout exchange; subscriptions bind a server-named auto-delete queue to
// it and consume with auto-ack, matching the at-most-once contract.
type AMQPBroker struct {
	url    string
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// AMQPOption configures the AMQPBroker.
type AMQPOption func(*AMQPBroker)

// WithAMQPLogger sets the logger.
func WithAMQPLogger(logger *slog.Logger) AMQPOption {
	return func(b *AMQPBroker) {
		b.logger = logger
	}
}

// NewAMQPBroker creates an AMQP broker for the given URL. No connection
// is made until Connect.
func NewAMQPBroker(url string, options ...AMQPOption) *AMQPBroker {
	b := &AMQPBroker{
		url:    url,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Name implements Broker.
func (b *AMQPBroker) Name() string {
	return "amqp"
}

// Connect implements Broker.
func (b *AMQPBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("realtime: amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("realtime: amqp channel: %w", err)
	}

	b.conn = conn
	b.ch = ch
	b.logger.Info("amqp broker connected")
	return nil
}

// Publish implements Broker.
func (b *AMQPBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		return ErrNotConnected
	}
	if err := b.declareExchange(b.ch, channel); err != nil {
		return err
	}

	err := b.ch.PublishWithContext(ctx, channel, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("realtime: amqp publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker. Each subscription gets its own AMQP
// channel so tearing it down does not disturb the publish channel.
func (b *AMQPBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	subCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("realtime: amqp channel: %w", err)
	}
	if err := b.declareExchange(subCh, channel); err != nil {
		_ = subCh.Close()
		return nil, err
	}

	queue, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = subCh.Close()
		return nil, fmt.Errorf("realtime: amqp queue declare: %w", err)
	}
	if err := subCh.QueueBind(queue.Name, "", channel, false, nil); err != nil {
		_ = subCh.Close()
		return nil, fmt.Errorf("realtime: amqp queue bind: %w", err)
	}

	deliveries, err := subCh.ConsumeWithContext(ctx, queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = subCh.Close()
		return nil, fmt.Errorf("realtime: amqp consume: %w", err)
	}

	out := make(chan []byte)
	done := make(chan struct{})
	go forward(deliveries, out, done, func(d amqp.Delivery) []byte {
		return d.Body
	})

	return &amqpSubscription{ch: subCh, messages: out, done: done}, nil
}

// Close implements Broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.ch = nil
	return err
}

// declareExchange idempotently declares the fanout exchange backing a
// channel name. Non-durable and auto-delete: the real-time layer carries
// no state worth keeping.
func (b *AMQPBroker) declareExchange(ch *amqp.Channel, channel string) error {
	if err := ch.ExchangeDeclare(channel, "fanout", false, true, false, false, nil); err != nil {
		return fmt.Errorf("realtime: amqp exchange declare %s: %w", channel, err)
	}
	return nil
}

type amqpSubscription struct {
	ch       *amqp.Channel
	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *amqpSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *amqpSubscription) Unsubscribe(ctx context.Context) error {
	// Release the bridge first, then close the channel, which cancels
	// the consumer and deletes the auto-delete queue.
	s.once.Do(func() { close(s.done) })
	return s.ch.Close()
}
