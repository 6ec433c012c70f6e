package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over Redis pub/sub.
type RedisBroker struct {
	url    string
	client *redis.Client
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// RedisOption configures the RedisBroker.
type RedisOption func(*RedisBroker)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(b *RedisBroker) {
		b.logger = logger
	}
}

// NewRedisBroker creates a Redis broker for the given URL. No connection
// is made until Connect.
func NewRedisBroker(url string, options ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		url:    url,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Name implements Broker.
func (b *RedisBroker) Name() string {
	return "redis"
}

// Connect implements Broker. The URL is parsed and the server pinged so a
// bad endpoint surfaces here rather than on first publish.
func (b *RedisBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.client != nil {
		return nil
	}

	opts, err := redis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("realtime: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("realtime: redis ping: %w", err)
	}

	b.client = client
	b.logger.Info("redis broker connected", "url", opts.Addr)
	return nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	if err := client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("realtime: redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return nil, ErrNotConnected
	}

	pubsub := client.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round trip so a dead connection fails here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: redis subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte)
	done := make(chan struct{})
	go forward(pubsub.Channel(), out, done, func(m *redis.Message) []byte {
		return []byte(m.Payload)
	})

	return &redisSubscription{pubsub: pubsub, channel: channel, messages: out, done: done}, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	channel  string
	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *redisSubscription) Unsubscribe(ctx context.Context) error {
	// Release the bridge before tearing down the pubsub; it may be
	// parked on a send nobody will receive.
	s.once.Do(func() { close(s.done) })
	if err := s.pubsub.Unsubscribe(ctx, s.channel); err != nil {
		_ = s.pubsub.Close()
		return fmt.Errorf("realtime: redis unsubscribe from %s: %w", s.channel, err)
	}
	return s.pubsub.Close()
}
