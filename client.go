package vaultrelay

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
	"github.com/vaultrelay/vaultrelay-go/internal/realtime"
	"github.com/vaultrelay/vaultrelay-go/routing"
)

// Client is the main entry point for vaultrelay. It wires a Router over
// the shared vault directory, optionally layering a real-time broker on
// top of the durable file transport.
type Client struct {
	router *routing.Router
}

type clientConfig struct {
	logger   *slog.Logger
	broker   realtime.Broker
	dedupTTL time.Duration
	dedupMax int
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for the client and all routing components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRedisBroker enables the best-effort real-time channel over Redis
// pub/sub.
func WithRedisBroker(url string) ClientOption {
	return func(c *clientConfig) {
		c.broker = realtime.NewRedisBroker(url)
	}
}

// WithAMQPBroker enables the best-effort real-time channel over
// RabbitMQ.
func WithAMQPBroker(url string) ClientOption {
	return func(c *clientConfig) {
		c.broker = realtime.NewAMQPBroker(url)
	}
}

// WithBroker enables the best-effort real-time channel over a custom
// broker.
func WithBroker(broker realtime.Broker) ClientOption {
	return func(c *clientConfig) {
		c.broker = broker
	}
}

// WithDedupWindow tunes the deduplication cache.
func WithDedupWindow(maxSize int, ttl time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.dedupMax = maxSize
		c.dedupTTL = ttl
	}
}

// NewClient creates a client over the given vault path. With no broker
// option the client runs in durable file-only mode. When a broker is
// configured, Connect brings the real-time channel up; a failed connect
// leaves the client fully functional in file-only mode.
func NewClient(vaultPath string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	routerOpts := []routing.RouterOption{
		routing.WithRouterLogger(cfg.logger),
	}
	if cfg.broker != nil {
		routerOpts = append(routerOpts, routing.WithRealtimeBroker(cfg.broker))
	}
	if cfg.dedupMax > 0 || cfg.dedupTTL > 0 {
		var dedupOpts []routing.DedupOption
		if cfg.dedupMax > 0 {
			dedupOpts = append(dedupOpts, routing.WithDedupMaxSize(cfg.dedupMax))
		}
		if cfg.dedupTTL > 0 {
			dedupOpts = append(dedupOpts, routing.WithDedupTTL(cfg.dedupTTL))
		}
		routerOpts = append(routerOpts, routing.WithDeduplicator(routing.NewDeduplicator(dedupOpts...)))
	}

	router, err := routing.NewRouter(vaultPath, routerOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{router: router}, nil
}

// Connect brings up the real-time channel when one is configured and
// reports whether it is live.
func (c *Client) Connect(ctx context.Context) bool {
	return c.router.Connect(ctx)
}

// Route delivers a message to its recipient.
func (c *Client) Route(ctx context.Context, msg *contracts.Message) error {
	return c.router.Route(ctx, msg)
}

// Receive returns up to limit pending messages for a role, filtered and
// priority-ordered.
func (c *Client) Receive(ctx context.Context, role contracts.Role, limit int) ([]*contracts.Message, error) {
	return c.router.Receive(ctx, role, limit)
}

// Acknowledge marks a received message as processed.
func (c *Client) Acknowledge(ctx context.Context, msg *contracts.Message, role contracts.Role) error {
	return c.router.Acknowledge(ctx, msg, role)
}

// Subscribe runs the real-time listen loop for a role until ctx is
// cancelled. It returns routing.ErrRealtimeUnavailable in file-only
// mode.
func (c *Client) Subscribe(ctx context.Context, role contracts.Role, callback func(*contracts.Message) error) error {
	return c.router.Subscribe(ctx, role, callback)
}

// DeadLetters exposes the dead letter queue for operator tooling.
func (c *Client) DeadLetters() *routing.DeadLetterQueue {
	return c.router.DeadLetters()
}

// EnforceTTL runs one TTL sweep and returns the number of messages
// expired.
func (c *Client) EnforceTTL() int {
	return c.router.EnforceTTL()
}

// Status reports the transport kind and component counters.
func (c *Client) Status() routing.RouterStatus {
	return c.router.Status()
}

// Close releases transport and broker resources.
func (c *Client) Close() error {
	return c.router.Close()
}
