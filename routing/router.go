package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
	"github.com/vaultrelay/vaultrelay-go/internal/realtime"
)

const defaultReceiveLimit = 10

// Router orchestrates the transport, deduplicator, dead letter queue
// and TTL enforcer behind Route, Receive and Acknowledge. It owns its
// component instances; construct one per process and pass it by
// reference.
type Router struct {
	transport Transport
	durable   *FileTransport
	realtime  *BestEffortTransport // nil in file-only mode
	dedup     *Deduplicator
	dlq       *DeadLetterQueue
	enforcer  *TTLEnforcer
	logger    *slog.Logger
	now       func() time.Time
	kind      string
}

// RouterStatus is a cheap snapshot of router state.
type RouterStatus struct {
	Transport       string `json:"transport"`
	DedupCacheSize  int    `json:"dedup_cache_size"`
	DeadLetterCount int    `json:"dead_letter_count"`
}

type routerConfig struct {
	logger    *slog.Logger
	now       func() time.Time
	broker    realtime.Broker
	transport Transport
	dedup     *Deduplicator
}

// RouterOption configures the Router.
type RouterOption func(*routerConfig)

// WithRouterLogger sets the logger for the router and every component it
// constructs.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(c *routerConfig) {
		c.logger = logger
	}
}

// WithRouterClock overrides the time source for expiry and dedup policy.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(c *routerConfig) {
		c.now = now
	}
}

// WithRealtimeBroker layers a best-effort pub/sub channel over the
// durable transport.
func WithRealtimeBroker(broker realtime.Broker) RouterOption {
	return func(c *routerConfig) {
		c.broker = broker
	}
}

// WithTransport replaces the outbound transport. The durable file layer
// still backs acknowledge, dead-letter moves and TTL enforcement.
func WithTransport(t Transport) RouterOption {
	return func(c *routerConfig) {
		c.transport = t
	}
}

// WithDeduplicator replaces the default deduplicator.
func WithDeduplicator(d *Deduplicator) RouterOption {
	return func(c *routerConfig) {
		c.dedup = d
	}
}

// NewRouter creates a router over the shared message root. Only
// construction can fail; steady-state routing folds failures into the
// retry/DLQ policy instead of propagating them.
func NewRouter(root string, options ...RouterOption) (*Router, error) {
	cfg := &routerConfig{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(cfg)
	}

	durable, err := NewFileTransport(root, WithFileTransportLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	dlq, err := NewDeadLetterQueue(root, WithDLQLogger(cfg.logger), WithDLQClock(cfg.now))
	if err != nil {
		return nil, err
	}

	r := &Router{
		durable:  durable,
		dlq:      dlq,
		enforcer: NewTTLEnforcer(root, dlq, WithTTLLogger(cfg.logger), WithTTLClock(cfg.now)),
		logger:   cfg.logger,
		now:      cfg.now,
		kind:     "file",
	}

	r.dedup = cfg.dedup
	if r.dedup == nil {
		r.dedup = NewDeduplicator(WithDedupClock(cfg.now))
	}

	switch {
	case cfg.transport != nil:
		r.transport = cfg.transport
		r.kind = "custom"
	case cfg.broker != nil:
		r.realtime = NewBestEffortTransport(durable, cfg.broker, WithBestEffortLogger(cfg.logger))
		r.transport = r.realtime
		r.kind = cfg.broker.Name()
	default:
		r.transport = durable
	}

	cfg.logger.Info("message router initialized", "transport", r.kind)
	return r, nil
}

// Connect brings up the real-time channel when one is configured and
// reports whether it is live. File-only routers always report false.
func (r *Router) Connect(ctx context.Context) bool {
	if r.realtime == nil {
		return false
	}
	return r.realtime.Connect(ctx)
}

// Route delivers a message to its recipient.
//
// Policy, in order: a duplicate id is dropped without touching the
// transport (ErrDuplicateMessage); an already-expired message goes
// straight to the DLQ (ErrMessageExpired); a successful send marks the
// id seen and the message delivered; a failed send increments the retry
// count and either returns the transport error with the message left
// pending for the caller to re-dispatch, or dead-letters it once the
// retry budget is exhausted (ErrRetriesExhausted).
func (r *Router) Route(ctx context.Context, msg *contracts.Message) error {
	if r.dedup.IsDuplicate(msg) {
		r.logger.Warn("duplicate message dropped", "messageId", msg.ID)
		return ErrDuplicateMessage
	}

	if msg.IsExpired(r.now()) {
		r.logger.Warn("message expired before routing", "messageId", msg.ID)
		if err := r.dlq.Add(msg, ReasonExpiredBeforeRouting); err != nil {
			r.logger.Error("failed to dead-letter expired message",
				"messageId", msg.ID,
				"error", err,
			)
		}
		return ErrMessageExpired
	}

	if err := r.transport.Send(ctx, msg); err != nil {
		msg.RetryCount++
		if msg.RetryCount >= msg.MaxRetries {
			if dlqErr := r.dlq.Add(msg, ReasonMaxRetriesExceeded); dlqErr != nil {
				r.logger.Error("failed to dead-letter exhausted message",
					"messageId", msg.ID,
					"error", dlqErr,
				)
			}
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, msg.RetryCount, err)
		}
		msg.Status = contracts.StatusPending
		return err
	}

	r.dedup.MarkSeen(msg)
	msg.Status = contracts.StatusDelivered
	r.logger.Info("message routed",
		"messageId", msg.ID,
		"recipient", msg.Recipient,
		"priority", msg.Priority,
	)
	return nil
}

// Receive returns up to limit messages for a role, deduplicated,
// non-expired, integrity-verified and ordered by ascending priority
// rank. TTL enforcement runs eagerly first, then candidates are
// overfetched so that dropped ones do not starve the batch.
func (r *Router) Receive(ctx context.Context, role contracts.Role, limit int) ([]*contracts.Message, error) {
	if limit <= 0 {
		limit = defaultReceiveLimit
	}

	r.enforcer.Enforce()

	candidates, err := r.transport.Receive(ctx, role, limit*2)
	if err != nil {
		return nil, err
	}

	valid := make([]*contracts.Message, 0, limit)
	for _, msg := range candidates {
		if r.dedup.IsDuplicate(msg) {
			r.ackQuietly(ctx, msg, role)
			continue
		}

		if msg.IsExpired(r.now()) {
			if err := r.dlq.Add(msg, ReasonTTLExpired); err != nil {
				r.logger.Error("failed to dead-letter expired message",
					"messageId", msg.ID,
					"error", err,
				)
			}
			r.ackQuietly(ctx, msg, role)
			continue
		}

		if !msg.VerifyChecksum() {
			integrityErr := &contracts.IntegrityError{
				MessageID: msg.ID,
				Expected:  msg.Checksum,
				Actual:    msg.ComputeChecksum(),
			}
			r.logger.Error("checksum verification failed", "error", integrityErr)
			// Move the inbox copy first; Add then stamps the relocated
			// record with the reason.
			if err := r.durable.MoveToDeadLetter(ctx, msg, role); err != nil {
				r.logger.Error("failed to move corrupt message to dead letter",
					"messageId", msg.ID,
					"error", err,
				)
			}
			if err := r.dlq.Add(msg, ReasonChecksumMismatch); err != nil {
				r.logger.Error("failed to dead-letter corrupt message",
					"messageId", msg.ID,
					"error", err,
				)
			}
			continue
		}

		r.dedup.MarkSeen(msg)
		valid = append(valid, msg)
		if len(valid) >= limit {
			break
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority.Rank() < valid[j].Priority.Rank()
	})
	return valid, nil
}

// Acknowledge moves a processed message from the role's inbox into
// processed/. ErrMessageNotFound means it was already acknowledged or
// dead-lettered.
func (r *Router) Acknowledge(ctx context.Context, msg *contracts.Message, role contracts.Role) error {
	return r.durable.Acknowledge(ctx, msg, role)
}

// Subscribe runs the best-effort listen loop for a role. It returns
// ErrRealtimeUnavailable on file-only routers or when the broker never
// connected.
func (r *Router) Subscribe(ctx context.Context, role contracts.Role, callback func(*contracts.Message) error) error {
	if r.realtime == nil {
		return ErrRealtimeUnavailable
	}
	return r.realtime.Subscribe(ctx, role, callback)
}

// EnforceTTL runs one TTL sweep outside the receive path and returns
// the number of messages expired.
func (r *Router) EnforceTTL() int {
	return r.enforcer.Enforce()
}

// DeadLetters exposes the dead letter queue for operator tooling.
func (r *Router) DeadLetters() *DeadLetterQueue {
	return r.dlq
}

// Status reports the transport kind and cheap component counters.
func (r *Router) Status() RouterStatus {
	return RouterStatus{
		Transport:       r.kind,
		DedupCacheSize:  r.dedup.Size(),
		DeadLetterCount: r.dlq.Count(),
	}
}

// Close closes the transport.
func (r *Router) Close() error {
	return r.transport.Close()
}

// ackQuietly acknowledges a message that is being dropped; a missing
// inbox file is the expected case and not worth a log line.
func (r *Router) ackQuietly(ctx context.Context, msg *contracts.Message, role contracts.Role) {
	if err := r.durable.Acknowledge(ctx, msg, role); err != nil && !errors.Is(err, ErrMessageNotFound) {
		r.logger.Warn("failed to acknowledge dropped message",
			"messageId", msg.ID,
			"error", err,
		)
	}
}
