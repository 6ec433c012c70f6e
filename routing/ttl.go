package routing

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

// TTLEnforcer sweeps every role's inbox and moves messages past their
// TTL into the dead letter queue. The router runs it eagerly at the
// start of every receive; a periodic caller may also invoke it
// independently.
type TTLEnforcer struct {
	msgDir string
	dlq    *DeadLetterQueue
	roles  []contracts.Role
	logger *slog.Logger
	now    func() time.Time
}

// TTLOption configures the TTLEnforcer.
type TTLOption func(*TTLEnforcer)

// WithTTLLogger sets the logger.
func WithTTLLogger(logger *slog.Logger) TTLOption {
	return func(e *TTLEnforcer) {
		e.logger = logger
	}
}

// WithTTLClock overrides the time source.
func WithTTLClock(now func() time.Time) TTLOption {
	return func(e *TTLEnforcer) {
		e.now = now
	}
}

// WithTTLRoles overrides the set of inboxes to sweep.
func WithTTLRoles(roles []contracts.Role) TTLOption {
	return func(e *TTLEnforcer) {
		e.roles = roles
	}
}

// NewTTLEnforcer creates an enforcer over the shared message directory.
func NewTTLEnforcer(root string, dlq *DeadLetterQueue, options ...TTLOption) *TTLEnforcer {
	e := &TTLEnforcer{
		msgDir: filepath.Join(root, messagesDir),
		dlq:    dlq,
		roles:  contracts.Roles(),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Enforce sweeps all inboxes once and returns the number of messages
// expired. A failure on one file is logged and never stops the sweep.
func (e *TTLEnforcer) Enforce() int {
	expired := 0
	for _, role := range e.roles {
		inbox := filepath.Join(e.msgDir, inboxDir, string(role))
		entries, err := os.ReadDir(inbox)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				e.logger.Error("cannot list inbox for TTL sweep",
					"role", role,
					"error", err,
				)
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(inbox, entry.Name())

			msg, err := readMessageFile(path)
			if err != nil {
				e.logger.Error("skipping unreadable inbox file during TTL sweep",
					"file", entry.Name(),
					"error", err,
				)
				continue
			}
			if !msg.IsExpired(e.now()) {
				continue
			}

			msg.Status = contracts.StatusExpired
			if err := e.dlq.Add(msg, ReasonTTLExpired); err != nil {
				e.logger.Error("failed to dead-letter expired message",
					"messageId", msg.ID,
					"error", err,
				)
				continue
			}
			if err := os.Remove(path); err != nil {
				e.logger.Error("failed to remove expired inbox file",
					"messageId", msg.ID,
					"error", err,
				)
				continue
			}

			expired++
			e.logger.Info("message expired",
				"messageId", msg.ID,
				"ttlSeconds", msg.TTLSeconds,
			)
		}
	}
	return expired
}
