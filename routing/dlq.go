package routing

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

// Dead-letter reasons recorded in metadata.dlq_reason.
const (
	ReasonTTLExpired           = "ttl_expired"
	ReasonExpiredBeforeRouting = "expired_before_routing"
	ReasonMaxRetriesExceeded   = "max_retries_exceeded"
	ReasonChecksumMismatch     = "checksum_mismatch"
)

// DefaultPurgeAge is the retention window the operator CLI uses when
// purging the queue.
const DefaultPurgeAge = 72 * time.Hour

// DeadLetterQueue persists messages that could not be delivered or
// failed validation. Records are keyed by message id, one JSON file per
// id, so re-adding the same message is an idempotent overwrite.
type DeadLetterQueue struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// DLQOption configures the DeadLetterQueue.
type DLQOption func(*DeadLetterQueue)

// WithDLQLogger sets the logger.
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(q *DeadLetterQueue) {
		q.logger = logger
	}
}

// WithDLQClock overrides the time source.
func WithDLQClock(now func() time.Time) DLQOption {
	return func(q *DeadLetterQueue) {
		q.now = now
	}
}

// NewDeadLetterQueue creates the queue rooted at the shared message
// directory, creating dead_letter/ if needed.
func NewDeadLetterQueue(root string, options ...DLQOption) (*DeadLetterQueue, error) {
	q := &DeadLetterQueue{
		dir:    filepath.Join(root, messagesDir, deadLetterDir),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(q)
	}

	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return nil, fmt.Errorf("routing: create dead letter directory: %w", err)
	}
	return q, nil
}

// Add records the message with the given reason. The message itself is
// stamped: status becomes dead_letter and the reason and timestamp land
// in metadata.
func (q *DeadLetterQueue) Add(msg *contracts.Message, reason string) error {
	msg.Status = contracts.StatusDeadLetter
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata["dlq_reason"] = reason
	msg.Metadata["dlq_timestamp"] = q.now().UTC().Format(time.RFC3339Nano)

	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("routing: serialize dead letter %s: %w", msg.ID, err)
	}
	if err := os.WriteFile(q.path(msg.ID), data, 0o644); err != nil {
		return fmt.Errorf("routing: write dead letter %s: %w", msg.ID, err)
	}

	q.logger.Warn("message dead-lettered",
		"messageId", msg.ID,
		"reason", reason,
	)
	return nil
}

// List returns up to limit dead-lettered messages, newest first by file
// modification time. Unreadable records are logged and skipped.
func (q *DeadLetterQueue) List(limit int) ([]*contracts.Message, error) {
	files, err := listByModTime(q.dir, true)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("routing: list dead letters: %w", err)
	}

	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	messages := make([]*contracts.Message, 0, len(files))
	for _, path := range files {
		msg, err := readMessageFile(path)
		if err != nil {
			q.logger.Error("failed to read dead letter file",
				"file", filepath.Base(path),
				"error", err,
			)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Retry removes the record and returns the message reset to pending
// with retry_count incremented. The caller is solely responsible for
// resubmitting it to Route; the queue does not auto-requeue, so a caller
// that drops the returned message has lost it.
func (q *DeadLetterQueue) Retry(id string) (*contracts.Message, error) {
	path := q.path(id)
	msg, err := readMessageFile(path)
	if err != nil {
		var parseErr *contracts.ParseError
		if errors.As(err, &parseErr) && errors.Is(parseErr.Err, fs.ErrNotExist) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	msg.Status = contracts.StatusPending
	msg.RetryCount++

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("routing: remove dead letter %s: %w", id, err)
	}
	return msg, nil
}

// Purge deletes records whose embedded timestamp is older than the
// given age and returns how many were removed. Unparsable records are
// skipped; purging is best-effort cleanup.
func (q *DeadLetterQueue) Purge(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("routing: list dead letters: %w", err)
	}

	cutoff := q.now().Add(-olderThan)
	purged := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(q.dir, entry.Name())
		msg, err := readMessageFile(path)
		if err != nil {
			continue
		}
		if msg.Timestamp.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				continue
			}
			purged++
		}
	}

	q.logger.Info("dead letter queue purged", "removed", purged)
	return purged, nil
}

// Count returns the number of dead-lettered messages.
func (q *DeadLetterQueue) Count() int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count
}

func (q *DeadLetterQueue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}
