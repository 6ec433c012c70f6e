package routing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

const (
	messagesDir   = "Messages"
	inboxDir      = "inbox"
	outboxDir     = "outbox"
	processedDir  = "processed"
	deadLetterDir = "dead_letter"
)

// FileTransport is the durable transport. The shared directory tree is
// ground truth for all delivery state; every message is one JSON file
// and every state change is a write or an atomic rename.
type FileTransport struct {
	msgDir string
	logger *slog.Logger
}

// FileTransportOption configures the FileTransport.
type FileTransportOption func(*FileTransport)

// WithFileTransportLogger sets the logger.
func WithFileTransportLogger(logger *slog.Logger) FileTransportOption {
	return func(t *FileTransport) {
		t.logger = logger
	}
}

// NewFileTransport creates a file transport rooted at the given path and
// creates the directory layout idempotently. An unwritable root is a
// construction failure and propagates.
func NewFileTransport(root string, options ...FileTransportOption) (*FileTransport, error) {
	t := &FileTransport{
		msgDir: filepath.Join(root, messagesDir),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	subdirs := []string{
		filepath.Join(inboxDir, string(contracts.RoleCloud)),
		filepath.Join(inboxDir, string(contracts.RoleLocal)),
		filepath.Join(outboxDir, string(contracts.RoleCloud)),
		filepath.Join(outboxDir, string(contracts.RoleLocal)),
		processedDir,
		deadLetterDir,
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(t.msgDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("routing: create message directory %s: %w", sub, err)
		}
	}

	return t, nil
}

// Send writes the message twice: to the sender's outbox as the audit
// trail, then to the recipient's inbox for delivery. Neither write is
// rolled back on failure of the other. Re-sending an id overwrites the
// previous files; idempotent overwrite is the documented resolution for
// concurrent same-id writers.
func (t *FileTransport) Send(ctx context.Context, msg *contracts.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msg.ToJSON()
	if err != nil {
		return &contracts.TransportError{Op: "serialize", MessageID: msg.ID, Err: err}
	}

	outboxFile := filepath.Join(t.msgDir, outboxDir, string(msg.Sender), msg.ID+".json")
	if err := os.WriteFile(outboxFile, data, 0o644); err != nil {
		return &contracts.TransportError{Op: "write outbox", MessageID: msg.ID, Err: err}
	}

	inboxFile := t.inboxPath(msg.Recipient, msg.ID)
	if err := os.WriteFile(inboxFile, data, 0o644); err != nil {
		return &contracts.TransportError{Op: "write inbox", MessageID: msg.ID, Err: err}
	}

	t.logger.Info("file transport delivered",
		"messageId", msg.ID,
		"sender", msg.Sender,
		"recipient", msg.Recipient,
	)
	return nil
}

// Receive lists the role's inbox oldest-modified-first, truncates to
// limit and parses each file. A file that fails to parse is logged and
// skipped.
func (t *FileTransport) Receive(ctx context.Context, role contracts.Role, limit int) ([]*contracts.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inbox := filepath.Join(t.msgDir, inboxDir, string(role))
	files, err := listByModTime(inbox, false)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &contracts.TransportError{Op: "list inbox", Err: err}
	}

	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	messages := make([]*contracts.Message, 0, len(files))
	for _, path := range files {
		msg, err := readMessageFile(path)
		if err != nil {
			t.logger.Error("failed to parse inbox file",
				"file", filepath.Base(path),
				"error", err,
			)
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Acknowledge atomically renames the inbox copy into processed/. It
// returns ErrMessageNotFound if the file is already gone.
func (t *FileTransport) Acknowledge(ctx context.Context, msg *contracts.Message, role contracts.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inboxFile := t.inboxPath(role, msg.ID)
	processedFile := filepath.Join(t.msgDir, processedDir, msg.ID+".json")

	if err := os.Rename(inboxFile, processedFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrMessageNotFound
		}
		return &contracts.TransportError{Op: "acknowledge", MessageID: msg.ID, Err: err}
	}
	return nil
}

// MoveToDeadLetter renames the inbox copy into dead_letter/ when it
// still exists, preserving the original bytes for forensics. When the
// inbox file is already gone the message is re-serialized directly into
// dead_letter/.
func (t *FileTransport) MoveToDeadLetter(ctx context.Context, msg *contracts.Message, role contracts.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inboxFile := t.inboxPath(role, msg.ID)
	deadFile := filepath.Join(t.msgDir, deadLetterDir, msg.ID+".json")

	err := os.Rename(inboxFile, deadFile)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return &contracts.TransportError{Op: "dead-letter move", MessageID: msg.ID, Err: err}
	}

	data, err := msg.ToJSON()
	if err != nil {
		return &contracts.TransportError{Op: "serialize", MessageID: msg.ID, Err: err}
	}
	if err := os.WriteFile(deadFile, data, 0o644); err != nil {
		return &contracts.TransportError{Op: "write dead letter", MessageID: msg.ID, Err: err}
	}
	return nil
}

// Close implements Transport. The file transport holds no open handles.
func (t *FileTransport) Close() error {
	return nil
}

func (t *FileTransport) inboxPath(role contracts.Role, id string) string {
	return filepath.Join(t.msgDir, inboxDir, string(role), id+".json")
}

// readMessageFile loads and parses one message document.
func readMessageFile(path string) (*contracts.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &contracts.ParseError{File: filepath.Base(path), Err: err}
	}
	msg, err := contracts.FromJSON(data)
	if err != nil {
		var parseErr *contracts.ParseError
		if errors.As(err, &parseErr) {
			parseErr.File = filepath.Base(path)
		}
		return nil, err
	}
	return msg, nil
}

// listByModTime returns the .json files in dir ordered by modification
// time, newest first when desc is set.
func listByModTime(dir string, desc bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if desc {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
