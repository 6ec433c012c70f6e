package contracts

import (
	"errors"
	"fmt"
)

var (
	// Envelope validation errors
	ErrInvalidRole      = errors.New("contracts: invalid role")
	ErrMissingID        = errors.New("contracts: missing message id")
	ErrMissingTimestamp = errors.New("contracts: missing timestamp")
)

// TransportError reports an I/O failure while sending or receiving a
// message. Routing policy treats it as retryable.
type TransportError struct {
	Op        string // Operation that failed
	MessageID string // Message involved, if known
	Err       error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("transport error: %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
	}
	return fmt.Sprintf("transport error: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError reports a corrupt or unreadable message document. Listing
// operations skip the offending file rather than aborting the batch.
type ParseError struct {
	File string // Source file, if any
	Err  error  // Underlying error
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("parse error in %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a checksum mismatch detected on receive. The
// message is preserved in the dead letter queue for forensics.
type IntegrityError struct {
	MessageID string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: message %s checksum %s does not match computed %s", e.MessageID, e.Expected, e.Actual)
}
