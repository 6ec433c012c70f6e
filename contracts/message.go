package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies one of the two cooperating agents. Each role owns an
// inbox/outbox pair under the shared message root.
type Role string

const (
	RoleCloud Role = "cloud"
	RoleLocal Role = "local"
)

// Roles returns all known agent roles.
func Roles() []Role {
	return []Role{RoleCloud, RoleLocal}
}

// Valid reports whether the role is a known agent role.
func (r Role) Valid() bool {
	return r == RoleCloud || r == RoleLocal
}

// MessageType classifies the intent of a message.
type MessageType string

const (
	TypeTaskDelegation   MessageType = "task_delegation"
	TypeApprovalRequest  MessageType = "approval_request"
	TypeApprovalResponse MessageType = "approval_response"
	TypeStatusUpdate     MessageType = "status_update"
	TypeResultDelivery   MessageType = "result_delivery"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeError            MessageType = "error"
)

// Priority controls delivery ordering within a received batch.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the sort rank of a priority. Lower ranks deliver first;
// unknown priorities sort after all known ones.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 99
	}
}

// Status tracks a message through its delivery lifecycle. Status only
// moves forward; the one sanctioned regression is an operator retry out
// of the dead letter queue, which resets a message to StatusPending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivered  Status = "delivered"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusDeadLetter Status = "dead_letter"
)

const (
	// DefaultTTLSeconds is the time-to-live applied when none is given.
	DefaultTTLSeconds = 3600

	// DefaultMaxRetries is the send attempt budget applied when none is given.
	DefaultMaxRetries = 3
)

// Message is the envelope exchanged between the cloud and local agents.
// The payload is opaque JSON; the envelope fields are fixed and carried
// verbatim on the wire and on disk.
type Message struct {
	ID               string          `json:"message_id"`
	Sender           Role            `json:"sender"`
	Recipient        Role            `json:"recipient"`
	Type             MessageType     `json:"message_type"`
	Priority         Priority        `json:"priority"`
	Status           Status          `json:"status"`
	Timestamp        time.Time       `json:"timestamp"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	TTLSeconds       int             `json:"ttl_seconds"`
	Checksum         string          `json:"checksum"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         map[string]any  `json:"metadata"`
}

// MessageOption configures a new message.
type MessageOption func(*Message)

// WithPriority sets the message priority.
func WithPriority(p Priority) MessageOption {
	return func(m *Message) {
		m.Priority = p
	}
}

// WithCorrelationID links the message to a prior exchange.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithTTL sets the time-to-live in seconds.
func WithTTL(seconds int) MessageOption {
	return func(m *Message) {
		m.TTLSeconds = seconds
	}
}

// WithMaxRetries sets the send attempt budget.
func WithMaxRetries(n int) MessageOption {
	return func(m *Message) {
		m.MaxRetries = n
	}
}

// WithRequiresApproval marks the message as needing human approval.
func WithRequiresApproval(required bool) MessageOption {
	return func(m *Message) {
		m.RequiresApproval = required
	}
}

// WithMetadata sets a metadata entry.
func WithMetadata(key string, value any) MessageOption {
	return func(m *Message) {
		m.Metadata[key] = value
	}
}

// NewMessage creates a message with a generated id, a UTC timestamp and a
// stamped checksum. The payload is serialized once at construction.
func NewMessage(sender, recipient Role, msgType MessageType, payload any, options ...MessageOption) (*Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, sender)
	}
	if !recipient.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, recipient)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal payload: %w", err)
	}

	m := &Message{
		ID:         uuid.New().String(),
		Sender:     sender,
		Recipient:  recipient,
		Type:       msgType,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		Timestamp:  time.Now().UTC(),
		TTLSeconds: DefaultTTLSeconds,
		MaxRetries: DefaultMaxRetries,
		Payload:    body,
		Metadata:   make(map[string]any),
	}

	for _, opt := range options {
		opt(m)
	}

	m.Checksum = m.ComputeChecksum()
	return m, nil
}

// ToJSON serializes the message to the on-disk/wire representation.
func (m *Message) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal message: %w", err)
	}
	return data, nil
}

// FromJSON parses a message from its on-disk/wire representation. Enum
// fields are validated; a malformed document returns a *ParseError.
func FromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &m, nil
}

// Validate checks the envelope's required fields and enum values.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !m.Sender.Valid() {
		return fmt.Errorf("%w: sender %q", ErrInvalidRole, m.Sender)
	}
	if !m.Recipient.Valid() {
		return fmt.Errorf("%w: recipient %q", ErrInvalidRole, m.Recipient)
	}
	if m.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// ComputeChecksum digests the identity-bearing fields of the envelope.
// The payload is normalized through a decode/encode round trip so key
// order in the raw JSON does not affect the digest.
func (m *Message) ComputeChecksum() string {
	var payload any
	if len(m.Payload) > 0 {
		// A payload that does not decode hashes as null, which still
		// changes the digest whenever the payload bytes were tampered
		// into invalid JSON.
		_ = json.Unmarshal(m.Payload, &payload)
	}

	canonical, err := json.Marshal(map[string]any{
		"message_id":   m.ID,
		"sender":       m.Sender,
		"recipient":    m.Recipient,
		"message_type": m.Type,
		"payload":      payload,
		"timestamp":    m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// VerifyChecksum reports whether the stored checksum matches the current
// envelope contents.
func (m *Message) VerifyChecksum() bool {
	return m.Checksum != "" && m.Checksum == m.ComputeChecksum()
}

// IsExpired reports whether the message's TTL had elapsed at the given
// instant.
func (m *Message) IsExpired(at time.Time) bool {
	return at.Sub(m.Timestamp) > time.Duration(m.TTLSeconds)*time.Second
}

// IsExpiredNow reports whether the message's TTL has elapsed.
func (m *Message) IsExpiredNow() bool {
	return m.IsExpired(time.Now().UTC())
}
