package routing

import (
	"context"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

// Transport defines the contract for message delivery between roles.
type Transport interface {
	// Send delivers a message to its recipient.
	Send(ctx context.Context, msg *contracts.Message) error

	// Receive returns up to limit pending messages for a role, oldest
	// first. A corrupt message file is skipped, never failing the batch.
	Receive(ctx context.Context, role contracts.Role, limit int) ([]*contracts.Message, error)

	// Close releases transport resources.
	Close() error
}
