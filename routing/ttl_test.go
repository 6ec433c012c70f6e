package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

func TestTTLEnforcer(t *testing.T) {
	t.Run("expires messages past their ttl", func(t *testing.T) {
		transport, root := newTestFileTransport(t)
		dlq, err := NewDeadLetterQueue(root, WithDLQLogger(testLogger()))
		require.NoError(t, err)

		clock := newFakeClock()
		clock.now = time.Now().UTC()
		enforcer := NewTTLEnforcer(root, dlq, WithTTLLogger(testLogger()), WithTTLClock(clock.Now))

		expired := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(1))
		fresh := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(3600))
		require.NoError(t, transport.Send(context.Background(), expired))
		require.NoError(t, transport.Send(context.Background(), fresh))

		clock.Advance(2 * time.Second)
		count := enforcer.Enforce()

		assert.Equal(t, 1, count)
		assert.NoFileExists(t, inboxFile(root, contracts.RoleLocal, expired.ID))
		assert.FileExists(t, inboxFile(root, contracts.RoleLocal, fresh.ID))

		listed, err := dlq.List(10)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, expired.ID, listed[0].ID)
		assert.Equal(t, ReasonTTLExpired, listed[0].Metadata["dlq_reason"])
		assert.Equal(t, contracts.StatusDeadLetter, listed[0].Status)
	})

	t.Run("sweeps every role inbox", func(t *testing.T) {
		transport, root := newTestFileTransport(t)
		dlq, err := NewDeadLetterQueue(root, WithDLQLogger(testLogger()))
		require.NoError(t, err)

		clock := newFakeClock()
		clock.now = time.Now().UTC()
		enforcer := NewTTLEnforcer(root, dlq, WithTTLLogger(testLogger()), WithTTLClock(clock.Now))

		toLocal := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(1))
		toCloud := newTestMessage(t, contracts.RoleLocal, contracts.RoleCloud, contracts.WithTTL(1))
		require.NoError(t, transport.Send(context.Background(), toLocal))
		require.NoError(t, transport.Send(context.Background(), toCloud))

		clock.Advance(2 * time.Second)
		assert.Equal(t, 2, enforcer.Enforce())
	})

	t.Run("a corrupt file does not stop the sweep", func(t *testing.T) {
		transport, root := newTestFileTransport(t)
		dlq, err := NewDeadLetterQueue(root, WithDLQLogger(testLogger()))
		require.NoError(t, err)

		clock := newFakeClock()
		clock.now = time.Now().UTC()
		enforcer := NewTTLEnforcer(root, dlq, WithTTLLogger(testLogger()), WithTTLClock(clock.Now))

		require.NoError(t, os.WriteFile(filepath.Join(root, "Messages", "inbox", "local", "aaa-corrupt.json"), []byte("{broken"), 0o644))
		expired := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(1))
		require.NoError(t, transport.Send(context.Background(), expired))

		clock.Advance(2 * time.Second)
		assert.Equal(t, 1, enforcer.Enforce())
		assert.FileExists(t, filepath.Join(root, "Messages", "inbox", "local", "aaa-corrupt.json"))
	})

	t.Run("missing inboxes are skipped", func(t *testing.T) {
		root := t.TempDir()
		dlq, err := NewDeadLetterQueue(root, WithDLQLogger(testLogger()))
		require.NoError(t, err)

		enforcer := NewTTLEnforcer(root, dlq, WithTTLLogger(testLogger()))
		assert.Equal(t, 0, enforcer.Enforce())
	})
}
