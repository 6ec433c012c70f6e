package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultrelay/vaultrelay-go/contracts"
)

// fakeTransport counts sends and injects failures.
type fakeTransport struct {
	sendErr   error
	sendCalls int
	batch     []*contracts.Message
}

func (f *fakeTransport) Send(ctx context.Context, msg *contracts.Message) error {
	f.sendCalls++
	return f.sendErr
}

func (f *fakeTransport) Receive(ctx context.Context, role contracts.Role, limit int) ([]*contracts.Message, error) {
	if limit > 0 && len(f.batch) > limit {
		return f.batch[:limit], nil
	}
	return f.batch, nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestRouter(t *testing.T, root string, options ...RouterOption) *Router {
	t.Helper()
	options = append([]RouterOption{WithRouterLogger(testLogger())}, options...)
	router, err := NewRouter(root, options...)
	require.NoError(t, err)
	return router
}

func TestRouterRoute(t *testing.T) {
	t.Run("delivers and marks the message", func(t *testing.T) {
		root := t.TempDir()
		router := newTestRouter(t, root)
		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)

		require.NoError(t, router.Route(context.Background(), msg))

		assert.Equal(t, contracts.StatusDelivered, msg.Status)
		assert.FileExists(t, inboxFile(root, contracts.RoleLocal, msg.ID))
		assert.Equal(t, 1, router.Status().DedupCacheSize)
	})

	t.Run("routing twice is idempotent", func(t *testing.T) {
		transport := &fakeTransport{}
		router := newTestRouter(t, t.TempDir(), WithTransport(transport))
		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)

		require.NoError(t, router.Route(context.Background(), msg))
		err := router.Route(context.Background(), msg)

		assert.ErrorIs(t, err, ErrDuplicateMessage)
		assert.Equal(t, 1, transport.sendCalls, "second route must never touch the transport")
	})

	t.Run("pre-expired messages go straight to the DLQ", func(t *testing.T) {
		transport := &fakeTransport{}
		clock := newFakeClock()
		clock.now = time.Now().UTC()
		router := newTestRouter(t, t.TempDir(), WithTransport(transport), WithRouterClock(clock.Now))

		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(1))
		clock.Advance(2 * time.Second)

		err := router.Route(context.Background(), msg)

		assert.ErrorIs(t, err, ErrMessageExpired)
		assert.Equal(t, 0, transport.sendCalls)
		assert.Equal(t, 1, router.Status().DeadLetterCount)

		listed, listErr := router.DeadLetters().List(10)
		require.NoError(t, listErr)
		require.Len(t, listed, 1)
		assert.Equal(t, ReasonExpiredBeforeRouting, listed[0].Metadata["dlq_reason"])
	})

	t.Run("send failure leaves the message pending for re-dispatch", func(t *testing.T) {
		transport := &fakeTransport{sendErr: errors.New("disk full")}
		router := newTestRouter(t, t.TempDir(), WithTransport(transport))

		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithMaxRetries(3))
		err := router.Route(context.Background(), msg)

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 1, msg.RetryCount)
		assert.Equal(t, contracts.StatusPending, msg.Status)
		assert.Equal(t, 0, router.Status().DeadLetterCount)
	})

	t.Run("exhausted retries dead-letter the message", func(t *testing.T) {
		transport := &fakeTransport{sendErr: errors.New("disk full")}
		router := newTestRouter(t, t.TempDir(), WithTransport(transport))

		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithMaxRetries(2))

		err := router.Route(context.Background(), msg)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrRetriesExhausted)

		err = router.Route(context.Background(), msg)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 2, msg.RetryCount)
		assert.Equal(t, contracts.StatusDeadLetter, msg.Status)

		listed, listErr := router.DeadLetters().List(10)
		require.NoError(t, listErr)
		require.Len(t, listed, 1)
		assert.Equal(t, msg.ID, listed[0].ID)
		assert.Equal(t, ReasonMaxRetriesExceeded, listed[0].Metadata["dlq_reason"])
	})
}

func TestRouterReceive(t *testing.T) {
	t.Run("orders by priority rank", func(t *testing.T) {
		// Sender and receiver are separate router instances sharing the
		// vault, as the two agent processes would be.
		root := t.TempDir()
		sender := newTestRouter(t, root)
		receiver := newTestRouter(t, root)

		a := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithPriority(contracts.PriorityNormal))
		b := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithPriority(contracts.PriorityCritical))
		require.NoError(t, sender.Route(context.Background(), a))
		require.NoError(t, sender.Route(context.Background(), b))

		got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, b.ID, got[0].ID)
		assert.Equal(t, a.ID, got[1].ID)
	})

	t.Run("stable within equal priorities", func(t *testing.T) {
		root := t.TempDir()
		sender := newTestRouter(t, root)
		receiver := newTestRouter(t, root)

		var ids []string
		for i := 0; i < 3; i++ {
			msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)
			require.NoError(t, sender.Route(context.Background(), msg))
			ids = append(ids, msg.ID)
			// Distinct mtimes keep the inbox ordering deterministic.
			path := inboxFile(root, contracts.RoleLocal, msg.ID)
			at := time.Now().Add(time.Duration(i-3) * time.Minute)
			require.NoError(t, os.Chtimes(path, at, at))
		}

		got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, msg := range got {
			assert.Equal(t, ids[i], msg.ID)
		}
	})

	t.Run("expired messages are dead-lettered, not returned", func(t *testing.T) {
		root := t.TempDir()
		sender := newTestRouter(t, root)

		clock := newFakeClock()
		clock.now = time.Now().UTC()
		receiver := newTestRouter(t, root, WithRouterClock(clock.Now))

		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(1))
		require.NoError(t, sender.Route(context.Background(), msg))

		clock.Advance(2 * time.Second)
		got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
		require.NoError(t, err)

		assert.Empty(t, got)
		assert.Equal(t, 1, receiver.Status().DeadLetterCount)
		assert.NoFileExists(t, inboxFile(root, contracts.RoleLocal, msg.ID))

		listed, listErr := receiver.DeadLetters().List(10)
		require.NoError(t, listErr)
		require.Len(t, listed, 1)
		assert.Equal(t, ReasonTTLExpired, listed[0].Metadata["dlq_reason"])
	})

	t.Run("checksum failures are preserved in dead_letter", func(t *testing.T) {
		root := t.TempDir()
		sender := newTestRouter(t, root)
		receiver := newTestRouter(t, root)

		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)
		msg.Payload = []byte(`{"tampered":true}`)
		require.NoError(t, sender.Route(context.Background(), msg))

		got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
		require.NoError(t, err)

		assert.Empty(t, got)
		assert.NoFileExists(t, inboxFile(root, contracts.RoleLocal, msg.ID))
		assert.FileExists(t, filepath.Join(root, "Messages", "dead_letter", msg.ID+".json"))

		listed, listErr := receiver.DeadLetters().List(10)
		require.NoError(t, listErr)
		require.Len(t, listed, 1)
		assert.Equal(t, ReasonChecksumMismatch, listed[0].Metadata["dlq_reason"])
		assert.Equal(t, contracts.StatusDeadLetter, listed[0].Status)
	})

	t.Run("duplicates are acknowledged and dropped", func(t *testing.T) {
		root := t.TempDir()
		sender := newTestRouter(t, root)
		receiver := newTestRouter(t, root)

		msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)
		require.NoError(t, sender.Route(context.Background(), msg))

		first, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		// The inbox copy is still present until acknowledged; a second
		// receive sees a duplicate and clears it.
		second, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
		require.NoError(t, err)
		assert.Empty(t, second)
		assert.NoFileExists(t, inboxFile(root, contracts.RoleLocal, msg.ID))
		assert.FileExists(t, filepath.Join(root, "Messages", "processed", msg.ID+".json"))
	})

	t.Run("returns at most limit messages", func(t *testing.T) {
		root := t.TempDir()
		sender := newTestRouter(t, root)
		receiver := newTestRouter(t, root)

		for i := 0; i < 5; i++ {
			require.NoError(t, sender.Route(context.Background(), newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)))
		}

		got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("zero limit uses the default", func(t *testing.T) {
		root := t.TempDir()
		receiver := newTestRouter(t, root)

		got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRouterAcknowledge(t *testing.T) {
	root := t.TempDir()
	sender := newTestRouter(t, root)
	receiver := newTestRouter(t, root)

	msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)
	require.NoError(t, sender.Route(context.Background(), msg))

	got, err := receiver.Receive(context.Background(), contracts.RoleLocal, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, receiver.Acknowledge(context.Background(), got[0], contracts.RoleLocal))
	assert.FileExists(t, filepath.Join(root, "Messages", "processed", msg.ID+".json"))

	err = receiver.Acknowledge(context.Background(), got[0], contracts.RoleLocal)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestRouterStatus(t *testing.T) {
	root := t.TempDir()
	router := newTestRouter(t, root)

	status := router.Status()
	assert.Equal(t, "file", status.Transport)
	assert.Equal(t, 0, status.DedupCacheSize)
	assert.Equal(t, 0, status.DeadLetterCount)

	msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal)
	require.NoError(t, router.Route(context.Background(), msg))

	status = router.Status()
	assert.Equal(t, 1, status.DedupCacheSize)
}

func TestRouterSubscribeFileOnly(t *testing.T) {
	router := newTestRouter(t, t.TempDir())
	err := router.Subscribe(context.Background(), contracts.RoleLocal, func(*contracts.Message) error { return nil })
	assert.ErrorIs(t, err, ErrRealtimeUnavailable)
}

func TestRouterEnforceTTL(t *testing.T) {
	root := t.TempDir()
	sender := newTestRouter(t, root)

	clock := newFakeClock()
	clock.now = time.Now().UTC()
	router := newTestRouter(t, root, WithRouterClock(clock.Now))

	msg := newTestMessage(t, contracts.RoleCloud, contracts.RoleLocal, contracts.WithTTL(1))
	require.NoError(t, sender.Route(context.Background(), msg))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, router.EnforceTTL())
	assert.Equal(t, 0, router.EnforceTTL())
}
