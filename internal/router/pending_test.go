package router

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingTable_RegisterResolve(t *testing.T) {
	table := newPendingTable()
	table.register("conn-1", "corr-1", time.Minute, nil)

	err := table.resolve("conn-1", "corr-1")
	require.NoError(t, err)

	// Resolved entries are removed; a second resolve sees nothing pending.
	err = table.resolve("conn-1", "corr-1")
	require.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestPendingTable_IdentityMismatch(t *testing.T) {
	table := newPendingTable()
	table.register("conn-1", "corr-1", time.Minute, nil)

	err := table.resolve("conn-2", "corr-1")
	require.ErrorIs(t, err, ErrIdentityMismatch)

	// The entry is still pending under the original identity.
	err = table.resolve("conn-1", "corr-1")
	require.NoError(t, err)
}

func TestPendingTable_NoPendingRequest(t *testing.T) {
	table := newPendingTable()
	err := table.resolve("conn-1", "corr-missing")
	require.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestPendingTable_DeadlineFires(t *testing.T) {
	table := newPendingTable()
	var fired atomic.Bool
	var gotCorrelation string
	var gotIdentity Identity

	table.register("conn-1", "corr-1", 10*time.Millisecond, func(correlation string, identity Identity) {
		fired.Store(true)
		gotCorrelation = correlation
		gotIdentity = identity
	})

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, "corr-1", gotCorrelation)
	require.Equal(t, Identity("conn-1"), gotIdentity)

	// Expired entries are gone.
	err := table.resolve("conn-1", "corr-1")
	require.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestPendingTable_ResolveCancelsTimer(t *testing.T) {
	table := newPendingTable()
	var fired atomic.Bool
	table.register("conn-1", "corr-1", 20*time.Millisecond, func(string, Identity) {
		fired.Store(true)
	})

	require.NoError(t, table.resolve("conn-1", "corr-1"))
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load(), "timer should have been cancelled by resolve")
}

func TestPendingTable_RemoveIdentity(t *testing.T) {
	table := newPendingTable()
	table.register("conn-1", "corr-1", time.Minute, nil)
	table.register("conn-1", "corr-2", time.Minute, nil)
	table.register("conn-2", "corr-3", time.Minute, nil)

	table.removeIdentity("conn-1")

	require.ErrorIs(t, table.resolve("conn-1", "corr-1"), ErrNoPendingRequest)
	require.ErrorIs(t, table.resolve("conn-1", "corr-2"), ErrNoPendingRequest)
	require.NoError(t, table.resolve("conn-2", "corr-3"))
}

func TestPendingTable_CloseAll(t *testing.T) {
	table := newPendingTable()
	var fired atomic.Bool
	table.register("conn-1", "corr-1", 20*time.Millisecond, func(string, Identity) {
		fired.Store(true)
	})

	table.closeAll()
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestPendingTable_SameCorrelationDifferentIdentityOverwrites(t *testing.T) {
	// Correlation is agent-chosen and only opaque; registering the
	// same correlation again replaces the prior pending owner, which
	// the contract allows since uniqueness is scoped "at any moment".
	table := newPendingTable()
	table.register("conn-1", "corr-1", time.Minute, nil)
	table.register("conn-2", "corr-1", time.Minute, nil)

	require.ErrorIs(t, table.resolve("conn-1", "corr-1"), ErrIdentityMismatch)
	require.NoError(t, table.resolve("conn-2", "corr-1"))
}
