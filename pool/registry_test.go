package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
)

func TestRegistryOneSessionPerWallet(t *testing.T) {
	reg := NewRegistry()
	wallet := chain.Pubkey{1}

	require.NoError(t, reg.Insert(NewSession("1.1.1.1:1", wallet, 1, nil)))
	require.True(t, reg.HasWallet(wallet))
	require.Equal(t, 1, reg.Len())

	// Same wallet from a second socket is refused.
	err := reg.Insert(NewSession("2.2.2.2:2", wallet, 1, nil))
	require.ErrorIs(t, err, ErrWalletConnected)

	// Same socket address is refused too.
	err = reg.Insert(NewSession("1.1.1.1:1", chain.Pubkey{2}, 2, nil))
	require.ErrorIs(t, err, ErrAddrConnected)

	reg.Remove("1.1.1.1:1")
	require.False(t, reg.HasWallet(wallet))
	require.NoError(t, reg.Insert(NewSession("2.2.2.2:2", wallet, 1, nil)))
}

func TestRegistryLookups(t *testing.T) {
	reg := NewRegistry()
	s := NewSession("1.1.1.1:1", chain.Pubkey{1}, 7, nil)
	require.NoError(t, reg.Insert(s))

	got, ok := reg.Get("1.1.1.1:1")
	require.True(t, ok)
	require.Equal(t, int32(7), got.MinerID)

	_, ok = reg.Get("9.9.9.9:9")
	require.False(t, ok)

	require.Len(t, reg.Snapshot(), 1)
}

func TestSessionRangeLifecycle(t *testing.T) {
	s := NewSession("1.1.1.1:1", chain.Pubkey{1}, 1, nil)

	_, _, ok := s.Range()
	require.False(t, ok)

	s.SetRange(100, 200)
	start, end, ok := s.Range()
	require.True(t, ok)
	require.Equal(t, uint64(100), start)
	require.Equal(t, uint64(200), end)

	s.ClearRange()
	_, _, ok = s.Range()
	require.False(t, ok)
}
