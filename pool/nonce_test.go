package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/params"
)

func TestNonceAllocatorWindows(t *testing.T) {
	alloc := NewNonceAllocator()

	start, end := alloc.Allocate()
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(params.NonceWindow), end)

	// Consecutive windows are contiguous and disjoint.
	prevEnd := end
	for i := 0; i < 10; i++ {
		start, end = alloc.Allocate()
		require.Equal(t, prevEnd, start)
		require.Equal(t, start+params.NonceWindow, end)
		prevEnd = end
	}
	require.Equal(t, prevEnd, alloc.Cursor())
}

func TestNonceAllocatorReset(t *testing.T) {
	alloc := NewNonceAllocator()
	alloc.Allocate()
	alloc.Allocate()
	require.NotZero(t, alloc.Cursor())

	alloc.Reset()
	require.Zero(t, alloc.Cursor())

	start, end := alloc.Allocate()
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(params.NonceWindow), end)
}
