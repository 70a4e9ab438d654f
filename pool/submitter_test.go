package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
)

func TestRichestBus(t *testing.T) {
	busses := []*chain.Bus{
		{ID: 0, Rewards: 10},
		{ID: 1, Rewards: 500},
		nil, // per-bus fetch failures leave holes
		{ID: 3, Rewards: 499},
	}
	require.Equal(t, 1, richestBus(busses, 7))

	// Nothing loaded keeps the random fallback.
	require.Equal(t, 7, richestBus(nil, 7))
	require.Equal(t, 7, richestBus([]*chain.Bus{nil, nil}, 7))

	// A single zero-reward bus still beats the fallback.
	require.Equal(t, 2, richestBus([]*chain.Bus{nil, nil, {ID: 2, Rewards: 0}}, 7))
}
