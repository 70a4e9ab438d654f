package pool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
)

func TestEarnedShare(t *testing.T) {
	tests := []struct {
		name      string
		hashpower uint64
		total     uint64
		reward    uint64
		want      uint64
	}{
		{"sole contributor", 5, 5, 1_000, 1_000},
		{"even thirds floor", 5, 15, 1_000, 333},
		{"tiny slice floors to zero", 1, 2_000_000, 1, 0},
		{"no contributors", 0, 0, 1_000, 0},
		{"quarter share at u64 reward", params.MaxHashpower, params.MaxHashpower * 4, 1 << 62, (1 << 62) / 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EarnedShare(tt.hashpower, tt.total, tt.reward)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEarnedShareConservation(t *testing.T) {
	// The floored slices never exceed the reward; the dust stays with
	// the pool.
	weights := []uint64{5, 10, 80, 81_920, 640}
	var total uint64
	for _, w := range weights {
		total += w
	}
	reward := uint64(123_456_789)

	var paid uint64
	for _, w := range weights {
		paid += EarnedShare(w, total, reward)
	}
	// Each slice loses at most one ppm of the reward to flooring.
	maxDust := uint64(len(weights)) * (reward/1_000_000 + 1)
	require.LessOrEqual(t, paid, reward)
	require.Greater(t, paid, reward-maxDust)
}

func TestTotalHashpower(t *testing.T) {
	subs := map[chain.Pubkey]Attribution{
		{1}: {Hashpower: 5},
		{2}: {Hashpower: 10},
		{3}: {Hashpower: 80},
	}
	require.Equal(t, uint64(95), TotalHashpower(subs))
	require.Zero(t, TotalHashpower(nil))
}

func TestSummaryFormatting(t *testing.T) {
	d := &Distributor{}
	msg := &MineSuccess{
		PoolDifficulty: 20,
		Reward:         200_000_000_000, // 2 tokens at 11 decimals
		PoolBalance:    1_000_000_000_000,
	}
	out := d.summary(msg, 12, 50_000_000_000, 7)

	require.Contains(t, out, "Pool Submitted Difficulty: 20")
	require.Contains(t, out, "Pool Earned:  2.00000000000")
	require.Contains(t, out, "Pool Balance: 10.00000000000")
	require.Contains(t, out, "Active Miners: 7")
	require.Contains(t, out, "Miner Submitted Difficulty: 12")
	require.Contains(t, out, "Miner Earned: 0.50000000000")
	require.True(t, strings.HasSuffix(out, "25.00% of total pool reward"))
}
