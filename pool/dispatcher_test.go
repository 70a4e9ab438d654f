package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
)

func TestCutoffSeconds(t *testing.T) {
	proof := &chain.Proof{LastHashAt: 1_000}

	tests := []struct {
		name   string
		buffer int64
		now    int64
		want   int64
	}{
		{"fresh epoch", 0, 1_000, 60},
		{"mid epoch with dispatch buffer", 5, 1_030, 25},
		{"exactly at cutoff", 0, 1_060, 0},
		{"past cutoff goes negative", 0, 1_100, -40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, cutoffSeconds(proof, tt.buffer, tt.now))
		})
	}
}
