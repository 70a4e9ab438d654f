// Package params holds the pool protocol constants shared by the
// coordinator core, the chain client and the miner-facing server.
package params

import "time"

const (
	// MinDifficulty is the lowest digest difficulty the pool will credit.
	MinDifficulty = uint32(8)

	// MinHashpower is the reward weight of a submission at MinDifficulty.
	// Each additional bit of difficulty doubles the weight.
	MinHashpower = uint64(5)

	// MaxHashpower caps the influence a single high-difficulty find can
	// have on the pro-rata split.
	MaxHashpower = uint64(81_920)

	// NonceWindow is the width of one dispatched nonce range, sized to the
	// hashes a single client is expected to compute within one epoch.
	NonceWindow = uint64(4_000_000)

	// EpochSeconds is the on-chain minimum interval between two mines of
	// the same proof account. The cutoff is derived from it.
	EpochSeconds = int64(60)

	// BusCount is the number of on-chain reward bus accounts.
	BusCount = 8

	// TokenDecimals is the base-unit scale of the mined token.
	TokenDecimals = 11
)

const (
	// MineAttempts bounds the fee-escalating submission retries per epoch.
	MineAttempts = 10

	// FeeEscalation is added to the priority fee after a failed attempt.
	FeeEscalation = uint64(15_000)

	// MaxPriorityFee is the hard ceiling on the priority fee.
	MaxPriorityFee = uint64(1_000_000)

	// ClaimPriorityFee is the fixed fee paid for miner claim transactions.
	ClaimPriorityFee = uint64(20_000)

	// MineComputeLimit is the compute budget of a plain mine transaction.
	// MineResetComputeLimit applies when a board reset rides along.
	MineComputeLimit      = uint32(485_000)
	MineResetComputeLimit = uint32(500_000)
)

const (
	// PingInterval is how often the registry probes every session.
	PingInterval = 30 * time.Second

	// PongTimeout evicts a session whose last pong is older than this.
	PongTimeout = 45 * time.Second

	// PongSweepInterval is how often stale sessions are swept.
	PongSweepInterval = 15 * time.Second

	// AuthWindow is the maximum age of a handshake timestamp.
	AuthWindow = int64(30)

	// ClaimInterval is the minimum spacing between two claims of a miner.
	ClaimInterval = int64(1800)
)

// Hashpower maps a digest difficulty to its reward weight:
// MinHashpower doubled per bit above MinDifficulty, capped at MaxHashpower.
// Difficulties below the floor carry no weight.
func Hashpower(difficulty uint32) uint64 {
	if difficulty < MinDifficulty {
		return 0
	}
	shift := difficulty - MinDifficulty
	if shift >= 64 {
		return MaxHashpower
	}
	hp := MinHashpower << shift
	if hp > MaxHashpower || hp < MinHashpower {
		return MaxHashpower
	}
	return hp
}
