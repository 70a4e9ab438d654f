// Package store is the typed facade over the pool's journal: pools,
// miners, challenges, submissions, earnings, rewards, transactions and
// claims. The journal is the audit trail of record; coordination-path
// writes retry until durable.
package store

import "time"

// Pool is the coordinator's own row: one per authority keypair.
type Pool struct {
	ID              int32  `db:"id"`
	AuthorityPubkey string `db:"authority_pubkey"`
	ProofPubkey     string `db:"proof_pubkey"`
	TotalRewards    uint64 `db:"total_rewards"`
	ClaimedRewards  uint64 `db:"claimed_rewards"`
}

// Miner is a signed-up wallet allowed to open a mining session.
type Miner struct {
	ID      int32  `db:"id"`
	Pubkey  string `db:"pubkey"`
	Enabled bool   `db:"enabled"`
}

// Challenge is one observed epoch; the challenge bytes are unique.
// RewardsEarned is filled in after the epoch's mine confirms.
type Challenge struct {
	ID            int32   `db:"id"`
	PoolID        int32   `db:"pool_id"`
	SubmissionID  *int64  `db:"submission_id"`
	Challenge     []byte  `db:"challenge"`
	RewardsEarned *uint64 `db:"rewards_earned"`
}

// Submission is an accepted best-solution report from one miner.
type Submission struct {
	ID          int64     `db:"id"`
	MinerID     int32     `db:"miner_id"`
	ChallengeID int32     `db:"challenge_id"`
	Difficulty  int8      `db:"difficulty"`
	Nonce       uint64    `db:"nonce"`
	CreatedAt   time.Time `db:"created_at"`
}

// SubmissionWithPubkey joins a submission with its miner's wallet for
// the public last-challenge listing.
type SubmissionWithPubkey struct {
	Submission
	Pubkey string `db:"pubkey"`
}

// Earning is one miner's slice of one challenge's reward.
type Earning struct {
	ID          int64  `db:"id"`
	MinerID     int32  `db:"miner_id"`
	PoolID      int32  `db:"pool_id"`
	ChallengeID int32  `db:"challenge_id"`
	Amount      uint64 `db:"amount"`
}

// Reward is a miner's running unclaimed balance.
type Reward struct {
	MinerID int32  `db:"miner_id"`
	PoolID  int32  `db:"pool_id"`
	Balance uint64 `db:"balance"`
}

// Txn types recorded in the journal.
const (
	TxnTypeMine  = "mine"
	TxnTypeClaim = "claim"
)

// Txn is any transaction the coordinator landed on chain.
type Txn struct {
	ID          int32     `db:"id"`
	TxnType     string    `db:"txn_type"`
	Signature   string    `db:"signature"`
	PriorityFee uint32    `db:"priority_fee"`
	CreatedAt   time.Time `db:"created_at"`
}

// Claim is a recorded miner payout, inserted strictly after its Txn.
type Claim struct {
	ID        int64     `db:"id"`
	MinerID   int32     `db:"miner_id"`
	PoolID    int32     `db:"pool_id"`
	TxnID     int32     `db:"txn_id"`
	Amount    uint64    `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}
