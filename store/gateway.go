package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
)

var (
	// stuckRetryMeter counts write retries so operators can spot a
	// wedged journal before the coordinator silently stalls.
	stuckRetryMeter = metrics.NewRegisteredMeter("pool/store/retries", nil)
)

const (
	retryBackoff    = 2 * time.Second
	challengeCache  = 64
	maxOpenConns    = 16
	connMaxLifetime = 5 * time.Minute
)

// Gateway wraps the primary journal connection and an optional read
// replica used by the public query endpoints.
type Gateway struct {
	db  *sqlx.DB
	rr  *sqlx.DB
	log log.Logger

	// challengeIDs caches challenge bytes -> row id; one lookup per
	// accepted submission otherwise.
	challengeIDs *lru.Cache
}

// Open connects to the primary journal and, when rrURL is non-empty, a
// read replica. The connection is verified before returning.
func Open(writeURL, rrURL string) (*Gateway, error) {
	db, err := sqlx.Connect("mysql", writeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect journal: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	rr := db
	if rrURL != "" && rrURL != writeURL {
		rr, err = sqlx.Connect("mysql", rrURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect journal read replica: %w", err)
		}
		rr.SetMaxOpenConns(maxOpenConns)
		rr.SetConnMaxLifetime(connMaxLifetime)
	}

	cache, _ := lru.New(challengeCache)
	return &Gateway{db: db, rr: rr, log: log.New("module", "store"), challengeIDs: cache}, nil
}

// Close releases both connections.
func (g *Gateway) Close() {
	g.db.Close()
	if g.rr != g.db {
		g.rr.Close()
	}
}

// Retry runs op until it succeeds, backing off between attempts. Used
// on the coordination path where losing an audit record is worse than
// stalling. The stuck-retry meter ticks on every failure.
func (g *Gateway) Retry(ctx context.Context, name string, op func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		stuckRetryMeter.Mark(1)
		g.log.Error("Journal write failed, retrying", "op", name, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetPoolByAuthority returns the pool row for an authority pubkey.
func (g *Gateway) GetPoolByAuthority(ctx context.Context, authority string) (*Pool, error) {
	var p Pool
	err := g.db.GetContext(ctx, &p,
		"SELECT id, authority_pubkey, proof_pubkey, total_rewards, claimed_rewards FROM pools WHERE authority_pubkey = ?", authority)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// AddPool inserts a new pool row.
func (g *Gateway) AddPool(ctx context.Context, authority, proof string) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO pools (authority_pubkey, proof_pubkey) VALUES (?, ?)", authority, proof)
	return err
}

// UpdatePoolRewards adds a mined reward to the pool aggregate.
func (g *Gateway) UpdatePoolRewards(ctx context.Context, authority string, amount uint64) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE pools SET total_rewards = total_rewards + ? WHERE authority_pubkey = ?", amount, authority)
	return err
}

// UpdatePoolClaimed adds a paid-out claim to the pool aggregate.
func (g *Gateway) UpdatePoolClaimed(ctx context.Context, authority string, amount uint64) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE pools SET claimed_rewards = claimed_rewards + ? WHERE authority_pubkey = ?", amount, authority)
	return err
}

// GetMinerByPubkey returns the miner row for a wallet pubkey.
func (g *Gateway) GetMinerByPubkey(ctx context.Context, pubkey string) (*Miner, error) {
	var m Miner
	err := g.db.GetContext(ctx, &m,
		"SELECT id, pubkey, enabled FROM miners WHERE pubkey = ?", pubkey)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// AddMiner inserts a miner row.
func (g *Gateway) AddMiner(ctx context.Context, pubkey string, enabled bool) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO miners (pubkey, enabled) VALUES (?, ?)", pubkey, enabled)
	return err
}

// GetChallengeID resolves challenge bytes to their row id, memoizing
// through the lru cache.
func (g *Gateway) GetChallengeID(ctx context.Context, challenge []byte) (int32, error) {
	if id, ok := g.challengeIDs.Get(string(challenge)); ok {
		return id.(int32), nil
	}
	var id int32
	err := g.db.GetContext(ctx, &id, "SELECT id FROM challenges WHERE challenge = ?", challenge)
	if err != nil {
		return 0, notFound(err)
	}
	g.challengeIDs.Add(string(challenge), id)
	return id, nil
}

// GetChallenge returns the full challenge row for its bytes.
func (g *Gateway) GetChallenge(ctx context.Context, challenge []byte) (*Challenge, error) {
	var c Challenge
	err := g.db.GetContext(ctx, &c,
		"SELECT id, pool_id, submission_id, challenge, rewards_earned FROM challenges WHERE challenge = ?", challenge)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// AddChallenge inserts a newly observed challenge.
func (g *Gateway) AddChallenge(ctx context.Context, poolID int32, challenge []byte) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO challenges (pool_id, challenge) VALUES (?, ?)", poolID, challenge)
	return err
}

// UpdateChallengeRewards records the confirmed reward and the winning
// submission on a mined challenge.
func (g *Gateway) UpdateChallengeRewards(ctx context.Context, challenge []byte, submissionID int64, rewards uint64) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE challenges SET rewards_earned = ?, submission_id = ? WHERE challenge = ?", rewards, submissionID, challenge)
	return err
}

// AddSubmission inserts an accepted submission.
func (g *Gateway) AddSubmission(ctx context.Context, s *Submission) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO submissions (miner_id, challenge_id, difficulty, nonce) VALUES (?, ?, ?, ?)",
		s.MinerID, s.ChallengeID, s.Difficulty, s.Nonce)
	return err
}

// GetSubmissionIDByNonce resolves the winning submission of an epoch by
// its nonce.
func (g *Gateway) GetSubmissionIDByNonce(ctx context.Context, nonce uint64) (int64, error) {
	var id int64
	err := g.db.GetContext(ctx, &id,
		"SELECT id FROM submissions WHERE nonce = ? ORDER BY id DESC LIMIT 1", nonce)
	if err != nil {
		return 0, notFound(err)
	}
	return id, nil
}

// AddEarnings inserts a batch of earnings in one statement.
func (g *Gateway) AddEarnings(ctx context.Context, earnings []*Earning) error {
	if len(earnings) == 0 {
		return nil
	}
	_, err := g.db.NamedExecContext(ctx,
		"INSERT INTO earnings (miner_id, pool_id, challenge_id, amount) VALUES (:miner_id, :pool_id, :challenge_id, :amount)",
		earnings)
	return err
}

// AddReward inserts the zero-balance reward tracker of a new miner.
func (g *Gateway) AddReward(ctx context.Context, minerID, poolID int32) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO rewards (miner_id, pool_id, balance) VALUES (?, ?, 0)", minerID, poolID)
	return err
}

// CreditRewards increases each miner's unclaimed balance. Executed as
// one statement per miner inside a transaction so a mid-batch failure
// retries cleanly.
func (g *Gateway) CreditRewards(ctx context.Context, credits []*Reward) error {
	if len(credits) == 0 {
		return nil
	}
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, c := range credits {
		if _, err := tx.ExecContext(ctx,
			"UPDATE rewards SET balance = balance + ? WHERE miner_id = ?", c.Balance, c.MinerID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DebitReward decreases a miner's unclaimed balance after a claim.
func (g *Gateway) DebitReward(ctx context.Context, minerID int32, amount uint64) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE rewards SET balance = balance - ? WHERE miner_id = ? AND balance >= ?", amount, minerID, amount)
	return err
}

// GetMinerReward returns a miner's reward tracker by wallet pubkey.
func (g *Gateway) GetMinerReward(ctx context.Context, pubkey string) (*Reward, error) {
	var r Reward
	err := g.db.GetContext(ctx, &r,
		"SELECT r.miner_id, r.pool_id, r.balance FROM rewards r JOIN miners m ON m.id = r.miner_id WHERE m.pubkey = ?", pubkey)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// AddTxn inserts a landed transaction.
func (g *Gateway) AddTxn(ctx context.Context, txnType, signature string, priorityFee uint32) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO txns (txn_type, signature, priority_fee) VALUES (?, ?, ?)", txnType, signature, priorityFee)
	return err
}

// GetTxnBySignature resolves a transaction row by its signature.
func (g *Gateway) GetTxnBySignature(ctx context.Context, signature string) (*Txn, error) {
	var t Txn
	err := g.db.GetContext(ctx, &t,
		"SELECT id, txn_type, signature, priority_fee, created_at FROM txns WHERE signature = ?", signature)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// AddClaim inserts a claim; callers insert the Txn first.
func (g *Gateway) AddClaim(ctx context.Context, c *Claim) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO claims (miner_id, pool_id, txn_id, amount) VALUES (?, ?, ?, ?)",
		c.MinerID, c.PoolID, c.TxnID, c.Amount)
	return err
}

// GetLastClaim returns the most recent claim of a miner.
func (g *Gateway) GetLastClaim(ctx context.Context, minerID int32) (*Claim, error) {
	var c Claim
	err := g.db.GetContext(ctx, &c,
		"SELECT id, miner_id, pool_id, txn_id, amount, created_at FROM claims WHERE miner_id = ? ORDER BY created_at DESC LIMIT 1", minerID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// Read-replica queries backing the public HTTP surface.

// GetMinerSubmissions lists a miner's recent submissions.
func (g *Gateway) GetMinerSubmissions(ctx context.Context, pubkey string) ([]Submission, error) {
	var out []Submission
	err := g.rr.SelectContext(ctx, &out,
		`SELECT s.id, s.miner_id, s.challenge_id, s.difficulty, s.nonce, s.created_at
		   FROM submissions s JOIN miners m ON m.id = s.miner_id
		  WHERE m.pubkey = ? ORDER BY s.created_at DESC LIMIT 100`, pubkey)
	return out, err
}

// GetLastChallengeSubmissions lists every submission of the most recent
// rewarded challenge, joined with miner wallets.
func (g *Gateway) GetLastChallengeSubmissions(ctx context.Context) ([]SubmissionWithPubkey, error) {
	var out []SubmissionWithPubkey
	err := g.rr.SelectContext(ctx, &out,
		`SELECT s.id, s.miner_id, s.challenge_id, s.difficulty, s.nonce, s.created_at, m.pubkey
		   FROM submissions s
		   JOIN miners m ON m.id = s.miner_id
		  WHERE s.challenge_id = (
		        SELECT id FROM challenges WHERE rewards_earned IS NOT NULL ORDER BY id DESC LIMIT 1)
		  ORDER BY s.difficulty DESC`)
	return out, err
}

// GetMinerRewardRR reads a miner's balance from the replica.
func (g *Gateway) GetMinerRewardRR(ctx context.Context, pubkey string) (*Reward, error) {
	var r Reward
	err := g.rr.GetContext(ctx, &r,
		"SELECT r.miner_id, r.pool_id, r.balance FROM rewards r JOIN miners m ON m.id = r.miner_id WHERE m.pubkey = ?", pubkey)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}
