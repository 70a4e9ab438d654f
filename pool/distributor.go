package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
	"github.com/minehq/pool-server/store"
)

var (
	ppmScale  = big.NewInt(1_000_000)
	tokenUnit = newTokenUnit()
)

func newTokenUnit() *big.Float {
	unit := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(params.TokenDecimals), nil))
	return unit
}

// MineSuccess carries everything the distributor needs about one
// confirmed mine: the reward, the epoch snapshot taken at cutoff, and
// display context for the per-miner summaries.
type MineSuccess struct {
	ChallengeID    int32
	PoolDifficulty uint32
	Reward         uint64
	PoolBalance    uint64
	TotalHashpower uint64
	Submissions    map[chain.Pubkey]Attribution
}

// Distributor splits a confirmed reward pro-rata by hashpower, journals
// earnings and balances, and tells each contributor their slice.
// Flooring dust is dropped; the loss is bounded by the contributor count.
type Distributor struct {
	registry  *Registry
	gateway   *store.Gateway
	poolID    int32
	authority string
	log       log.Logger
}

// NewDistributor wires the distributor to its collaborators.
func NewDistributor(registry *Registry, gateway *store.Gateway, poolID int32, authority string) *Distributor {
	return &Distributor{
		registry:  registry,
		gateway:   gateway,
		poolID:    poolID,
		authority: authority,
		log:       log.New("module", "distributor"),
	}
}

// EarnedShare computes one contributor's slice: parts-per-million of
// total hashpower, floored, then applied to the reward, floored again.
// All arithmetic in arbitrary precision, so no overflow at u64 extremes.
func EarnedShare(hashpower, totalHashpower, reward uint64) uint64 {
	if totalHashpower == 0 {
		return 0
	}
	ppm := new(big.Int).SetUint64(hashpower)
	ppm.Mul(ppm, ppmScale)
	ppm.Div(ppm, new(big.Int).SetUint64(totalHashpower))

	earned := ppm.Mul(ppm, new(big.Int).SetUint64(reward))
	earned.Div(earned, ppmScale)
	return earned.Uint64()
}

// Distribute processes one confirmed mine.
func (d *Distributor) Distribute(ctx context.Context, msg *MineSuccess) {
	if msg.TotalHashpower == 0 || len(msg.Submissions) == 0 {
		d.log.Warn("Confirmed mine with no contributors", "challenge", msg.ChallengeID)
		return
	}

	var (
		earnings []*store.Earning
		credits  []*store.Reward
		active   = d.registry.Len()
	)
	for _, session := range d.registry.Snapshot() {
		att, ok := msg.Submissions[session.Pubkey]
		if !ok {
			continue
		}
		earned := EarnedShare(att.Hashpower, msg.TotalHashpower, msg.Reward)

		earnings = append(earnings, &store.Earning{
			MinerID:     att.MinerID,
			PoolID:      d.poolID,
			ChallengeID: msg.ChallengeID,
			Amount:      earned,
		})
		credits = append(credits, &store.Reward{MinerID: att.MinerID, Balance: earned})

		summary := d.summary(msg, att.Difficulty, earned, active)
		session := session
		go func() {
			if err := session.SendText(summary); err != nil {
				d.log.Error("Failed to send miner summary", "addr", session.Addr, "err", err)
			}
		}()
	}

	if len(earnings) > 0 {
		d.gateway.Retry(ctx, "add earnings batch", func() error {
			return d.gateway.AddEarnings(ctx, earnings)
		})
		d.gateway.Retry(ctx, "credit rewards batch", func() error {
			return d.gateway.CreditRewards(ctx, credits)
		})
		d.log.Info("Journaled reward distribution", "challenge", msg.ChallengeID, "contributors", len(earnings), "reward", msg.Reward)
	}

	d.gateway.Retry(ctx, "update pool rewards", func() error {
		return d.gateway.UpdatePoolRewards(ctx, d.authority, msg.Reward)
	})
}

// summary renders the per-miner payout message.
func (d *Distributor) summary(msg *MineSuccess, minerDifficulty uint32, earned uint64, active int) string {
	poolDec := toDecimal(msg.Reward)
	balanceDec := toDecimal(msg.PoolBalance)
	earnedDec := toDecimal(earned)

	var pct float64
	if msg.Reward > 0 {
		pct = earnedDec / poolDec * 100
	}
	return fmt.Sprintf(
		"Pool Submitted Difficulty: %d\nPool Earned:  %.11f\nPool Balance: %.11f\n----------------------\nActive Miners: %d\n----------------------\nMiner Submitted Difficulty: %d\nMiner Earned: %.11f\n%.2f%% of total pool reward",
		msg.PoolDifficulty, poolDec, balanceDec, active, minerDifficulty, earnedDec, pct,
	)
}

// toDecimal converts base units to display units.
func toDecimal(amount uint64) float64 {
	f := new(big.Float).SetUint64(amount)
	f.Quo(f, tokenUnit)
	out, _ := f.Float64()
	return out
}

// TotalHashpower sums the snapshot's weights.
func TotalHashpower(subs map[chain.Pubkey]Attribution) uint64 {
	var total uint64
	for _, att := range subs {
		total += att.Hashpower
	}
	return total
}
