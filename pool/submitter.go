package pool

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
	"github.com/minehq/pool-server/store"
)

// ErrSubmitExhausted reports that every submission attempt for the
// epoch failed; the epoch is abandoned and the chain will rotate.
var ErrSubmitExhausted = errors.New("mine submission attempts exhausted")

var (
	mineAttemptCounter = metrics.NewRegisteredCounter("pool/mine/attempts", nil)
	mineSuccessCounter = metrics.NewRegisteredCounter("pool/mine/success", nil)
	mineFailureCounter = metrics.NewRegisteredCounter("pool/mine/failures", nil)
)

const (
	submitRetryDelay    = 2 * time.Second
	blockhashRetryDelay = time.Second
	mineEventRetryDelay = 2 * time.Second

	// resetWindowSeconds: when the board's next reset is this close, the
	// mine transaction carries the reset instruction itself.
	resetWindowSeconds = int64(5)
	boardResetInterval = int64(300)
)

// MineOutcome is a confirmed mine: its signature, the fee that bought
// it, and the reward event parsed from the transaction return data.
// Event is nil when the return data never decoded.
type MineOutcome struct {
	Signature chain.Signature
	Fee       uint64
	Bus       int
	Event     *chain.MineEvent
}

// Submitter lands the epoch's best solution on chain: richest-bus
// selection, fee-escalating retries, and reward-event parsing.
type Submitter struct {
	client   *chain.Client
	keypair  *chain.Keypair
	fee      *FeeCell
	registry *Registry
	gateway  *store.Gateway
	log      log.Logger
}

// NewSubmitter wires the submitter to its collaborators.
func NewSubmitter(client *chain.Client, keypair *chain.Keypair, fee *FeeCell, registry *Registry, gateway *store.Gateway) *Submitter {
	return &Submitter{
		client:   client,
		keypair:  keypair,
		fee:      fee,
		registry: registry,
		gateway:  gateway,
		log:      log.New("module", "submitter"),
	}
}

// Submit tries up to MineAttempts times to land the solution. Each
// failed attempt escalates the shared priority fee before the retry.
func (s *Submitter) Submit(ctx context.Context, best Solution, difficulty uint32) (*MineOutcome, error) {
	signer := s.keypair.Pubkey()
	bus := rand.Intn(params.BusCount)

	for attempt := 0; attempt < params.MineAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mineAttemptCounter.Inc(1)
		s.log.Info("Starting mine submission attempt", "attempt", attempt+1, "difficulty", difficulty)

		// Refresh the board: pick the richest bus, and learn whether a
		// reset is imminent. A failed fetch keeps the random bus.
		var board *chain.BoardConfig
		if config, busses, err := s.client.GetBoardState(ctx); err == nil {
			bus = richestBus(busses, bus)
			board = config
		} else {
			s.log.Warn("Failed to refresh board state, keeping random bus", "err", err)
		}

		fee := s.fee.Get()
		s.log.Info("Using priority fee", "fee", fee)
		s.registry.Broadcast("Sending mine transaction...")

		now := time.Now().Unix()
		cu := params.MineComputeLimit
		withReset := board != nil && board.LastResetAt+boardResetInterval-now <= resetWindowSeconds
		if withReset {
			cu = params.MineResetComputeLimit
		}

		ixs := []chain.Instruction{
			chain.SetComputeUnitLimit(cu),
			chain.SetComputeUnitPrice(fee),
			chain.Auth(signer),
			chain.Auth(signer),
		}
		if withReset {
			ixs = append(ixs, chain.Reset(signer))
		}
		ixs = append(ixs, chain.Mine(signer, best.Digest, best.Nonce, bus))

		blockhash, err := s.client.GetLatestBlockhash(ctx)
		if err != nil {
			s.log.Error("Failed to get latest blockhash, retrying", "err", err)
			sleepCtx(ctx, blockhashRetryDelay)
			continue
		}

		tx := chain.NewTransaction(signer, blockhash, ixs...)
		tx.Sign(s.keypair)

		s.log.Info("Sending signed tx", "attempt", attempt+1, "bus", bus, "reset", withReset)
		sig, err := s.client.SendAndConfirm(ctx, tx)
		if err != nil {
			mineFailureCounter.Inc(1)
			s.log.Error("Failed to send and confirm txn", "err", err)
			s.fee.Escalate()
			sleepCtx(ctx, submitRetryDelay)
			continue
		}

		mineSuccessCounter.Inc(1)
		s.log.Info("Mine transaction confirmed", "sig", sig)

		go s.gateway.Retry(ctx, "add mine txn", func() error {
			return s.gateway.AddTxn(ctx, store.TxnTypeMine, sig.String(), uint32(fee))
		})

		event := s.awaitMineEvent(ctx, sig)
		return &MineOutcome{Signature: sig, Fee: fee, Bus: bus, Event: event}, nil
	}
	s.log.Info("Failed to send after max attempts, discarding epoch", "attempts", params.MineAttempts)
	return nil, ErrSubmitExhausted
}

// awaitMineEvent polls the transaction return data until it yields a
// decodable reward event. Fetch failures retry forever; present but
// undecodable data is terminal.
func (s *Submitter) awaitMineEvent(ctx context.Context, sig chain.Signature) *chain.MineEvent {
	for ctx.Err() == nil {
		data, err := s.client.GetTransactionReturnData(ctx, sig)
		if err != nil {
			s.log.Error("Failed to get confirmed transaction return data, retrying", "err", err)
			sleepCtx(ctx, mineEventRetryDelay)
			continue
		}
		event, err := chain.DecodeMineEvent(data)
		if err != nil {
			s.log.Error("Mine transaction return data did not decode", "err", err)
			return nil
		}
		s.log.Info("MineEvent", "reward", event.Reward, "difficulty", event.Difficulty, "timing", event.Timing)
		return event
	}
	return nil
}

// richestBus picks the bus with the highest rewards, keeping the
// fallback when nothing loaded.
func richestBus(busses []*chain.Bus, fallback int) int {
	best := fallback
	var bestRewards uint64
	seen := false
	for i, b := range busses {
		if b == nil {
			continue
		}
		if !seen || b.Rewards > bestRewards {
			best = i
			bestRewards = b.Rewards
			seen = true
		}
	}
	return best
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
