package pool

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/minehq/pool-server/chain"
)

// Phase is the engine's position in the epoch lifecycle.
type Phase int

const (
	// PhaseIdle waits for the first proof snapshot after boot.
	PhaseIdle Phase = iota
	// PhaseOpen dispatches work and accepts solutions.
	PhaseOpen
	// PhaseClosing drains in-flight solutions after cutoff.
	PhaseClosing
	// PhaseSubmitting is landing the best solution on chain.
	PhaseSubmitting
	// PhaseRotating waits for the chain to rotate the challenge.
	PhaseRotating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseSubmitting:
		return "submitting"
	case PhaseRotating:
		return "rotating"
	default:
		return "unknown"
	}
}

const (
	engineIdleSleep  = time.Second
	closingDrain     = time.Second
	rotatePollDelay  = time.Second
	proofSettleDelay = time.Second

	// proofUpdateBuffer sizes the engine's subscription channel; proof
	// updates arrive roughly once per epoch.
	proofUpdateBuffer = 16
)

// proofSource is the engine's view of the chain watcher.
type proofSource interface {
	Latest() *chain.Proof
	SubscribeProof(ch chan<- *chain.Proof) event.Subscription
}

// epochSubmitter lands an epoch's best solution on chain.
type epochSubmitter interface {
	Submit(ctx context.Context, best Solution, difficulty uint32) (*MineOutcome, error)
}

// rewardDistributor settles a confirmed mine with the contributors.
type rewardDistributor interface {
	Distribute(ctx context.Context, msg *MineSuccess)
}

// epochJournal is the slice of the persistence gateway the engine uses.
type epochJournal interface {
	Retry(ctx context.Context, name string, op func() error) error
	GetChallengeID(ctx context.Context, challenge []byte) (int32, error)
	AddChallenge(ctx context.Context, poolID int32, challenge []byte) error
	GetSubmissionIDByNonce(ctx context.Context, nonce uint64) (int64, error)
	UpdateChallengeRewards(ctx context.Context, challenge []byte, submissionID int64, rewards uint64) error
}

// Engine owns the epoch lifecycle: it watches the cutoff, snapshots
// the submission table, drives the submitter, rotates the epoch after
// a confirmed mine and hands the reward to the distributor.
type Engine struct {
	watcher     proofSource
	state       *EpochState
	alloc       *NonceAllocator
	fee         *FeeCell
	registry    *Registry
	submitter   epochSubmitter
	distributor rewardDistributor
	gateway     epochJournal
	poolID      int32

	mu    sync.RWMutex
	phase Phase

	log log.Logger
}

// NewEngine wires the engine to its collaborators.
func NewEngine(watcher proofSource, state *EpochState, alloc *NonceAllocator, fee *FeeCell,
	registry *Registry, submitter epochSubmitter, distributor rewardDistributor,
	gateway epochJournal, poolID int32) *Engine {
	return &Engine{
		watcher:     watcher,
		state:       state,
		alloc:       alloc,
		fee:         fee,
		registry:    registry,
		submitter:   submitter,
		distributor: distributor,
		gateway:     gateway,
		poolID:      poolID,
		phase:       PhaseIdle,
		log:         log.New("module", "engine"),
	}
}

// Phase returns the engine's current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	if e.phase != p {
		e.log.Debug("Epoch phase transition", "from", e.phase, "to", p)
	}
	e.phase = p
	e.mu.Unlock()
}

// Run drives the epoch loop until ctx is cancelled. Proof updates from
// the watcher wake the loop early; a timer fallback keeps it moving
// when the subscription is quiet.
func (e *Engine) Run(ctx context.Context) {
	updates := make(chan *chain.Proof, proofUpdateBuffer)
	sub := e.watcher.SubscribeProof(updates)
	defer sub.Unsubscribe()

	// Idle: wait for the first proof snapshot.
	for e.watcher.Latest() == nil {
		select {
		case <-ctx.Done():
			return
		case <-updates:
		case <-time.After(engineIdleSleep):
		}
	}
	e.ensureChallenge(ctx, e.watcher.Latest().Challenge)
	e.setPhase(PhaseOpen)

	for ctx.Err() == nil {
		proof := e.watcher.Latest()
		cutoff := cutoffSeconds(proof, 0, time.Now().Unix())
		if cutoff > 0 {
			e.waitProof(ctx, updates, engineIdleSleep)
			continue
		}
		if !e.state.HasBest() {
			e.log.Debug("Cutoff reached with no best solution yet")
			e.waitProof(ctx, updates, engineIdleSleep)
			continue
		}
		e.closeEpoch(ctx, proof, updates)
	}
}

// waitProof blocks until a proof update lands, d elapses or ctx ends.
func (e *Engine) waitProof(ctx context.Context, updates <-chan *chain.Proof, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-updates:
	case <-time.After(d):
	}
}

// closeEpoch runs one Closing → Submitting → Rotating pass.
func (e *Engine) closeEpoch(ctx context.Context, proof *chain.Proof, updates <-chan *chain.Proof) {
	// Closing: give stragglers a moment before the snapshot freezes
	// attribution for this epoch.
	e.setPhase(PhaseClosing)
	sleepCtx(ctx, closingDrain)

	subs, best := e.state.Snapshot()
	if best.Solution == nil {
		e.setPhase(PhaseOpen)
		return
	}

	e.setPhase(PhaseSubmitting)
	outcome, err := e.submitter.Submit(ctx, *best.Solution, best.Difficulty)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Abandon the epoch; the chain rotates the challenge on its own
		// once another pool mines.
		e.log.Warn("Epoch abandoned", "err", err)
		e.resetEpoch()
		e.setPhase(PhaseOpen)
		return
	}

	// Rotating: wait out the chain's challenge rotation, then reset
	// local state for the new epoch.
	e.setPhase(PhaseRotating)
	newProof := e.awaitRotation(ctx, proof.Challenge, updates)
	if newProof == nil {
		return
	}
	e.ensureChallenge(ctx, newProof.Challenge)
	e.fee.Relax()
	e.resetEpoch()
	e.setPhase(PhaseOpen)

	if outcome.Event == nil {
		e.log.Error("Mine confirmed but reward event unavailable, skipping distribution", "sig", outcome.Signature)
		return
	}
	e.settle(ctx, proof.Challenge, best, subs, outcome, newProof)
}

// resetEpoch rewinds the allocator, clears the submission table and
// drops every session's assigned range.
func (e *Engine) resetEpoch() {
	e.alloc.Reset()
	e.state.Reset()
	for _, s := range e.registry.Snapshot() {
		s.ClearRange()
	}
}

// awaitRotation waits until the proof's challenge differs from the one
// just mined, waking on subscription updates with a poll fallback.
func (e *Engine) awaitRotation(ctx context.Context, mined [32]byte, updates <-chan *chain.Proof) *chain.Proof {
	for ctx.Err() == nil {
		latest := e.watcher.Latest()
		if !bytes.Equal(latest.Challenge[:], mined[:]) {
			return latest
		}
		e.log.Debug("Proof challenge not rotated yet")
		e.waitProof(ctx, updates, rotatePollDelay)
	}
	return nil
}

// settle journals the confirmed reward and notifies contributors.
func (e *Engine) settle(ctx context.Context, mined [32]byte, best BestHash,
	subs map[chain.Pubkey]Attribution, outcome *MineOutcome, newProof *chain.Proof) {

	var challengeID int32
	err := e.gateway.Retry(ctx, "get mined challenge", func() error {
		var err error
		challengeID, err = e.gateway.GetChallengeID(ctx, mined[:])
		return err
	})
	if err != nil {
		return
	}

	// Let the submission insert from the aggregator settle before the
	// winning row is resolved by nonce.
	sleepCtx(ctx, proofSettleDelay)

	e.distributor.Distribute(ctx, &MineSuccess{
		ChallengeID:    challengeID,
		PoolDifficulty: best.Difficulty,
		Reward:         outcome.Event.Reward,
		PoolBalance:    newProof.Balance,
		TotalHashpower: TotalHashpower(subs),
		Submissions:    subs,
	})

	var submissionID int64
	err = e.gateway.Retry(ctx, "get winning submission", func() error {
		var err error
		submissionID, err = e.gateway.GetSubmissionIDByNonce(ctx, best.Solution.NonceValue())
		return err
	})
	if err != nil {
		return
	}

	// The one non-retried write: a failure here is logged loudly for
	// operator follow-up instead of stalling the next epoch.
	if err := e.gateway.UpdateChallengeRewards(ctx, mined[:], submissionID, outcome.Event.Reward); err != nil {
		e.log.Error("Challenge rewards update failed, manual fix required",
			"challenge", chain.Pubkey(mined).String(), "submission", submissionID, "rewards", outcome.Event.Reward, "err", err)
	}
}

// ensureChallenge makes sure the journal has a row for challenge,
// retrying the insert until durable.
func (e *Engine) ensureChallenge(ctx context.Context, challenge [32]byte) {
	if _, err := e.gateway.GetChallengeID(ctx, challenge[:]); err == nil {
		return
	}
	e.log.Info("Adding new challenge to journal")
	e.gateway.Retry(ctx, "add challenge", func() error {
		err := e.gateway.AddChallenge(ctx, e.poolID, challenge[:])
		if err != nil {
			// A concurrent insert from the aggregator satisfies us too.
			if _, lookupErr := e.gateway.GetChallengeID(ctx, challenge[:]); lookupErr == nil {
				return nil
			}
		}
		return err
	})
}
