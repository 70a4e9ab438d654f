package pool

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
	"github.com/minehq/pool-server/pow"
	"github.com/minehq/pool-server/store"
)

var (
	acceptedCounter     = metrics.NewRegisteredCounter("pool/submissions/accepted", nil)
	rejectedCounter     = metrics.NewRegisteredCounter("pool/submissions/rejected", nil)
	bestPromotedCounter = metrics.NewRegisteredCounter("pool/submissions/promoted", nil)
)

const invalidSolutionNotice = "Invalid solution. If this keeps happening, please contact support."

// Aggregator consumes decoded client messages: liveness replies, ready
// transitions and best-solution reports. Solutions are checked against
// the current challenge and the submitter's assigned nonce range
// before they touch the epoch table.
type Aggregator struct {
	registry *Registry
	ready    mapset.Set[string]
	state    *EpochState
	watcher  *chain.Watcher
	gateway  *store.Gateway
	poolID   int32
	log      log.Logger
}

// NewAggregator wires the aggregator to its collaborators.
func NewAggregator(registry *Registry, ready mapset.Set[string], state *EpochState, watcher *chain.Watcher, gateway *store.Gateway, poolID int32) *Aggregator {
	return &Aggregator{
		registry: registry,
		ready:    ready,
		state:    state,
		watcher:  watcher,
		gateway:  gateway,
		poolID:   poolID,
		log:      log.New("module", "aggregator"),
	}
}

// Run drains the client message channel until it closes or ctx ends.
func (a *Aggregator) Run(ctx context.Context, messages <-chan *ClientMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, msg *ClientMessage) {
	switch msg.Kind {
	case KindPong:
		a.registry.RecordPong(msg.Addr)
	case KindReady:
		a.log.Debug("Client is ready", "addr", msg.Addr)
		a.ready.Add(msg.Addr)
	case KindMining:
		a.log.Debug("Client has started mining", "addr", msg.Addr)
	case KindBestSolution:
		a.ingest(ctx, msg)
	}
}

// ingest validates and records one best-solution report.
func (a *Aggregator) ingest(ctx context.Context, msg *ClientMessage) {
	session, ok := a.registry.Get(msg.Addr)
	if !ok {
		a.log.Warn("Submission from unknown session", "addr", msg.Addr)
		rejectedCounter.Inc(1)
		return
	}

	start, end, assigned := session.Range()
	if !assigned {
		a.log.Warn("Submission without an assigned nonce range", "addr", msg.Addr)
		rejectedCounter.Inc(1)
		return
	}
	nonce := msg.Solution.NonceValue()
	if nonce < start || nonce >= end {
		a.log.Warn("Submitted nonce out of assigned range", "addr", msg.Addr, "nonce", nonce, "start", start, "end", end)
		rejectedCounter.Inc(1)
		return
	}

	proof := a.watcher.Latest()
	if proof == nil {
		rejectedCounter.Inc(1)
		return
	}
	challenge := proof.Challenge

	if !pow.Verify(challenge, msg.Solution.Digest, msg.Solution.Nonce) {
		a.log.Warn("Invalid solution", "addr", msg.Addr, "pubkey", msg.Pubkey)
		rejectedCounter.Inc(1)
		go func() {
			if err := session.SendText(invalidSolutionNotice); err != nil {
				a.log.Error("Failed to notify client", "addr", msg.Addr, "err", err)
			}
		}()
		return
	}

	difficulty := pow.Difficulty(msg.Solution.Digest)
	a.log.Info("Solution accepted for scoring", "pubkey", msg.Pubkey, "difficulty", difficulty)
	if difficulty < params.MinDifficulty {
		a.log.Debug("Difficulty below floor, skipping", "difficulty", difficulty)
		rejectedCounter.Inc(1)
		return
	}

	att := Attribution{
		MinerID:    session.MinerID,
		Difficulty: difficulty,
		Hashpower:  params.Hashpower(difficulty),
	}
	if a.state.Record(msg.Pubkey, att, msg.Solution) {
		bestPromotedCounter.Inc(1)
		a.log.Info("New epoch best", "difficulty", difficulty, "pubkey", msg.Pubkey)
	}
	acceptedCounter.Inc(1)

	// Persist off the hot path; the journal write retries until durable.
	go a.persist(ctx, session.MinerID, challenge, nonce, difficulty)
}

func (a *Aggregator) persist(ctx context.Context, minerID int32, challenge [32]byte, nonce uint64, difficulty uint32) {
	challengeID, err := a.gateway.GetChallengeID(ctx, challenge[:])
	if err != nil {
		// First submission can race the epoch rotation's challenge
		// insert; create the row ourselves.
		a.log.Warn("Challenge missing from journal, inserting", "err", err)
		if err := a.gateway.AddChallenge(ctx, a.poolID, challenge[:]); err != nil {
			a.log.Error("Failed to insert challenge", "err", err)
		}
		if challengeID, err = a.gateway.GetChallengeID(ctx, challenge[:]); err != nil {
			a.log.Error("Failed to resolve challenge after insert", "err", err)
			return
		}
	}

	sub := &store.Submission{
		MinerID:     minerID,
		ChallengeID: challengeID,
		Difficulty:  int8(difficulty),
		Nonce:       nonce,
	}
	a.gateway.Retry(ctx, "add submission", func() error {
		return a.gateway.AddSubmission(ctx, sub)
	})
}
