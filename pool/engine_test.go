package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
)

type stubProofSource struct {
	mu    sync.Mutex
	proof *chain.Proof
	feed  event.Feed
}

func (s *stubProofSource) Latest() *chain.Proof {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proof
}

func (s *stubProofSource) SubscribeProof(ch chan<- *chain.Proof) event.Subscription {
	return s.feed.Subscribe(ch)
}

func (s *stubProofSource) update(p *chain.Proof) {
	s.mu.Lock()
	s.proof = p
	s.mu.Unlock()
	s.feed.Send(p)
}

type stubSubmitter struct {
	mu       sync.Mutex
	calls    int
	outcome  *MineOutcome
	err      error
	onSubmit func()
}

func (s *stubSubmitter) Submit(_ context.Context, _ Solution, _ uint32) (*MineOutcome, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onSubmit != nil {
		s.onSubmit()
	}
	return s.outcome, s.err
}

func (s *stubSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDistributor struct {
	mu   sync.Mutex
	msgs []*MineSuccess
}

func (d *stubDistributor) Distribute(_ context.Context, msg *MineSuccess) {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
}

func (d *stubDistributor) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type stubJournal struct {
	mu              sync.Mutex
	rewardChallenge []byte
	rewardSubID     int64
	rewardAmount    uint64
}

func (j *stubJournal) Retry(_ context.Context, _ string, op func() error) error { return op() }

func (j *stubJournal) GetChallengeID(context.Context, []byte) (int32, error) { return 7, nil }

func (j *stubJournal) AddChallenge(context.Context, int32, []byte) error { return nil }

func (j *stubJournal) GetSubmissionIDByNonce(context.Context, uint64) (int64, error) { return 99, nil }

func (j *stubJournal) UpdateChallengeRewards(_ context.Context, challenge []byte, subID int64, rewards uint64) error {
	j.mu.Lock()
	j.rewardChallenge = append([]byte(nil), challenge...)
	j.rewardSubID = subID
	j.rewardAmount = rewards
	j.mu.Unlock()
	return nil
}

// expiredProof builds a proof whose epoch cutoff has already passed.
func expiredProof(tag byte) *chain.Proof {
	p := &chain.Proof{LastHashAt: time.Now().Unix() - 2*params.EpochSeconds}
	p.Challenge[0] = tag
	return p
}

func TestEngineRotateAndReset(t *testing.T) {
	source := &stubProofSource{}
	source.update(expiredProof(1))

	rotated := &chain.Proof{Balance: 5_000, LastHashAt: time.Now().Unix()}
	rotated.Challenge[0] = 2

	submitter := &stubSubmitter{
		outcome: &MineOutcome{Event: &chain.MineEvent{Reward: 1_000}},
		// The confirmed mine rotates the on-chain challenge.
		onSubmit: func() { source.update(rotated) },
	}
	distributor := &stubDistributor{}
	journal := &stubJournal{}

	registry := NewRegistry()
	session := NewSession("1.1.1.1:1", chain.Pubkey{1}, 1, nil)
	require.NoError(t, registry.Insert(session))

	state := NewEpochState()
	state.Record(chain.Pubkey{1}, testAttribution(12), testSolution(5))
	alloc := NewNonceAllocator()
	start, end := alloc.Allocate()
	session.SetRange(start, end)

	engine := NewEngine(source, state, alloc, NewFeeCell(0), registry, submitter, distributor, journal, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	require.Eventually(t, func() bool { return distributor.count() == 1 }, 10*time.Second, 50*time.Millisecond)

	// The next epoch starts clean: cursor rewound, table empty, ranges dropped.
	require.Eventually(t, func() bool { return engine.Phase() == PhaseOpen }, 5*time.Second, 50*time.Millisecond)
	require.Zero(t, alloc.Cursor())
	require.False(t, state.HasBest())
	require.Zero(t, state.Len())
	_, _, assigned := session.Range()
	require.False(t, assigned)

	msg := distributor.msgs[0]
	require.Equal(t, int32(7), msg.ChallengeID)
	require.Equal(t, uint32(12), msg.PoolDifficulty)
	require.Equal(t, uint64(1_000), msg.Reward)
	require.Equal(t, uint64(5_000), msg.PoolBalance)
	require.Equal(t, params.Hashpower(12), msg.TotalHashpower)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Equal(t, expiredProof(1).Challenge[:], journal.rewardChallenge)
	require.Equal(t, int64(99), journal.rewardSubID)
	require.Equal(t, uint64(1_000), journal.rewardAmount)
	require.Equal(t, 1, submitter.callCount())
}

func TestEngineAbandonsEpochWhenSubmitFails(t *testing.T) {
	source := &stubProofSource{}
	source.update(expiredProof(1))

	submitter := &stubSubmitter{err: errors.New("rpc unreachable")}
	distributor := &stubDistributor{}

	state := NewEpochState()
	state.Record(chain.Pubkey{1}, testAttribution(10), testSolution(1))
	alloc := NewNonceAllocator()
	alloc.Allocate()

	engine := NewEngine(source, state, alloc, NewFeeCell(0), NewRegistry(), submitter, distributor, &stubJournal{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	// The failed submission abandons the epoch and reopens with a
	// clean table; nothing is distributed.
	require.Eventually(t, func() bool {
		return submitter.callCount() == 1 && engine.Phase() == PhaseOpen && !state.HasBest()
	}, 10*time.Second, 50*time.Millisecond)
	require.Zero(t, alloc.Cursor())
	require.Zero(t, state.Len())
	require.Zero(t, distributor.count())

	// With the table empty the engine must not resubmit.
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, 1, submitter.callCount())
}
