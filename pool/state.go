package pool

import (
	"sync"

	"github.com/minehq/pool-server/chain"
)

// Attribution is a wallet's latest accepted contribution to the
// current epoch. Only the most recent accepted submission per wallet
// counts toward the pro-rata split.
type Attribution struct {
	MinerID    int32
	Difficulty uint32
	Hashpower  uint64
}

// BestHash is the highest-difficulty solution seen this epoch.
type BestHash struct {
	Solution   *Solution
	Difficulty uint32
}

// EpochState holds the per-epoch submission table and the running
// best. Readers (dispatcher, status endpoints) overlap; the aggregator
// and the rotator write exclusively. Within an epoch the best
// difficulty is monotone non-decreasing.
type EpochState struct {
	mu          sync.RWMutex
	best        BestHash
	submissions map[chain.Pubkey]Attribution
}

// NewEpochState returns an empty epoch table.
func NewEpochState() *EpochState {
	return &EpochState{submissions: make(map[chain.Pubkey]Attribution)}
}

// Record overwrites the wallet's attribution entry and promotes the
// best when the new difficulty strictly exceeds it. The overwrite is
// unconditional: a later lower-difficulty accept reduces the wallet's
// credited hashpower while the best stays put. Returns whether the
// best was promoted.
func (s *EpochState) Record(pubkey chain.Pubkey, att Attribution, sol Solution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[pubkey] = att
	if att.Difficulty > s.best.Difficulty {
		s.best.Difficulty = att.Difficulty
		cp := sol
		s.best.Solution = &cp
		return true
	}
	return false
}

// Best returns the current best solution, or nil if none yet.
func (s *EpochState) Best() (*Solution, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.best.Solution == nil {
		return nil, 0
	}
	cp := *s.best.Solution
	return &cp, s.best.Difficulty
}

// HasBest reports whether any solution has been accepted this epoch.
func (s *EpochState) HasBest() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.best.Solution != nil
}

// Snapshot copies the submission table and best for the submitter.
// Submissions accepted after the snapshot do not retroactively change
// attribution for the in-flight mine transaction.
func (s *EpochState) Snapshot() (map[chain.Pubkey]Attribution, BestHash) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[chain.Pubkey]Attribution, len(s.submissions))
	for k, v := range s.submissions {
		subs[k] = v
	}
	best := s.best
	if s.best.Solution != nil {
		cp := *s.best.Solution
		best.Solution = &cp
	}
	return subs, best
}

// Len returns the number of contributing wallets this epoch.
func (s *EpochState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}

// Reset clears the table for the next epoch.
func (s *EpochState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.best = BestHash{}
	s.submissions = make(map[chain.Pubkey]Attribution)
}
