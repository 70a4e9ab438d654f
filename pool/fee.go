package pool

import (
	"sync"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/minehq/pool-server/params"
)

var priorityFeeGauge = metrics.NewRegisteredGauge("pool/priorityfee", nil)

// FeeCell is the shared priority-fee controller: additive escalation
// while submissions fail, tiered relaxation after a confirmed mine.
// Monotone pressure under contention, slow release afterward.
type FeeCell struct {
	mu  sync.Mutex
	fee uint64
}

// NewFeeCell starts the controller at the operator-chosen fee.
func NewFeeCell(initial uint64) *FeeCell {
	if initial > params.MaxPriorityFee {
		initial = params.MaxPriorityFee
	}
	priorityFeeGauge.Update(int64(initial))
	return &FeeCell{fee: initial}
}

// Get returns the current fee.
func (f *FeeCell) Get() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fee
}

// Escalate raises the fee after a failed submission attempt, capped at
// the protocol ceiling.
func (f *FeeCell) Escalate() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fee += params.FeeEscalation
	if f.fee > params.MaxPriorityFee {
		f.fee = params.MaxPriorityFee
	}
	priorityFeeGauge.Update(int64(f.fee))
	return f.fee
}

// Relax steps the fee back down after a confirmed mine. The step grows
// with the fee tier; subtraction saturates at zero.
func (f *FeeCell) Relax() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var step uint64
	if f.fee > 20_000 {
		step = 1_000
	}
	if f.fee >= 50_000 {
		step = 5_000
	}
	if f.fee >= 100_000 {
		step = 10_000
	}
	if step > f.fee {
		f.fee = 0
	} else {
		f.fee -= step
	}
	priorityFeeGauge.Update(int64(f.fee))
	return f.fee
}
