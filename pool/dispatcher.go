package pool

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
)

var dispatchCounter = metrics.NewRegisteredCounter("pool/dispatch/sent", nil)

const (
	dispatchInterval = time.Second

	// dispatchCutoffBuffer shortens the advertised cutoff so clients
	// report their best before the pool actually submits.
	dispatchCutoffBuffer = int64(5)
)

// cutoffSeconds computes the seconds remaining in the epoch described
// by proof, shortened by buffer. Negative when the epoch is over.
func cutoffSeconds(proof *chain.Proof, buffer int64, now int64) int64 {
	return proof.LastHashAt + params.EpochSeconds - buffer - now
}

// Dispatcher sends every ready client a work packet each tick: the
// epoch challenge, the remaining cutoff and a freshly allocated nonce
// window. Clients turn busy until their next Ready.
type Dispatcher struct {
	registry *Registry
	ready    mapset.Set[string]
	alloc    *NonceAllocator
	state    *EpochState
	watcher  *chain.Watcher
	log      log.Logger
}

// NewDispatcher wires the dispatcher to its collaborators. The ready
// set is shared with the aggregator, which adds clients on Ready frames.
func NewDispatcher(registry *Registry, ready mapset.Set[string], alloc *NonceAllocator, state *EpochState, watcher *chain.Watcher) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		ready:    ready,
		alloc:    alloc,
		state:    state,
		watcher:  watcher,
		log:      log.New("module", "dispatcher"),
	}
}

// Run ticks at ~1 Hz until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(time.Now().Unix())
		}
	}
}

// tick dispatches one round of work. Suppressed while the epoch is in
// its submission phase (cutoff expired with a best solution in hand).
func (d *Dispatcher) tick(now int64) {
	proof := d.watcher.Latest()
	if proof == nil {
		return
	}

	cutoff := cutoffSeconds(proof, dispatchCutoffBuffer, now)
	if cutoff <= 0 {
		if d.state.HasBest() {
			return
		}
		cutoff = 0
	}

	challenge := proof.Challenge
	for _, addr := range d.ready.ToSlice() {
		session, ok := d.registry.Get(addr)
		if !ok {
			d.ready.Remove(addr)
			continue
		}
		start, end := d.alloc.Allocate()
		packet := EncodeWorkPacket(challenge, cutoff, start, end)

		addr := addr
		go func() {
			if err := session.SendBinary(packet); err != nil {
				d.log.Warn("Failed to dispatch work", "addr", addr, "err", err)
				return
			}
			d.ready.Remove(addr)
			session.SetRange(start, end)
			dispatchCounter.Inc(1)
			d.log.Debug("Dispatched work", "addr", addr, "start", start, "end", end, "cutoff", cutoff)
		}()
	}
}
