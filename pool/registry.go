package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/websocket"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
)

var (
	// ErrWalletConnected rejects a second session for a wallet that
	// already holds one.
	ErrWalletConnected = errors.New("wallet already has an active session")

	// ErrAddrConnected rejects a duplicate socket address.
	ErrAddrConnected = errors.New("address already has an active session")
)

var connectedGauge = metrics.NewRegisteredGauge("pool/clients/connected", nil)

// Session is one authenticated miner connection. The write mutex
// serializes outbound frames; websocket frames must not interleave.
type Session struct {
	Addr    string
	Pubkey  chain.Pubkey
	MinerID int32

	conn    *websocket.Conn
	writeMu sync.Mutex

	rangeMu    sync.Mutex
	rangeSet   bool
	nonceStart uint64
	nonceEnd   uint64
}

// NewSession wraps an upgraded connection.
func NewSession(addr string, pubkey chain.Pubkey, minerID int32, conn *websocket.Conn) *Session {
	return &Session{Addr: addr, Pubkey: pubkey, MinerID: minerID, conn: conn}
}

func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// SendBinary writes a binary frame.
func (s *Session) SendBinary(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

// SendText writes a human-readable status frame.
func (s *Session) SendText(text string) error {
	return s.write(websocket.TextMessage, []byte(text))
}

// Ping writes the liveness probe.
func (s *Session) Ping() error {
	return s.write(websocket.PingMessage, PingPayload)
}

// Close tears the connection down.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying socket for the owner's read loop.
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

// SetRange records the nonce window dispatched to this session.
func (s *Session) SetRange(start, end uint64) {
	s.rangeMu.Lock()
	s.rangeSet = true
	s.nonceStart = start
	s.nonceEnd = end
	s.rangeMu.Unlock()
}

// Range returns the assigned window, if any.
func (s *Session) Range() (start, end uint64, ok bool) {
	s.rangeMu.Lock()
	defer s.rangeMu.Unlock()
	return s.nonceStart, s.nonceEnd, s.rangeSet
}

// ClearRange drops the assignment on epoch close.
func (s *Session) ClearRange() {
	s.rangeMu.Lock()
	s.rangeSet = false
	s.nonceStart = 0
	s.nonceEnd = 0
	s.rangeMu.Unlock()
}

// Registry holds every live session, keyed by socket address, with at
// most one session per wallet. It owns liveness: application pings
// every 30 s, eviction when the last pong is older than 45 s.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pongs    map[string]time.Time

	log log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		pongs:    make(map[string]time.Time),
		log:      log.New("module", "registry"),
	}
}

// Insert admits a session, rejecting duplicate wallets and addresses.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Addr]; ok {
		return ErrAddrConnected
	}
	for _, existing := range r.sessions {
		if existing.Pubkey == s.Pubkey {
			return ErrWalletConnected
		}
	}
	r.sessions[s.Addr] = s
	r.pongs[s.Addr] = time.Now()
	connectedGauge.Update(int64(len(r.sessions)))
	return nil
}

// Remove drops a session by address.
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	delete(r.sessions, addr)
	delete(r.pongs, addr)
	connectedGauge.Update(int64(len(r.sessions)))
	r.mu.Unlock()
}

// Get resolves a session by address.
func (r *Registry) Get(addr string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[addr]
	return s, ok
}

// HasWallet reports whether a wallet currently holds a session.
func (r *Registry) HasWallet(pubkey chain.Pubkey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Pubkey == pubkey {
			return true
		}
	}
	return false
}

// Snapshot returns the current sessions for iteration.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RecordPong notes a liveness reply from a session.
func (r *Registry) RecordPong(addr string) {
	r.mu.Lock()
	if _, ok := r.sessions[addr]; ok {
		r.pongs[addr] = time.Now()
	}
	r.mu.Unlock()
}

// Broadcast fans a text frame out to every session, one goroutine per
// socket so a slow client only delays itself.
func (r *Registry) Broadcast(text string) {
	for _, s := range r.Snapshot() {
		s := s
		go func() {
			if err := s.SendText(text); err != nil {
				r.log.Error("Failed to send client text", "addr", s.Addr, "err", err)
			}
		}()
	}
}

// RunLiveness pings every session on a fixed cadence and sweeps out
// sessions whose pong has gone stale. A failed ping send also evicts.
func (r *Registry) RunLiveness(ctx context.Context) {
	pingTicker := time.NewTicker(params.PingInterval)
	sweepTicker := time.NewTicker(params.PongSweepInterval)
	defer pingTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			r.pingAll()
		case <-sweepTicker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) pingAll() {
	for _, s := range r.Snapshot() {
		if err := s.Ping(); err != nil {
			r.log.Warn("Ping failed, evicting session", "addr", s.Addr, "err", err)
			s.Close()
			r.Remove(s.Addr)
		}
	}
}

func (r *Registry) sweepStale() {
	r.mu.RLock()
	stale := make([]string, 0)
	for addr, last := range r.pongs {
		if time.Since(last) > params.PongTimeout {
			stale = append(stale, addr)
		}
	}
	r.mu.RUnlock()

	for _, addr := range stale {
		if s, ok := r.Get(addr); ok {
			r.log.Warn("Pong timeout, evicting session", "addr", addr, "pubkey", s.Pubkey)
			s.Close()
		}
		r.Remove(addr)
	}
}
