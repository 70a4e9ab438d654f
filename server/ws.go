package server

import (
	"encoding/binary"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
	"github.com/minehq/pool-server/pool"
	"github.com/minehq/pool-server/store"
)

var (
	wsAcceptedMeter = metrics.NewRegisteredMeter("server/ws/accepted", nil)
	wsRejectedMeter = metrics.NewRegisteredMeter("server/ws/rejected", nil)
)

// handleWS authenticates and upgrades a miner connection. The client
// proves wallet ownership by signing the little-endian timestamp it
// sends as a query parameter: Basic auth carries the base58 pubkey as
// the user and the base58 signature as the password.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ts, err := strconv.ParseUint(r.URL.Query().Get("timestamp"), 10, 64)
	if err != nil {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Invalid timestamp.", http.StatusUnauthorized)
		return
	}
	// A timestamp from the future would otherwise never age out, letting
	// a pre-signed credential authenticate forever.
	now := uint64(time.Now().Unix())
	if ts > now || now-ts >= uint64(params.AuthWindow) {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Timestamp too old.", http.StatusUnauthorized)
		return
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Missing credentials.", http.StatusUnauthorized)
		return
	}
	pubkey, err := chain.PubkeyFromBase58(user)
	if err != nil {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Invalid pubkey.", http.StatusUnauthorized)
		return
	}

	if s.registry.HasWallet(pubkey) {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Wallet already connected.", http.StatusTooManyRequests)
		return
	}

	miner, err := s.gateway.GetMinerByPubkey(r.Context(), pubkey.String())
	if err != nil {
		wsRejectedMeter.Mark(1)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Pubkey is not authorized to mine. Please sign up.", http.StatusUnauthorized)
		} else {
			http.Error(w, "Internal error.", http.StatusInternalServerError)
		}
		return
	}
	if !miner.Enabled {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Pubkey is not authorized to mine. Please sign up.", http.StatusUnauthorized)
		return
	}

	sig, err := chain.SignatureFromBase58(pass)
	if err != nil {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Invalid signature.", http.StatusUnauthorized)
		return
	}
	var msg [8]byte
	binary.LittleEndian.PutUint64(msg[:], ts)
	if !sig.Verify(pubkey, msg[:]) {
		wsRejectedMeter.Mark(1)
		http.Error(w, "Signature verification failed.", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	session := pool.NewSession(r.RemoteAddr, pubkey, miner.ID, conn)
	// Probe the socket once before admitting it; a connection that
	// cannot take the first ping is not worth tracking.
	if err := session.Ping(); err != nil {
		s.log.Warn("Initial ping failed", "addr", r.RemoteAddr, "err", err)
		conn.Close()
		return
	}
	if err := s.registry.Insert(session); err != nil {
		s.log.Warn("Session rejected at insert", "addr", r.RemoteAddr, "err", err)
		conn.Close()
		return
	}
	wsAcceptedMeter.Mark(1)
	s.log.Info("Client connected", "addr", r.RemoteAddr, "pubkey", pubkey)

	go s.readLoop(session)
}

// readLoop pumps one session's inbound frames into the aggregator
// channel until the socket dies.
func (s *Server) readLoop(session *pool.Session) {
	defer func() {
		s.registry.Remove(session.Addr)
		session.Close()
		s.log.Info("Client disconnected", "addr", session.Addr, "pubkey", session.Pubkey)
	}()

	conn := session.Conn()
	conn.SetPongHandler(func(string) error {
		s.messages <- &pool.ClientMessage{Kind: pool.KindPong, Addr: session.Addr}
		return nil
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Read failed", "addr", session.Addr, "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := pool.ParseClientFrame(session.Addr, data)
		if err != nil {
			s.log.Warn("Dropping malformed client frame", "addr", session.Addr, "err", err)
			continue
		}
		s.messages <- msg
	}
}
