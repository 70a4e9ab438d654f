package server

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/pool"
)

func testServer(t *testing.T) (*Server, *pool.Registry) {
	t.Helper()
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)
	registry := pool.NewRegistry()
	messages := make(chan *pool.ClientMessage, 16)
	srv := New(registry, nil, nil, kp, &Config{SignupCost: 1_000_000}, messages)
	return srv, registry
}

// handshakeRequest builds an upgrade request with the given wallet
// credentials and timestamp.
func handshakeRequest(t *testing.T, kp *chain.Keypair, ts uint64) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/?timestamp=%d", ts), nil)
	var msg [8]byte
	binary.LittleEndian.PutUint64(msg[:], ts)
	req.SetBasicAuth(kp.Pubkey().String(), kp.Sign(msg[:]).String())
	return req
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	srv, _ := testServer(t)
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)

	stale := uint64(time.Now().Unix()) - 31
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, handshakeRequest(t, kp, stale))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "Timestamp too old")
}

func TestHandshakeRejectsFutureTimestamp(t *testing.T) {
	srv, _ := testServer(t)
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)

	// A pre-signed timestamp from the future must not authenticate now
	// (or forever after).
	future := uint64(time.Now().Unix()) + 3600
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, handshakeRequest(t, kp, future))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandshakeRejectsMissingTimestamp(t *testing.T) {
	srv, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandshakeRejectsMissingCredentials(t *testing.T) {
	srv, _ := testServer(t)
	ts := uint64(time.Now().Unix())
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/?timestamp=%d", ts), nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandshakeRejectsBadPubkey(t *testing.T) {
	srv, _ := testServer(t)
	ts := uint64(time.Now().Unix())
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/?timestamp=%d", ts), nil)
	req.SetBasicAuth("not-base58!", "whatever")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandshakeRejectsDuplicateWallet(t *testing.T) {
	srv, registry := testServer(t)
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)

	// Wallet already holds a session.
	require.NoError(t, registry.Insert(pool.NewSession("1.1.1.1:1", kp.Pubkey(), 1, nil)))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, handshakeRequest(t, kp, uint64(time.Now().Unix())))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "already connected")
}
