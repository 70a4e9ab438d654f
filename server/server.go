// Package server hosts the coordinator's public surface: the
// authenticated miner websocket and the thin HTTP layer in front of
// the journal and the chain client.
package server

import (
	"net/http"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/pool"
	"github.com/minehq/pool-server/store"
)

// Config carries the operator-facing settings of the public surface.
type Config struct {
	// Password is the operator secret reserved for privileged endpoints.
	Password string

	// Whitelist, when non-nil, lists wallets that may sign up without
	// paying the on-chain transfer.
	Whitelist mapset.Set[string]

	// SignupCost is the lamport transfer a signup transaction must carry.
	SignupCost uint64

	// PoolID is this coordinator's journal row.
	PoolID int32
}

// Server binds the miner websocket and HTTP endpoints.
type Server struct {
	registry *pool.Registry
	gateway  *store.Gateway
	client   *chain.Client
	keypair  *chain.Keypair
	config   *Config
	messages chan<- *pool.ClientMessage

	upgrader websocket.Upgrader
	log      log.Logger
}

// New wires the server to its collaborators.
func New(registry *pool.Registry, gateway *store.Gateway, client *chain.Client,
	keypair *chain.Keypair, config *Config, messages chan<- *pool.ClientMessage) *Server {
	return &Server{
		registry: registry,
		gateway:  gateway,
		client:   client,
		keypair:  keypair,
		config:   config,
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.New("module", "server"),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	router := httprouter.New()
	router.GET("/", s.handleWS)
	router.GET("/latest-blockhash", s.handleLatestBlockhash)
	router.GET("/pool/authority/pubkey", s.handleAuthorityPubkey)
	router.GET("/timestamp", s.handleTimestamp)
	router.GET("/active-miners", s.handleActiveMiners)
	router.GET("/miner/balance", s.handleMinerBalance)
	router.GET("/miner/rewards", s.handleMinerRewards)
	router.GET("/miner/submissions", s.handleMinerSubmissions)
	router.GET("/last-challenge-submissions", s.handleLastChallengeSubmissions)
	router.POST("/signup", s.handleSignup)
	router.POST("/claim", s.handleClaim)
	return router
}

// ListenAndServe blocks serving the public surface.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("Listening", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}
