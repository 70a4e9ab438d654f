// pool-server is the mining pool coordinator: it authenticates miner
// websockets, fans out epoch work, aggregates solutions, lands the best
// one on chain and distributes the reward pro-rata by hashpower.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
	"github.com/minehq/pool-server/pool"
	"github.com/minehq/pool-server/server"
	"github.com/minehq/pool-server/store"
)

const (
	listenAddr = "0.0.0.0:3000"

	// minOperatingBalance is the smallest lamport balance the authority
	// wallet may hold at boot; anything less cannot pay for mining.
	minOperatingBalance = uint64(1_000_000)

	// messageBuffer sizes the client message channel between the read
	// loops and the aggregator.
	messageBuffer = 1024
)

var (
	priorityFeeFlag = &cli.Uint64Flag{
		Name:  "priority-fee",
		Usage: "Initial priority fee in microlamports for mine transactions",
		Value: 0,
	}
	whitelistFlag = &cli.StringFlag{
		Name:  "whitelist",
		Usage: "Path to a newline-separated list of wallets admitted without a signup transfer",
	}
	signupCostFlag = &cli.Uint64Flag{
		Name:  "signup-cost",
		Usage: "Lamports a signup transaction must transfer to the pool authority",
		Value: 1_000_000,
	}
)

func main() {
	app := &cli.App{
		Name:   "pool-server",
		Usage:  "mining pool coordinator",
		Flags:  []cli.Flag{priorityFeeFlag, whitelistFlag, signupCostFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env returns a required environment variable or fails the boot.
func env(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required environment variable %s", key)
	}
	return v, nil
}

func run(c *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))
	logger := log.New("module", "boot")

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", "err", err)
	}

	walletPath, err := env("WALLET_PATH")
	if err != nil {
		return err
	}
	rpcURL, err := env("RPC_URL")
	if err != nil {
		return err
	}
	wsURL, err := env("RPC_WS_URL")
	if err != nil {
		return err
	}
	password, err := env("PASSWORD")
	if err != nil {
		return err
	}
	dbURL, err := env("DATABASE_URL")
	if err != nil {
		return err
	}
	dbRRURL, err := env("DATABASE_RR_URL")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keypair, err := chain.ReadKeypairFile(walletPath)
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}
	authority := keypair.Pubkey()
	logger.Info("Loaded authority wallet", "pubkey", authority)

	client, err := chain.Dial(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	defer client.Close()

	balance, err := client.GetBalance(ctx, authority)
	if err != nil {
		return fmt.Errorf("failed to check wallet balance: %w", err)
	}
	if balance < minOperatingBalance {
		return fmt.Errorf("insufficient wallet balance: have %d, need %d", balance, minOperatingBalance)
	}
	logger.Info("Wallet balance checked", "balance", balance)

	proof, err := bootstrapProof(ctx, logger, client, keypair)
	if err != nil {
		return err
	}
	logger.Info("Loaded proof", "challenge", chain.Pubkey(proof.Challenge), "balance", proof.Balance)

	gateway, err := store.Open(dbURL, dbRRURL)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer gateway.Close()

	poolRow, err := bootstrapPool(ctx, logger, gateway, authority)
	if err != nil {
		return err
	}
	if _, err := gateway.GetChallengeID(ctx, proof.Challenge[:]); err != nil {
		logger.Info("Journaling boot challenge")
		if err := gateway.AddChallenge(ctx, poolRow.ID, proof.Challenge[:]); err != nil {
			return fmt.Errorf("failed to journal boot challenge: %w", err)
		}
	}

	whitelist, err := loadWhitelist(logger, c.String(whitelistFlag.Name))
	if err != nil {
		return err
	}

	watcher := chain.NewWatcher(wsURL, authority)
	watcher.Prime(proof)

	var (
		registry = pool.NewRegistry()
		ready    = mapset.NewSet[string]()
		state    = pool.NewEpochState()
		alloc    = pool.NewNonceAllocator()
		fee      = pool.NewFeeCell(c.Uint64(priorityFeeFlag.Name))
		messages = make(chan *pool.ClientMessage, messageBuffer)
	)
	submitter := pool.NewSubmitter(client, keypair, fee, registry, gateway)
	distributor := pool.NewDistributor(registry, gateway, poolRow.ID, authority.String())
	aggregator := pool.NewAggregator(registry, ready, state, watcher, gateway, poolRow.ID)
	dispatcher := pool.NewDispatcher(registry, ready, alloc, state, watcher)
	engine := pool.NewEngine(watcher, state, alloc, fee, registry, submitter, distributor, gateway, poolRow.ID)

	srv := server.New(registry, gateway, client, keypair, &server.Config{
		Password:   password,
		Whitelist:  whitelist,
		SignupCost: c.Uint64(signupCostFlag.Name),
		PoolID:     poolRow.ID,
	}, messages)

	go watcher.Run(ctx)
	go registry.RunLiveness(ctx)
	go dispatcher.Run(ctx)
	go aggregator.Run(ctx, messages)
	go engine.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(listenAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		return nil
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	}
}

// bootstrapProof loads the authority's proof account, registering it on
// chain first if this is the pool's first boot.
func bootstrapProof(ctx context.Context, logger log.Logger, client *chain.Client, keypair *chain.Keypair) (*chain.Proof, error) {
	authority := keypair.Pubkey()
	proof, err := client.GetProof(ctx, authority)
	if err == nil {
		return proof, nil
	}
	if !errors.Is(err, chain.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to load proof: %w", err)
	}

	logger.Info("Proof account missing, registering", "authority", authority)
	blockhash, err := client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash for register: %w", err)
	}
	tx := chain.NewTransaction(authority, blockhash,
		chain.SetComputeUnitPrice(params.ClaimPriorityFee),
		chain.Register(authority),
	)
	tx.Sign(keypair)
	sig, err := client.SendAndConfirm(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to register proof: %w", err)
	}
	logger.Info("Proof registered", "sig", sig)

	// The account indexer can lag the confirmation slightly.
	for {
		proof, err = client.GetProof(ctx, authority)
		if err == nil {
			return proof, nil
		}
		if !errors.Is(err, chain.ErrAccountNotFound) {
			return nil, fmt.Errorf("failed to load proof after register: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// bootstrapPool loads this authority's journal row, inserting it on
// first boot.
func bootstrapPool(ctx context.Context, logger log.Logger, gateway *store.Gateway, authority chain.Pubkey) (*store.Pool, error) {
	row, err := gateway.GetPoolByAuthority(ctx, authority.String())
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load pool row: %w", err)
	}
	logger.Info("Journaling pool", "authority", authority)
	if err := gateway.AddPool(ctx, authority.String(), chain.ProofAddress(authority).String()); err != nil {
		return nil, fmt.Errorf("failed to journal pool: %w", err)
	}
	return gateway.GetPoolByAuthority(ctx, authority.String())
}

// loadWhitelist parses a newline-separated wallet list. Lines that do
// not decode as pubkeys are logged and skipped. A missing flag returns
// a nil set, which disables free signup entirely.
func loadWhitelist(logger log.Logger, path string) (mapset.Set[string], error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open whitelist: %w", err)
	}
	defer f.Close()

	set := mapset.NewSet[string]()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		pubkey, err := chain.PubkeyFromBase58(line)
		if err != nil {
			logger.Warn("Skipping invalid whitelist entry", "line", line, "err", err)
			continue
		}
		set.Add(pubkey.String())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read whitelist: %w", err)
	}
	logger.Info("Loaded whitelist", "wallets", set.Cardinality())
	return set, nil
}
