package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/minehq/pool-server/params"
)

var (
	// ErrAccountNotFound is returned when the node has no record of the
	// requested account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionFailed is returned when a sent transaction reaches a
	// terminal failed status.
	ErrTransactionFailed = errors.New("transaction failed")

	errConfirmTimeout = errors.New("transaction confirmation timed out")
)

const (
	confirmPollInterval = 2 * time.Second
	confirmPollAttempts = 30
)

// Client talks JSON-RPC to a chain node. All blocking calls take a
// context; the node's own request timeouts bound each call.
type Client struct {
	rpc *rpc.Client
	log log.Logger
}

// Dial connects to a chain node at url (http, https, ws or wss).
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return &Client{rpc: c, log: log.New("module", "chain")}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, pk Pubkey) (uint64, error) {
	var balance uint64
	if err := c.rpc.CallContext(ctx, &balance, "chain_getBalance", pk.String()); err != nil {
		return 0, err
	}
	return balance, nil
}

// GetAccountData fetches the raw data of an account.
func (c *Client) GetAccountData(ctx context.Context, pk Pubkey) ([]byte, error) {
	var encoded string
	if err := c.rpc.CallContext(ctx, &encoded, "chain_getAccountData", pk.String()); err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, ErrAccountNotFound
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// GetProof loads and decodes the proof account of a pool authority.
func (c *Client) GetProof(ctx context.Context, authority Pubkey) (*Proof, error) {
	data, err := c.GetAccountData(ctx, ProofAddress(authority))
	if err != nil {
		return nil, err
	}
	return DecodeProof(data)
}

// GetBoardState refreshes the program config and every reward bus.
// Busses that fail to load are returned as nil entries; the caller
// falls back to a random bus when nothing loaded.
func (c *Client) GetBoardState(ctx context.Context) (*BoardConfig, []*Bus, error) {
	data, err := c.GetAccountData(ctx, ConfigAddress)
	if err != nil {
		return nil, nil, err
	}
	config, err := DecodeBoardConfig(data)
	if err != nil {
		return nil, nil, err
	}

	busses := make([]*Bus, params.BusCount)
	for i := range busses {
		data, err := c.GetAccountData(ctx, BusAddress(i))
		if err != nil {
			c.log.Warn("Failed to load reward bus", "bus", i, "err", err)
			continue
		}
		bus, err := DecodeBus(data)
		if err != nil {
			c.log.Warn("Failed to decode reward bus", "bus", i, "err", err)
			continue
		}
		busses[i] = bus
	}
	return config, busses, nil
}

// GetLatestBlockhash returns a recent blockhash to anchor a transaction.
func (c *Client) GetLatestBlockhash(ctx context.Context) (Hash, error) {
	var encoded string
	if err := c.rpc.CallContext(ctx, &encoded, "chain_getLatestBlockhash"); err != nil {
		return Hash{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != HashLength {
		return Hash{}, fmt.Errorf("malformed blockhash from node: %v", err)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// SendTransaction submits a signed transaction without waiting for it.
func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (Signature, error) {
	encoded := base64.StdEncoding.EncodeToString(tx.Serialize())
	var sigStr string
	if err := c.rpc.CallContext(ctx, &sigStr, "chain_sendTransaction", encoded); err != nil {
		return Signature{}, err
	}
	return SignatureFromBase58(sigStr)
}

// SendAndConfirm submits a signed transaction and polls its status
// until it confirms, fails, or the poll budget runs out.
func (c *Client) SendAndConfirm(ctx context.Context, tx *Transaction) (Signature, error) {
	sig, err := c.SendTransaction(ctx, tx)
	if err != nil {
		return Signature{}, err
	}
	for i := 0; i < confirmPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return sig, ctx.Err()
		case <-time.After(confirmPollInterval):
		}
		var status string
		if err := c.rpc.CallContext(ctx, &status, "chain_getSignatureStatus", sig.String()); err != nil {
			c.log.Debug("Signature status poll failed", "sig", sig, "err", err)
			continue
		}
		switch status {
		case "confirmed", "finalized":
			return sig, nil
		case "failed":
			return sig, ErrTransactionFailed
		}
	}
	return sig, errConfirmTimeout
}

// GetTransactionReturnData fetches the program return data of a
// confirmed transaction, e.g. the MineEvent of a mine.
func (c *Client) GetTransactionReturnData(ctx context.Context, sig Signature) ([]byte, error) {
	var encoded string
	if err := c.rpc.CallContext(ctx, &encoded, "chain_getTransactionReturnData", sig.String()); err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, errors.New("transaction has no return data")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// TokenBalance is a token account balance in display units.
type TokenBalance struct {
	Amount   uint64 `json:"amount"`
	UIAmount string `json:"uiAmount"`
	Exists   bool   `json:"exists"`
}

// GetTokenBalance returns the mined-token balance of an owner's
// associated token account.
func (c *Client) GetTokenBalance(ctx context.Context, owner Pubkey) (*TokenBalance, error) {
	var balance TokenBalance
	if err := c.rpc.CallContext(ctx, &balance, "chain_getTokenBalance", TokenAddress(owner).String()); err != nil {
		return nil, err
	}
	return &balance, nil
}
