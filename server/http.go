package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/params"
	"github.com/minehq/pool-server/store"
)

// signupRequestLimit bounds the base64 transaction body.
const signupRequestLimit = 8 * 1024

func (s *Server) handleLatestBlockhash(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	blockhash, err := s.client.GetLatestBlockhash(r.Context())
	if err != nil {
		s.log.Error("Failed to get latest blockhash", "err", err)
		http.Error(w, "Failed to get latest blockhash.", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, base64.StdEncoding.EncodeToString(blockhash[:]))
}

func (s *Server) handleAuthorityPubkey(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	io.WriteString(w, s.keypair.Pubkey().String())
}

func (s *Server) handleTimestamp(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	io.WriteString(w, strconv.FormatInt(time.Now().Unix(), 10))
}

func (s *Server) handleActiveMiners(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	io.WriteString(w, strconv.Itoa(s.registry.Len()))
}

// queryPubkey parses the mandatory pubkey query parameter.
func queryPubkey(r *http.Request) (chain.Pubkey, error) {
	return chain.PubkeyFromBase58(r.URL.Query().Get("pubkey"))
}

func (s *Server) handleMinerBalance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pubkey, err := queryPubkey(r)
	if err != nil {
		http.Error(w, "Invalid pubkey.", http.StatusBadRequest)
		return
	}
	balance, err := s.client.GetTokenBalance(r.Context(), pubkey)
	if err != nil {
		s.log.Error("Failed to get token balance", "pubkey", pubkey, "err", err)
		http.Error(w, "Failed to get token balance.", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, balance.UIAmount)
}

func (s *Server) handleMinerRewards(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pubkey, err := queryPubkey(r)
	if err != nil {
		http.Error(w, "Invalid pubkey.", http.StatusBadRequest)
		return
	}
	reward, err := s.gateway.GetMinerRewardRR(r.Context(), pubkey.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Miner not found.", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get miner rewards.", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%.11f", float64(reward.Balance)/1e11)
}

func (s *Server) handleMinerSubmissions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pubkey, err := queryPubkey(r)
	if err != nil {
		http.Error(w, "Invalid pubkey.", http.StatusBadRequest)
		return
	}
	subs, err := s.gateway.GetMinerSubmissions(r.Context(), pubkey.String())
	if err != nil {
		http.Error(w, "Failed to get submissions.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, subs)
}

func (s *Server) handleLastChallengeSubmissions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	subs, err := s.gateway.GetLastChallengeSubmissions(r.Context())
	if err != nil {
		http.Error(w, "Failed to get last challenge submissions.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, subs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleSignup admits a wallet to the pool. Whitelisted wallets join
// for free; everyone else submits a signed transfer of the signup cost
// to the pool authority, which is validated field by field and landed
// on chain before the miner row is written.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pubkey, err := queryPubkey(r)
	if err != nil {
		http.Error(w, "Invalid pubkey.", http.StatusBadRequest)
		return
	}

	if miner, err := s.gateway.GetMinerByPubkey(r.Context(), pubkey.String()); err == nil {
		if miner.Enabled {
			s.log.Info("Signup for existing miner", "pubkey", pubkey)
			io.WriteString(w, "SUCCESS")
			return
		}
		http.Error(w, "Pubkey is banned from mining.", http.StatusUnauthorized)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Internal error.", http.StatusInternalServerError)
		return
	}

	if s.config.Whitelist != nil && s.config.Whitelist.Contains(pubkey.String()) {
		s.log.Info("Whitelisted wallet signup", "pubkey", pubkey)
		s.admitMiner(w, r, pubkey)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, signupRequestLimit))
	if err != nil {
		http.Error(w, "Failed to read request body.", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		http.Error(w, "Invalid transaction encoding.", http.StatusBadRequest)
		return
	}
	tx, err := chain.DeserializeTransaction(raw)
	if err != nil {
		http.Error(w, "Invalid transaction.", http.StatusBadRequest)
		return
	}
	if err := s.validateSignupTx(tx, pubkey); err != nil {
		s.log.Warn("Signup transaction rejected", "pubkey", pubkey, "err", err)
		http.Error(w, "Invalid signup transaction.", http.StatusBadRequest)
		return
	}

	sig, err := s.client.SendAndConfirm(r.Context(), tx)
	if err != nil {
		s.log.Error("Signup transaction failed", "pubkey", pubkey, "err", err)
		http.Error(w, "Transaction failed to confirm.", http.StatusInternalServerError)
		return
	}
	s.log.Info("Signup transaction confirmed", "pubkey", pubkey, "sig", sig)
	s.admitMiner(w, r, pubkey)
}

// validateSignupTx checks a signup transaction against the expected
// shape: signed by the wallet, exactly one system transfer of the
// signup cost from the wallet to the pool authority.
func (s *Server) validateSignupTx(tx *chain.Transaction, pubkey chain.Pubkey) error {
	if tx.Payer != pubkey {
		return errors.New("payer does not match wallet")
	}
	if !tx.IsSigned() {
		return errors.New("transaction is not signed by the wallet")
	}
	if len(tx.Instructions) != 1 {
		return errors.New("expected exactly one instruction")
	}
	ix := tx.Instructions[0]
	expected := chain.Transfer(pubkey, s.keypair.Pubkey(), s.config.SignupCost)
	if ix.Program != expected.Program {
		return errors.New("unexpected program")
	}
	if len(ix.Accounts) != len(expected.Accounts) {
		return errors.New("unexpected account count")
	}
	for i, acct := range ix.Accounts {
		if acct != expected.Accounts[i] {
			return errors.New("unexpected account list")
		}
	}
	if !bytes.Equal(ix.Data, expected.Data) {
		return errors.New("instruction data mismatch")
	}
	return nil
}

// admitMiner writes the miner and reward rows and reports success.
func (s *Server) admitMiner(w http.ResponseWriter, r *http.Request, pubkey chain.Pubkey) {
	if err := s.gateway.AddMiner(r.Context(), pubkey.String(), true); err != nil {
		s.log.Error("Failed to add miner", "pubkey", pubkey, "err", err)
		http.Error(w, "Failed to add miner.", http.StatusInternalServerError)
		return
	}
	miner, err := s.gateway.GetMinerByPubkey(r.Context(), pubkey.String())
	if err != nil {
		http.Error(w, "Failed to load miner.", http.StatusInternalServerError)
		return
	}
	if err := s.gateway.AddReward(r.Context(), miner.ID, s.config.PoolID); err != nil {
		s.log.Error("Failed to add reward row", "pubkey", pubkey, "err", err)
		http.Error(w, "Failed to add miner.", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "SUCCESS")
}

// handleClaim pays out a miner's journaled balance to their token
// account. Claims are rate limited per miner and debit the journal
// only after the chain transfer confirms.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pubkey, err := queryPubkey(r)
	if err != nil {
		http.Error(w, "Invalid pubkey.", http.StatusBadRequest)
		return
	}
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount == 0 {
		http.Error(w, "Invalid amount.", http.StatusBadRequest)
		return
	}

	miner, err := s.gateway.GetMinerByPubkey(r.Context(), pubkey.String())
	if err != nil {
		http.Error(w, "Miner not found.", http.StatusUnauthorized)
		return
	}
	reward, err := s.gateway.GetMinerReward(r.Context(), pubkey.String())
	if err != nil {
		http.Error(w, "No reward balance.", http.StatusBadRequest)
		return
	}
	if amount > reward.Balance {
		http.Error(w, "Claim amount exceeds balance.", http.StatusBadRequest)
		return
	}

	if last, err := s.gateway.GetLastClaim(r.Context(), miner.ID); err == nil {
		elapsed := time.Now().Unix() - last.CreatedAt.Unix()
		if elapsed < params.ClaimInterval {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, "You cannot claim until the time is up. Time left: %d seconds.", params.ClaimInterval-elapsed)
			return
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Internal error.", http.StatusInternalServerError)
		return
	}

	signer := s.keypair.Pubkey()
	ixs := []chain.Instruction{
		chain.SetComputeUnitPrice(params.ClaimPriorityFee),
	}
	beneficiary := chain.TokenAddress(pubkey)
	if balance, err := s.client.GetTokenBalance(r.Context(), pubkey); err != nil || !balance.Exists {
		s.log.Info("Creating missing token account for claim", "pubkey", pubkey)
		ixs = append(ixs, chain.CreateTokenAccount(signer, pubkey))
	}
	ixs = append(ixs, chain.Claim(signer, beneficiary, amount))

	blockhash, err := s.client.GetLatestBlockhash(r.Context())
	if err != nil {
		http.Error(w, "Failed to get latest blockhash.", http.StatusInternalServerError)
		return
	}
	tx := chain.NewTransaction(signer, blockhash, ixs...)
	tx.Sign(s.keypair)

	sig, err := s.client.SendAndConfirm(r.Context(), tx)
	if err != nil {
		s.log.Error("Claim transaction failed", "pubkey", pubkey, "err", err)
		http.Error(w, "Transaction failed to confirm.", http.StatusInternalServerError)
		return
	}
	s.log.Info("Claim transaction confirmed", "pubkey", pubkey, "amount", amount, "sig", sig)

	// Journal the payout. The txn row goes first so the claim row can
	// reference it; every write retries until durable.
	ctx := r.Context()
	s.gateway.Retry(ctx, "add claim txn", func() error {
		return s.gateway.AddTxn(ctx, store.TxnTypeClaim, sig.String(), uint32(params.ClaimPriorityFee))
	})
	var txn *store.Txn
	s.gateway.Retry(ctx, "get claim txn", func() error {
		var err error
		txn, err = s.gateway.GetTxnBySignature(ctx, sig.String())
		return err
	})
	if txn != nil {
		s.gateway.Retry(ctx, "add claim", func() error {
			return s.gateway.AddClaim(ctx, &store.Claim{
				MinerID: miner.ID,
				PoolID:  s.config.PoolID,
				TxnID:   txn.ID,
				Amount:  amount,
			})
		})
	}
	s.gateway.Retry(ctx, "debit reward", func() error {
		return s.gateway.DebitReward(ctx, miner.ID, amount)
	})
	s.gateway.Retry(ctx, "update pool claimed", func() error {
		return s.gateway.UpdatePoolClaimed(ctx, signer.String(), amount)
	})

	io.WriteString(w, "SUCCESS")
}
