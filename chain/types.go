// Package chain is the coordinator's view of the token chain: account
// types, the pool program's on-chain records, a JSON-RPC client and the
// proof-account watcher. The wire transport is JSON-RPC 2.0 over HTTP
// for calls and over websocket for account subscriptions.
package chain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

const (
	// PubkeyLength is the length of an account address in bytes.
	PubkeyLength = 32

	// SignatureLength is the length of an ed25519 signature in bytes.
	SignatureLength = 64

	// HashLength is the length of a blockhash in bytes.
	HashLength = 32
)

var (
	errInvalidPubkey    = errors.New("invalid pubkey")
	errInvalidSignature = errors.New("invalid signature")
	errShortAccountData = errors.New("account data too short")
)

// Pubkey is an ed25519 account address.
type Pubkey [PubkeyLength]byte

// PubkeyFromBase58 parses a base58-encoded account address.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var pk Pubkey
	raw := base58.Decode(s)
	if len(raw) != PubkeyLength {
		return pk, fmt.Errorf("%w: %q", errInvalidPubkey, s)
	}
	copy(pk[:], raw)
	return pk, nil
}

// PubkeyFromBytes copies a raw 32-byte address.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeyLength {
		return pk, errInvalidPubkey
	}
	copy(pk[:], b)
	return pk, nil
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }

// IsZero reports whether the address is the all-zero pubkey.
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

// Signature is an ed25519 signature.
type Signature [SignatureLength]byte

// SignatureFromBase58 parses a base58-encoded signature.
func SignatureFromBase58(s string) (Signature, error) {
	var sig Signature
	raw := base58.Decode(s)
	if len(raw) != SignatureLength {
		return sig, fmt.Errorf("%w: %q", errInvalidSignature, s)
	}
	copy(sig[:], raw)
	return sig, nil
}

func (s Signature) String() string { return base58.Encode(s[:]) }

// Verify reports whether the signature over msg is valid under pk.
func (s Signature) Verify(pk Pubkey, msg []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, s[:])
}

// Hash is a recent blockhash used to anchor transactions.
type Hash [HashLength]byte

func (h Hash) String() string { return base58.Encode(h[:]) }

// DerivedAddress deterministically derives a program address from a
// seed and optional key material, the way the pool program derives its
// proof, bus and token accounts.
func DerivedAddress(seed string, keys ...Pubkey) Pubkey {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(seed))
	for _, k := range keys {
		hasher.Write(k[:])
	}
	var pk Pubkey
	copy(pk[:], hasher.Sum(nil))
	return pk
}

// Well-known program addresses. The pool program owns the proof, config
// and bus accounts; the system and compute-budget programs carry the
// transfer and fee instructions.
var (
	PoolProgram          = DerivedAddress("program:pool")
	SystemProgram        = DerivedAddress("program:system")
	TokenProgram         = DerivedAddress("program:token")
	ComputeBudgetProgram = DerivedAddress("program:compute-budget")

	// MintAddress is the mined token's mint account.
	MintAddress = DerivedAddress("pool:mint")

	// ConfigAddress is the pool program's global board config account.
	ConfigAddress = DerivedAddress("pool:config")
)

// ProofAddress derives the proof account of a pool authority.
func ProofAddress(authority Pubkey) Pubkey {
	return DerivedAddress("pool:proof", authority)
}

// BusAddress derives the i-th reward bus account.
func BusAddress(i int) Pubkey {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(i))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("pool:bus"))
	h.Write(seed[:])
	var pk Pubkey
	copy(pk[:], h.Sum(nil))
	return pk
}

// TokenAddress derives the associated token account of an owner.
func TokenAddress(owner Pubkey) Pubkey {
	return DerivedAddress("pool:token", owner, MintAddress)
}

// Proof is the pool's on-chain mining record. The 32-byte challenge
// identifies the current epoch.
type Proof struct {
	Authority    Pubkey
	Balance      uint64
	Challenge    [32]byte
	LastHash     [32]byte
	LastHashAt   int64
	TotalHashes  uint64
	TotalRewards uint64
}

const proofDataSize = PubkeyLength + 8 + 32 + 32 + 8 + 8 + 8

// DecodeProof parses a proof account payload.
func DecodeProof(data []byte) (*Proof, error) {
	if len(data) < proofDataSize {
		return nil, fmt.Errorf("%w: proof needs %d bytes, got %d", errShortAccountData, proofDataSize, len(data))
	}
	p := new(Proof)
	r := bytes.NewReader(data[:proofDataSize])
	for _, field := range []interface{}{
		&p.Authority, &p.Balance, &p.Challenge, &p.LastHash,
		&p.LastHashAt, &p.TotalHashes, &p.TotalRewards,
	} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// EncodeProof is the inverse of DecodeProof.
func EncodeProof(p *Proof) []byte {
	var buf bytes.Buffer
	for _, field := range []interface{}{
		p.Authority, p.Balance, p.Challenge, p.LastHash,
		p.LastHashAt, p.TotalHashes, p.TotalRewards,
	} {
		binary.Write(&buf, binary.LittleEndian, field)
	}
	return buf.Bytes()
}

// BoardConfig is the pool program's global configuration account.
type BoardConfig struct {
	BaseRewardRate uint64
	LastResetAt    int64
	MinDifficulty  uint64
	TopBalance     uint64
}

const boardConfigDataSize = 8 * 4

// DecodeBoardConfig parses the board config account payload.
func DecodeBoardConfig(data []byte) (*BoardConfig, error) {
	if len(data) < boardConfigDataSize {
		return nil, fmt.Errorf("%w: config needs %d bytes, got %d", errShortAccountData, boardConfigDataSize, len(data))
	}
	c := new(BoardConfig)
	r := bytes.NewReader(data[:boardConfigDataSize])
	for _, field := range []interface{}{
		&c.BaseRewardRate, &c.LastResetAt, &c.MinDifficulty, &c.TopBalance,
	} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Bus is one of the program's reward accounts. The submitter targets
// the bus holding the most rewards.
type Bus struct {
	ID      uint64
	Rewards uint64
}

const busDataSize = 16

// DecodeBus parses a bus account payload.
func DecodeBus(data []byte) (*Bus, error) {
	if len(data) < busDataSize {
		return nil, fmt.Errorf("%w: bus needs %d bytes, got %d", errShortAccountData, busDataSize, len(data))
	}
	return &Bus{
		ID:      binary.LittleEndian.Uint64(data[0:8]),
		Rewards: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

// MineEvent is the return data emitted by a confirmed mine instruction.
type MineEvent struct {
	Difficulty uint64
	Reward     uint64
	Timing     int64
}

const mineEventDataSize = 24

// DecodeMineEvent parses mine transaction return data.
func DecodeMineEvent(data []byte) (*MineEvent, error) {
	if len(data) < mineEventDataSize {
		return nil, fmt.Errorf("%w: mine event needs %d bytes, got %d", errShortAccountData, mineEventDataSize, len(data))
	}
	return &MineEvent{
		Difficulty: binary.LittleEndian.Uint64(data[0:8]),
		Reward:     binary.LittleEndian.Uint64(data[8:16]),
		Timing:     int64(binary.LittleEndian.Uint64(data[16:24])),
	}, nil
}

// EncodeMineEvent is the inverse of DecodeMineEvent.
func EncodeMineEvent(ev *MineEvent) []byte {
	out := make([]byte, mineEventDataSize)
	binary.LittleEndian.PutUint64(out[0:8], ev.Difficulty)
	binary.LittleEndian.PutUint64(out[8:16], ev.Reward)
	binary.LittleEndian.PutUint64(out[16:24], uint64(ev.Timing))
	return out
}
