package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var errBadKeypairFile = errors.New("malformed keypair file")

// Keypair is the pool authority's signing key.
type Keypair struct {
	priv ed25519.PrivateKey
}

// NewKeypair wraps an ed25519 private key.
func NewKeypair(priv ed25519.PrivateKey) *Keypair {
	return &Keypair{priv: priv}
}

// GenerateKeypair creates a fresh random keypair. Used by tests and by
// operators bootstrapping a new pool authority.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv}, nil
}

// ReadKeypairFile loads a keypair from the conventional wallet format:
// a JSON array of the 64 secret-key bytes.
func ReadKeypairFile(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}
	var ints []int16
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadKeypairFile, err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", errBadKeypairFile, ed25519.PrivateKeySize, len(ints))
	}
	bs := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range", errBadKeypairFile, i)
		}
		bs[i] = byte(v)
	}
	return &Keypair{priv: ed25519.PrivateKey(bs)}, nil
}

// Pubkey returns the public address of the keypair.
func (k *Keypair) Pubkey() Pubkey {
	var pk Pubkey
	copy(pk[:], k.priv.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs msg with the private key.
func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.priv, msg))
	return sig
}
