// Package pow verifies proof-of-work solutions submitted by remote miners.
// The coordinator never searches for solutions itself; it only re-derives
// the digest for a claimed (challenge, nonce) pair and scores it.
package pow

import (
	"crypto/subtle"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the length of a solution digest in bytes.
const DigestSize = 16

// Digest derives the solution digest for a challenge and nonce. Clients
// compute the same construction while scanning their assigned range.
func Digest(challenge [32]byte, nonce [8]byte) [DigestSize]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(challenge[:])
	h.Write(nonce[:])
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify reports whether digest is the valid solution digest for the
// given challenge and nonce.
func Verify(challenge [32]byte, digest [DigestSize]byte, nonce [8]byte) bool {
	want := Digest(challenge, nonce)
	return subtle.ConstantTimeCompare(want[:], digest[:]) == 1
}

// Difficulty scores a digest as the number of leading zero bits of its
// keccak hash. Higher is rarer.
func Difficulty(digest [DigestSize]byte) uint32 {
	h := sha3.NewLegacyKeccak256()
	h.Write(digest[:])
	sum := h.Sum(nil)

	var count uint32
	for _, b := range sum {
		lz := uint32(bits.LeadingZeros8(b))
		count += lz
		if lz < 8 {
			break
		}
	}
	return count
}
