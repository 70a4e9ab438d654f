package pow

import (
	"encoding/binary"
	"testing"
)

func TestVerifyRoundTrip(t *testing.T) {
	var challenge [32]byte
	challenge[0] = 0xaa
	challenge[31] = 0x55

	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], 12345)

	digest := Digest(challenge, nonce)
	if !Verify(challenge, digest, nonce) {
		t.Fatal("digest derived from (challenge, nonce) must verify")
	}

	// Wrong nonce fails.
	var other [8]byte
	binary.LittleEndian.PutUint64(other[:], 12346)
	if Verify(challenge, digest, other) {
		t.Fatal("digest must not verify under a different nonce")
	}

	// Wrong challenge fails.
	challenge[0] ^= 1
	if Verify(challenge, digest, nonce) {
		t.Fatal("digest must not verify under a different challenge")
	}

	// Corrupted digest fails.
	challenge[0] ^= 1
	digest[7] ^= 1
	if Verify(challenge, digest, nonce) {
		t.Fatal("corrupted digest must not verify")
	}
}

func TestDifficultyCountsLeadingZeroBits(t *testing.T) {
	// Difficulty is a pure function of the digest; scan nonces until a few
	// distinct scores show up and check monotone rarity makes sense.
	var challenge [32]byte
	seen := map[uint32]int{}
	for n := uint64(0); n < 5000; n++ {
		var nonce [8]byte
		binary.LittleEndian.PutUint64(nonce[:], n)
		d := Difficulty(Digest(challenge, nonce))
		seen[d]++
	}
	if len(seen) < 3 {
		t.Fatalf("expected a spread of difficulties, got %v", seen)
	}
	// Zero-bit scores dominate over high scores.
	if seen[0] < seen[8] {
		t.Errorf("difficulty 0 should be more common than 8: %v", seen)
	}
}

func TestDifficultyDeterministic(t *testing.T) {
	var digest [DigestSize]byte
	digest[0] = 0x01
	a, b := Difficulty(digest), Difficulty(digest)
	if a != b {
		t.Fatalf("difficulty not deterministic: %d != %d", a, b)
	}
}
