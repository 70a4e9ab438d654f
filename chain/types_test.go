package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	pk := kp.Pubkey()
	decoded, err := PubkeyFromBase58(pk.String())
	require.NoError(t, err)
	require.Equal(t, pk, decoded)

	_, err = PubkeyFromBase58("not-a-pubkey")
	require.Error(t, err)
	_, err = PubkeyFromBase58("")
	require.Error(t, err)
}

func TestSignatureVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	msg := []byte("epoch challenge payload")
	sig := kp.Sign(msg)
	require.True(t, sig.Verify(kp.Pubkey(), msg))
	require.False(t, sig.Verify(kp.Pubkey(), []byte("different payload")))

	other, err := GenerateKeypair()
	require.NoError(t, err)
	require.False(t, sig.Verify(other.Pubkey(), msg))

	decoded, err := SignatureFromBase58(sig.String())
	require.NoError(t, err)
	require.Equal(t, sig, decoded)
}

func TestDerivedAddressesAreStable(t *testing.T) {
	authority := Pubkey{7}

	require.Equal(t, ProofAddress(authority), ProofAddress(authority))
	require.NotEqual(t, ProofAddress(authority), ProofAddress(Pubkey{8}))

	require.NotEqual(t, BusAddress(0), BusAddress(1))
	require.Equal(t, BusAddress(3), BusAddress(3))

	require.NotEqual(t, TokenAddress(authority), TokenAddress(Pubkey{8}))
	require.False(t, PoolProgram.IsZero())
	require.False(t, SystemProgram.IsZero())
}

func TestProofCodec(t *testing.T) {
	p := &Proof{
		Authority:    Pubkey{1, 2, 3},
		Balance:      42_000_000_000,
		LastHashAt:   1_700_000_000,
		TotalHashes:  12345,
		TotalRewards: 99,
	}
	p.Challenge[0] = 0xaa
	p.LastHash[31] = 0xbb

	decoded, err := DecodeProof(EncodeProof(p))
	require.NoError(t, err)
	require.Equal(t, p, decoded)

	_, err = DecodeProof(make([]byte, proofDataSize-1))
	require.Error(t, err)
}

func TestMineEventCodec(t *testing.T) {
	ev := &MineEvent{Difficulty: 23, Reward: 170_000_000_000, Timing: -2}
	decoded, err := DecodeMineEvent(EncodeMineEvent(ev))
	require.NoError(t, err)
	require.Equal(t, ev, decoded)

	_, err = DecodeMineEvent([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestBusAndBoardConfigDecode(t *testing.T) {
	bus, err := DecodeBus([]byte{
		5, 0, 0, 0, 0, 0, 0, 0,
		0x40, 0x42, 0x0f, 0, 0, 0, 0, 0,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), bus.ID)
	require.Equal(t, uint64(1_000_000), bus.Rewards)

	_, err = DecodeBus([]byte{1})
	require.Error(t, err)

	raw := make([]byte, boardConfigDataSize)
	raw[8] = 100 // last_reset_at
	config, err := DecodeBoardConfig(raw)
	require.NoError(t, err)
	require.Equal(t, int64(100), config.LastResetAt)
}
