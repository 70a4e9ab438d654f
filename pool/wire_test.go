package pool

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minehq/pool-server/chain"
)

func TestEncodeWorkPacketLayout(t *testing.T) {
	var challenge [32]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}
	packet := EncodeWorkPacket(challenge, 55, 4_000_000, 8_000_000)

	require.Len(t, packet, WorkPacketSize)
	require.Equal(t, OpWork, packet[0])
	require.Equal(t, challenge[:], packet[1:33])
	require.Equal(t, uint64(55), binary.LittleEndian.Uint64(packet[33:41]))
	require.Equal(t, uint64(4_000_000), binary.LittleEndian.Uint64(packet[41:49]))
	require.Equal(t, uint64(8_000_000), binary.LittleEndian.Uint64(packet[49:57]))
}

func TestParseClientFrameControlOps(t *testing.T) {
	msg, err := ParseClientFrame("addr", []byte{OpReady})
	require.NoError(t, err)
	require.Equal(t, KindReady, msg.Kind)
	require.Equal(t, "addr", msg.Addr)

	msg, err = ParseClientFrame("addr", []byte{OpMining})
	require.NoError(t, err)
	require.Equal(t, KindMining, msg.Kind)
}

func TestParseClientFrameRejectsGarbage(t *testing.T) {
	_, err := ParseClientFrame("addr", nil)
	require.Error(t, err)

	_, err = ParseClientFrame("addr", []byte{0x7f})
	require.Error(t, err)

	// A best-solution frame without the full fixed header.
	_, err = ParseClientFrame("addr", []byte{OpBestSolution, 1, 2, 3})
	require.Error(t, err)
}

func TestBestSolutionRoundTrip(t *testing.T) {
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)

	sol := testSolution(123_456)
	frame := EncodeBestSolution(sol, kp.Pubkey(), SignSolution(kp, sol))

	msg, err := ParseClientFrame("addr", frame)
	require.NoError(t, err)
	require.Equal(t, KindBestSolution, msg.Kind)
	require.Equal(t, sol, msg.Solution)
	require.Equal(t, kp.Pubkey(), msg.Pubkey)
	require.Equal(t, uint64(123_456), msg.Solution.NonceValue())
}

func TestBestSolutionRejectsForgedSignature(t *testing.T) {
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)
	other, err := chain.GenerateKeypair()
	require.NoError(t, err)

	sol := testSolution(1)

	// Signature from the wrong key.
	frame := EncodeBestSolution(sol, kp.Pubkey(), SignSolution(other, sol))
	_, err = ParseClientFrame("addr", frame)
	require.Error(t, err)

	// Signature over a different solution.
	frame = EncodeBestSolution(sol, kp.Pubkey(), SignSolution(kp, testSolution(2)))
	_, err = ParseClientFrame("addr", frame)
	require.Error(t, err)
}
