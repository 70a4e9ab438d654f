// Package pool implements the epoch coordination engine: client
// registry, nonce allocation, work dispatch, submission aggregation,
// on-chain submission and pro-rata reward distribution, all driven by a
// single epoch state machine.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/minehq/pool-server/chain"
	"github.com/minehq/pool-server/pow"
)

// Server-to-client binary opcodes.
const (
	// OpWork prefixes the 57-byte work packet.
	OpWork = byte(0x00)
)

// Client-to-server binary opcodes.
const (
	OpReady        = byte(0x00)
	OpMining       = byte(0x01)
	OpBestSolution = byte(0x02)
)

// WorkPacketSize is opcode + challenge[32] + cutoff[8] + start[8] + end[8].
const WorkPacketSize = 1 + 32 + 8 + 8 + 8

// bestSolutionMinSize is opcode + digest[16] + nonce[8] + pubkey[32]
// followed by an ascii base58 signature of variable length.
const bestSolutionMinSize = 1 + pow.DigestSize + 8 + chain.PubkeyLength + 1

var (
	errEmptyFrame    = errors.New("empty frame")
	errInvalidOpcode = errors.New("invalid opcode")
	errShortFrame    = errors.New("frame too short")
	errBadFrameSig   = errors.New("frame signature verification failed")
	errMalformedSig  = errors.New("malformed frame signature")
)

// PingPayload is the fixed liveness probe payload.
var PingPayload = []byte{1, 2, 3}

// Solution is a proposed answer to the epoch challenge.
type Solution struct {
	Digest [pow.DigestSize]byte
	Nonce  [8]byte
}

// NonceValue decodes the little-endian nonce.
func (s Solution) NonceValue() uint64 {
	return binary.LittleEndian.Uint64(s.Nonce[:])
}

// signedPayload is the byte string a client signs when reporting a
// best solution: digest followed by nonce.
func (s Solution) signedPayload() []byte {
	out := make([]byte, pow.DigestSize+8)
	copy(out, s.Digest[:])
	copy(out[pow.DigestSize:], s.Nonce[:])
	return out
}

// EncodeWorkPacket lays out a work assignment: challenge, seconds to
// cutoff and the client's half-open nonce range, all little-endian.
func EncodeWorkPacket(challenge [32]byte, cutoff int64, nonceStart, nonceEnd uint64) []byte {
	out := make([]byte, WorkPacketSize)
	out[0] = OpWork
	copy(out[1:33], challenge[:])
	binary.LittleEndian.PutUint64(out[33:41], uint64(cutoff))
	binary.LittleEndian.PutUint64(out[41:49], nonceStart)
	binary.LittleEndian.PutUint64(out[49:57], nonceEnd)
	return out
}

// MsgKind discriminates decoded client messages.
type MsgKind int

const (
	KindReady MsgKind = iota
	KindMining
	KindPong
	KindBestSolution
)

// ClientMessage is one decoded client control frame, tagged with the
// session address it arrived on.
type ClientMessage struct {
	Kind     MsgKind
	Addr     string
	Solution Solution
	Pubkey   chain.Pubkey
}

// ParseClientFrame decodes a binary frame from a client. BestSolution
// frames carry an ascii base58 signature over digest‖nonce which must
// verify under the embedded wallet pubkey; anything else is a protocol
// violation and the frame is dropped by the caller.
func ParseClientFrame(addr string, data []byte) (*ClientMessage, error) {
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	switch data[0] {
	case OpReady:
		return &ClientMessage{Kind: KindReady, Addr: addr}, nil
	case OpMining:
		return &ClientMessage{Kind: KindMining, Addr: addr}, nil
	case OpBestSolution:
		return parseBestSolution(addr, data)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", errInvalidOpcode, data[0])
	}
}

func parseBestSolution(addr string, data []byte) (*ClientMessage, error) {
	if len(data) < bestSolutionMinSize {
		return nil, fmt.Errorf("%w: best solution needs at least %d bytes, got %d", errShortFrame, bestSolutionMinSize, len(data))
	}
	var sol Solution
	offset := 1
	copy(sol.Digest[:], data[offset:offset+pow.DigestSize])
	offset += pow.DigestSize
	copy(sol.Nonce[:], data[offset:offset+8])
	offset += 8

	pubkey, err := chain.PubkeyFromBytes(data[offset : offset+chain.PubkeyLength])
	if err != nil {
		return nil, err
	}
	offset += chain.PubkeyLength

	sig, err := chain.SignatureFromBase58(string(data[offset:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedSig, err)
	}
	if !sig.Verify(pubkey, sol.signedPayload()) {
		return nil, errBadFrameSig
	}
	return &ClientMessage{Kind: KindBestSolution, Addr: addr, Solution: sol, Pubkey: pubkey}, nil
}

// EncodeBestSolution builds the frame a client sends for a solution.
// The coordinator only parses these; the encoder keeps the two sides of
// the protocol in one place and feeds the tests.
func EncodeBestSolution(sol Solution, pubkey chain.Pubkey, sig chain.Signature) []byte {
	out := make([]byte, 0, bestSolutionMinSize+88)
	out = append(out, OpBestSolution)
	out = append(out, sol.Digest[:]...)
	out = append(out, sol.Nonce[:]...)
	out = append(out, pubkey[:]...)
	out = append(out, []byte(sig.String())...)
	return out
}

// SignSolution produces the frame signature a client attaches to a
// best-solution report.
func SignSolution(kp *chain.Keypair, sol Solution) chain.Signature {
	return kp.Sign(sol.signedPayload())
}
