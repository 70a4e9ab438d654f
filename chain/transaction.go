package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	errBadTransaction = errors.New("malformed transaction")
	errTooManyItems   = errors.New("transaction item count out of range")
)

// AccountMeta names an account touched by an instruction.
type AccountMeta struct {
	Pubkey   Pubkey
	Signer   bool
	Writable bool
}

// Instruction is one program invocation inside a transaction.
type Instruction struct {
	Program  Pubkey
	Accounts []AccountMeta
	Data     []byte
}

// Transaction is a signed list of instructions anchored to a recent
// blockhash. The codec is a fixed little-endian layout; both sides of
// the signup flow (client builds, coordinator validates) rely on it
// being deterministic.
type Transaction struct {
	Payer        Pubkey
	Blockhash    Hash
	Instructions []Instruction
	Signatures   []Signature
}

// NewTransaction builds an unsigned transaction paid for by payer.
func NewTransaction(payer Pubkey, blockhash Hash, ixs ...Instruction) *Transaction {
	return &Transaction{Payer: payer, Blockhash: blockhash, Instructions: ixs}
}

// Message serializes the signed-over portion of the transaction.
func (tx *Transaction) Message() []byte {
	var buf bytes.Buffer
	buf.Write(tx.Payer[:])
	buf.Write(tx.Blockhash[:])
	binary.Write(&buf, binary.LittleEndian, uint16(len(tx.Instructions)))
	for _, ix := range tx.Instructions {
		buf.Write(ix.Program[:])
		binary.Write(&buf, binary.LittleEndian, uint16(len(ix.Accounts)))
		for _, acct := range ix.Accounts {
			buf.Write(acct.Pubkey[:])
			var flags byte
			if acct.Signer {
				flags |= 0x01
			}
			if acct.Writable {
				flags |= 0x02
			}
			buf.WriteByte(flags)
		}
		binary.Write(&buf, binary.LittleEndian, uint32(len(ix.Data)))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Sign appends the keypair's signature over the message.
func (tx *Transaction) Sign(kp *Keypair) {
	tx.Signatures = append(tx.Signatures, kp.Sign(tx.Message()))
}

// IsSigned reports whether at least one valid payer signature is present.
func (tx *Transaction) IsSigned() bool {
	if len(tx.Signatures) == 0 {
		return false
	}
	return tx.Signatures[0].Verify(tx.Payer, tx.Message())
}

// Serialize encodes signatures followed by the message.
func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(tx.Signatures)))
	for _, sig := range tx.Signatures {
		buf.Write(sig[:])
	}
	buf.Write(tx.Message())
	return buf.Bytes()
}

// DeserializeTransaction decodes a serialized transaction. Used to
// validate the signed transfer a miner submits at signup.
func DeserializeTransaction(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)

	nsigs, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadTransaction, err)
	}
	tx := new(Transaction)
	for i := 0; i < int(nsigs); i++ {
		var sig Signature
		if _, err := r.Read(sig[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated signatures", errBadTransaction)
		}
		tx.Signatures = append(tx.Signatures, sig)
	}

	if _, err := r.Read(tx.Payer[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated payer", errBadTransaction)
	}
	if _, err := r.Read(tx.Blockhash[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated blockhash", errBadTransaction)
	}

	var nix uint16
	if err := binary.Read(r, binary.LittleEndian, &nix); err != nil {
		return nil, fmt.Errorf("%w: truncated instruction count", errBadTransaction)
	}
	if nix > 64 {
		return nil, errTooManyItems
	}
	for i := 0; i < int(nix); i++ {
		var ix Instruction
		if _, err := r.Read(ix.Program[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated program id", errBadTransaction)
		}
		var naccts uint16
		if err := binary.Read(r, binary.LittleEndian, &naccts); err != nil {
			return nil, fmt.Errorf("%w: truncated account count", errBadTransaction)
		}
		if naccts > 64 {
			return nil, errTooManyItems
		}
		for j := 0; j < int(naccts); j++ {
			var acct AccountMeta
			if _, err := r.Read(acct.Pubkey[:]); err != nil {
				return nil, fmt.Errorf("%w: truncated account", errBadTransaction)
			}
			flags, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated account flags", errBadTransaction)
			}
			acct.Signer = flags&0x01 != 0
			acct.Writable = flags&0x02 != 0
			ix.Accounts = append(ix.Accounts, acct)
		}
		var dlen uint32
		if err := binary.Read(r, binary.LittleEndian, &dlen); err != nil {
			return nil, fmt.Errorf("%w: truncated data length", errBadTransaction)
		}
		if dlen > 1<<16 {
			return nil, errTooManyItems
		}
		ix.Data = make([]byte, dlen)
		if _, err := r.Read(ix.Data); err != nil {
			return nil, fmt.Errorf("%w: truncated data", errBadTransaction)
		}
		tx.Instructions = append(tx.Instructions, ix)
	}
	return tx, nil
}
