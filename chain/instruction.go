package chain

import (
	"encoding/binary"

	"github.com/minehq/pool-server/params"
)

// Pool program instruction tags.
const (
	ixTagRegister = 0x00
	ixTagMine     = 0x01
	ixTagReset    = 0x02
	ixTagClaim    = 0x03
	ixTagAuth     = 0x04
)

// Compute budget program instruction tags.
const (
	ixTagComputeUnitLimit = 0x00
	ixTagComputeUnitPrice = 0x01
)

// System program instruction tags.
const ixTagTransfer = 0x00

// SetComputeUnitLimit caps the compute units a transaction may burn.
func SetComputeUnitLimit(units uint32) Instruction {
	data := make([]byte, 5)
	data[0] = ixTagComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return Instruction{Program: ComputeBudgetProgram, Data: data}
}

// SetComputeUnitPrice sets the priority fee in micro-units per compute unit.
func SetComputeUnitPrice(price uint64) Instruction {
	data := make([]byte, 9)
	data[0] = ixTagComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], price)
	return Instruction{Program: ComputeBudgetProgram, Data: data}
}

// Auth is the pool program's no-op authentication marker. Mine
// transactions carry two of them ahead of the mine instruction.
func Auth(signer Pubkey) Instruction {
	return Instruction{
		Program:  PoolProgram,
		Accounts: []AccountMeta{{Pubkey: signer, Signer: true}},
		Data:     []byte{ixTagAuth},
	}
}

// Register creates the proof account for a new pool authority.
func Register(signer Pubkey) Instruction {
	return Instruction{
		Program: PoolProgram,
		Accounts: []AccountMeta{
			{Pubkey: signer, Signer: true, Writable: true},
			{Pubkey: ProofAddress(signer), Writable: true},
		},
		Data: []byte{ixTagRegister},
	}
}

// Reset rolls the program's reward board over to the next period.
func Reset(signer Pubkey) Instruction {
	accounts := []AccountMeta{
		{Pubkey: signer, Signer: true},
		{Pubkey: ConfigAddress, Writable: true},
	}
	for i := 0; i < params.BusCount; i++ {
		accounts = append(accounts, AccountMeta{Pubkey: BusAddress(i), Writable: true})
	}
	return Instruction{Program: PoolProgram, Accounts: accounts, Data: []byte{ixTagReset}}
}

// Mine submits a solved challenge against a reward bus.
func Mine(signer Pubkey, digest [16]byte, nonce [8]byte, bus int) Instruction {
	data := make([]byte, 1+16+8+8)
	data[0] = ixTagMine
	copy(data[1:17], digest[:])
	copy(data[17:25], nonce[:])
	binary.LittleEndian.PutUint64(data[25:], uint64(bus))
	return Instruction{
		Program: PoolProgram,
		Accounts: []AccountMeta{
			{Pubkey: signer, Signer: true, Writable: true},
			{Pubkey: ProofAddress(signer), Writable: true},
			{Pubkey: BusAddress(bus), Writable: true},
			{Pubkey: ConfigAddress},
		},
		Data: data,
	}
}

// Claim moves amount base units from the pool's stake to a miner's
// token account.
func Claim(signer Pubkey, beneficiary Pubkey, amount uint64) Instruction {
	data := make([]byte, 9)
	data[0] = ixTagClaim
	binary.LittleEndian.PutUint64(data[1:], amount)
	return Instruction{
		Program: PoolProgram,
		Accounts: []AccountMeta{
			{Pubkey: signer, Signer: true, Writable: true},
			{Pubkey: ProofAddress(signer), Writable: true},
			{Pubkey: beneficiary, Writable: true},
		},
		Data: data,
	}
}

// Transfer moves lamports between system accounts. Signup transactions
// are exactly one of these, paid by the joining miner.
func Transfer(from, to Pubkey, lamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = ixTagTransfer
	binary.LittleEndian.PutUint64(data[1:], lamports)
	return Instruction{
		Program: SystemProgram,
		Accounts: []AccountMeta{
			{Pubkey: from, Signer: true, Writable: true},
			{Pubkey: to, Writable: true},
		},
		Data: data,
	}
}

// CreateTokenAccount creates the associated token account for owner,
// paid for by payer. Added to claim transactions when the claimant has
// never held the token.
func CreateTokenAccount(payer, owner Pubkey) Instruction {
	return Instruction{
		Program: TokenProgram,
		Accounts: []AccountMeta{
			{Pubkey: payer, Signer: true, Writable: true},
			{Pubkey: TokenAddress(owner), Writable: true},
			{Pubkey: owner},
			{Pubkey: MintAddress},
		},
		Data: []byte{0x00},
	}
}
