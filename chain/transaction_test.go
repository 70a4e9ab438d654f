package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	to, err := GenerateKeypair()
	require.NoError(t, err)

	var blockhash Hash
	blockhash[0] = 0xab

	tx := NewTransaction(kp.Pubkey(), blockhash,
		SetComputeUnitPrice(20_000),
		Transfer(kp.Pubkey(), to.Pubkey(), 1_000_000),
	)
	tx.Sign(kp)
	require.True(t, tx.IsSigned())

	decoded, err := DeserializeTransaction(tx.Serialize())
	require.NoError(t, err)
	require.Equal(t, tx.Payer, decoded.Payer)
	require.Equal(t, tx.Blockhash, decoded.Blockhash)
	require.Len(t, decoded.Instructions, 2)
	require.Equal(t, tx.Instructions[1].Program, decoded.Instructions[1].Program)
	require.Equal(t, tx.Instructions[1].Data, decoded.Instructions[1].Data)
	require.Equal(t, tx.Instructions[1].Accounts, decoded.Instructions[1].Accounts)
	require.True(t, decoded.IsSigned())
}

func TestIsSignedRejectsWrongSigner(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	other, err := GenerateKeypair()
	require.NoError(t, err)

	tx := NewTransaction(kp.Pubkey(), Hash{}, Transfer(kp.Pubkey(), other.Pubkey(), 1))
	require.False(t, tx.IsSigned())

	// Signed, but not by the payer.
	tx.Sign(other)
	require.False(t, tx.IsSigned())
}

func TestSignatureInvalidatedByTamper(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	tx := NewTransaction(kp.Pubkey(), Hash{}, Transfer(kp.Pubkey(), Pubkey{9}, 5))
	tx.Sign(kp)
	require.True(t, tx.IsSigned())

	tx.Instructions[0].Data[0] ^= 0xff
	require.False(t, tx.IsSigned())
}

func TestDeserializeTransactionRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{1},                // claims a signature, carries none
		{0, 1, 2, 3},       // truncated payer
	}
	for _, raw := range cases {
		_, err := DeserializeTransaction(raw)
		require.Error(t, err)
	}

	// Bounds on item counts.
	tx := NewTransaction(Pubkey{1}, Hash{})
	raw := tx.Serialize()
	raw[len(raw)-2] = 0xff // instruction count u16 -> huge
	_, err := DeserializeTransaction(raw)
	require.Error(t, err)
}
