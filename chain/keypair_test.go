package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWalletFile(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestReadKeypairFile(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kp, err := ReadKeypairFile(writeWalletFile(t, priv))
	require.NoError(t, err)
	require.Equal(t, NewKeypair(priv).Pubkey(), kp.Pubkey())

	msg := []byte("boot check")
	require.True(t, kp.Sign(msg).Verify(kp.Pubkey(), msg))
}

func TestReadKeypairFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadKeypairFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	short := filepath.Join(dir, "short.json")
	require.NoError(t, os.WriteFile(short, []byte("[1,2,3]"), 0o600))
	_, err = ReadKeypairFile(short)
	require.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("not json"), 0o600))
	_, err = ReadKeypairFile(garbage)
	require.Error(t, err)
}
