package authdb

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOpenParsesBothFiles(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	hexKey := pubKeyHex(priv)

	knownPath := writeTemp(t, "known-peers", "# comment\nnode.example:8333 "+hexKey+"\n")
	authPath := writeTemp(t, "authorized-peers", hexKey+"\n\n# trailing comment\n")

	db := New()
	require.NoError(t, db.Open(knownPath, authPath))

	key, ok := db.GetKnown("node.example:8333")
	require.True(t, ok)
	require.True(t, key.IsEqual(priv.PubKey()))

	auth := db.Authorized()
	require.Len(t, auth, 1)
	require.True(t, auth[0].IsEqual(priv.PubKey()))
}

func TestOpenRejectsMalformedLine(t *testing.T) {
	knownPath := writeTemp(t, "known-peers", "not-enough-fields\n")
	db := New()
	require.Error(t, db.Open(knownPath, ""))
}

func TestOpenRejectsWrongKeyLength(t *testing.T) {
	authPath := writeTemp(t, "authorized-peers", "deadbeef\n")
	db := New()
	require.Error(t, db.Open("", authPath))
}

func TestDynamicAddKnownAndAuthorized(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	db := New()
	db.AddKnown("h", priv.PubKey())
	db.AddAuthorized(priv.PubKey())

	key, ok := db.GetKnown("h")
	require.True(t, ok)
	require.True(t, key.IsEqual(priv.PubKey()))
	require.Len(t, db.Authorized(), 1)
}

func pubKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}
