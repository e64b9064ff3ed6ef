package bip151

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T) (*Engine, *Engine) {
	t.Helper()
	initiator := NewEngine(true, nil)
	responder := NewEngine(false, nil)

	init, err := initiator.BuildEncInit()
	require.NoError(t, err)

	ack, err := responder.ProcessEncInit(init)
	require.NoError(t, err)
	require.True(t, responder.Handshaked())

	require.NoError(t, initiator.ProcessEncAck(ack))
	require.True(t, initiator.Handshaked())

	return initiator, responder
}

func TestHandshakeDerivesUsableKeys(t *testing.T) {
	initiator, responder := handshake(t)

	ct, err := initiator.Seal([]byte("version packet"))
	require.NoError(t, err)

	pt, err := responder.Open(ct)
	require.NoError(t, err)
	require.Equal(t, "version packet", string(pt))
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	initiator, responder := handshake(t)

	ct, err := initiator.Seal([]byte("payload"))
	require.NoError(t, err)
	ct[0] ^= 0xff

	_, err = responder.Open(ct)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestSealBeforeHandshakeFails(t *testing.T) {
	e := NewEngine(true, nil)
	_, err := e.Seal([]byte("too early"))
	require.ErrorIs(t, err, ErrNotHandshaked)
}

func TestNonHandshakeMessageRejectedBeforeHandshaked(t *testing.T) {
	responder := NewEngine(false, nil)
	// A bare encack with no prior encinit is out of order for a responder
	// that hasn't even started (it never sent encinit, and isn't expecting
	// a handshake-completion ack either).
	err := responder.ProcessEncAck(&EncAck{})
	require.ErrorIs(t, err, ErrHandshakeOrder)
}

func TestRekeyRederivesDistinctKeys(t *testing.T) {
	initiator, responder := handshake(t)

	before, err := initiator.Seal([]byte("before rekey"))
	require.NoError(t, err)
	_, err = responder.Open(before)
	require.NoError(t, err)

	require.NoError(t, initiator.Rekey())
	require.NoError(t, responder.Rekey())

	after, err := initiator.Seal([]byte("after rekey"))
	require.NoError(t, err)
	pt, err := responder.Open(after)
	require.NoError(t, err)
	require.Equal(t, "after rekey", string(pt))
}

func TestSealRequiresRekeyPastThreshold(t *testing.T) {
	initiator, _ := handshake(t)
	initiator.send.bytesSinceRekey = RekeyBytes
	_, err := initiator.Seal([]byte("too much"))
	require.ErrorIs(t, err, ErrRekeyRequired)
}
