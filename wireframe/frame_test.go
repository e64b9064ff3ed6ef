package wireframe

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello peer")
	_, err := WriteFrame(&buf, wire.MainNet, "ping", payload, nil)
	require.NoError(t, err)

	fr, err := NewReader(&buf, wire.MainNet).ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "ping", fr.Command)
	require.Equal(t, payload, fr.Payload)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteFrame(&buf, wire.TestNet3, "ping", nil, nil)
	require.NoError(t, err)

	_, err = NewReader(&buf, wire.MainNet).ReadFrame()
	require.Error(t, err)
	require.IsType(t, &ErrMalformed{}, err)
}

func TestReadFrameRejectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteFrame(&buf, wire.MainNet, "ping", []byte("payload"), nil)
	require.NoError(t, err)

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff

	_, err = NewReader(bytes.NewReader(corrupted), wire.MainNet).ReadFrame()
	require.Error(t, err)
	require.IsType(t, &ErrMalformed{}, err)
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	var hdr [HeaderSize]byte
	copy(hdr[0:4], []byte{0xf9, 0xbe, 0xb4, 0xd9})
	copy(hdr[4:4+wire.CommandSize], "block")
	hdr[4+wire.CommandSize] = 0xff
	hdr[4+wire.CommandSize+1] = 0xff
	hdr[4+wire.CommandSize+2] = 0xff
	hdr[4+wire.CommandSize+3] = 0x7f

	_, err := NewReader(bytes.NewReader(hdr[:]), wire.MainNet).ReadFrame()
	require.Error(t, err)
	require.IsType(t, &ErrMalformed{}, err)
}

func TestCachedChecksumIsUsedVerbatim(t *testing.T) {
	var buf bytes.Buffer
	bogus := [4]byte{1, 2, 3, 4}
	_, err := WriteFrame(&buf, wire.MainNet, "tx", []byte("txdata"), &bogus)
	require.NoError(t, err)

	// A reader always recomputes, so a caller-supplied cached checksum that
	// doesn't match the real payload hash is caught on read.
	_, err = NewReader(&buf, wire.MainNet).ReadFrame()
	require.Error(t, err)
}
