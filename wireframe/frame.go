// Package wireframe implements the length-prefixed, checksummed message
// envelope described in spec.md §4.1: a fixed header (magic, 12-byte
// command, 4-byte payload length, 4-byte checksum) followed by the
// payload. It sits directly on top of the byte stream; bip151 wraps it
// with AEAD framing once an encryption handshake has completed.
package wireframe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MaxMessageSize bounds payload size regardless of message type, matching
// spec.md's "payload length ≤ MAX_MESSAGE_SIZE" parser invariant.
const MaxMessageSize = 32 * 1024 * 1024

// HeaderSize is magic(4) + command(12) + length(4) + checksum(4).
const HeaderSize = 4 + wire.CommandSize + 4 + 4

// Frame is one decoded message: a command tag plus its raw payload.
type Frame struct {
	Command string
	Payload []byte
}

// ErrMalformed marks a fatal, ban-worthy parse failure (spec.md §4.1,
// §7 "Protocol violation").
type ErrMalformed struct{ Reason string }

func (e *ErrMalformed) Error() string { return "wireframe: malformed message: " + e.Reason }

// Checksum returns the first four bytes of double-SHA256(payload), the
// checksum algorithm used by every Bitcoin-family wire message.
func Checksum(payload []byte) [4]byte {
	sum := chainhash.DoubleHashB(payload)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// Reader parses frames off of a byte stream one at a time. It is not
// safe for concurrent use; the peer session serializes reads.
type Reader struct {
	r     *bufio.Reader
	magic wire.BitcoinNet
}

func NewReader(r io.Reader, magic wire.BitcoinNet) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<16), magic: magic}
}

// ReadFrame blocks until one full frame is available, or returns a
// transport error (read failure) or *ErrMalformed (bad magic, oversize
// payload, checksum mismatch) per spec.md §4.1 / §7.
func (fr *Reader) ReadFrame() (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wireframe: read header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if wire.BitcoinNet(magic) != fr.magic {
		return nil, &ErrMalformed{Reason: "bad network magic"}
	}
	command := commandFromBytes(hdr[4 : 4+wire.CommandSize])
	length := binary.LittleEndian.Uint32(hdr[4+wire.CommandSize : 4+wire.CommandSize+4])
	if length > MaxMessageSize {
		return nil, &ErrMalformed{Reason: "payload exceeds MAX_MESSAGE_SIZE"}
	}
	var wantChecksum [4]byte
	copy(wantChecksum[:], hdr[4+wire.CommandSize+4:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("wireframe: read payload: %w", err)
	}
	if got := Checksum(payload); got != wantChecksum {
		return nil, &ErrMalformed{Reason: "checksum mismatch"}
	}
	return &Frame{Command: command, Payload: payload}, nil
}

func commandFromBytes(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// WriteFrame writes one frame to w. cachedChecksum lets a caller that
// already hashed the payload (e.g. a transaction whose hash was computed
// for other reasons) skip redundant double-SHA256 work, per spec.md §4.1.
func WriteFrame(w io.Writer, magic wire.BitcoinNet, command string, payload []byte, cachedChecksum *[4]byte) (int, error) {
	if len(command) > wire.CommandSize {
		return 0, fmt.Errorf("wireframe: command %q exceeds %d bytes", command, wire.CommandSize)
	}
	if len(payload) > MaxMessageSize {
		return 0, fmt.Errorf("wireframe: payload exceeds MAX_MESSAGE_SIZE")
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(magic))
	copy(hdr[4:4+wire.CommandSize], command)
	binary.LittleEndian.PutUint32(hdr[4+wire.CommandSize:4+wire.CommandSize+4], uint32(len(payload)))

	checksum := Checksum(payload)
	if cachedChecksum != nil {
		checksum = *cachedChecksum
	}
	copy(hdr[4+wire.CommandSize+4:], checksum[:])

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, fmt.Errorf("wireframe: write header: %w", err)
	}
	m, err := w.Write(payload)
	n += m
	if err != nil {
		return n, fmt.Errorf("wireframe: write payload: %w", err)
	}
	return n, nil
}
