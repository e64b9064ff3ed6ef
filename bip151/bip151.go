// Package bip151 implements the BIP-151-style encrypted transport
// described in spec.md §4.2: two independently-keyed ChaCha20-Poly1305
// streams (one per direction), a one-time ECDH handshake, and periodic
// in-band rekeying. The structural model — AEAD-framed length-prefixed
// messages keyed by a monotonic sequence counter — follows the pattern
// in WireGuard's sender/receiver session keys.
package bip151

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lcoin-project/lcoin-node/log"
)

// State is the encryption handshake FSM (spec.md §4.2: "IDLE →
// SENT_INIT → HANDSHAKED → REKEYING → HANDSHAKED → …").
type State int

const (
	StateIdle State = iota
	StateSentInit
	StateHandshaked
	StateRekeying
)

// CipherChachaPoly20 is the only cipher id this implementation offers;
// BIP-151 leaves room for others but none shipped in production.
const CipherChachaPoly20 = 0x00

const (
	// RekeyBytes is "≈1 GiB" per spec.md §4.2.
	RekeyBytes = 1 << 30
	// MaxSeq: spec.md leaves this unspecified; see DESIGN.md "Open
	// Question decisions" #4 for the rationale behind this value.
	MaxSeq = 1<<48 - 1

	keySize   = 32
	sidSize   = 32
	nonceSize = chacha20poly1305.NonceSize
)

var (
	ErrNotHandshaked  = errors.New("bip151: encryption not handshaked")
	ErrHandshakeOrder = errors.New("bip151: message received out of handshake order")
	ErrRekeyRequired  = errors.New("bip151: rekey threshold exceeded")
	ErrDecrypt        = errors.New("bip151: decryption failed")
)

// direction holds one AEAD stream's key material and counters, per
// spec.md §3 "Encryption substate (per direction)".
type direction struct {
	sid             [sidSize]byte
	k1, k2          [keySize]byte
	aead            cipher.AEAD
	seq             uint64
	bytesSinceRekey uint64
}

func (d *direction) nonce() [nonceSize]byte {
	var n [nonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], d.seq)
	return n
}

func (d *direction) rekeyDue() bool {
	return d.bytesSinceRekey >= RekeyBytes || d.seq >= MaxSeq
}

func deriveKey(sid [sidSize]byte, tag byte, previous [keySize]byte) [keySize]byte {
	h := sha256.New()
	h.Write(sid[:])
	h.Write([]byte{tag})
	h.Write(previous[:])
	var out [keySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (d *direction) deriveKeys(sid [sidSize]byte, roleTag byte) error {
	d.sid = sid
	d.k1 = deriveKey(sid, roleTag, [keySize]byte{})
	d.k2 = deriveKey(sid, roleTag+1, d.k1)
	aead, err := chacha20poly1305.New(d.k2[:])
	if err != nil {
		return err
	}
	d.aead = aead
	d.seq = 0
	d.bytesSinceRekey = 0
	return nil
}

// Engine is one connection's full-duplex encryption substate.
type Engine struct {
	mu    sync.Mutex
	state State

	initiator bool
	priv      *btcec.PrivateKey
	peerPub   *btcec.PublicKey

	send direction
	recv direction

	log log.Logger
}

// NewEngine constructs an idle encryption engine for one connection.
func NewEngine(initiator bool, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Root()
	}
	return &Engine{initiator: initiator, log: logger.New("component", "bip151")}
}

// EncInit is the outgoing handshake-initiation message: an ephemeral
// public key plus the proposed cipher id.
type EncInit struct {
	EphemeralPubKey [33]byte
	CipherID        byte
}

// EncAck is both the handshake-completion reply (carrying the
// responder's ephemeral pubkey) and, later, the rekey signal (a
// zero-filled key).
type EncAck struct {
	EphemeralPubKey [33]byte
}

// BuildEncInit generates our ephemeral keypair and returns the encinit
// payload to send. Only the initiator calls this.
func (e *Engine) BuildEncInit() (*EncInit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return nil, ErrHandshakeOrder
	}
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	e.priv = priv
	e.state = StateSentInit
	var out EncInit
	copy(out.EphemeralPubKey[:], priv.PubKey().SerializeCompressed())
	out.CipherID = CipherChachaPoly20
	return &out, nil
}

// ProcessEncInit handles an incoming encinit (responder side): it
// generates our own ephemeral keypair, derives session keys, and
// returns the encack to send back.
func (e *Engine) ProcessEncInit(msg *EncInit) (*EncAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return nil, ErrHandshakeOrder
	}
	peerPub, err := btcec.ParsePubKey(msg.EphemeralPubKey[:], btcec.S256())
	if err != nil {
		return nil, err
	}
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	e.priv = priv
	e.peerPub = peerPub

	if err := e.deriveSession(peerPub, priv); err != nil {
		return nil, err
	}
	e.state = StateHandshaked

	var out EncAck
	copy(out.EphemeralPubKey[:], priv.PubKey().SerializeCompressed())
	e.log.Debug("encryption handshaked", "role", "responder")
	return &out, nil
}

// ProcessEncAck handles the reply to our encinit (initiator side), or a
// rekey notification (zero key) once already handshaked.
func (e *Engine) ProcessEncAck(msg *EncAck) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if isZero(msg.EphemeralPubKey[:]) {
		if e.state != StateHandshaked {
			return ErrHandshakeOrder
		}
		return e.rekeyLocked()
	}

	if e.state != StateSentInit {
		return ErrHandshakeOrder
	}
	peerPub, err := btcec.ParsePubKey(msg.EphemeralPubKey[:], btcec.S256())
	if err != nil {
		return err
	}
	e.peerPub = peerPub
	if err := e.deriveSession(peerPub, e.priv); err != nil {
		return err
	}
	e.state = StateHandshaked
	e.log.Debug("encryption handshaked", "role", "initiator")
	return nil
}

func (e *Engine) deriveSession(peerPub *btcec.PublicKey, priv *btcec.PrivateKey) error {
	x, _ := btcec.S256().ScalarMult(peerPub.X, peerPub.Y, priv.D.Bytes())
	shared := x.Bytes()

	// sid must come out identical on both sides of the handshake, so it
	// is built only from values both peers already hold: the ECDH
	// shared point and the two ephemeral pubkeys, in a fixed
	// initiator-then-responder order regardless of which side we are.
	ourPub := priv.PubKey().SerializeCompressed()
	theirPub := peerPub.SerializeCompressed()
	initPub, respPub := theirPub, ourPub
	if e.initiator {
		initPub, respPub = ourPub, theirPub
	}

	h := sha256.New()
	h.Write(shared)
	h.Write(initPub)
	h.Write(respPub)
	var sid [sidSize]byte
	copy(sid[:], h.Sum(nil))

	// role_tag distinguishes the two directions' derived keys: 'i' for
	// the initiator's outbound stream, 'r' for the responder's.
	var sendTag, recvTag byte = 'r', 'i'
	if e.initiator {
		sendTag, recvTag = 'i', 'r'
	}
	if err := e.send.deriveKeys(sid, sendTag); err != nil {
		return err
	}
	if err := e.recv.deriveKeys(sid, recvTag); err != nil {
		return err
	}
	return nil
}

// Rekey rederives both directions' keys from their existing session id
// without a full handshake (spec.md §4.2 "Rekey").
func (e *Engine) Rekey() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rekeyLocked()
}

func (e *Engine) rekeyLocked() error {
	if e.state != StateHandshaked {
		return ErrHandshakeOrder
	}
	e.state = StateRekeying
	var sendTag, recvTag byte = 'r', 'i'
	if e.initiator {
		sendTag, recvTag = 'i', 'r'
	}
	if err := e.send.deriveKeys(e.send.sid, sendTag+2); err != nil {
		return err
	}
	if err := e.recv.deriveKeys(e.recv.sid, recvTag+2); err != nil {
		return err
	}
	e.state = StateHandshaked
	e.log.Debug("encryption rekeyed")
	return nil
}

// NeedsRekey reports whether our send direction has crossed the rekey
// threshold and a rekey encack must be issued before further sends.
func (e *Engine) NeedsRekey() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateHandshaked && e.send.rekeyDue()
}

// Handshaked reports whether both directions are keyed.
func (e *Engine) Handshaked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateHandshaked
}

// SessionID returns the ECDH-derived sid backing both directions, for
// use as the bip150 auth substate's binding value (spec.md §4.3 "Runs
// only after the encryption engine is handshaked").
func (e *Engine) SessionID() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.send.sid
}

// Seal encrypts one message's payload for sending. The returned slice is
// the ciphertext plus a trailing 16-byte Poly1305 tag.
func (e *Engine) Seal(plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateHandshaked {
		return nil, ErrNotHandshaked
	}
	if e.send.rekeyDue() {
		return nil, ErrRekeyRequired
	}
	nonce := e.send.nonce()
	out := e.send.aead.Seal(nil, nonce[:], plaintext, nil)
	e.send.seq++
	e.send.bytesSinceRekey += uint64(len(plaintext))
	return out, nil
}

// Open decrypts one received message. Decryption failure is always
// fatal to the connection per spec.md §4.2.
func (e *Engine) Open(ciphertext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateHandshaked {
		return nil, ErrNotHandshaked
	}
	nonce := e.recv.nonce()
	out, err := e.recv.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	e.recv.seq++
	e.recv.bytesSinceRekey += uint64(len(ciphertext))
	return out, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
