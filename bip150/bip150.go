// Package bip150 implements the BIP-150-style identity-authentication
// protocol described in spec.md §4.3. It runs over an already-handshaked
// bip151 encryption engine and binds both sides to a session id derived
// from the ECDH handshake underneath.
package bip150

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for BIP-150 identity addresses

	"github.com/lcoin-project/lcoin-node/log"
)

// Role distinguishes which side of the connection we are.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

var (
	ErrNoKnownIdentity  = errors.New("bip150: outbound peer has no known identity key")
	ErrUnknownProposal  = errors.New("bip150: authpropose matched no authorized key")
	ErrChallengeReused  = errors.New("bip150: authchallenge already accepted once")
	ErrReplyMismatch    = errors.New("bip150: authreply signature invalid")
	ErrNotYetChallenged = errors.New("bip150: authreply received before authchallenge sent")
)

// AuthDB is the collaborator interface from spec.md §6.
type AuthDB interface {
	GetKnown(host string) (*btcec.PublicKey, bool)
	Authorized() []*btcec.PublicKey
	AddKnown(host string, key *btcec.PublicKey)
	AddAuthorized(key *btcec.PublicKey)
}

// State is one connection's auth substate (spec.md §3 "Auth substate").
type State struct {
	role     Role
	sid      [32]byte
	identity *btcec.PrivateKey
	db       AuthDB
	host     string

	peerIdentity *btcec.PublicKey

	challengeSent     bool
	challengeReceived bool
	replyReceived     bool
	proposeReceived   bool
	auth              bool
	completed         bool

	log log.Logger
}

// NewState constructs an auth substate for one connection. sid is the
// session id produced by the underlying bip151 handshake. identity is
// our own identity keypair; db resolves/records known and authorized
// peer keys. host is the remote's hostname, used for outbound identity
// lookup.
func NewState(role Role, sid [32]byte, identity *btcec.PrivateKey, db AuthDB, host string, logger log.Logger) *State {
	if logger == nil {
		logger = log.Root()
	}
	return &State{role: role, sid: sid, identity: identity, db: db, host: host, log: logger.New("component", "bip150")}
}

func hashTagged(sid [32]byte, tag byte, key *btcec.PublicKey) [32]byte {
	h := sha256.New()
	h.Write(sid[:])
	h.Write([]byte{tag})
	h.Write(key.SerializeCompressed())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BuildChallenge produces the outbound authchallenge. Only the
// initiator calls this, and only once it knows the peer's identity from
// the AuthDB by hostname (spec.md §4.3 "Outbound (initiator)").
func (s *State) BuildChallenge() ([32]byte, error) {
	if s.role != RoleInitiator {
		return [32]byte{}, errors.New("bip150: only the initiator sends the first authchallenge")
	}
	key, ok := s.db.GetKnown(s.host)
	if !ok {
		return [32]byte{}, ErrNoKnownIdentity
	}
	s.peerIdentity = key
	s.challengeSent = true
	return hashTagged(s.sid, 'i', key), nil
}

// ProcessPropose handles an inbound authpropose (responder side): it
// searches the authorized set with constant-time comparisons for a key
// whose tagged hash matches, and if found, builds and returns the reply
// authchallenge.
func (s *State) ProcessPropose(proposal [32]byte) ([32]byte, error) {
	if s.role != RoleResponder {
		return [32]byte{}, errors.New("bip150: only the responder processes authpropose")
	}
	s.proposeReceived = true
	for _, key := range s.db.Authorized() {
		candidate := hashTagged(s.sid, 'p', key)
		if subtle.ConstantTimeCompare(candidate[:], proposal[:]) == 1 {
			s.peerIdentity = key
			s.db.AddKnown(s.host, key)
			s.challengeSent = true
			return hashTagged(s.sid, 'r', key), nil
		}
	}
	return [32]byte{}, ErrUnknownProposal
}

// ProcessChallenge handles an inbound authchallenge. It never signs data
// it didn't expect: if the hash doesn't match our own expected message,
// or is the zero hash, a zero signature is returned instead of a real
// one (spec.md §4.3, testable property #6).
func (s *State) ProcessChallenge(challenge [32]byte) (sig [64]byte, ok bool) {
	if s.challengeReceived {
		// duplicate authchallenge is never accepted twice.
		return sig, false
	}
	var roleTag byte = 'i'
	if s.role == RoleInitiator {
		roleTag = 'r'
	}
	want := hashTagged(s.sid, roleTag, s.identity.PubKey())
	if isZero32(challenge) || subtle.ConstantTimeCompare(challenge[:], want[:]) != 1 {
		s.log.Warn("authchallenge did not match expected message, refusing to sign")
		return sig, false
	}
	s.challengeReceived = true
	signature, err := s.identity.Sign(want[:])
	if err != nil {
		return sig, false
	}
	sig = serializeCompact(signature)
	return sig, true
}

// ProcessReply verifies an inbound authreply against the message we
// expect given our role, and returns whether auth completed and, for
// the outbound-initial leg, the authpropose to send next.
func (s *State) ProcessReply(sig [64]byte) (completed bool, propose *[32]byte, err error) {
	if !s.challengeSent {
		return false, nil, ErrNotYetChallenged
	}
	var roleTag byte = 'r'
	if s.role == RoleInitiator {
		roleTag = 'i'
	}
	if s.peerIdentity == nil {
		return false, nil, ErrNoKnownIdentity
	}
	msg := hashTagged(s.sid, roleTag, s.peerIdentity)

	signature, ok := parseCompact(sig)
	if !ok || !signature.Verify(msg[:], s.peerIdentity) {
		return false, nil, ErrReplyMismatch
	}
	s.replyReceived = true

	if s.role == RoleInitiator && !s.proposeReceived && !s.auth {
		out := hashTagged(s.sid, 'p', s.identity.PubKey())
		s.auth = true
		return false, &out, nil
	}
	s.auth = true
	s.completed = true
	return true, nil, nil
}

// Completed reports whether both sides are mutually authenticated.
func (s *State) Completed() bool { return s.completed }

// PeerIdentity returns the remote's identity public key, if known.
func (s *State) PeerIdentity() (*btcec.PublicKey, bool) {
	return s.peerIdentity, s.peerIdentity != nil
}

// DeriveRekeyMaterial computes the post-auth encryption rekey input
// "H(sid‖k_i‖req_identity‖res_identity)" (spec.md §4.3), where req/res
// are the initiator's and responder's identity keys respectively.
func DeriveRekeyMaterial(sid [32]byte, ki byte, initiatorIdentity, responderIdentity *btcec.PublicKey) [32]byte {
	h := sha256.New()
	h.Write(sid[:])
	h.Write([]byte{ki})
	h.Write(initiatorIdentity.SerializeCompressed())
	h.Write(responderIdentity.SerializeCompressed())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// IdentityAddress returns the Base58Check display address for an
// identity public key: 0x0f 0xff 0x01 ‖ RIPEMD160(SHA256(pubkey)),
// 4-byte checksum appended by base58.CheckEncode (spec.md §4.3,
// testable property #7).
func IdentityAddress(pub *btcec.PublicKey) string {
	sha := sha256.Sum256(pub.SerializeCompressed())
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	digest := ripe.Sum(nil)

	payload := append([]byte{0xff, 0x01}, digest...)
	return base58.CheckEncode(payload, 0x0f)
}

func isZero32(b [32]byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// serializeCompact lays out an ECDSA signature as 32-byte R ‖ 32-byte S,
// the fixed-size raw encoding BIP-150 authreply messages use (as
// opposed to btcec's variable-length DER form).
func serializeCompact(sig *btcec.Signature) [64]byte {
	var out [64]byte
	rb := sig.R.Bytes()
	sb := sig.S.Bytes()
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):64], sb)
	return out
}

func parseCompact(b [64]byte) (*btcec.Signature, bool) {
	r := new(big.Int).SetBytes(b[:32])
	s := new(big.Int).SetBytes(b[32:])
	if r.Sign() == 0 || s.Sign() == 0 {
		return nil, false
	}
	return &btcec.Signature{R: r, S: s}, true
}
