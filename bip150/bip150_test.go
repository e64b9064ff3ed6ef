package bip150

import (
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/stretchr/testify/require"
)

type memDB struct {
	known      map[string]*btcec.PublicKey
	authorized []*btcec.PublicKey
}

func newMemDB() *memDB { return &memDB{known: map[string]*btcec.PublicKey{}} }

func (m *memDB) GetKnown(host string) (*btcec.PublicKey, bool) { k, ok := m.known[host]; return k, ok }
func (m *memDB) Authorized() []*btcec.PublicKey                { return m.authorized }
func (m *memDB) AddKnown(host string, key *btcec.PublicKey)    { m.known[host] = key }
func (m *memDB) AddAuthorized(key *btcec.PublicKey)             { m.authorized = append(m.authorized, key) }

func genKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey(btcec.S256())
	require.NoError(t, err)
	return priv
}

// fullHandshake runs the BIP-150 dance described in spec.md S2 between an
// initiator and responder sharing a fixed sid, and returns both States.
func fullHandshake(t *testing.T) (*State, *State) {
	t.Helper()
	var sid [32]byte
	for i := range sid {
		sid[i] = byte(i)
	}

	initiatorIdentity := genKey(t)
	responderIdentity := genKey(t)

	db := newMemDB()
	db.AddKnown("peer.example:8333", responderIdentity.PubKey())
	db.AddAuthorized(initiatorIdentity.PubKey())

	initiator := NewState(RoleInitiator, sid, initiatorIdentity, db, "peer.example:8333", nil)
	responder := NewState(RoleResponder, sid, responderIdentity, db, "", nil)

	challenge1, err := initiator.BuildChallenge()
	require.NoError(t, err)

	sig1, ok := responder.ProcessChallenge(challenge1)
	require.True(t, ok)

	completed, propose, err := initiator.ProcessReply(sig1)
	require.NoError(t, err)
	require.False(t, completed)
	require.NotNil(t, propose)

	challenge2, err := responder.ProcessPropose(*propose)
	require.NoError(t, err)

	sig2, ok := initiator.ProcessChallenge(challenge2)
	require.True(t, ok)

	completed, propose, err = responder.ProcessReply(sig2)
	require.NoError(t, err)
	require.True(t, completed)
	require.Nil(t, propose)

	return initiator, responder
}

func TestFullAuthHandshakeCompletes(t *testing.T) {
	initiator, responder := fullHandshake(t)
	require.True(t, initiator.Completed() || initiator.auth)
	require.True(t, responder.Completed())
}

func TestOutboundWithoutKnownIdentityFails(t *testing.T) {
	var sid [32]byte
	db := newMemDB()
	initiator := NewState(RoleInitiator, sid, genKey(t), db, "unknown.example:8333", nil)
	_, err := initiator.BuildChallenge()
	require.ErrorIs(t, err, ErrNoKnownIdentity)
}

func TestMismatchedChallengeYieldsNoSignature(t *testing.T) {
	var sid [32]byte
	responder := NewState(RoleResponder, sid, genKey(t), newMemDB(), "", nil)
	var wrongChallenge [32]byte
	wrongChallenge[0] = 0xAA

	sig, ok := responder.ProcessChallenge(wrongChallenge)
	require.False(t, ok)
	require.Equal(t, [64]byte{}, sig)
}

func TestZeroChallengeYieldsNoSignature(t *testing.T) {
	var sid [32]byte
	responder := NewState(RoleResponder, sid, genKey(t), newMemDB(), "", nil)
	sig, ok := responder.ProcessChallenge([32]byte{})
	require.False(t, ok)
	require.Equal(t, [64]byte{}, sig)
}

func TestChallengeNotAcceptedTwice(t *testing.T) {
	var sid [32]byte
	priv := genKey(t)
	responder := NewState(RoleResponder, sid, priv, newMemDB(), "", nil)
	want := hashTagged(sid, 'i', priv.PubKey())

	_, ok := responder.ProcessChallenge(want)
	require.True(t, ok)

	_, ok = responder.ProcessChallenge(want)
	require.False(t, ok)
}

func TestIdentityAddressRoundTripStable(t *testing.T) {
	key := genKey(t).PubKey()
	a1 := IdentityAddress(key)
	a2 := IdentityAddress(key)
	require.Equal(t, a1, a2)
	require.NotEmpty(t, a1)
}

func TestUnauthorizedProposeFails(t *testing.T) {
	var sid [32]byte
	responder := NewState(RoleResponder, sid, genKey(t), newMemDB(), "", nil)
	_, err := responder.ProcessPropose([32]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrUnknownProposal)
}
