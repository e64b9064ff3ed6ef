package pool

import (
	"net"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lcoin-project/lcoin-node/addrmgr"
	"github.com/lcoin-project/lcoin-node/chainiface"
	"github.com/lcoin-project/lcoin-node/peer"
)

// addressedPeer builds a *peer.Peer whose Addr is populated without
// running any handshake, for handlers that only read pr.Addr or pr.ID.
func addressedPeer(t *testing.T) *peer.Peer {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return peer.New(1, c1, peer.Inbound, peer.Config{Magic: wire.TestNet})
}

func mustParseIP(s string) net.IP {
	return net.ParseIP(s)
}

// fakeChain is a minimal chainiface.Chain stand-in for exercising
// handleBlock's accept/reject paths without a real chain database.
type fakeChain struct {
	addErr   error
	accepted []chainhash.Hash
}

func (c *fakeChain) Add(block *wire.MsgBlock, flags chainiface.AddFlags, peerID int32) (*chainiface.ChainEntry, error) {
	if c.addErr != nil {
		return nil, c.addErr
	}
	hash := block.BlockHash()
	c.accepted = append(c.accepted, hash)
	return &chainiface.ChainEntry{Hash: hash}, nil
}
func (c *fakeChain) GetLocator(tip *chainhash.Hash) []*chainhash.Hash          { return nil }
func (c *fakeChain) FindLocator(locator []*chainhash.Hash) (*chainhash.Hash, bool) { return nil, false }
func (c *fakeChain) GetEntry(hash *chainhash.Hash) (*chainiface.ChainEntry, bool)  { return nil, false }
func (c *fakeChain) GetNextHash(hash *chainhash.Hash) (*chainhash.Hash, bool)      { return nil, false }
func (c *fakeChain) GetHeight(hash *chainhash.Hash) (int32, bool)                  { return 0, false }
func (c *fakeChain) HasOrphan(hash *chainhash.Hash) bool                          { return false }
func (c *fakeChain) GetOrphanRoot(hash *chainhash.Hash) *chainhash.Hash           { return nil }
func (c *fakeChain) Tip() *chainhash.Hash                                         { return &chainhash.Hash{} }
func (c *fakeChain) Height() int32                                                { return 0 }
func (c *fakeChain) Synced() bool                                                 { return true }
func (c *fakeChain) Subscribe(ch chan<- chainiface.Event)                         {}

// fakeMempool is a minimal chainiface.Mempool stand-in for handleTx.
type fakeMempool struct {
	addErr  error
	missing []*wire.OutPoint
	added   []chainhash.Hash
}

func (m *fakeMempool) AddTX(tx *wire.MsgTx, peerID int32) ([]*wire.OutPoint, error) {
	if m.addErr != nil {
		return nil, m.addErr
	}
	m.added = append(m.added, tx.TxHash())
	return m.missing, nil
}
func (m *fakeMempool) GetTX(hash *chainhash.Hash) (*wire.MsgTx, bool) { return nil, false }
func (m *fakeMempool) GetSnapshot() []*chainhash.Hash                 { return nil }
func (m *fakeMempool) Has(hash *chainhash.Hash) bool                  { return false }
func (m *fakeMempool) HasReject(hash *chainhash.Hash) bool            { return false }
func (m *fakeMempool) Subscribe(ch chan<- chainiface.Event)           {}

func newTestBlock() *wire.MsgBlock {
	return wire.NewMsgBlock(&wire.BlockHeader{})
}

func TestHandleBlockAcceptsOnlyPendingHashes(t *testing.T) {
	chain := &fakeChain{}
	p := New(Config{MaxOutbound: 1, MaxInbound: 1, Chain: chain})

	block := newTestBlock()
	hash := block.BlockHash()

	// Unsolicited block: not in blockMap, must be ignored.
	require.NoError(t, p.handleBlock(addressedPeer(t), block))
	require.Empty(t, chain.accepted)

	p.mu.Lock()
	p.blockMap[hash] = &pendingRequest{}
	p.mu.Unlock()

	require.NoError(t, p.handleBlock(addressedPeer(t), block))
	require.Equal(t, []chainhash.Hash{hash}, chain.accepted)

	p.mu.Lock()
	_, stillPending := p.blockMap[hash]
	p.mu.Unlock()
	require.False(t, stillPending)
}

func TestHandleTxSubmitsToMempoolWhenPending(t *testing.T) {
	mempool := &fakeMempool{}
	p := New(Config{MaxOutbound: 1, MaxInbound: 1, Mempool: mempool})

	tx := wire.NewMsgTx(wire.TxVersion)
	hash := tx.TxHash()

	p.mu.Lock()
	p.txMap[hash] = &pendingRequest{}
	p.mu.Unlock()

	require.NoError(t, p.handleTx(addressedPeer(t), tx))
	require.Equal(t, []chainhash.Hash{hash}, mempool.added)
}

func TestHandleAddrFiltersUnroutableAddresses(t *testing.T) {
	book := addrmgr.New(10)
	p := New(Config{MaxOutbound: 1, MaxInbound: 1, Addrs: book})

	msg := wire.NewMsgAddr()
	good := wire.NewNetAddressIPPort(mustParseIP("8.8.8.8"), 8333, wire.SFNodeNetwork)
	bad := wire.NewNetAddressIPPort(mustParseIP("127.0.0.1"), 8333, wire.SFNodeNetwork)
	require.NoError(t, msg.AddAddress(good))
	require.NoError(t, msg.AddAddress(bad))

	require.NoError(t, p.handleAddr(addressedPeer(t), msg))
	require.Equal(t, 1, book.Size())
}

func TestIsRoutableRejectsPrivateRanges(t *testing.T) {
	require.False(t, isRoutable(mustParseIP("127.0.0.1")))
	require.False(t, isRoutable(mustParseIP("0.0.0.0")))
	require.True(t, isRoutable(mustParseIP("8.8.8.8")))
}
