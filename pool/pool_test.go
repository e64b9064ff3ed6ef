package pool

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lcoin-project/lcoin-node/addrmgr"
	"github.com/lcoin-project/lcoin-node/params"
	"github.com/lcoin-project/lcoin-node/peer"
)

func testVersion(nonce uint64) *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 8333, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 8334, wire.SFNodeNetwork)
	v := wire.NewMsgVersion(me, you, nonce, 0)
	v.ProtocolVersion = int32(wire.ProtocolVersion)
	return v
}

// newHandshakedPeer wires a Peer over an in-memory pipe against a
// throwaway counterpart, returning once the handshake has completed,
// mirroring peer_test.go's dialPair but tracking only the near side for
// the pool-level tests in this file.
func newHandshakedPeer(t *testing.T, id int32, dir peer.Direction) (*peer.Peer, *peer.Peer) {
	t.Helper()
	c1, c2 := net.Pipe()

	openedA := make(chan struct{}, 1)
	openedB := make(chan struct{}, 1)

	farDir := peer.Inbound
	if dir == peer.Inbound {
		farDir = peer.Outbound
	}

	near := peer.New(id, c1, dir, peer.Config{
		Magic:   wire.TestNet,
		Version: testVersion(uint64(id)*2 + 1),
		OnOpen:  func(p *peer.Peer) { openedA <- struct{}{} },
	})
	far := peer.New(id+1000, c2, farDir, peer.Config{
		Magic:   wire.TestNet,
		Version: testVersion(uint64(id)*2 + 2),
		OnOpen:  func(p *peer.Peer) { openedB <- struct{}{} },
	})

	go near.Run()
	go far.Run()

	select {
	case <-openedA:
	case <-time.After(2 * time.Second):
		t.Fatal("near peer never opened")
	}
	select {
	case <-openedB:
	case <-time.After(2 * time.Second):
		t.Fatal("far peer never opened")
	}
	return near, far
}

func TestPassesRelaxedGatesRequiresServices(t *testing.T) {
	entry := &addrmgr.Entry{Host: "1.2.3.4:8333", Services: 0}
	require.False(t, passesRelaxedGates(entry, 0, uint64(wire.SFNodeNetwork)))

	entry.Services = uint64(wire.SFNodeNetwork)
	require.True(t, passesRelaxedGates(entry, 0, uint64(wire.SFNodeNetwork)))
}

func TestPassesRelaxedGatesBacksOffRecentAttempts(t *testing.T) {
	entry := &addrmgr.Entry{Host: "1.2.3.4:8333", LastAttempt: time.Now()}
	require.False(t, passesRelaxedGates(entry, 0, 0))
	require.True(t, passesRelaxedGates(entry, 50, 0))
}

func TestWithHashLockSerializesPerHash(t *testing.T) {
	p := New(Config{MaxOutbound: 1, MaxInbound: 1})
	hash := chainhash.Hash{9, 9, 9}

	var mu sync.Mutex
	inProgress := false
	overlapped := false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.withHashLock(hash, func() {
				mu.Lock()
				if inProgress {
					overlapped = true
				}
				inProgress = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inProgress = false
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	require.False(t, overlapped, "withHashLock allowed concurrent execution for the same hash")
	require.Empty(t, p.hashLocks, "hash lock entry should be cleaned up once released")
}

func TestPromoteLoaderReassignsNextHandshakedOutboundPeer(t *testing.T) {
	p := New(Config{MaxOutbound: 2, MaxInbound: 1, Chain: &fakeChain{}})

	a, farA := newHandshakedPeer(t, 1, peer.Outbound)
	b, farB := newHandshakedPeer(t, 2, peer.Outbound)
	defer a.Destroy()
	defer b.Destroy()
	defer farA.Destroy()
	defer farB.Destroy()

	p.mu.Lock()
	p.byID[a.ID] = a
	p.byID[b.ID] = b
	p.loader = a
	p.mu.Unlock()

	p.mu.Lock()
	delete(p.byID, a.ID)
	wasLoader := p.loader == a
	if wasLoader {
		p.loader = nil
	}
	p.mu.Unlock()
	require.True(t, wasLoader)

	p.promoteLoader()

	p.mu.Lock()
	next := p.loader
	p.mu.Unlock()
	require.Equal(t, b, next)
}

// TestSweepStalledRequestsDestroysOwningPeer exercises Scenario S5
// ("stalling peer is evicted"): a block request that has outstood
// params.BlockTimeout must get its owning peer destroyed and its
// blockMap entry cleared, even though the peer itself is otherwise
// perfectly healthy (no stale waiters, no transport-level silence).
func TestSweepStalledRequestsDestroysOwningPeer(t *testing.T) {
	p := New(Config{MaxOutbound: 1, MaxInbound: 1})
	near, far := newHandshakedPeer(t, 1, peer.Outbound)
	defer far.Destroy()

	p.mu.Lock()
	p.byID[near.ID] = near
	hash := chainhash.Hash{4, 5, 6}
	p.blockMap[hash] = &pendingRequest{peerID: near.ID, started: time.Now().Add(-2 * params.BlockTimeout)}
	p.mu.Unlock()

	p.sweepStalledRequests()

	require.Eventually(t, func() bool {
		return near.Destroyed()
	}, 2*time.Second, 10*time.Millisecond, "stalled peer was not destroyed")

	p.mu.Lock()
	_, stillPending := p.blockMap[hash]
	p.mu.Unlock()
	require.False(t, stillPending, "stalled blockMap entry should be cleared")
}

func TestBroadcastBlockAnnouncesToHandshakedPeers(t *testing.T) {
	p := New(Config{MaxOutbound: 1, MaxInbound: 1})
	near, far := newHandshakedPeer(t, 1, peer.Outbound)
	defer near.Destroy()
	defer far.Destroy()

	p.mu.Lock()
	p.byID[near.ID] = near
	p.mu.Unlock()

	waitCh := make(chan wire.Message, 1)
	go func() {
		msg, err := far.Wait("inv", 2*time.Second)
		require.NoError(t, err)
		waitCh <- msg
	}()

	hash := chainhash.Hash{1, 2, 3}
	p.BroadcastBlock(hash)

	select {
	case msg := <-waitCh:
		inv, ok := msg.(*wire.MsgInv)
		require.True(t, ok)
		require.Len(t, inv.InvList, 1)
		require.Equal(t, hash, inv.InvList[0].Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast inv")
	}
}
