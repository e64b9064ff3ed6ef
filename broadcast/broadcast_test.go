package broadcast

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestBroadcastAckResolvesWaiters(t *testing.T) {
	var announced int
	tr := New(func(hash chainhash.Hash, kind Kind) { announced++ })
	tr.ackDelay = time.Millisecond
	tr.timeout = time.Second

	hash := chainhash.Hash{1, 2, 3}
	item := tr.Broadcast(hash, KindBlock)
	require.Equal(t, 1, announced)
	require.True(t, tr.Contains(hash))

	done := make(chan bool, 1)
	go func() {
		acked, err := item.Wait()
		require.NoError(t, err)
		done <- acked
	}()

	tr.HandleAck(hash)
	select {
	case acked := <-done:
		require.True(t, acked)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack resolution")
	}
	require.False(t, tr.Contains(hash))
}

func TestBroadcastRejectResolvesFalse(t *testing.T) {
	tr := New(func(hash chainhash.Hash, kind Kind) {})
	tr.timeout = time.Second

	hash := chainhash.Hash{4, 5, 6}
	item := tr.Broadcast(hash, KindTX)

	done := make(chan bool, 1)
	go func() {
		acked, err := item.Wait()
		require.NoError(t, err)
		done <- acked
	}()

	tr.HandleReject(hash)
	select {
	case acked := <-done:
		require.False(t, acked)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reject resolution")
	}
}

func TestBroadcastTimeout(t *testing.T) {
	tr := New(func(hash chainhash.Hash, kind Kind) {})
	tr.timeout = 10 * time.Millisecond

	hash := chainhash.Hash{7, 8, 9}
	item := tr.Broadcast(hash, KindBlock)

	acked, err := item.Wait()
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, acked)
}

func TestBroadcastRefreshesExistingItem(t *testing.T) {
	var announced int
	tr := New(func(hash chainhash.Hash, kind Kind) { announced++ })
	tr.timeout = time.Second

	hash := chainhash.Hash{1}
	first := tr.Broadcast(hash, KindBlock)
	second := tr.Broadcast(hash, KindBlock)

	require.Same(t, first, second)
	require.Equal(t, 1, announced)
}
