package addrmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndSize(t *testing.T) {
	b := New(100)
	b.Add("192.0.2.1:8333", "seed.example")
	b.Add("192.0.2.2:8333", "seed.example")
	require.Equal(t, 2, b.Size())
}

func TestBanIsVisibleByHostAndBareIP(t *testing.T) {
	b := New(100)
	b.Add("192.0.2.1:8333", "seed.example")
	b.Ban("192.0.2.1:8333")

	require.True(t, b.IsBanned("192.0.2.1:8333"))
	require.True(t, b.IsBanned("192.0.2.1:1234")) // same IP, different port

	b.Unban("192.0.2.1:8333")
	require.False(t, b.IsBanned("192.0.2.1:8333"))
}

func TestCandidatesSkipBanned(t *testing.T) {
	b := New(100)
	b.Add("192.0.2.1:8333", "s")
	b.Add("192.0.2.2:8333", "s")
	b.Ban("192.0.2.1:8333")

	cands := b.Candidates(10)
	for _, c := range cands {
		require.NotEqual(t, "192.0.2.1:8333", c.Host)
	}
}

func TestMarkAttemptSuccessAck(t *testing.T) {
	b := New(100)
	b.Add("192.0.2.1:8333", "s")
	b.MarkAttempt("192.0.2.1:8333", 1)
	b.MarkSuccess("192.0.2.1:8333", 1)
	b.MarkAck("192.0.2.1:8333", 1)

	cands := b.Candidates(1)
	require.Len(t, cands, 1)
	require.False(t, cands[0].LastAttempt.IsZero())
	require.False(t, cands[0].LastSuccess.IsZero())
	require.False(t, cands[0].LastAck.IsZero())
}

func TestLocalAddresses(t *testing.T) {
	b := New(100)
	b.AddLocal("203.0.113.5", 8333, "manual")
	host, ok := b.GetLocal("whatever")
	require.True(t, ok)
	require.Equal(t, "203.0.113.5:8333", host)
}

func TestNodesAndSeeds(t *testing.T) {
	b := New(100)
	b.SetNodes([]string{"192.0.2.9:8333"})
	b.SetDNSSeeds([]string{"seed.invalid"})
	require.Equal(t, []string{"192.0.2.9:8333"}, b.Nodes())
	require.Equal(t, []string{"seed.invalid"}, b.DNSSeeds())
}
