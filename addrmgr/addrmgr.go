// Package addrmgr is a minimal address book implementing the collaborator
// interface enumerated in spec.md §6. Seed resolution, scoring, and
// banning policy are intentionally simple: this subsystem is explicitly
// out of scope for the p2p core (spec.md §1), and the core only ever
// calls the operations below.
package addrmgr

import (
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/lcoin-project/lcoin-node/log"
)

// Entry is one address book record for a host.
type Entry struct {
	Host         string
	Services     uint64
	LastAttempt  time.Time
	LastSuccess  time.Time
	LastAck      time.Time
	Banned       bool
	Local        bool
	ScoreTag     string
	AddedBy      string // host of the peer that relayed this address to us
}

// Book is a concurrency-safe address book. Banned hosts are tracked in a
// bounded LRU so a flood of short-lived bans can't grow memory without
// bound; this mirrors the teacher's own use of hashicorp/golang-lru for
// bounded caches.
type Book struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	banned  *lru.Cache
	nodes   []string
	seeds   []string

	log log.Logger
}

// New constructs an address book. banCacheSize bounds the number of
// distinct banned hosts remembered at once.
func New(banCacheSize int) *Book {
	c, _ := lru.New(banCacheSize)
	return &Book{
		entries: make(map[string]*Entry),
		banned:  c,
		log:     log.Root().New("component", "addrmgr"),
	}
}

// Size returns the number of known addresses.
func (b *Book) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Add inserts or refreshes an address, tagged with the host of the peer
// ("src") that told us about it.
func (b *Book) Add(host, src string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[host]
	if !ok {
		e = &Entry{Host: host}
		b.entries[host] = e
	}
	e.AddedBy = src
}

// GetHost returns a candidate address to dial, or nil if the book is
// empty. Selection policy (gating by services/onion/port/ban) lives in
// the pool's outbound-refill logic per spec.md §4.5; this just hands
// back raw candidates.
func (b *Book) GetHost() *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if !e.Banned {
			cp := *e
			return &cp
		}
	}
	return nil
}

// Candidates returns up to n non-banned entries, for the pool's
// progressively-relaxed selection walk (spec.md §4.5).
func (b *Book) Candidates(n int) []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Entry, 0, n)
	for _, e := range b.entries {
		if len(out) >= n {
			break
		}
		if e.Banned {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// MarkAttempt records a dial attempt against host.
func (b *Book) MarkAttempt(host string, services uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[host]; ok {
		e.LastAttempt = time.Now()
		if services != 0 {
			e.Services = services
		}
	}
}

// MarkSuccess records a successful handshake against host.
func (b *Book) MarkSuccess(host string, services uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[host]; ok {
		e.LastSuccess = time.Now()
		if services != 0 {
			e.Services = services
		}
	}
}

// MarkAck records that a host acknowledged one of our announcements.
func (b *Book) MarkAck(host string, services uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[host]; ok {
		e.LastAck = time.Now()
		if services != 0 {
			e.Services = services
		}
	}
}

// Ban marks host as banned and adds its bare IP to the LRU-bounded
// recent-ban set used by IsBanned.
func (b *Book) Ban(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[host]; ok {
		e.Banned = true
	} else {
		b.entries[host] = &Entry{Host: host, Banned: true}
	}
	b.banned.Add(ipOf(host), struct{}{})
	b.log.Info("host banned", "host", host)
}

// Unban clears a ban.
func (b *Book) Unban(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[host]; ok {
		e.Banned = false
	}
	b.banned.Remove(ipOf(host))
}

// IsBanned reports whether host (or its bare IP) is currently banned.
func (b *Book) IsBanned(host string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[host]; ok && e.Banned {
		return true
	}
	_, ok := b.banned.Get(ipOf(host))
	return ok
}

// AddLocal records one of our own listening addresses, for inclusion in
// getaddr replies about ourselves.
func (b *Book) AddLocal(host string, port int, scoreTag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := net.JoinHostPort(host, strconv.Itoa(port))
	b.entries[key] = &Entry{Host: key, Local: true, ScoreTag: scoreTag}
}

// GetLocal returns our best local address to advertise to peerAddr. The
// simple policy here just returns any recorded local entry.
func (b *Book) GetLocal(peerAddr string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.Local {
			return e.Host, true
		}
	}
	return "", false
}

// Nodes returns the statically configured node list (dialed first during
// outbound refill, per spec.md §4.5).
func (b *Book) Nodes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// SetNodes replaces the statically configured node list.
func (b *Book) SetNodes(nodes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = append([]string{}, nodes...)
}

// DNSSeeds returns the configured DNS seed hostnames.
func (b *Book) DNSSeeds() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.seeds))
	copy(out, b.seeds)
	return out
}

// SetDNSSeeds replaces the configured DNS seed hostnames.
func (b *Book) SetDNSSeeds(seeds []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seeds = append([]string{}, seeds...)
}

// DiscoverSeeds resolves the configured DNS seeds and adds the results to
// the book. Actual DNS resolution is a pluggable helper per spec.md §1;
// this default uses net.LookupHost.
func (b *Book) DiscoverSeeds(defaultPort int) {
	for _, seed := range b.DNSSeeds() {
		ips, err := net.LookupHost(seed)
		if err != nil {
			b.log.Debug("dns seed lookup failed", "seed", seed, "err", err)
			continue
		}
		for _, ip := range ips {
			b.Add(net.JoinHostPort(ip, strconv.Itoa(defaultPort)), seed)
		}
	}
}

// Open/Close satisfy the §6 "open/close" lifecycle contract. There is no
// backing store to open today; a persistent address book would hook in
// here.
func (b *Book) Open() error  { return nil }
func (b *Book) Close() error { return nil }

func ipOf(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}
