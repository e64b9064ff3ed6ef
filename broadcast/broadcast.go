// Package broadcast implements the per-pool broadcast tracker described
// in spec.md §3 "BroadcastItem" and §4.5 "Broadcast tracking": every
// announced block or transaction gets a self-destructing entry that
// resolves once a peer acks, rejects, or the invTimeout elapses.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lcoin-project/lcoin-node/log"
	"github.com/lcoin-project/lcoin-node/params"
)

// Kind distinguishes a block announcement from a transaction announcement.
type Kind int

const (
	KindBlock Kind = iota
	KindTX
)

// ErrTimeout is delivered to waiters when no peer acks or rejects within
// invTimeout (spec.md S6).
var ErrTimeout = errors.New("broadcast: timed out waiting for ack")

// Announcer is called once per peer to push the announcement out
// (spec.md §4.5 "announce() to push to all peers").
type Announcer func(hash chainhash.Hash, kind Kind)

// Item is one in-flight announcement.
type Item struct {
	Hash chainhash.Hash
	Kind Kind

	mu      sync.Mutex
	timer   *time.Timer
	waiters []chan result
	done    bool
}

type result struct {
	acked bool
	err   error
}

// Tracker is the pool-level table of in-flight broadcasts ("invMap").
type Tracker struct {
	mu    sync.Mutex
	items map[chainhash.Hash]*Item

	announce Announcer
	ackDelay time.Duration
	timeout  time.Duration

	log log.Logger
}

// New constructs a Tracker. announce is called once each time Broadcast
// creates a new Item, to fan the item out to every eligible peer.
func New(announce Announcer) *Tracker {
	return &Tracker{
		items:    make(map[chainhash.Hash]*Item),
		announce: announce,
		ackDelay: params.BroadcastAckDelay,
		timeout:  params.InvTimeout,
		log:      log.Root().New("component", "broadcast"),
	}
}

// Broadcast produces or refreshes the Item for hash and (re)starts its
// timeout timer, per spec.md §4.5 "broadcast(msg) produces or refreshes
// a BroadcastItem keyed by hash".
func (t *Tracker) Broadcast(hash chainhash.Hash, kind Kind) *Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.items[hash]; ok && !existing.isDone() {
		existing.resetTimer(t.timeout, func() { t.expire(hash) })
		return existing
	}
	item := &Item{Hash: hash, Kind: kind}
	t.items[hash] = item
	item.resetTimer(t.timeout, func() { t.expire(hash) })
	t.announce(hash, kind)
	t.log.Debug("broadcast started", "hash", hash, "kind", kind)
	return item
}

// Wait blocks until the item resolves (true=acked, false=rejected) or
// returns ErrTimeout. It returns an error at once if the item has
// already resolved.
func (it *Item) Wait() (bool, error) {
	it.mu.Lock()
	ch := make(chan result, 1)
	if it.done {
		it.mu.Unlock()
		return false, errors.New("broadcast: item already resolved")
	}
	it.waiters = append(it.waiters, ch)
	it.mu.Unlock()

	r := <-ch
	return r.acked, r.err
}

// HandleAck resolves the item with true, after the (legacy-compatibility)
// ack delay described in spec.md §9 Open Question #3.
func (t *Tracker) HandleAck(hash chainhash.Hash) {
	t.mu.Lock()
	item, ok := t.items[hash]
	t.mu.Unlock()
	if !ok {
		return
	}
	time.AfterFunc(t.ackDelay, func() {
		t.resolve(hash, result{acked: true})
	})
}

// HandleReject resolves the item with false immediately.
func (t *Tracker) HandleReject(hash chainhash.Hash) {
	t.resolve(hash, result{acked: false})
}

func (t *Tracker) expire(hash chainhash.Hash) {
	t.resolve(hash, result{acked: false, err: ErrTimeout})
}

func (t *Tracker) resolve(hash chainhash.Hash, r result) {
	t.mu.Lock()
	item, ok := t.items[hash]
	if ok {
		delete(t.items, hash)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	item.finish(r)
}

func (it *Item) finish(r result) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done {
		return
	}
	it.done = true
	if it.timer != nil {
		it.timer.Stop()
	}
	for _, w := range it.waiters {
		w <- r
		close(w)
	}
	it.waiters = nil
}

func (it *Item) isDone() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.done
}

func (it *Item) resetTimer(d time.Duration, onExpire func()) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
	}
	it.timer = time.AfterFunc(d, onExpire)
}

// Len reports the number of in-flight broadcasts (invMap size).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Contains reports whether hash has an in-flight broadcast.
func (t *Tracker) Contains(hash chainhash.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[hash]
	return ok
}
