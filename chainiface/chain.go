// Package chainiface declares the external collaborator interfaces the
// p2p core consumes but does not implement: the blockchain, the mempool,
// and the reject-code/ban-score mapping for chain verify failures
// (spec.md §1 "Out of scope: the block/tx/header consensus objects,
// mempool, and blockchain database", §6, §7).
package chainiface

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RejectCode mirrors the wire.RejectCode enum used to build `reject`
// messages (spec.md §6 required message types).
type RejectCode = wire.RejectCode

// VerifyError is returned by Chain.Add/Mempool.AddTX on consensus
// failure. Score is the ban-score increment the pool should apply
// (spec.md §7 "Chain verify failure").
type VerifyError struct {
	Code    RejectCode
	Reason  string
	Score   int
	Wrapped error
}

func (e *VerifyError) Error() string {
	if e.Wrapped != nil {
		return e.Reason + ": " + e.Wrapped.Error()
	}
	return e.Reason
}

func (e *VerifyError) Unwrap() error { return e.Wrapped }

// AddFlags controls how Chain.Add processes an inbound block.
type AddFlags int

const (
	FlagNone AddFlags = 0
	// FlagCheckpoint marks a block submitted during checkpoint-guided
	// header sync (spec.md §4.5 "Synchronization driver").
	FlagCheckpoint AddFlags = 1 << iota
)

// ChainEntry is the minimal metadata the core needs back about a block
// once accepted.
type ChainEntry struct {
	Hash   chainhash.Hash
	Height int32
}

// Chain is the blockchain collaborator interface (spec.md §6).
type Chain interface {
	Add(block *wire.MsgBlock, flags AddFlags, peerID int32) (*ChainEntry, error)
	GetLocator(tip *chainhash.Hash) []*chainhash.Hash
	FindLocator(locator []*chainhash.Hash) (*chainhash.Hash, bool)
	GetEntry(hash *chainhash.Hash) (*ChainEntry, bool)
	GetNextHash(hash *chainhash.Hash) (*chainhash.Hash, bool)
	GetHeight(hash *chainhash.Hash) (int32, bool)
	HasOrphan(hash *chainhash.Hash) bool
	GetOrphanRoot(hash *chainhash.Hash) *chainhash.Hash
	Tip() *chainhash.Hash
	Height() int32
	Synced() bool

	// Subscribe registers a listener for chain lifecycle events
	// ("block", "reset", "full", "bad orphan" per spec.md §6).
	Subscribe(ch chan<- Event)
}

// EventKind enumerates the Chain/Mempool event types named in spec.md §6.
type EventKind int

const (
	EventBlock EventKind = iota
	EventReset
	EventFull
	EventBadOrphan
	EventTX
)

// Event is one chain or mempool lifecycle notification.
type Event struct {
	Kind  EventKind
	Hash  chainhash.Hash
	Block *wire.MsgBlock
	Tx    *wire.MsgTx
}

// Mempool is the optional mempool collaborator interface (spec.md §6).
type Mempool interface {
	AddTX(tx *wire.MsgTx, peerID int32) (missing []*wire.OutPoint, err error)
	GetTX(hash *chainhash.Hash) (*wire.MsgTx, bool)
	GetSnapshot() []*chainhash.Hash
	Has(hash *chainhash.Hash) bool
	HasReject(hash *chainhash.Hash) bool

	Subscribe(ch chan<- Event)
}
