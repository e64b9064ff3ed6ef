// Packet dispatch for the pool supervisor: spec.md §4.5 "Header
// handling", "Merkle-block handling", "Address relay", and "Compact-
// block reconstruction". handleBlock and handleTx process each hash
// under the pool-wide per-hash lock, per spec.md §5; the other handlers
// guard shared request-accounting state with the pool mutex.
package pool

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lcoin-project/lcoin-node/chainiface"
	"github.com/lcoin-project/lcoin-node/params"
	"github.com/lcoin-project/lcoin-node/peer"
)

// onPeerMessage is the Peer.Config.OnMessage hook: one call per
// dispatched packet, already serialized by the peer's own dispatch
// lock (spec.md §4.4 "Packet dispatch").
func (p *Pool) onPeerMessage(pr *peer.Peer, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgInv:
		return p.handleInv(pr, m)
	case *wire.MsgGetData:
		return p.handleGetData(pr, m)
	case *wire.MsgHeaders:
		return p.handleHeaders(pr, m)
	case *wire.MsgGetHeaders:
		return p.handleGetHeaders(pr, m)
	case *wire.MsgGetBlocks:
		return p.handleGetBlocks(pr, m)
	case *wire.MsgBlock:
		return p.handleBlock(pr, m)
	case *wire.MsgTx:
		return p.handleTx(pr, m)
	case *wire.MsgCmpctBlock:
		return p.handleCmpctBlock(pr, m)
	case *wire.MsgGetBlockTxn:
		return p.handleGetBlockTxn(pr, m)
	case *wire.MsgBlockTxn:
		return p.handleBlockTxn(pr, m)
	case *wire.MsgMerkleBlock:
		return p.handleMerkleBlock(pr, m)
	case *wire.MsgGetAddr:
		return p.handleGetAddr(pr, m)
	case *wire.MsgAddr:
		return p.handleAddr(pr, m)
	case *wire.MsgReject:
		return p.handleReject(pr, m)
	case *wire.MsgFeeFilter:
		return nil // accepted and ignored: AnnounceTX applies no fee-rate gating
	case *wire.MsgSendCmpct:
		pr.SetCompactMode(m.Announce, false)
		return nil
	case *wire.MsgSendHeaders:
		return nil
	default:
		return nil
	}
}

// handleInv requests unknown items via getdata, per spec.md §4.5
// "respond to inv by issuing getdata".
func (p *Pool) handleInv(pr *peer.Peer, m *wire.MsgInv) error {
	var blocks, txs []chainhash.Hash
	for _, inv := range m.InvList {
		switch inv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			if !p.alreadyHaveBlock(inv.Hash) {
				blocks = append(blocks, inv.Hash)
			}
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if !p.alreadyHaveTX(inv.Hash) {
				txs = append(txs, inv.Hash)
			}
		}
	}
	if len(blocks) > 0 {
		p.recordRequests(p.blockMap, pr.ID, blocks)
		if err := pr.GetBlock(blocks); err != nil {
			return err
		}
	}
	if len(txs) > 0 {
		p.recordRequests(p.txMap, pr.ID, txs)
		if err := pr.GetTX(txs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) alreadyHaveBlock(hash chainhash.Hash) bool {
	if _, ok := p.cfg.Chain.GetEntry(&hash); ok {
		return true
	}
	p.mu.Lock()
	_, pending := p.blockMap[hash]
	p.mu.Unlock()
	return pending
}

func (p *Pool) alreadyHaveTX(hash chainhash.Hash) bool {
	if p.cfg.Mempool != nil && p.cfg.Mempool.Has(&hash) {
		return true
	}
	p.mu.Lock()
	_, pending := p.txMap[hash]
	p.mu.Unlock()
	return pending
}

func (p *Pool) recordRequests(table map[chainhash.Hash]*pendingRequest, peerID int32, hashes []chainhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, h := range hashes {
		table[h] = &pendingRequest{peerID: peerID, started: now}
	}
}

// handleGetData serves requested blocks/txs from the chain/mempool
// collaborators; both are out of scope so this only forwards to the
// requesting peer via its own send path when a full implementation
// wires a block/tx store in.
func (p *Pool) handleGetData(pr *peer.Peer, m *wire.MsgGetData) error {
	for _, inv := range m.InvList {
		switch inv.Type {
		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if p.cfg.Mempool == nil {
				continue
			}
			hash := inv.Hash
			if tx, ok := p.cfg.Mempool.GetTX(&hash); ok {
				if err := pr.Send(tx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleHeaders implements spec.md §4.5 "Header handling": loader-only
// while checkpoints are active, capped at 2000 entries, each header's
// PrevBlock checked against the header-chain tail. Proof of work is not
// checked here and the chain collaborator is not consulted.
func (p *Pool) handleHeaders(pr *peer.Peer, m *wire.MsgHeaders) error {
	if p.checkpointsActive && !pr.Loader {
		return nil // silently ignored per spec: only the loader drives checkpoint sync
	}
	if len(m.Headers) > params.HeadersBatchMax {
		return errors.New("pool: oversize headers packet")
	}

	for _, h := range m.Headers {
		hash := h.BlockHash()
		if len(p.headerChain) > 0 {
			tail := p.headerChain[len(p.headerChain)-1]
			if h.PrevBlock != tail.Hash {
				p.recordHeaderFail()
				continue
			}
		}
		p.headerChain = append(p.headerChain, headerNode{Hash: hash, Height: int32(len(p.headerChain))})

		if p.headerTip < len(p.headerChain)-1 {
			continue
		}
		if hash != p.headerChain[p.headerTip].Hash {
			return errors.New("pool: header mismatch at checkpoint tip, discarding peer")
		}
	}

	if len(m.Headers) > 0 {
		p.requestBlockBatch(pr)
	}
	return nil
}

// requestBlockBatch advances headerNext by up to CheckpointBlockBatch
// hashes, per spec.md §4.5.
func (p *Pool) requestBlockBatch(pr *peer.Peer) {
	p.mu.Lock()
	start := p.headerNext
	end := start + params.CheckpointBlockBatch
	if int(end) > len(p.headerChain) {
		end = int32(len(p.headerChain))
	}
	p.headerNext = end
	p.mu.Unlock()

	var hashes []chainhash.Hash
	for i := start; i < end; i++ {
		hashes = append(hashes, p.headerChain[i].Hash)
	}
	if len(hashes) > 0 {
		p.recordRequests(p.blockMap, pr.ID, hashes)
		pr.GetBlock(hashes)
	}
}

func (p *Pool) handleGetHeaders(pr *peer.Peer, m *wire.MsgGetHeaders) error {
	return nil // serving headers requires a header store; out of scope per §1.
}

func (p *Pool) handleGetBlocks(pr *peer.Peer, m *wire.MsgGetBlocks) error {
	return nil // serving blocks requires block storage; out of scope per §1.
}

// handleBlock fulfills a pending block request and hands the block to
// the chain collaborator inside the per-hash content lock (spec.md §5).
func (p *Pool) handleBlock(pr *peer.Peer, m *wire.MsgBlock) error {
	hash := m.BlockHash()
	p.withHashLock(hash, func() {
		p.mu.Lock()
		_, wasPending := p.blockMap[hash]
		delete(p.blockMap, hash)
		p.mu.Unlock()
		if !wasPending {
			return
		}

		flags := chainiface.FlagNone
		if p.checkpointsActive {
			flags = chainiface.FlagCheckpoint
		}
		if _, err := p.cfg.Chain.Add(m, flags, pr.ID); err != nil {
			var verr *chainiface.VerifyError
			if errors.As(err, &verr) {
				pr.Send(&wire.MsgReject{Cmd: "block", Code: verr.Code, Reason: verr.Reason, Hash: hash})
			}
			return
		}
		p.BroadcastBlock(hash)
	})
	return nil
}

// handleTx fulfills a pending tx request and submits to the mempool
// collaborator, per spec.md §5 at-most-once-per-hash semantics.
func (p *Pool) handleTx(pr *peer.Peer, m *wire.MsgTx) error {
	hash := m.TxHash()
	if p.cfg.SPVMode {
		if err := p.collectMerkleTx(pr, m); err != nil {
			return err
		}
	}
	if p.cfg.Mempool == nil {
		return nil
	}
	p.withHashLock(hash, func() {
		p.mu.Lock()
		_, wasPending := p.txMap[hash]
		delete(p.txMap, hash)
		p.mu.Unlock()
		if !wasPending {
			return
		}

		if missing, err := p.cfg.Mempool.AddTX(m, pr.ID); err != nil {
			var verr *chainiface.VerifyError
			if errors.As(err, &verr) {
				pr.Send(&wire.MsgReject{Cmd: "tx", Code: verr.Code, Reason: verr.Reason, Hash: hash})
			}
			return
		} else if len(missing) > 0 {
			var need []chainhash.Hash
			for _, op := range missing {
				need = append(need, op.Hash)
			}
			pr.GetTX(need)
		}
		p.BroadcastTransaction(hash)
	})
	return nil
}

// handleGetAddr replies with up to 1000 non-banned address-book
// entries, per spec.md §4.5 "Address relay". The entries are not
// filtered against the addresses this peer has already seen.
func (p *Pool) handleGetAddr(pr *peer.Peer, m *wire.MsgGetAddr) error {
	if p.cfg.Addrs == nil {
		return nil
	}
	candidates := p.cfg.Addrs.Candidates(1000)
	msg := wire.NewMsgAddr()
	for _, c := range candidates {
		ip, port, err := splitHostPort(c.Host)
		if err != nil {
			continue
		}
		na := wire.NewNetAddressIPPort(ip, port, wire.ServiceFlag(c.Services))
		na.Timestamp = time.Now()
		if err := msg.AddAddress(na); err != nil {
			break
		}
	}
	return pr.Send(msg)
}

// handleAddr inserts the routable incoming address records into the
// address book, per spec.md §4.5 "Address relay". A normalized
// timestamp is computed (capped at now+10min, re-dated to five days ago
// when older than 30 days) but not stored, and service bits are not
// checked.
func (p *Pool) handleAddr(pr *peer.Peer, m *wire.MsgAddr) error {
	if p.cfg.Addrs == nil {
		return nil
	}
	now := time.Now()
	for _, na := range m.AddrList {
		ts := na.Timestamp
		if ts.After(now.Add(10 * time.Minute)) {
			ts = now.Add(10 * time.Minute)
		}
		if ts.Before(now.Add(-30 * 24 * time.Hour)) {
			ts = now.Add(-5 * 24 * time.Hour)
		}
		if !isRoutable(na.IP) {
			continue
		}
		host := netJoinHostPort(na.IP, na.Port)
		p.cfg.Addrs.Add(host, pr.Addr.String())
	}
	return nil
}

func (p *Pool) handleReject(pr *peer.Peer, m *wire.MsgReject) error {
	if m.Hash != (chainhash.Hash{}) {
		p.broadcast.HandleReject(m.Hash)
	}
	return nil
}
