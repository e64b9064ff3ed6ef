// Compact-block reconstruction: spec.md §4.5 "Compact-block
// reconstruction" and §3 "pending merkle-block reconstruction state".
// The short-transaction-ID scheme (SipHash-2-4 keyed by the block
// header) is specified directly by BIP-152; there is no teacher or
// pack analogue, so it is implemented straight from that spec text.
package pool

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lcoin-project/lcoin-node/peer"
)

// shortIDKeys derives the per-block SipHash key from the header and
// the announcer's nonce, per BIP-152.
func shortIDKeys(header *wire.BlockHeader, nonce uint64) (k0, k1 uint64) {
	h := sha256.New()
	var buf [80]byte
	writeHeader(header, buf[:])
	h.Write(buf[:])
	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], nonce)
	h.Write(nonceBuf[:])
	sum := h.Sum(nil)
	k0 = binary.LittleEndian.Uint64(sum[0:8])
	k1 = binary.LittleEndian.Uint64(sum[8:16])
	return
}

func writeHeader(header *wire.BlockHeader, out []byte) {
	binary.LittleEndian.PutUint32(out[0:4], uint32(header.Version))
	copy(out[4:36], header.PrevBlock[:])
	copy(out[36:68], header.MerkleRoot[:])
	binary.LittleEndian.PutUint32(out[68:72], uint32(header.Timestamp.Unix()))
	binary.LittleEndian.PutUint32(out[72:76], header.Bits)
	binary.LittleEndian.PutUint32(out[76:80], header.Nonce)
}

// shortID computes the 48-bit short transaction id for hash under
// (k0,k1), per BIP-152.
func shortID(k0, k1 uint64, hash *chainhash.Hash) uint64 {
	return sipHash24(k0, k1, hash[:]) & 0x0000ffffffffffff
}

// sipHash24 is SipHash-2-4 over an arbitrary-length message.
func sipHash24(k0, k1 uint64, data []byte) uint64 {
	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	round := func() {
		v0 += v1
		v1 = v1<<13 | v1>>51
		v1 ^= v0
		v0 = v0<<32 | v0>>32
		v2 += v3
		v3 = v3<<16 | v3>>48
		v3 ^= v2
		v0 += v3
		v3 = v3<<21 | v3>>43
		v3 ^= v0
		v2 += v1
		v1 = v1<<17 | v1>>47
		v1 ^= v2
		v2 = v2<<32 | v2>>32
	}

	n := len(data)
	end := n - n%8
	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], data[end:])
	last[7] = byte(n)
	m := binary.LittleEndian.Uint64(last[:])
	v3 ^= m
	round()
	round()
	v0 ^= m

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

// handleCmpctBlock implements spec.md §4.5 "On cmpctblock: verify
// header; attempt fillMempool(mempool, witness); if fully
// reconstructed, submit to chain. Otherwise record the partial block
// ... and issue getblocktxn for missing indices."
func (p *Pool) handleCmpctBlock(pr *peer.Peer, m *wire.MsgCmpctBlock) error {
	hash := m.Header.BlockHash()

	if !pr.TryReserveCompactBlock() {
		return errors.New("pool: too many outstanding compact blocks for peer")
	}
	pc := &partialCompact{
		peerID:  pr.ID,
		header:  m.Header,
		have:    make(map[uint64]*wire.MsgTx),
		started: time.Now(),
	}
	p.mu.Lock()
	p.compactBlocks[hash] = pc
	p.mu.Unlock()

	k0, k1 := shortIDKeys(&m.Header, m.Nonce)

	known := make(map[uint64]*wire.MsgTx)
	if p.cfg.Mempool != nil {
		for _, txHash := range p.cfg.Mempool.GetSnapshot() {
			if tx, ok := p.cfg.Mempool.GetTX(&txHash); ok {
				known[shortID(k0, k1, &txHash)] = tx
			}
		}
	}

	for _, pf := range m.PrefilledTxn {
		pc.have[pf.Index] = pf.Tx
	}

	var missing []uint64
	idx := uint64(0)
	prefilled := make(map[uint64]bool, len(m.PrefilledTxn))
	for _, pf := range m.PrefilledTxn {
		prefilled[pf.Index] = true
	}
	for _, sid := range m.ShortIDs {
		for prefilled[idx] {
			idx++
		}
		if tx, ok := known[sid]; ok {
			pc.have[idx] = tx
		} else {
			missing = append(missing, idx)
		}
		idx++
	}
	pc.missing = missing

	if len(missing) == 0 {
		return p.finishCompactBlock(pr, hash)
	}

	req := wire.MsgGetBlockTxn{Request: wire.TxIndexes{BlockHash: hash, Indexes: missing}}
	return pr.Send(&req)
}

// handleGetBlockTxn would serve a getblocktxn request; this core has
// no block store to serve from (spec.md §1 Out of scope), so it is a
// no-op like getheaders/getblocks.
func (p *Pool) handleGetBlockTxn(pr *peer.Peer, m *wire.MsgGetBlockTxn) error {
	return nil
}

// handleBlockTxn implements "On blocktxn reply, fillMissing(response);
// if still incomplete, fall back to getFullBlock(hash)". The fallback
// records the full-block request as pending and asks the same peer for
// it; no ban score is applied to that peer.
func (p *Pool) handleBlockTxn(pr *peer.Peer, m *wire.MsgBlockTxn) error {
	blockHash := m.Transactions.BlockHash
	txs := m.Transactions.Transactions

	p.mu.Lock()
	pc, ok := p.compactBlocks[blockHash]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	byIdx := make(map[uint64]*wire.MsgTx, len(pc.missing))
	for i, idx := range pc.missing {
		if i < len(txs) {
			byIdx[idx] = txs[i]
		}
	}
	var stillMissing []uint64
	for _, idx := range pc.missing {
		if tx, ok := byIdx[idx]; ok {
			pc.have[idx] = tx
		} else {
			stillMissing = append(stillMissing, idx)
		}
	}
	pc.missing = stillMissing

	if len(pc.missing) > 0 {
		p.mu.Lock()
		delete(p.compactBlocks, blockHash)
		owner := p.byID[pc.peerID]
		p.mu.Unlock()
		if owner != nil {
			owner.ReleaseCompactBlock()
		}
		p.recordRequests(p.blockMap, pr.ID, []chainhash.Hash{blockHash})
		return pr.GetBlock([]chainhash.Hash{blockHash})
	}
	return p.finishCompactBlock(pr, blockHash)
}

func (p *Pool) finishCompactBlock(pr *peer.Peer, hash chainhash.Hash) error {
	p.mu.Lock()
	pc, ok := p.compactBlocks[hash]
	var owner *peer.Peer
	if ok {
		delete(p.compactBlocks, hash)
		owner = p.byID[pc.peerID]
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if owner != nil {
		owner.ReleaseCompactBlock()
	}

	block := &wire.MsgBlock{Header: pc.header}
	for i := uint64(0); i < uint64(len(pc.have)); i++ {
		tx, ok := pc.have[i]
		if !ok {
			return errors.New("pool: compact block reconstruction index gap")
		}
		block.Transactions = append(block.Transactions, tx)
	}

	return p.handleBlock(pr, block)
}
