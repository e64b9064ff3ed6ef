// Merkle-block handling: spec.md §4.5 "Merkle-block handling" and §3
// "pending merkle-block reconstruction state". SPV mode trades full
// block download for a header plus a partial merkle tree proving which
// transactions matched a previously-loaded bloom filter; the proof
// format itself is specified directly by BIP37 since neither the
// teacher nor the rest of the pack carries an SPV client.
package pool

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lcoin-project/lcoin-node/peer"
)

// partialMerkle is a merkle block awaiting the transactions its proof
// claims matched, collected one at a time off the ordinary tx channel
// (spec.md §3 "merkleMap").
type partialMerkle struct {
	peerID  int32
	header  wire.BlockHeader
	want    map[chainhash.Hash]bool
	have    map[chainhash.Hash]*wire.MsgTx
	started time.Time
}

// handleMerkleBlock implements spec.md §4.5 "Merkle-block handling":
// SPV mode only, the hash must be a pending block request, the partial
// merkle tree is verified against the header's merkle root, and each
// matched txid is then awaited off the normal tx channel.
func (p *Pool) handleMerkleBlock(pr *peer.Peer, m *wire.MsgMerkleBlock) error {
	if !p.cfg.SPVMode {
		return nil
	}
	hash := m.Header.BlockHash()

	p.mu.Lock()
	_, pending := p.blockMap[hash]
	p.mu.Unlock()
	if !pending {
		return nil
	}

	matches, err := verifyMerkleBlock(m)
	if err != nil {
		p.mu.Lock()
		delete(p.blockMap, hash)
		p.mu.Unlock()
		pr.Send(&wire.MsgReject{Cmd: "merkleblock", Code: wire.RejectInvalid, Reason: err.Error(), Hash: hash})
		return nil
	}

	pm := &partialMerkle{
		peerID:  pr.ID,
		header:  m.Header,
		want:    make(map[chainhash.Hash]bool, len(matches)),
		have:    make(map[chainhash.Hash]*wire.MsgTx, len(matches)),
		started: time.Now(),
	}
	for _, h := range matches {
		pm.want[h] = true
	}

	p.mu.Lock()
	if len(matches) == 0 {
		p.mu.Unlock()
		return p.finishMerkleBlock(pr, hash, pm)
	}
	p.merkleBlocks[hash] = pm
	p.mu.Unlock()
	return nil
}

// collectMerkleTx feeds an incoming tx into any pending merkle blocks
// that claim it as a match, completing and submitting the block once
// every matched txid has arrived. Called from handleTx before the
// ordinary txMap bookkeeping so a tx can satisfy a merkle proof even
// when nothing separately requested it via inv.
func (p *Pool) collectMerkleTx(pr *peer.Peer, tx *wire.MsgTx) error {
	hash := tx.TxHash()

	p.mu.Lock()
	var completedHash chainhash.Hash
	var completedPM *partialMerkle
	for blockHash, pm := range p.merkleBlocks {
		if !pm.want[hash] {
			continue
		}
		pm.have[hash] = tx
		if len(pm.have) == len(pm.want) {
			completedHash = blockHash
			completedPM = pm
			delete(p.merkleBlocks, blockHash)
		}
	}
	p.mu.Unlock()

	if completedPM != nil {
		return p.finishMerkleBlock(pr, completedHash, completedPM)
	}
	return nil
}

// finishMerkleBlock assembles the collected transactions onto the
// proven header and submits it through the normal block-acceptance
// path, per spec.md §4.5 "the completed block is submitted".
func (p *Pool) finishMerkleBlock(pr *peer.Peer, hash chainhash.Hash, pm *partialMerkle) error {
	block := &wire.MsgBlock{Header: pm.header}
	for h := range pm.want {
		tx, ok := pm.have[h]
		if !ok {
			return errors.New("pool: merkle block reconstruction incomplete")
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return p.handleBlock(pr, block)
}

// verifyMerkleBlock walks a BIP37 partial merkle tree bottom-up from
// the announced transaction count, recomputing the root from the
// supplied hash/flag bits and returning the txids the proof marks as
// matched. An error means the tree doesn't reconstruct the header's
// merkle root.
func verifyMerkleBlock(m *wire.MsgMerkleBlock) ([]chainhash.Hash, error) {
	if m.Transactions == 0 {
		return nil, errors.New("pool: merkle block claims zero transactions")
	}
	bits := make([]bool, len(m.Flags)*8)
	for i, b := range m.Flags {
		for j := 0; j < 8; j++ {
			bits[i*8+j] = (b>>uint(j))&1 == 1
		}
	}

	height := merkleTreeHeight(int(m.Transactions))
	hashIdx, bitIdx := 0, 0
	matches := make([]chainhash.Hash, 0, len(m.Hashes))

	var walk func(depth, pos int) (chainhash.Hash, error)
	walk = func(depth, pos int) (chainhash.Hash, error) {
		if bitIdx >= len(bits) {
			return chainhash.Hash{}, errors.New("pool: merkle proof ran out of flag bits")
		}
		flag := bits[bitIdx]
		bitIdx++

		if depth == height || !flag {
			if hashIdx >= len(m.Hashes) {
				return chainhash.Hash{}, errors.New("pool: merkle proof ran out of hashes")
			}
			h := *m.Hashes[hashIdx]
			hashIdx++
			if depth == height && flag {
				matches = append(matches, h)
			}
			return h, nil
		}

		left, err := walk(depth+1, pos*2)
		if err != nil {
			return chainhash.Hash{}, err
		}
		right := left
		if hasRightChild(depth+1, pos*2, int(m.Transactions)) {
			right, err = walk(depth+1, pos*2+1)
			if err != nil {
				return chainhash.Hash{}, err
			}
		}
		return hashPair(left, right), nil
	}

	root, err := walk(0, 0)
	if err != nil {
		return nil, err
	}
	if root != m.Header.MerkleRoot {
		return nil, errors.New("pool: merkle proof root mismatch")
	}
	return matches, nil
}

func merkleTreeHeight(numTx int) int {
	height := 0
	for (1 << uint(height)) < numTx {
		height++
	}
	return height
}

// hasRightChild reports whether, in a tree built over numTx leaves,
// the node at (depth, pos) has a sibling instead of being duplicated.
func hasRightChild(depth, pos, numTx int) bool {
	leavesAtDepth := numTx
	for i := 0; i < merkleTreeHeight(numTx)-depth; i++ {
		leavesAtDepth = (leavesAtDepth + 1) / 2
	}
	return pos+1 < leavesAtDepth
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
