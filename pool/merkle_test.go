package pool

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// buildMerkleProof constructs a BIP37 partial merkle tree over leaves,
// matching the txids whose index is in matched. It mirrors
// verifyMerkleBlock's own traversal so the two act as encoder/decoder
// for the same tree shape.
func buildMerkleProof(leaves []chainhash.Hash, matched map[int]bool) (chainhash.Hash, []*chainhash.Hash, []byte) {
	height := merkleTreeHeight(len(leaves))
	var bits []bool
	var hashes []*chainhash.Hash

	var leafHash func(pos int) chainhash.Hash
	leafHash = func(pos int) chainhash.Hash {
		if pos < len(leaves) {
			return leaves[pos]
		}
		return leaves[len(leaves)-1]
	}

	var subtreeMatches func(depth, pos int) bool
	subtreeMatches = func(depth, pos int) bool {
		if depth == height {
			return matched[pos]
		}
		left := subtreeMatches(depth+1, pos*2)
		right := false
		if hasRightChild(depth+1, pos*2, len(leaves)) {
			right = subtreeMatches(depth+1, pos*2+1)
		}
		return left || right
	}

	var walk func(depth, pos int) chainhash.Hash
	walk = func(depth, pos int) chainhash.Hash {
		match := subtreeMatches(depth, pos)
		bits = append(bits, match)

		if depth == height || !match {
			h := leafHash(pos)
			if depth < height {
				h = computeSubtreeHash(leaves, depth, pos, height)
			}
			hashes = append(hashes, &h)
			return h
		}

		left := walk(depth+1, pos*2)
		right := left
		if hasRightChild(depth+1, pos*2, len(leaves)) {
			right = walk(depth+1, pos*2+1)
		}
		return hashPair(left, right)
	}

	root := walk(0, 0)

	flags := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			flags[i/8] |= 1 << uint(i%8)
		}
	}
	return root, hashes, flags
}

// computeSubtreeHash recomputes the merkle root of the subtree rooted
// at (depth, pos) directly from the leaf set, for use when a pruned
// branch needs its combined hash rather than a single leaf.
func computeSubtreeHash(leaves []chainhash.Hash, depth, pos, height int) chainhash.Hash {
	if depth == height {
		if pos < len(leaves) {
			return leaves[pos]
		}
		return leaves[len(leaves)-1]
	}
	left := computeSubtreeHash(leaves, depth+1, pos*2, height)
	right := left
	if hasRightChild(depth+1, pos*2, len(leaves)) {
		right = computeSubtreeHash(leaves, depth+1, pos*2+1, height)
	}
	return hashPair(left, right)
}

func makeLeaves(n int) []chainhash.Hash {
	out := make([]chainhash.Hash, n)
	for i := range out {
		out[i][0] = byte(i + 1)
	}
	return out
}

func TestVerifyMerkleBlockFindsMatchedLeaf(t *testing.T) {
	leaves := makeLeaves(4)
	root, hashes, flags := buildMerkleProof(leaves, map[int]bool{1: true})

	m := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: root},
		Transactions: uint32(len(leaves)),
		Hashes:       hashes,
		Flags:        flags,
	}

	matches, err := verifyMerkleBlock(m)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{leaves[1]}, matches)
}

func TestVerifyMerkleBlockNoMatches(t *testing.T) {
	leaves := makeLeaves(5)
	root, hashes, flags := buildMerkleProof(leaves, map[int]bool{})

	m := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: root},
		Transactions: uint32(len(leaves)),
		Hashes:       hashes,
		Flags:        flags,
	}

	matches, err := verifyMerkleBlock(m)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestVerifyMerkleBlockRejectsBadRoot(t *testing.T) {
	leaves := makeLeaves(4)
	_, hashes, flags := buildMerkleProof(leaves, map[int]bool{2: true})

	m := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: chainhash.Hash{0xff}},
		Transactions: uint32(len(leaves)),
		Hashes:       hashes,
		Flags:        flags,
	}

	_, err := verifyMerkleBlock(m)
	require.Error(t, err)
}
