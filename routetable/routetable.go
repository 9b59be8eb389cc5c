// Package routetable is the pure Merkle library over manifest entries.
//
// A manifest is a set of (operation → module address, code hash) entries.
// The package canonicalizes the set (leaf hashes sorted lexicographically)
// before tree construction, so BuildRoot is a pure function of the entry set
// and independent of insertion order. It holds no state; the router calls it
// to bind entry lists to committed roots and to produce inclusion proofs.
package routetable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/hazyhaar/manifold/digest"
)

// Entry maps one operation identifier to a placed module.
type Entry struct {
	OperationID   string         `json:"operation_id"`
	ModuleAddress digest.Address `json:"module_address"`
	CodeHash      digest.Hash    `json:"code_hash"`
	Priority      int            `json:"priority"`
}

// EmptyRoot is the root of an empty entry set. A sentinel, not an error:
// an initialized router with no routes reports this root.
var EmptyRoot = digest.Hash{}

// leafTag domain-separates leaf hashes from interior node hashes.
const leafTag = 0x00

// LeafHash computes the canonical leaf hash of an entry. The encoding is
// deterministic: tag, length-prefixed operation ID, raw address, raw code
// hash, big-endian priority.
func LeafHash(e Entry) digest.Hash {
	h := sha3.New256()
	h.Write([]byte{leafTag})

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(e.OperationID)))
	h.Write(n[:])
	h.Write([]byte(e.OperationID))
	h.Write(e.ModuleAddress[:])
	h.Write(e.CodeHash[:])

	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(int64(e.Priority)))
	h.Write(p[:])

	var out digest.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// BuildRoot computes the Merkle root of the entry set. The empty set yields
// EmptyRoot. Any permutation of the same entries yields the same root.
func BuildRoot(entries []Entry) digest.Hash {
	if len(entries) == 0 {
		return EmptyRoot
	}
	level := canonicalLeaves(entries)
	for len(level) > 1 {
		level = combineLevel(level)
	}
	return level[0]
}

// Prove returns the sibling hashes proving entries[index] is a member of the
// tree built over entries. Siblings are ordered bottom-up; an odd node at a
// level is its own sibling (duplication, matching BuildRoot).
func Prove(entries []Entry, index int) ([]digest.Hash, error) {
	if index < 0 || index >= len(entries) {
		return nil, fmt.Errorf("routetable: prove: index %d out of range [0,%d)", index, len(entries))
	}

	target := LeafHash(entries[index])
	level := canonicalLeaves(entries)

	// Position of the target leaf in canonical order.
	pos := -1
	for i, h := range level {
		if h == target {
			pos = i
			break
		}
	}
	if pos < 0 {
		// Unreachable: the target leaf was just inserted into the level.
		return nil, fmt.Errorf("routetable: prove: leaf not found in canonical set")
	}

	var siblings []digest.Hash
	for len(level) > 1 {
		sib := pos ^ 1
		if sib >= len(level) {
			sib = pos // odd node pairs with itself
		}
		siblings = append(siblings, level[sib])
		level = combineLevel(level)
		pos /= 2
	}
	return siblings, nil
}

// VerifyProof recomputes the root from a leaf and its sibling chain and
// reports whether it equals root.
func VerifyProof(leaf digest.Hash, siblings []digest.Hash, root digest.Hash) bool {
	cur := leaf
	for _, sib := range siblings {
		cur = digest.Combine(cur, sib)
	}
	return cur == root
}

// DuplicateOperation returns the first operation ID appearing more than once
// in entries, and whether one exists. BuildRoot and Prove accept duplicates
// (they are pure over the multiset); callers that require one route per
// operation reject snapshots where ok is true.
func DuplicateOperation(entries []Entry) (string, bool) {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.OperationID]; dup {
			return e.OperationID, true
		}
		seen[e.OperationID] = struct{}{}
	}
	return "", false
}

// canonicalLeaves hashes every entry and sorts the leaves lexicographically.
func canonicalLeaves(entries []Entry) []digest.Hash {
	leaves := make([]digest.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = LeafHash(e)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})
	return leaves
}

// combineLevel pairs adjacent nodes with digest.Combine; an odd trailing
// node is combined with itself.
func combineLevel(level []digest.Hash) []digest.Hash {
	next := make([]digest.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, digest.Combine(level[i], level[i+1]))
		} else {
			next = append(next, digest.Combine(level[i], level[i]))
		}
	}
	return next
}
