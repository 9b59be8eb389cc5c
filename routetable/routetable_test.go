package routetable

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/hazyhaar/manifold/digest"
)

func testEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		payload := []byte(fmt.Sprintf("module-%d", i))
		content := digest.Sum(payload)
		var salt digest.Salt
		salt[0] = byte(i)
		entries[i] = Entry{
			OperationID:   fmt.Sprintf("op.%d", i),
			ModuleAddress: digest.DeriveAddress(salt, content),
			CodeHash:      content,
			Priority:      i,
		}
	}
	return entries
}

func TestBuildRootEmptySet(t *testing.T) {
	if got := BuildRoot(nil); got != EmptyRoot {
		t.Fatalf("empty set root = %s, want EmptyRoot", got.Hex())
	}
	if got := BuildRoot([]Entry{}); got != EmptyRoot {
		t.Fatal("empty slice must yield EmptyRoot")
	}
}

func TestBuildRootSingleEntry(t *testing.T) {
	entries := testEntries(1)
	if BuildRoot(entries) != LeafHash(entries[0]) {
		t.Fatal("single-entry root must equal its leaf hash")
	}
}

func TestBuildRootOrderIndependent(t *testing.T) {
	for _, n := range []int{2, 3, 4, 5, 7, 8, 9} {
		entries := testEntries(n)
		want := BuildRoot(entries)

		rng := rand.New(rand.NewSource(int64(n)))
		for trial := 0; trial < 10; trial++ {
			shuffled := append([]Entry(nil), entries...)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			if got := BuildRoot(shuffled); got != want {
				t.Fatalf("n=%d: permutation changed root: %s != %s", n, got.Hex(), want.Hex())
			}
		}
	}
}

func TestBuildRootSensitiveToContent(t *testing.T) {
	entries := testEntries(4)
	want := BuildRoot(entries)

	mutated := append([]Entry(nil), entries...)
	mutated[2].CodeHash = digest.Sum([]byte("swapped out"))
	if BuildRoot(mutated) == want {
		t.Fatal("changing a code hash did not change the root")
	}

	mutated = append([]Entry(nil), entries...)
	mutated[0].Priority++
	if BuildRoot(mutated) == want {
		t.Fatal("changing a priority did not change the root")
	}
}

func TestProofRoundTrip(t *testing.T) {
	// Odd sizes exercise the self-pairing path at multiple levels.
	for _, n := range []int{1, 2, 3, 4, 5, 6, 7, 8, 9} {
		entries := testEntries(n)
		root := BuildRoot(entries)
		for i := range entries {
			siblings, err := Prove(entries, i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !VerifyProof(LeafHash(entries[i]), siblings, root) {
				t.Fatalf("n=%d i=%d: proof did not verify", n, i)
			}
		}
	}
}

func TestProofRejectsTampering(t *testing.T) {
	entries := testEntries(6)
	root := BuildRoot(entries)
	siblings, err := Prove(entries, 3)
	if err != nil {
		t.Fatal(err)
	}

	wrongLeaf := LeafHash(entries[2])
	if VerifyProof(wrongLeaf, siblings, root) {
		t.Fatal("proof verified for a different leaf")
	}

	tampered := append([]digest.Hash(nil), siblings...)
	tampered[0] = digest.Sum([]byte("forged sibling"))
	if VerifyProof(LeafHash(entries[3]), tampered, root) {
		t.Fatal("proof verified with a forged sibling")
	}

	if VerifyProof(LeafHash(entries[3]), siblings, digest.Sum([]byte("other root"))) {
		t.Fatal("proof verified against the wrong root")
	}
}

func TestProveIndexOutOfRange(t *testing.T) {
	entries := testEntries(3)
	if _, err := Prove(entries, -1); err == nil {
		t.Fatal("expected error for negative index")
	}
	if _, err := Prove(entries, 3); err == nil {
		t.Fatal("expected error for index past the end")
	}
}

func TestLeafHashFieldSeparation(t *testing.T) {
	// The length-prefixed encoding must keep adjacent string/byte fields
	// from sliding into each other.
	content := digest.Sum([]byte("p"))
	var salt digest.Salt
	addr := digest.DeriveAddress(salt, content)

	a := Entry{OperationID: "ab", ModuleAddress: addr, CodeHash: content}
	b := Entry{OperationID: "a", ModuleAddress: addr, CodeHash: content}
	if LeafHash(a) == LeafHash(b) {
		t.Fatal("leaf hashes collide across different operation IDs")
	}
}

func TestDuplicateOperation(t *testing.T) {
	entries := testEntries(3)
	if id, ok := DuplicateOperation(entries); ok {
		t.Fatalf("unexpected duplicate %q", id)
	}

	entries = append(entries, entries[1])
	id, ok := DuplicateOperation(entries)
	if !ok || id != "op.1" {
		t.Fatalf("DuplicateOperation = (%q, %v), want (op.1, true)", id, ok)
	}
}
