package merkle

import (
	"crypto/sha256"
	"testing"
)

func leafFor(i int) [32]byte {
	return sha256.Sum256([]byte{byte(i)})
}

func TestRootDeterminism(t *testing.T) {
	leaves := [][32]byte{leafFor(0), leafFor(1), leafFor(2)}
	r1, ok1 := ComputeRoot(leaves)
	r2, ok2 := ComputeRoot(leaves)
	if !ok1 || !ok2 || r1 != r2 {
		t.Fatalf("root not deterministic: %v %v vs %v %v", ok1, r1, ok2, r2)
	}
}

func TestOddNodePromotionNotDuplication(t *testing.T) {
	// Three leaves: parent(0,1) combined, leaf 2 promoted unchanged.
	l0, l1, l2 := leafFor(0), leafFor(1), leafFor(2)
	tree := Restore([][32]byte{l0, l1, l2})
	root, ok := tree.GetRoot()
	if !ok {
		t.Fatal("expected root")
	}

	expectedLevel1 := parentHash(l0, l1)
	expectedRoot := parentHash(expectedLevel1, l2)
	if root != expectedRoot {
		t.Fatalf("root does not reflect promotion rule: got %x want %x", root, expectedRoot)
	}

	// A duplication-based implementation would instead hash parent(expectedLevel1, expectedLevel1).
	duplicatedRoot := parentHash(expectedLevel1, expectedLevel1)
	if root == duplicatedRoot {
		t.Fatal("root matches duplication rule, not promotion")
	}
}

func TestIncrementalEquivalence(t *testing.T) {
	all := [][32]byte{leafFor(0), leafFor(1), leafFor(2), leafFor(3), leafFor(4)}

	incremental := New()
	for _, l := range all {
		incremental.Insert(l)
	}
	incRoot, ok := incremental.GetRoot()
	if !ok {
		t.Fatal("expected root")
	}

	restored := Restore(all)
	restoredRoot, ok := restored.GetRoot()
	if !ok {
		t.Fatal("expected root")
	}

	if incRoot != restoredRoot {
		t.Fatalf("incremental insert root %x != restore root %x", incRoot, restoredRoot)
	}
}

func TestProofSoundnessAndChangeDetection(t *testing.T) {
	all := [][32]byte{leafFor(0), leafFor(1), leafFor(2), leafFor(3), leafFor(4), leafFor(5), leafFor(6)}
	tree := Restore(all)
	root, ok := tree.GetRoot()
	if !ok {
		t.Fatal("expected root")
	}

	for i := range all {
		proof, ok := tree.GetProof(i)
		if !ok {
			t.Fatalf("expected proof for index %d", i)
		}
		if !VerifyProof(proof, root) {
			t.Fatalf("valid proof for index %d failed to verify", i)
		}

		flipped := *proof
		flipped.Leaf[0] ^= 0xFF
		if VerifyProof(&flipped, root) {
			t.Fatalf("flipped leaf for index %d incorrectly verified", i)
		}

		if len(proof.Siblings) > 0 {
			flippedSibling := *proof
			flippedSibling.Siblings = append([]Sibling(nil), proof.Siblings...)
			flippedSibling.Siblings[0].Hash[0] ^= 0xFF
			if VerifyProof(&flippedSibling, root) {
				t.Fatalf("flipped sibling for index %d incorrectly verified", i)
			}
		}

		var wrongRoot [32]byte
		copy(wrongRoot[:], root[:])
		wrongRoot[0] ^= 0xFF
		if VerifyProof(proof, wrongRoot) {
			t.Fatalf("proof for index %d verified against wrong root", i)
		}
	}
}

func TestLeafHashDeterministic(t *testing.T) {
	ph := sha256.Sum256([]byte("plaintext"))
	eh := sha256.Sum256([]byte("ciphertext"))
	a := LeafHash(3, ph, eh, 1234)
	b := LeafHash(3, ph, eh, 1234)
	if a != b {
		t.Fatal("LeafHash is not a pure function of its inputs")
	}
	c := LeafHash(4, ph, eh, 1234)
	if a == c {
		t.Fatal("LeafHash ignored chunkIndex")
	}
}
