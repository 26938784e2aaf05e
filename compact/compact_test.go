package compact

import (
	"testing"

	"github.com/coredb/trustlog/meta"
)

func TestCombinePrecedence(t *testing.T) {
	cases := []struct{ a, b, want Relevance }{
		{Abstain, Keep, Keep},
		{Keep, Drop, Drop},
		{Drop, ForceKeep, ForceKeep},
		{ForceKeep, ForceDrop, ForceDrop},
		{ForceDrop, Keep, ForceDrop},
	}
	for _, c := range cases {
		if got := Combine(c.a, c.b); got != c.want {
			t.Errorf("Combine(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestTombstoneDropsPriorAndItself(t *testing.T) {
	k := meta.PrimaryKey{1}
	events := []Event{
		{EventHash: [16]byte{2}, Meta: meta.Collection{{Kind: meta.KindTombstone, Key: k}}},
		{EventHash: [16]byte{1}, Meta: meta.Collection{{Kind: meta.KindData, Key: k}}},
	}
	kept := Run(events, []Compactor{NewTombstone()})
	if len(kept) != 0 {
		t.Fatalf("Run kept %d events, want 0 (tombstone drops itself and its target)", len(kept))
	}
}

func TestRemoveDuplicatesKeepsNewest(t *testing.T) {
	k := meta.PrimaryKey{1}
	events := []Event{
		{EventHash: [16]byte{2}, Meta: meta.Collection{{Kind: meta.KindData, Key: k}}},
		{EventHash: [16]byte{1}, Meta: meta.Collection{{Kind: meta.KindData, Key: k}}},
	}
	kept := Run(events, []Compactor{NewRemoveDuplicates()})
	if len(kept) != 1 || kept[0].EventHash != ([16]byte{2}) {
		t.Fatalf("Run kept %v, want only the newest event", kept)
	}
}

func TestTreeCompactorForceKeepsAncestor(t *testing.T) {
	child := meta.PrimaryKey{1}
	parent := meta.PrimaryKey{2}

	parentOf := func(k meta.PrimaryKey) (meta.PrimaryKey, bool) {
		if k == child {
			return parent, true
		}
		return meta.PrimaryKey{}, false
	}

	// Newest-first: the child's Data event, then the parent's own (older)
	// Data event, which TreeCompactor force-keeps because the retained child
	// names it as parent.
	events := []Event{
		{EventHash: [16]byte{2}, Meta: meta.Collection{
			{Kind: meta.KindData, Key: child},
			{Kind: meta.KindTree, Parent: parent},
		}},
		{EventHash: [16]byte{1}, Meta: meta.Collection{{Kind: meta.KindData, Key: parent}}},
	}

	kept := Run(events, Standard(parentOf))
	if len(kept) != 2 {
		t.Fatalf("Run kept %d events, want 2 (child + force-kept parent): %+v", len(kept), kept)
	}
}

func TestIndecisiveAlwaysAbstains(t *testing.T) {
	if got := (Indecisive{}).Relevance(Event{}, nil); got != Abstain {
		t.Fatalf("Indecisive.Relevance = %v, want Abstain", got)
	}
}
