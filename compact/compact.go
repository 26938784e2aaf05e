// Package compact implements the deterministic event-relevance compactor of
// spec.md §4.5, grounded on original_source/src/compact.rs (the
// EventRelevance lattice and the Tombstone/RemoveDuplicates/Tree/Indecisive
// compactor set) and tree.rs's TreeCompactor parent-path preservation.
package compact

import "github.com/coredb/trustlog/meta"

// Relevance is the five-way lattice a Compactor returns per event, walked
// newest to oldest.
type Relevance uint8

const (
	Abstain Relevance = iota
	Keep
	Drop
	ForceKeep
	ForceDrop
)

// Combine composes two relevance verdicts with the precedence
// ForceDrop > ForceKeep > Drop > Keep > Abstain (spec.md §4.5); an Abstain
// chain is equivalent to Keep.
func Combine(a, b Relevance) Relevance {
	rank := func(r Relevance) int {
		switch r {
		case ForceDrop:
			return 4
		case ForceKeep:
			return 3
		case Drop:
			return 2
		case Keep:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// Event is the minimal view a Compactor needs of one log entry, visited
// newest-first.
type Event struct {
	EventHash [16]byte
	Meta      meta.Collection
}

// Compactor decides the relevance of one event, optionally consulting the
// verdicts decided so far: the final verdict of every newer event (walked in
// reverse log order) and, for evt itself, the combined verdict of the
// compactors that ran before this one.
type Compactor interface {
	Relevance(evt Event, decidedSoFar map[[16]byte]Relevance) Relevance
}

// Tombstone force-drops a tombstone event and every prior event carrying
// the same data key.
type Tombstone struct {
	tombstoned map[meta.PrimaryKey]bool
}

// NewTombstone creates a fresh Tombstone compactor.
func NewTombstone() *Tombstone { return &Tombstone{tombstoned: make(map[meta.PrimaryKey]bool)} }

func (t *Tombstone) Relevance(evt Event, _ map[[16]byte]Relevance) Relevance {
	k, hasKey := evt.Meta.DataKey()
	if !hasKey {
		return Abstain
	}
	if evt.Meta.IsTombstone() {
		t.tombstoned[k] = true
		return ForceDrop
	}
	if t.tombstoned[k] {
		return ForceDrop
	}
	return Abstain
}

// RemoveDuplicates keeps only the most recent event per data key, dropping
// older ones. Compaction visits newest-first, so the first Data(k) seen for
// any key is the one kept.
type RemoveDuplicates struct {
	seen map[meta.PrimaryKey]bool
}

// NewRemoveDuplicates creates a fresh RemoveDuplicates compactor.
func NewRemoveDuplicates() *RemoveDuplicates {
	return &RemoveDuplicates{seen: make(map[meta.PrimaryKey]bool)}
}

func (r *RemoveDuplicates) Relevance(evt Event, _ map[[16]byte]Relevance) Relevance {
	k, hasKey := evt.Meta.DataKey()
	if !hasKey || evt.Meta.IsTombstone() {
		return Abstain
	}
	if r.seen[k] {
		return Drop
	}
	r.seen[k] = true
	return Keep
}

// TreeCompactor force-keeps an ancestor of any event that is itself
// retained, preserving parent-path integrity. parentOf resolves a data
// key's declared parent (via Tree metadata observed so far during the
// newest-to-oldest walk).
type TreeCompactor struct {
	parentOf func(meta.PrimaryKey) (meta.PrimaryKey, bool)
	// needed holds ancestor keys whose retaining event has not yet been
	// visited; each is force-kept exactly once, at the first event for that
	// key visited (walking newest→oldest) after a retained child named it —
	// mirroring the original's parent_needed one-shot-removal bookkeeping.
	needed map[meta.PrimaryKey]bool
}

// NewTreeCompactor creates a TreeCompactor that resolves parents via
// parentOf (typically an index.Indexer.Parent closure, or a closure backed
// by the events visited so far when compacting a log not yet indexed).
func NewTreeCompactor(parentOf func(meta.PrimaryKey) (meta.PrimaryKey, bool)) *TreeCompactor {
	return &TreeCompactor{parentOf: parentOf, needed: make(map[meta.PrimaryKey]bool)}
}

func (t *TreeCompactor) Relevance(evt Event, decidedSoFar map[[16]byte]Relevance) Relevance {
	k, hasKey := evt.Meta.DataKey()
	if !hasKey {
		return Abstain
	}

	result := Abstain
	if t.needed[k] {
		delete(t.needed, k)
		result = ForceKeep
	}

	if rel, ok := decidedSoFar[evt.EventHash]; ok && (rel == Keep || rel == ForceKeep) {
		if parent, ok := t.parentOf(k); ok {
			t.needed[parent] = true
		}
	}

	return result
}

// Indecisive is the identity compactor: always Abstain.
type Indecisive struct{}

func (Indecisive) Relevance(Event, map[[16]byte]Relevance) Relevance { return Abstain }

// Standard returns the built-in compactor set in the order a faithful
// rewrite composes them: Tombstone, RemoveDuplicates, TreeCompactor.
func Standard(parentOf func(meta.PrimaryKey) (meta.PrimaryKey, bool)) []Compactor {
	return []Compactor{NewTombstone(), NewRemoveDuplicates(), NewTreeCompactor(parentOf)}
}

// Run walks events newest-to-oldest (events must already be in that order),
// combining every compactor's verdict per spec.md §4.5's composition rule,
// and returns the subsequence that survives (Keep, ForceKeep, or Abstain).
func Run(eventsNewestFirst []Event, compactors []Compactor) []Event {
	decided := make(map[[16]byte]Relevance, len(eventsNewestFirst))
	var kept []Event
	for _, evt := range eventsNewestFirst {
		verdict := Abstain
		for _, c := range compactors {
			verdict = Combine(verdict, c.Relevance(evt, decided))
			decided[evt.EventHash] = verdict
		}
		if verdict == Keep || verdict == ForceKeep || verdict == Abstain {
			kept = append(kept, evt)
		}
	}
	return kept
}
