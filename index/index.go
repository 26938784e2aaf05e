// Package index implements the binary-tree indexer of spec.md §4.3: primary
// and secondary key lookups with tombstone-aware compaction, grounded on
// original_source/lib/src/index.rs's BinaryTreeIndexer (a primary map, a
// secondary multimap, and a parent map fed in tombstone → data → tree
// order).
package index

import (
	"sync"

	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/meta"
)

// Collection identifies a secondary lookup grouping — the parent
// PrimaryKey a set of children are attached under via Tree metadata.
type Collection = meta.PrimaryKey

// Indexer maintains the three mappings from spec.md §4.3. A single writer
// mutex guards feed; point lookups and short scans take a read lock,
// matching the "indexer is guarded by a single writer mutex" resource model
// of spec.md §5.
type Indexer struct {
	mu sync.RWMutex

	primary   map[meta.PrimaryKey]event.Leaf
	secondary map[Collection][]meta.PrimaryKey
	parent    map[meta.PrimaryKey]Collection
}

// New creates an empty Indexer.
func New() *Indexer {
	return &Indexer{
		primary:   make(map[meta.PrimaryKey]event.Leaf),
		secondary: make(map[Collection][]meta.PrimaryKey),
		parent:    make(map[meta.PrimaryKey]Collection),
	}
}

// Feed applies one event's metadata to the index, in the rule order of
// spec.md §4.3: tombstone first (terminating further processing of this
// event), then data upsert, then tree attach. lookup records where the
// record lives in the redo log so a later point read can seek straight to
// it instead of rescanning (spec.md §4.1 seek(offset)).
func (idx *Indexer) Feed(m meta.Collection, eventHash [16]byte, lookup event.Lookup, nowMS int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := m.Find(meta.KindTombstone); ok {
		idx.tombstoneLocked(e.Key)
		return
	}

	if e, ok := m.Find(meta.KindData); ok {
		idx.upsertLocked(e.Key, eventHash, lookup, nowMS)
	}

	if e, ok := m.Find(meta.KindTree); ok {
		if k, ok := m.DataKey(); ok {
			idx.attachLocked(k, e.Parent)
		}
	}
}

// Reset discards all indexed state, used after a compactor has rewritten
// the underlying log and the caller is about to replay it from scratch
// (spec.md §4.5).
func (idx *Indexer) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.primary = make(map[meta.PrimaryKey]event.Leaf)
	idx.secondary = make(map[Collection][]meta.PrimaryKey)
	idx.parent = make(map[meta.PrimaryKey]Collection)
}

func (idx *Indexer) tombstoneLocked(k meta.PrimaryKey) {
	delete(idx.primary, k)
	if coll, ok := idx.parent[k]; ok {
		idx.detachFromCollectionLocked(coll, k)
		delete(idx.parent, k)
	}
}

func (idx *Indexer) upsertLocked(k meta.PrimaryKey, eventHash [16]byte, lookup event.Lookup, nowMS int64) {
	leaf, existed := idx.primary[k]
	if !existed {
		leaf.CreatedMS = nowMS
	}
	leaf.RecordHash = eventHash
	leaf.UpdatedMS = nowMS
	leaf.Lookup = lookup
	idx.primary[k] = leaf
}

func (idx *Indexer) attachLocked(k meta.PrimaryKey, newParent Collection) {
	if oldParent, ok := idx.parent[k]; ok {
		idx.detachFromCollectionLocked(oldParent, k)
	}
	idx.parent[k] = newParent
	list := idx.secondary[newParent]
	for _, existing := range list {
		if existing == k {
			return // no duplicates in the collection's vector
		}
	}
	idx.secondary[newParent] = append(list, k)
}

func (idx *Indexer) detachFromCollectionLocked(coll Collection, k meta.PrimaryKey) {
	list := idx.secondary[coll]
	for i, existing := range list {
		if existing == k {
			idx.secondary[coll] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(idx.secondary[coll]) == 0 {
		delete(idx.secondary, coll)
	}
}

// LookupPrimary returns the leaf for k, if present.
func (idx *Indexer) LookupPrimary(k meta.PrimaryKey) (event.Leaf, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	l, ok := idx.primary[k]
	return l, ok
}

// LookupSecondary returns a fresh list of leaves attached to collection c.
func (idx *Indexer) LookupSecondary(c Collection) []event.Leaf {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	keys := idx.secondary[c]
	out := make([]event.Leaf, 0, len(keys))
	for _, k := range keys {
		if l, ok := idx.primary[k]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Count returns the number of live primary keys.
func (idx *Indexer) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.primary)
}

// Contains reports whether k has a live primary entry.
func (idx *Indexer) Contains(k meta.PrimaryKey) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.primary[k]
	return ok
}

// RangeKeys returns every primary key whose leaf's UpdatedMS falls within
// [from, to), a time-bounded scan (spec.md §4.6 "range_keys(from..to)").
func (idx *Indexer) RangeKeys(from, to int64) []meta.PrimaryKey {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []meta.PrimaryKey
	for k, leaf := range idx.primary {
		if leaf.UpdatedMS >= from && leaf.UpdatedMS < to {
			out = append(out, k)
		}
	}
	return out
}

// Parent returns the collection k is attached to, if any — used by the
// trust pipeline's authorization inheritance walk (spec.md §4.4).
func (idx *Indexer) Parent(k meta.PrimaryKey) (Collection, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	p, ok := idx.parent[k]
	return p, ok
}
