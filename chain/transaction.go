package chain

import (
	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/meta"
)

// Transaction is a batch of uncommitted events gathered locally by a caller,
// pushed into the redo log by Chain.Feed per one of the Scope behaviours
// (spec.md §3 "Lifecycles", grounded on
// original_source/lib/src/transaction.rs::Transaction).
type Transaction struct {
	Scope  Scope
	Events []PendingEvent
}

// PendingEvent is one not-yet-hashed write: the metadata entries and
// optional payload a caller wants appended, before meta_hash/data_hash are
// computed by Chain.Feed.
type PendingEvent struct {
	Meta    meta.Collection
	Payload []byte
	Format  event.Format
}

// NewTransaction creates an empty transaction with the given scope.
func NewTransaction(scope Scope) *Transaction {
	return &Transaction{Scope: scope}
}

// Put queues a Data write for key k.
func (t *Transaction) Put(k meta.PrimaryKey, m meta.Collection, payload []byte, format event.Format) {
	entries := append(meta.Collection{{Kind: meta.KindData, Key: k}}, m...)
	t.Events = append(t.Events, PendingEvent{Meta: entries, Payload: payload, Format: format})
}

// Tombstone queues a deletion of key k.
func (t *Transaction) Tombstone(k meta.PrimaryKey) {
	t.Events = append(t.Events, PendingEvent{Meta: meta.Collection{{Kind: meta.KindTombstone, Key: k}}})
}
