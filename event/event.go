// Package event defines the on-the-wire and in-memory representation of a
// single chain event: its header, optional payload, and canonical hash.
package event

import (
	"github.com/coredb/trustlog/meta"
	"github.com/coredb/trustlog/xcrypto"
)

// Format discriminates the payload's wire-format tag, matching the
// teacher's dual Gob/JSON encode path (transport.go, server.go) and
// spec.md §6's Binary|Json format negotiation.
type Format uint8

const (
	FormatBinary Format = iota
	FormatJSON
)

// HeaderRaw is the canonical, hashable representation of an event's
// metadata: {meta_hash, data_hash?, meta_bytes, format,
// event_hash = H(meta_hash‖data_hash?)}, per spec.md §3.
type HeaderRaw struct {
	MetaHash  xcrypto.Hash
	DataHash  *xcrypto.Hash // nil when the event carries no payload
	MetaBytes []byte
	Format    Format
	EventHash xcrypto.Hash
}

// Data is HeaderRaw plus the optional payload bytes, the unit a transaction
// feeds to a Chain and a redo log frame carries.
type Data struct {
	HeaderRaw
	Payload []byte // nil when DataHash is nil
}

// New builds a Data from a metadata collection and an optional payload,
// computing meta_hash, data_hash, and event_hash deterministically per
// spec.md §4.2.
func New(metaEntries meta.Collection, payload []byte, format Format) Data {
	metaBytes := metaEntries.Bytes()
	metaHash := xcrypto.Sum(metaBytes)

	var dataHash *xcrypto.Hash
	var dataHashBytes []byte
	if payload != nil {
		h := xcrypto.Sum(payload)
		dataHash = &h
		dataHashBytes = h[:]
	}

	eventHash := xcrypto.Sum(metaHash[:], dataHashBytes)

	return Data{
		HeaderRaw: HeaderRaw{
			MetaHash:  metaHash,
			DataHash:  dataHash,
			MetaBytes: metaBytes,
			Format:    format,
			EventHash: eventHash,
		},
		Payload: payload,
	}
}

// Meta decodes MetaBytes back into a Collection. Called on the read path and
// during redo-log replay; the write path already holds the Collection it
// built New from and need not round-trip.
func (d Data) Meta() (meta.Collection, error) {
	return meta.Decode(d.MetaBytes)
}

// Leaf is the indexer's per-key entry: {record_hash, created_ms, updated_ms},
// per spec.md §3 EventLeaf.
type Leaf struct {
	RecordHash xcrypto.Hash
	CreatedMS  int64
	UpdatedMS  int64
	Lookup     Lookup
}

// Lookup addresses one record by its file index and byte offset within a
// redo log, the offset-addressed seek(offset) operation of spec.md §4.1.
type Lookup struct {
	FileIndex uint32
	Offset    int64
}
