// Package meta defines CoreMetadata, the extensible tagged-union attached to
// every event, along with the ReadOption/WriteOption authorization lattice.
package meta

import "github.com/coredb/trustlog/xcrypto"

// PrimaryKey is the 128-bit identifier of a data object.
type PrimaryKey [16]byte

// IsZero reports whether k is the zero key (used to mean "no data key").
func (k PrimaryKey) IsZero() bool {
	for _, b := range k {
		if b != 0 {
			return false
		}
	}
	return true
}

// ReadOptionKind discriminates the ReadOption tagged union.
type ReadOptionKind uint8

const (
	ReadInherit ReadOptionKind = iota
	ReadEveryone
	ReadSpecific
)

// ReadOption controls who may decrypt a record's payload.
type ReadOption struct {
	Kind       ReadOptionKind
	Key        *xcrypto.EncryptKey // set only for Everyone(Some(key))
	KeyHash    xcrypto.Hash        // set only for Specific
	Derivation []byte              // set only for Specific: key derivation info
}

// WriteOptionKind discriminates the WriteOption tagged union.
type WriteOptionKind uint8

const (
	WriteInherit WriteOptionKind = iota
	WriteEveryone
	WriteNobody
	WriteSpecific
	WriteAny
)

// WriteOption controls whose signature authorizes a write.
type WriteOption struct {
	Kind  WriteOptionKind
	Hash  xcrypto.Hash   // set only for Specific
	Hashes []xcrypto.Hash // set only for Any
}

// Vals returns the set of key hashes this option authorizes, or nil if the
// option grants no one (Nobody) or everyone (Everyone, checked separately).
func (w WriteOption) Vals() []xcrypto.Hash {
	switch w.Kind {
	case WriteSpecific:
		return []xcrypto.Hash{w.Hash}
	case WriteAny:
		return w.Hashes
	default:
		return nil
	}
}

// Contains reports whether h is authorized by w.
func (w WriteOption) Contains(h xcrypto.Hash) bool {
	for _, v := range w.Vals() {
		if xcrypto.Equal(v, h) {
			return true
		}
	}
	return false
}

// Kind discriminates the CoreMetadata tagged union. New variants may be
// appended; existing tag numbers must never be reused or reordered, since
// they double as the protowire field numbers in encode.go.
type Kind uint8

const (
	KindData Kind = 1 + iota
	KindTombstone
	KindTree
	KindAuthorization
	KindSignature
	KindConfidentiality
	KindInitializationVector
	KindTimestamp
	KindDelayedUpload
	KindSignWith
)

// Entry is one CoreMetadata tagged-union value. Only the fields relevant to
// Kind are populated; this mirrors the teacher's flat struct style
// (logger.go's Record/Anchor) rather than an interface-per-variant, since
// CoreMetadata entries are small, closed (modulo Kind additions), and always
// serialized as a unit.
type Entry struct {
	Kind Kind

	// KindData, KindTombstone
	Key PrimaryKey

	// KindTree
	Parent PrimaryKey

	// KindAuthorization
	Read  ReadOption
	Write WriteOption

	// KindSignature
	SigHashes []xcrypto.Hash
	Sig       []byte

	// KindConfidentiality
	ShortHash xcrypto.Hash

	// KindInitializationVector
	IV []byte

	// KindTimestamp
	TimestampMS int64

	// KindDelayedUpload
	From, To int64
	Complete bool

	// KindSignWith
	SignWithKeys []xcrypto.Hash
}

// Collection is an ordered set of metadata entries attached to one event.
// Ordering is not semantically significant per spec.md §3 except for
// deterministic hashing, which Bytes (encode.go) guarantees by encoding in
// slice order — callers that need canonical ordering across independently
// constructed collections should sort before calling Bytes.
type Collection []Entry

// Find returns the first entry of the given kind, if any.
func (c Collection) Find(k Kind) (Entry, bool) {
	for _, e := range c {
		if e.Kind == k {
			return e, true
		}
	}
	return Entry{}, false
}

// DataKey returns the PrimaryKey named by a Data or Tombstone entry, if any.
func (c Collection) DataKey() (PrimaryKey, bool) {
	for _, e := range c {
		if e.Kind == KindData || e.Kind == KindTombstone {
			return e.Key, true
		}
	}
	return PrimaryKey{}, false
}

// IsTombstone reports whether the collection carries a Tombstone entry.
func (c Collection) IsTombstone() bool {
	_, ok := c.Find(KindTombstone)
	return ok
}

// ParentKey returns the key named by a Tree entry, if any.
func (c Collection) ParentKey() (PrimaryKey, bool) {
	e, ok := c.Find(KindTree)
	if !ok {
		return PrimaryKey{}, false
	}
	return e.Parent, true
}
