package meta

import (
	"reflect"
	"testing"

	"github.com/coredb/trustlog/xcrypto"
)

func mustKeyPair(t *testing.T) xcrypto.Hash {
	t.Helper()
	kp, err := xcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp.KeyHash
}

func TestCollectionRoundTrip(t *testing.T) {
	h1 := mustKeyPair(t)
	h2 := mustKeyPair(t)
	key := PrimaryKey{1, 2, 3}
	parent := PrimaryKey{9, 9, 9}

	c := Collection{
		{Kind: KindData, Key: key},
		{Kind: KindTree, Parent: parent},
		{Kind: KindAuthorization,
			Read:  ReadOption{Kind: ReadSpecific, KeyHash: h1, Derivation: []byte("salt")},
			Write: WriteOption{Kind: WriteAny, Hashes: []xcrypto.Hash{h1, h2}},
		},
		{Kind: KindSignature, SigHashes: []xcrypto.Hash{h1}, Sig: []byte("a signature")},
		{Kind: KindConfidentiality, ShortHash: h2},
		{Kind: KindInitializationVector, IV: []byte("0123456789ab")},
		{Kind: KindTimestamp, TimestampMS: 1700000000000},
		{Kind: KindDelayedUpload, From: 10, To: 20, Complete: true},
		{Kind: KindSignWith, SignWithKeys: []xcrypto.Hash{h1, h2}},
	}

	got, err := Decode(c.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(c, got) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, c)
	}
}

func TestCollectionHashDeterministic(t *testing.T) {
	c := Collection{{Kind: KindData, Key: PrimaryKey{1}}}
	if c.Hash() != c.Hash() {
		t.Fatalf("Hash not deterministic")
	}
	other := Collection{{Kind: KindData, Key: PrimaryKey{2}}}
	if c.Hash() == other.Hash() {
		t.Fatalf("distinct collections hashed equal")
	}
}

func TestCollectionFindAndTombstone(t *testing.T) {
	key := PrimaryKey{7}
	c := Collection{{Kind: KindTombstone, Key: key}}
	if !c.IsTombstone() {
		t.Fatalf("IsTombstone false for a tombstone collection")
	}
	k, ok := c.DataKey()
	if !ok || k != key {
		t.Fatalf("DataKey = %v, %v; want %v, true", k, ok, key)
	}
	if _, ok := c.Find(KindData); ok {
		t.Fatalf("Find(KindData) found an entry in a tombstone-only collection")
	}
}

func TestWriteOptionContains(t *testing.T) {
	h1 := mustKeyPair(t)
	h2 := mustKeyPair(t)
	w := WriteOption{Kind: WriteAny, Hashes: []xcrypto.Hash{h1}}
	if !w.Contains(h1) {
		t.Fatalf("Contains false for an authorized hash")
	}
	if w.Contains(h2) {
		t.Fatalf("Contains true for an unauthorized hash")
	}
}
