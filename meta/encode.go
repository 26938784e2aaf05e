package meta

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/coredb/trustlog/xcrypto"
)

// Bytes deterministically encodes the collection for meta_hash computation
// and on-disk storage, using the low-level protowire tag/varint/bytes API
// rather than a protoc-generated message: CoreMetadata is a closed, evolving
// tagged union (one new Kind at a time), which protowire's manual field
// encoding expresses directly without requiring a .proto compile step this
// environment cannot run. Each Entry becomes one length-delimited field
// (number = Kind) on the outer message; the entry's own fields are a nested
// length-delimited submessage built the same way.
func (c Collection) Bytes() []byte {
	var out []byte
	for _, e := range c {
		out = protowire.AppendTag(out, protowire.Number(e.Kind), protowire.BytesType)
		out = protowire.AppendBytes(out, encodeEntry(e))
	}
	return out
}

const (
	fKey          = 1
	fParent       = 2
	fReadKind     = 3
	fReadKeyHash  = 4
	fReadDeriv    = 5
	fWriteKind    = 6
	fWriteHash    = 7
	fWriteHashes  = 8
	fSigHashes    = 9
	fSig          = 10
	fShortHash    = 11
	fIV           = 12
	fTimestampMS  = 13
	fFrom         = 14
	fTo           = 15
	fComplete     = 16
	fSignWithKeys = 17
)

func encodeEntry(e Entry) []byte {
	var b []byte
	switch e.Kind {
	case KindData, KindTombstone:
		b = appendBytesField(b, fKey, e.Key[:])
	case KindTree:
		b = appendBytesField(b, fParent, e.Parent[:])
	case KindAuthorization:
		b = appendVarintField(b, fReadKind, uint64(e.Read.Kind))
		if e.Read.Kind == ReadSpecific {
			b = appendBytesField(b, fReadKeyHash, e.Read.KeyHash[:])
			b = appendBytesField(b, fReadDeriv, e.Read.Derivation)
		}
		b = appendVarintField(b, fWriteKind, uint64(e.Write.Kind))
		if e.Write.Kind == WriteSpecific {
			b = appendBytesField(b, fWriteHash, e.Write.Hash[:])
		}
		for _, h := range e.Write.Hashes {
			b = appendBytesField(b, fWriteHashes, h[:])
		}
	case KindSignature:
		for _, h := range e.SigHashes {
			b = appendBytesField(b, fSigHashes, h[:])
		}
		b = appendBytesField(b, fSig, e.Sig)
	case KindConfidentiality:
		b = appendBytesField(b, fShortHash, e.ShortHash[:])
	case KindInitializationVector:
		b = appendBytesField(b, fIV, e.IV)
	case KindTimestamp:
		b = appendVarintField(b, fTimestampMS, uint64(e.TimestampMS))
	case KindDelayedUpload:
		b = appendVarintField(b, fFrom, uint64(e.From))
		b = appendVarintField(b, fTo, uint64(e.To))
		if e.Complete {
			b = appendVarintField(b, fComplete, 1)
		}
	case KindSignWith:
		for _, h := range e.SignWithKeys {
			b = appendBytesField(b, fSignWithKeys, h[:])
		}
	default:
		panic(fmt.Sprintf("meta: unknown Kind %d", e.Kind))
	}
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Hash returns meta_hash = H(meta_bytes), per spec.md §4.2.
func (c Collection) Hash() xcrypto.Hash {
	return xcrypto.Sum(c.Bytes())
}
