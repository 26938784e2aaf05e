package meta

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode parses bytes produced by Collection.Bytes back into a Collection.
// It is the inverse used during redo-log replay (§4.1 "recovery rules").
func Decode(b []byte) (Collection, error) {
	var out Collection
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("meta: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("meta: unexpected wire type %d for kind %d", typ, num)
		}
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("meta: bad length-delimited field: %w", protowire.ParseError(n))
		}
		b = b[n:]

		e, err := decodeEntry(Kind(num), payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEntry(kind Kind, b []byte) (Entry, error) {
	e := Entry{Kind: kind}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("meta: bad field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("meta: bad bytes field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if err := assignBytesField(&e, int32(num), v); err != nil {
				return Entry{}, err
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("meta: bad varint field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			assignVarintField(&e, int32(num), v)
		default:
			return Entry{}, fmt.Errorf("meta: unsupported wire type %d", typ)
		}
	}
	return e, nil
}

func assignBytesField(e *Entry, num int32, v []byte) error {
	switch num {
	case fKey:
		if len(v) != len(e.Key) {
			return fmt.Errorf("meta: bad key length %d", len(v))
		}
		copy(e.Key[:], v)
	case fParent:
		copy(e.Parent[:], v)
	case fReadKeyHash:
		copy(e.Read.KeyHash[:], v)
	case fReadDeriv:
		e.Read.Derivation = append([]byte(nil), v...)
	case fWriteHash:
		copy(e.Write.Hash[:], v)
	case fWriteHashes:
		var h [16]byte
		copy(h[:], v)
		e.Write.Hashes = append(e.Write.Hashes, h)
	case fSigHashes:
		var h [16]byte
		copy(h[:], v)
		e.SigHashes = append(e.SigHashes, h)
	case fSig:
		e.Sig = append([]byte(nil), v...)
	case fShortHash:
		copy(e.ShortHash[:], v)
	case fIV:
		e.IV = append([]byte(nil), v...)
	case fSignWithKeys:
		var h [16]byte
		copy(h[:], v)
		e.SignWithKeys = append(e.SignWithKeys, h)
	default:
		return fmt.Errorf("meta: unknown bytes field %d", num)
	}
	return nil
}

func assignVarintField(e *Entry, num int32, v uint64) {
	switch num {
	case fReadKind:
		e.Read.Kind = ReadOptionKind(v)
	case fWriteKind:
		e.Write.Kind = WriteOptionKind(v)
	case fTimestampMS:
		e.TimestampMS = int64(v)
	case fFrom:
		e.From = int64(v)
	case fTo:
		e.To = int64(v)
	case fComplete:
		e.Complete = v != 0
	}
}
