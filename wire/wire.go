// Package wire implements the frame format, hello handshake, and key
// exchange of spec.md §6/§4.9. Framing and dual-format encoding continue
// the teacher's transport.go/server.go pattern (encoding/gob for Binary,
// encoding/json for Json) rather than a single fixed codec.
package wire

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"github.com/coredb/trustlog/xcrypto"
)

// SerializationFormat selects the wire encoding for frame payloads.
type SerializationFormat uint8

const (
	Binary SerializationFormat = iota
	JSON
)

// NodeID identifies a mesh participant (client or server replica).
type NodeID [16]byte

// KeySize names the minimum acceptable AEAD key size (in bytes) a server
// certificate must support, per spec.md §6.
type KeySize uint16

// HelloFromClient is the client→server half of the handshake.
type HelloFromClient struct {
	Path         string
	ClientID     NodeID
	RequestedEnc *KeySize
}

// HelloFromServer is the server→client half of the handshake.
type HelloFromServer struct {
	ServerID   NodeID
	Encryption *KeySize
	Format     SerializationFormat
}

// ErrMissingCertificate and ErrCertificateTooWeak are handshake failures,
// per spec.md §6/§7: fatal for the connection, never fatal for the process.
var (
	ErrMissingCertificate = fmt.Errorf("wire: missing certificate")
)

// ErrCertificateTooWeak reports that the negotiated key size exceeds what
// the server certificate supports.
type ErrCertificateTooWeak struct {
	Required, Actual KeySize
}

func (e *ErrCertificateTooWeak) Error() string {
	return fmt.Sprintf("wire: certificate too weak: required %d, have %d", e.Required, e.Actual)
}

// MessageKind discriminates the Message tagged union of spec.md §6.
type MessageKind uint8

const (
	MsgStartOfHistory MessageKind = iota
	MsgEvents
	MsgConfirmed
	MsgCommitError
	MsgLockRequest
	MsgLockResult
	MsgSecuredWith
	MsgEndOfHistory
	MsgFatalTerminate
)

// EventPayload is the wire-transmitted form of one event: raw bytes already
// encoded by the event package (MetaBytes/Payload), kept opaque to the wire
// layer.
type EventPayload struct {
	MetaBytes []byte
	DataBytes []byte
	HasData   bool
	Format    uint8
}

// Message is the envelope for every frame after the handshake, per
// spec.md §6. Only the fields relevant to Kind are populated, matching the
// teacher's flat-struct transport style.
type Message struct {
	Kind MessageKind

	// MsgStartOfHistory
	Size     uint64
	From, To *int64
	RootKeys []ed25519.PublicKey
	Mode     uint8 // trust.IntegrityMode, kept numeric to avoid an import cycle

	// MsgEvents
	Commit *uint64
	Events []EventPayload

	// MsgConfirmed, MsgCommitError
	ID  uint64
	Err string

	// MsgLockRequest, MsgLockResult
	LockKey  []byte
	IsLocked bool

	// MsgSecuredWith
	SessionProps map[string][]byte

	// MsgFatalTerminate
	Reason string
}

// WriteFrame writes `u32 length || payload` to w, encoding msg with format.
func WriteFrame(w io.Writer, msg Message, format SerializationFormat) error {
	return writeFramed(w, msg, format)
}

// ReadFrame reads one `u32 length || payload` frame from r.
func ReadFrame(r *bufio.Reader, format SerializationFormat) (Message, error) {
	var msg Message
	if err := readFramed(r, format, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// WriteEncryptedFrame seals msg under ek and writes `u32 length || iv ||
// ciphertext`, the AEAD-encrypted framing spec.md §6 requires once a
// handshake negotiates an Encrypted session — every subsequent frame is
// sealed, not just the payload bytes within it.
func WriteEncryptedFrame(w io.Writer, msg Message, format SerializationFormat, ek xcrypto.EncryptKey) error {
	plaintext, err := encode(msg, format)
	if err != nil {
		return err
	}
	iv, err := xcrypto.NewIV()
	if err != nil {
		return err
	}
	ciphertext, err := ek.Seal(iv, nil, plaintext)
	if err != nil {
		return fmt.Errorf("seal frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(iv)+len(ciphertext)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write encrypted frame length: %w", err)
	}
	if _, err := w.Write(iv); err != nil {
		return fmt.Errorf("write frame iv: %w", err)
	}
	if _, err := w.Write(ciphertext); err != nil {
		return fmt.Errorf("write frame ciphertext: %w", err)
	}
	return nil
}

// ReadEncryptedFrame reads one `u32 length || iv || ciphertext` frame and
// opens it under ek.
func ReadEncryptedFrame(r *bufio.Reader, format SerializationFormat, ek xcrypto.EncryptKey) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) < xcrypto.IVSize {
		return Message{}, fmt.Errorf("wire: encrypted frame shorter than iv")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read encrypted frame: %w", err)
	}
	iv, ciphertext := body[:xcrypto.IVSize], body[xcrypto.IVSize:]
	plaintext, err := ek.Open(iv, nil, ciphertext)
	if err != nil {
		return Message{}, fmt.Errorf("open frame: %w", err)
	}
	var msg Message
	if err := decode(plaintext, format, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// writeFramed encodes any gob/JSON-able value behind the same `u32 length ||
// payload` envelope, shared by the post-handshake Message stream and the
// hello/key-exchange frames that precede it.
func writeFramed(w io.Writer, v any, format SerializationFormat) error {
	payload, err := encode(v, format)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFramed(r *bufio.Reader, format SerializationFormat, out any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	return decode(payload, format, out)
}

func encode(v any, format SerializationFormat) ([]byte, error) {
	switch format {
	case JSON:
		return json.Marshal(v)
	default:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	}
}

func decode(payload []byte, format SerializationFormat, out any) error {
	switch format {
	case JSON:
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("json decode: %w", err)
		}
	default:
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(out); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
	}
	return nil
}
