package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/coredb/trustlog/xcrypto"
)

func TestWriteReadFrameGob(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Kind: MsgEvents, Commit: ptrUint64(7), Events: []EventPayload{{MetaBytes: []byte("m"), DataBytes: []byte("d"), HasData: true, Format: 1}}}
	if err := WriteFrame(&buf, msg, Binary); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf), Binary)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != MsgEvents || *got.Commit != 7 || len(got.Events) != 1 || string(got.Events[0].MetaBytes) != "m" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestWriteReadFrameJSON(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Kind: MsgFatalTerminate, Reason: "peer misbehaved"}
	if err := WriteFrame(&buf, msg, JSON); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf), JSON)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != MsgFatalTerminate || got.Reason != "peer misbehaved" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestWriteReadEncryptedFrameRoundTrip(t *testing.T) {
	ek, err := xcrypto.DeriveKey([]byte("shared secret"), nil, []byte("ctx"))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	var buf bytes.Buffer
	msg := Message{Kind: MsgLockRequest, LockKey: []byte("k")}
	if err := WriteEncryptedFrame(&buf, msg, Binary, ek); err != nil {
		t.Fatalf("WriteEncryptedFrame: %v", err)
	}
	got, err := ReadEncryptedFrame(bufio.NewReader(&buf), Binary, ek)
	if err != nil {
		t.Fatalf("ReadEncryptedFrame: %v", err)
	}
	if got.Kind != msg.Kind || string(got.LockKey) != "k" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReadEncryptedFrameRejectsWrongKey(t *testing.T) {
	ek, _ := xcrypto.DeriveKey([]byte("shared secret"), nil, []byte("ctx"))
	other, _ := xcrypto.DeriveKey([]byte("different secret"), nil, []byte("ctx"))
	var buf bytes.Buffer
	if err := WriteEncryptedFrame(&buf, Message{Kind: MsgFatalTerminate, Reason: "x"}, Binary, ek); err != nil {
		t.Fatalf("WriteEncryptedFrame: %v", err)
	}
	if _, err := ReadEncryptedFrame(bufio.NewReader(&buf), Binary, other); err == nil {
		t.Fatalf("ReadEncryptedFrame succeeded under the wrong key")
	}
}

func ptrUint64(v uint64) *uint64 { return &v }
