package trust

import (
	"errors"
	"testing"

	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/index"
	"github.com/coredb/trustlog/meta"
	"github.com/coredb/trustlog/xcrypto"
)

func newTestPipeline() *Pipeline {
	return NewPipeline(Distributed, index.New())
}

func TestResolveAuthInheritsFromParent(t *testing.T) {
	p := newTestPipeline()
	parent := meta.PrimaryKey{1}
	child := meta.PrimaryKey{2}
	h := xcrypto.Hash{0xAA}

	p.Feed(meta.Collection{
		{Kind: meta.KindData, Key: parent},
		{Kind: meta.KindAuthorization,
			Read:  meta.ReadOption{Kind: meta.ReadEveryone},
			Write: meta.WriteOption{Kind: meta.WriteSpecific, Hash: h},
		},
	})
	p.Feed(meta.Collection{
		{Kind: meta.KindData, Key: child},
		{Kind: meta.KindTree, Parent: parent},
	})

	m := meta.Collection{{Kind: meta.KindData, Key: child}, {Kind: meta.KindTree, Parent: parent}}
	read, write, err := p.resolveAuth(m, NewTransactionMeta(), AfterStore)
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if read.Kind != meta.ReadEveryone {
		t.Fatalf("read = %v, want ReadEveryone (inherited)", read.Kind)
	}
	if write.Kind != meta.WriteSpecific || write.Hash != h {
		t.Fatalf("write = %+v, want WriteSpecific(%x)", write, h)
	}
}

func TestResolveAuthDetectsCycle(t *testing.T) {
	p := newTestPipeline()
	a := meta.PrimaryKey{1}
	b := meta.PrimaryKey{2}
	trans := NewTransactionMeta()
	trans.Parents[a] = b
	trans.Parents[b] = a

	m := meta.Collection{{Kind: meta.KindData, Key: a}, {Kind: meta.KindTree, Parent: b}}
	if _, _, err := p.resolveAuth(m, trans, AfterStore); err == nil {
		t.Fatalf("resolveAuth did not detect a parent cycle")
	}
}

func TestResolveAuthMissingParentErrors(t *testing.T) {
	p := newTestPipeline()
	k := meta.PrimaryKey{1}
	m := meta.Collection{{Kind: meta.KindData, Key: k}, {Kind: meta.KindTree, Parent: meta.PrimaryKey{99}}}
	_, _, err := p.resolveAuth(m, NewTransactionMeta(), AfterStore)
	if !errors.Is(err, ErrMissingParent) {
		t.Fatalf("resolveAuth error = %v, want ErrMissingParent", err)
	}
}

func TestLintBeforeStoreRejectsNobody(t *testing.T) {
	p := newTestPipeline()
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadEveryone},
		Write: meta.WriteOption{Kind: meta.WriteNobody},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}

	sess := NewSession()
	_, err := p.LintBeforeStore(m, sess, trans)
	if !errors.Is(err, ErrNoAuthorizationWrite) {
		t.Fatalf("LintBeforeStore error = %v, want ErrNoAuthorizationWrite", err)
	}
}

func TestLintBeforeStoreEmitsSignWith(t *testing.T) {
	p := newTestPipeline()
	kp, err := xcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadEveryone},
		Write: meta.WriteOption{Kind: meta.WriteSpecific, Hash: kp.KeyHash},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}

	sess := NewSession()
	sess.AddSigningKey(kp)

	hint, err := p.LintBeforeStore(m, sess, trans)
	if err != nil {
		t.Fatalf("LintBeforeStore: %v", err)
	}
	if hint.Kind != meta.KindSignWith || len(hint.SignWithKeys) != 1 || hint.SignWithKeys[0] != kp.KeyHash {
		t.Fatalf("LintBeforeStore hint = %+v, want SignWith(%x)", hint, kp.KeyHash)
	}
}

func TestValidateRejectsMissingSignature(t *testing.T) {
	p := newTestPipeline()
	kp, _ := xcrypto.GenerateKeyPair()
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadEveryone},
		Write: meta.WriteOption{Kind: meta.WriteSpecific, Hash: kp.KeyHash},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}
	d := event.New(m, []byte("payload"), event.FormatBinary)

	if err := p.Validate(d, m, nil, nil, trans); !errors.Is(err, ErrNoSignatures) {
		t.Fatalf("Validate error = %v, want ErrNoSignatures", err)
	}
}

func TestValidateVerifiesSignatureCryptographically(t *testing.T) {
	p := newTestPipeline()
	kp, _ := xcrypto.GenerateKeyPair()
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadEveryone},
		Write: meta.WriteOption{Kind: meta.WriteSpecific, Hash: kp.KeyHash},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}
	d := event.New(m, []byte("payload"), event.FormatBinary)

	msgHash := m.Hash()
	sig := kp.Sign(msgHash[:])
	signed := append(append(meta.Collection{}, m...), meta.Entry{
		Kind:      meta.KindSignature,
		SigHashes: []xcrypto.Hash{kp.KeyHash},
		Sig:       sig,
	})

	sess := NewSession()
	sess.AddSigningKey(kp)
	if err := p.Validate(d, signed, sess, nil, trans); err != nil {
		t.Fatalf("Validate with a genuine signature: %v", err)
	}
}

func TestValidateRejectsForgedSignature(t *testing.T) {
	p := newTestPipeline()
	kp, _ := xcrypto.GenerateKeyPair()
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadEveryone},
		Write: meta.WriteOption{Kind: meta.WriteSpecific, Hash: kp.KeyHash},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}
	d := event.New(m, []byte("payload"), event.FormatBinary)

	forged := append(append(meta.Collection{}, m...), meta.Entry{
		Kind:      meta.KindSignature,
		SigHashes: []xcrypto.Hash{kp.KeyHash},
		Sig:       []byte("not a real signature"),
	})

	sess := NewSession()
	sess.AddSigningKey(kp)
	if err := p.Validate(d, forged, sess, nil, trans); !errors.Is(err, ErrNoSignatures) {
		t.Fatalf("Validate error = %v, want ErrNoSignatures for a forged signature", err)
	}
}

func TestValidateCentralizedTrustsServerPeer(t *testing.T) {
	p := NewPipeline(Centralized, index.New())
	kp, _ := xcrypto.GenerateKeyPair()
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadEveryone},
		Write: meta.WriteOption{Kind: meta.WriteSpecific, Hash: kp.KeyHash},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}
	d := event.New(m, []byte("payload"), event.FormatBinary)

	conv := NewConversation(true)
	if err := p.Validate(d, m, nil, conv, trans); err != nil {
		t.Fatalf("Validate with a server-peer conversation: %v", err)
	}
}

func TestUnderlayOverlayRoundTrip(t *testing.T) {
	p := newTestPipeline()
	ek, err := xcrypto.DeriveKey([]byte("shared secret"), nil, []byte("ctx"))
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k := meta.PrimaryKey{1}
	trans := NewTransactionMeta()
	trans.Auth[k] = authPair{
		Read:  meta.ReadOption{Kind: meta.ReadSpecific, KeyHash: ek.ShortHash},
		Write: meta.WriteOption{Kind: meta.WriteEveryone},
	}
	m := meta.Collection{{Kind: meta.KindData, Key: k}}

	sess := NewSession()
	sess.AddReadableKey(ek)

	payload := []byte("secret payload")
	ct, ivEntry, err := p.Underlay(m, sess, trans, payload)
	if err != nil {
		t.Fatalf("Underlay: %v", err)
	}
	if ivEntry == nil {
		t.Fatalf("Underlay returned no IV entry for a Specific read option")
	}
	if string(ct) == string(payload) {
		t.Fatalf("Underlay did not transform the payload")
	}

	confEntry, ok, err := p.LintAfterStore(m, sess, trans)
	if err != nil {
		t.Fatalf("LintAfterStore: %v", err)
	}
	if !ok || confEntry.Kind != meta.KindConfidentiality {
		t.Fatalf("LintAfterStore did not emit a Confidentiality entry: %+v, %v", confEntry, ok)
	}

	full := append(append(meta.Collection{}, m...), confEntry, *ivEntry)
	pt, err := p.Overlay(full, sess, ct)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if string(pt) != string(payload) {
		t.Fatalf("Overlay round trip mismatch: got %q want %q", pt, payload)
	}
}

func TestOverlayRejectsIVWithoutConfidentiality(t *testing.T) {
	p := newTestPipeline()
	sess := NewSession()
	m := meta.Collection{{Kind: meta.KindInitializationVector, IV: []byte("0123456789ab")}}
	if _, err := p.Overlay(m, sess, []byte("ct")); !errors.Is(err, ErrUnspecifiedReadability) {
		t.Fatalf("Overlay error = %v, want ErrUnspecifiedReadability", err)
	}
}
