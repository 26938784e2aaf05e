// Package trust implements the chain-of-trust plugin pipeline of spec.md
// §4.4: authorization resolution, signature validation, metadata linting,
// and payload transformation, grounded on
// original_source/lib/src/tree.rs's TreeAuthorityPlugin (compute_auth,
// generate_encrypt_key/get_encrypt_key, validate, metadata_lint_event,
// data_as_underlay/data_as_overlay, set_root_keys).
package trust

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/index"
	"github.com/coredb/trustlog/meta"
	"github.com/coredb/trustlog/xcrypto"
)

// IntegrityMode selects whether every event must carry its own verifiable
// signature (Distributed) or whether a conversation that has already
// authenticated a writer trusts that writer transitively (Centralized).
type IntegrityMode uint8

const (
	Distributed IntegrityMode = iota
	Centralized
)

// Phase distinguishes the before-store and after-store passes of
// authorization resolution (spec.md §4.4).
type Phase uint8

const (
	BeforeStore Phase = iota
	AfterStore
)

var (
	ErrMissingParent           = errors.New("trust: missing parent")
	ErrNoSignatures            = errors.New("trust: no signatures")
	ErrDetached                = errors.New("trust: detached signature")
	ErrNoAuthorizationWrite    = errors.New("trust: no authorization to write")
	ErrNoAuthorizationOrphan   = errors.New("trust: no authorization, orphaned key")
	ErrNoAuthorizationRead     = errors.New("trust: no authorization to read")
	ErrUnspecifiedReadability  = errors.New("trust: IV present without confidentiality")
	ErrUnspecifiedWritability  = errors.New("trust: write option unspecified")
	ErrNoIvPresent             = errors.New("trust: confidentiality present without IV")
	ErrMissingReadKey          = errors.New("trust: missing read key")
)

// Conversation accumulates, per connection, the writer key hashes already
// observed and accepted — the centralized-integrity short-circuit of
// spec.md §4.4 and the GLOSSARY's "Conversation" entry. It also tracks
// whether the remote end is a root server, which alone grants transitive
// trust regardless of prior signatures.
type Conversation struct {
	IsServerPeer bool
	signatures   map[xcrypto.Hash]struct{}
}

// NewConversation creates an empty conversation context.
func NewConversation(isServerPeer bool) *Conversation {
	return &Conversation{IsServerPeer: isServerPeer, signatures: make(map[xcrypto.Hash]struct{})}
}

// Trusts reports whether h has already been accepted in this conversation.
func (c *Conversation) Trusts(h xcrypto.Hash) bool {
	_, ok := c.signatures[h]
	return ok
}

// Trust records h as an accepted writer key for the remainder of the
// conversation.
func (c *Conversation) Trust(h xcrypto.Hash) {
	c.signatures[h] = struct{}{}
}

// Session is the local signing/reading identity: the keys this party can
// sign with, and the decryption keys it can produce for resolved read
// options. Plugin linting and transformation consult it to decide which
// SignWith/Confidentiality hints it can actually act on.
type Session struct {
	SigningKeys  map[xcrypto.Hash]xcrypto.KeyPair
	ReadableKeys map[xcrypto.Hash]xcrypto.EncryptKey
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		SigningKeys:  make(map[xcrypto.Hash]xcrypto.KeyPair),
		ReadableKeys: make(map[xcrypto.Hash]xcrypto.EncryptKey),
	}
}

// AddSigningKey makes kp available for SignWith linting and signature
// production.
func (s *Session) AddSigningKey(kp xcrypto.KeyPair) { s.SigningKeys[kp.KeyHash] = kp }

// AddReadableKey makes ek available under its ShortHash for Confidentiality
// linting and payload decryption.
func (s *Session) AddReadableKey(ek xcrypto.EncryptKey) { s.ReadableKeys[ek.ShortHash] = ek }

// TransactionMeta carries pending, not-yet-committed metadata updates for
// the authorization resolution walk — original_source's
// transaction.rs::TransactionMetadata.
type TransactionMeta struct {
	Auth    map[meta.PrimaryKey]authPair
	Parents map[meta.PrimaryKey]meta.PrimaryKey
}

type authPair struct {
	Read  meta.ReadOption
	Write meta.WriteOption
}

// NewTransactionMeta creates an empty pending-metadata set.
func NewTransactionMeta() *TransactionMeta {
	return &TransactionMeta{
		Auth:    make(map[meta.PrimaryKey]authPair),
		Parents: make(map[meta.PrimaryKey]meta.PrimaryKey),
	}
}

// Pipeline is the fixed, ordered capability set applied to every event:
// Sink (authorization/parent state), Validator (accept/reject), Linter
// (extra metadata), Transformer (encrypt/decrypt). Matching spec.md §9's
// design note, this is a fixed list of plugin values rather than an
// open-world virtual-dispatch registry.
type Pipeline struct {
	Mode IntegrityMode

	auth    map[meta.PrimaryKey]authPair
	parents map[meta.PrimaryKey]meta.PrimaryKey

	rootWrite meta.WriteOption
	idx       *index.Indexer

	// keys resolves a claimed signer hash to the Ed25519 public key that
	// must back it, per spec.md §8 testable property 5 ("Validation
	// soundness"): a hash alone never authorizes anything, only a
	// signature that verifies under the key it names.
	keys map[xcrypto.Hash]ed25519.PublicKey
}

// NewPipeline creates a pipeline with no root keys set (root WriteOption
// defaults to Everyone, per spec.md §4.4 set_root_keys semantics applied to
// an empty key list).
func NewPipeline(mode IntegrityMode, idx *index.Indexer) *Pipeline {
	return &Pipeline{
		Mode:      mode,
		auth:      make(map[meta.PrimaryKey]authPair),
		parents:   make(map[meta.PrimaryKey]meta.PrimaryKey),
		rootWrite: meta.WriteOption{Kind: meta.WriteEveryone},
		idx:       idx,
		keys:      make(map[xcrypto.Hash]ed25519.PublicKey),
	}
}

// ResetDerivedState clears the authorization and parent maps accumulated via
// Feed, keeping root keys and the registered-key directory intact. Used
// after a compactor has rewritten the underlying log and the caller must
// rebuild derived state from a fresh replay (spec.md §4.5).
func (p *Pipeline) ResetDerivedState() {
	p.auth = make(map[meta.PrimaryKey]authPair)
	p.parents = make(map[meta.PrimaryKey]meta.PrimaryKey)
}

// SetRootKeys resets write authorization to Everyone then installs pubs as
// Any([hashes]), per spec.md §4.4 "Root-key management". Each key's hash is
// also registered for signature verification, mirroring original_source's
// root_keys: FxHashMap<Hash, PublicSignKey> (tree.rs).
func (p *Pipeline) SetRootKeys(pubs []ed25519.PublicKey) {
	if len(pubs) == 0 {
		p.rootWrite = meta.WriteOption{Kind: meta.WriteEveryone}
		return
	}
	hashes := make([]xcrypto.Hash, 0, len(pubs))
	for _, pub := range pubs {
		h := xcrypto.Sum(pub)
		p.keys[h] = pub
		hashes = append(hashes, h)
	}
	p.rootWrite = meta.WriteOption{Kind: meta.WriteAny, Hashes: hashes}
}

// RootPublicKeys returns the public keys currently authorized as root
// writers, in the order they resolve from the root WriteOption.
func (p *Pipeline) RootPublicKeys() []ed25519.PublicKey {
	var out []ed25519.PublicKey
	for _, h := range p.rootWrite.Vals() {
		if pub, ok := p.keys[h]; ok {
			out = append(out, pub)
		}
	}
	return out
}

// RegisterKey makes pub resolvable by its hash for signature verification
// without granting it root write authorization — used for collaborators
// whose Authorization entries name them as a Specific/Any writer.
func (p *Pipeline) RegisterKey(pub ed25519.PublicKey) xcrypto.Hash {
	h := xcrypto.Sum(pub)
	p.keys[h] = pub
	return h
}

// Feed updates the pipeline's authorization and parent state from a header
// that has already been committed to the chain (Sink.feed).
func (p *Pipeline) Feed(m meta.Collection) {
	k, hasKey := m.DataKey()
	if e, ok := m.Find(meta.KindAuthorization); ok && hasKey {
		p.auth[k] = authPair{Read: e.Read, Write: e.Write}
	}
	if e, ok := m.Find(meta.KindTree); ok && hasKey {
		p.parents[k] = e.Parent
	}
}

// resolveAuth implements spec.md §4.4 "Authorization resolution".
func (p *Pipeline) resolveAuth(m meta.Collection, trans *TransactionMeta, phase Phase) (meta.ReadOption, meta.WriteOption, error) {
	k, hasKey := m.DataKey()
	if !hasKey {
		return meta.ReadOption{Kind: meta.ReadEveryone}, p.rootWrite, nil
	}

	read, write := p.pickOwnAuth(m, trans, k, phase)

	visited := map[meta.PrimaryKey]bool{k: true}
	cur := k
	for (read.Kind == meta.ReadInherit || write.Kind == meta.WriteInherit) {
		parent, ok := p.lookupParent(trans, cur)
		if !ok {
			return read, write, fmt.Errorf("%w: key %x has no parent to inherit from", ErrMissingParent, cur)
		}
		if visited[parent] {
			return read, write, fmt.Errorf("trust: cyclic parent reference at %x", parent)
		}
		visited[parent] = true

		parentRead, parentWrite := p.lookupAuth(trans, parent)
		if read.Kind == meta.ReadInherit {
			read = parentRead
		}
		if write.Kind == meta.WriteInherit {
			write = parentWrite
		}
		cur = parent
	}

	if read.Kind == meta.ReadInherit {
		read = meta.ReadOption{Kind: meta.ReadEveryone}
	}
	if write.Kind == meta.WriteInherit {
		write = p.rootWrite
	}
	return read, write, nil
}

func (p *Pipeline) pickOwnAuth(m meta.Collection, trans *TransactionMeta, k meta.PrimaryKey, phase Phase) (meta.ReadOption, meta.WriteOption) {
	if phase == AfterStore {
		if e, ok := m.Find(meta.KindAuthorization); ok {
			return e.Read, e.Write
		}
	}
	if pair, ok := trans.Auth[k]; ok {
		return pair.Read, pair.Write
	}
	if pair, ok := p.auth[k]; ok {
		return pair.Read, pair.Write
	}
	return meta.ReadOption{Kind: meta.ReadInherit}, meta.WriteOption{Kind: meta.WriteInherit}
}

func (p *Pipeline) lookupAuth(trans *TransactionMeta, k meta.PrimaryKey) (meta.ReadOption, meta.WriteOption) {
	if pair, ok := trans.Auth[k]; ok {
		return pair.Read, pair.Write
	}
	if pair, ok := p.auth[k]; ok {
		return pair.Read, pair.Write
	}
	return meta.ReadOption{Kind: meta.ReadInherit}, meta.WriteOption{Kind: meta.WriteInherit}
}

func (p *Pipeline) lookupParent(trans *TransactionMeta, k meta.PrimaryKey) (meta.PrimaryKey, bool) {
	if parent, ok := trans.Parents[k]; ok {
		return parent, true
	}
	if parent, ok := p.parents[k]; ok {
		return parent, true
	}
	if p.idx != nil {
		if parent, ok := p.idx.Parent(k); ok {
			return parent, true
		}
	}
	return meta.PrimaryKey{}, false
}

// Validate implements spec.md §4.4 "Validation". A write-restricted event is
// only accepted once its Signature entry is checked against an Ed25519
// public key resolvable from the hash it claims — a claimed hash alone never
// suffices (spec.md §8 testable property 5).
func (p *Pipeline) Validate(d event.Data, m meta.Collection, sess *Session, conv *Conversation, trans *TransactionMeta) error {
	if d.DataHash == nil {
		return nil // no payload, nothing to authenticate
	}

	_, write, err := p.resolveAuth(m, trans, AfterStore)
	if err != nil {
		return err
	}

	if write.Kind == meta.WriteEveryone {
		return nil
	}

	sigEntry, hasSig := m.Find(meta.KindSignature)
	verified := p.verifiedHashes(m, sess, sigEntry, hasSig)

	if p.Mode == Centralized {
		if conv != nil && conv.IsServerPeer {
			return nil
		}
		if conv != nil {
			for _, h := range verified {
				if write.Contains(h) {
					conv.Trust(h)
				}
			}
			for _, h := range write.Vals() {
				if conv.Trusts(h) {
					return nil
				}
			}
		}
	}

	if !hasSig || len(verified) == 0 {
		return ErrNoSignatures
	}
	for _, h := range verified {
		if write.Contains(h) {
			return nil
		}
	}
	return ErrDetached
}

// verifiedHashes returns the subset of sigEntry.SigHashes whose claim is
// backed by an Ed25519 signature that actually verifies over the event's
// pre-signature metadata hash (signedPrefix), resolving each claimed hash to
// a known public key via the pipeline's registry or, failing that, the
// local session's own signing identities.
func (p *Pipeline) verifiedHashes(m meta.Collection, sess *Session, sigEntry meta.Entry, hasSig bool) []xcrypto.Hash {
	if !hasSig || len(sigEntry.Sig) == 0 {
		return nil
	}
	msgHash := signedPrefix(m).Hash()
	var out []xcrypto.Hash
	for _, h := range sigEntry.SigHashes {
		pub, ok := p.resolveKey(h, sess)
		if !ok {
			continue
		}
		if xcrypto.Verify(pub, msgHash[:], sigEntry.Sig) {
			out = append(out, h)
		}
	}
	return out
}

func (p *Pipeline) resolveKey(h xcrypto.Hash, sess *Session) (ed25519.PublicKey, bool) {
	if pub, ok := p.keys[h]; ok {
		return pub, true
	}
	if sess != nil {
		if kp, ok := sess.SigningKeys[h]; ok {
			return kp.Public, true
		}
	}
	return nil, false
}

// signedPrefix returns the entries that existed when the event's signature
// was produced. chain.tryAutoSign signs the collection's hash before
// appending its own Signature entry, so anything appended afterward (an
// IV or Confidentiality entry from the transformation pass) was never part
// of the signed message and must be excluded when re-deriving it.
func signedPrefix(m meta.Collection) meta.Collection {
	for i, e := range m {
		if e.Kind == meta.KindSignature {
			return m[:i]
		}
	}
	return m
}

// LintBeforeStore implements spec.md §4.4 "Linting / Before store": emits
// SignWith hints for every write key the session can sign with.
func (p *Pipeline) LintBeforeStore(m meta.Collection, sess *Session, trans *TransactionMeta) (meta.Entry, error) {
	_, write, err := p.resolveAuth(m, trans, BeforeStore)
	if err != nil {
		return meta.Entry{}, err
	}

	if write.Kind == meta.WriteEveryone {
		return meta.Entry{}, nil
	}
	if write.Kind == meta.WriteNobody {
		k, hasKey := m.DataKey()
		if hasKey {
			if _, hasParent := p.lookupParent(trans, k); !hasParent {
				return meta.Entry{}, ErrNoAuthorizationOrphan
			}
		}
		return meta.Entry{}, ErrNoAuthorizationWrite
	}

	var signable []xcrypto.Hash
	for _, h := range write.Vals() {
		if _, ok := sess.SigningKeys[h]; ok {
			signable = append(signable, h)
		}
	}
	if len(signable) == 0 {
		k, hasKey := m.DataKey()
		if hasKey {
			if _, hasParent := p.lookupParent(trans, k); !hasParent {
				return meta.Entry{}, ErrNoAuthorizationOrphan
			}
		}
		return meta.Entry{}, ErrNoAuthorizationWrite
	}
	return meta.Entry{Kind: meta.KindSignWith, SignWithKeys: signable}, nil
}

// LintAfterStore implements spec.md §4.4 "Linting / After store": emits a
// Confidentiality fingerprint if the session can produce a readable key for
// the resolved read option.
func (p *Pipeline) LintAfterStore(m meta.Collection, sess *Session, trans *TransactionMeta) (meta.Entry, bool, error) {
	read, _, err := p.resolveAuth(m, trans, AfterStore)
	if err != nil {
		return meta.Entry{}, false, err
	}
	if read.Kind != meta.ReadSpecific {
		return meta.Entry{}, false, nil
	}
	if _, ok := sess.ReadableKeys[read.KeyHash]; !ok {
		return meta.Entry{}, false, nil
	}
	return meta.Entry{Kind: meta.KindConfidentiality, ShortHash: read.KeyHash}, true, nil
}

// Underlay implements spec.md §4.4 "Transformation / underlay" (write
// path): encrypts the payload under the resolved read key, appending an
// InitializationVector entry.
func (p *Pipeline) Underlay(m meta.Collection, sess *Session, trans *TransactionMeta, payload []byte) ([]byte, *meta.Entry, error) {
	read, _, err := p.resolveAuth(m, trans, AfterStore)
	if err != nil {
		return payload, nil, err
	}
	if read.Kind != meta.ReadSpecific {
		return payload, nil, nil
	}
	ek, ok := sess.ReadableKeys[read.KeyHash]
	if !ok {
		return payload, nil, nil
	}
	iv, err := xcrypto.NewIV()
	if err != nil {
		return nil, nil, err
	}
	ct, err := ek.Seal(iv, nil, payload)
	if err != nil {
		return nil, nil, err
	}
	return ct, &meta.Entry{Kind: meta.KindInitializationVector, IV: iv}, nil
}

// Overlay implements spec.md §4.4 "Transformation / overlay" (read path):
// decrypts the payload using the session's readable keys, matching
// Confidentiality's short_hash.
func (p *Pipeline) Overlay(m meta.Collection, sess *Session, ciphertext []byte) ([]byte, error) {
	conf, hasConf := m.Find(meta.KindConfidentiality)
	iv, hasIV := m.Find(meta.KindInitializationVector)

	switch {
	case hasConf && !hasIV:
		return nil, ErrNoIvPresent
	case !hasConf && hasIV:
		return nil, ErrUnspecifiedReadability
	case !hasConf && !hasIV:
		return ciphertext, nil
	}

	ek, ok := sess.ReadableKeys[conf.ShortHash]
	if !ok {
		return nil, ErrMissingReadKey
	}
	return ek.Open(iv.IV, nil, ciphertext)
}
