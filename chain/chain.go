// Package chain composes the redo log, trust pipeline, and indexer into the
// Chain of spec.md §4.6, grounded on original_source/lib/src/single.rs
// (ChainSingleUser's exclusive administrative lease) and transaction.rs.
package chain

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coredb/trustlog/compact"
	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/index"
	"github.com/coredb/trustlog/meta"
	"github.com/coredb/trustlog/redo"
	"github.com/coredb/trustlog/trust"
	"github.com/coredb/trustlog/xcrypto"
)

// Pipe receives every event fed to the chain, typically a mesh session
// forwarding to an upstream root (spec.md §4.6 "proxy(pipe)").
type Pipe interface {
	Forward(evt event.Data, scope Scope) error
}

// Chain owns a redo log, a plugin set, an indexer, and the current
// integrity mode (spec.md §4.6).
type Chain struct {
	KeyName string

	log      *redo.Log
	idx      *index.Indexer
	pipeline *trust.Pipeline
	sess     *trust.Session

	leaseMu sync.Mutex // single() exclusive administrative lease

	mu            sync.Mutex // serializes Feed against itself
	upstream      Pipe
	delayedFrom   *int64
	delayedTo     *int64
	delayedDone   bool
}

// Open opens or creates the named chain's redo log under dir and replays it
// to rebuild the indexer and pipeline state (the "replay determinism"
// property of spec.md §8).
func Open(dir, name string, mode trust.IntegrityMode, sess *trust.Session) (*Chain, error) {
	log, err := redo.Open(dir, name)
	if err != nil {
		return nil, err
	}
	idx := index.New()
	pipeline := trust.NewPipeline(mode, idx)

	c := &Chain{KeyName: name, log: log, idx: idx, pipeline: pipeline, sess: sess}

	if err := redo.Visit(dir, name, func(lookup redo.Lookup, evt event.Data) error {
		m, err := evt.Meta()
		if err != nil {
			return fmt.Errorf("replay %s: %w", name, err)
		}
		c.applyLocked(m, evt.EventHash, lookup)
		return nil
	}); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Chain) applyLocked(m meta.Collection, eventHash xcrypto.Hash, lookup event.Lookup) {
	c.idx.Feed(m, eventHash, lookup, nowMS())
	c.pipeline.Feed(m)
}

func nowMS() int64 { return time.Now().UnixMilli() }

// SetIntegrityMode changes the chain's integrity mode; callers must hold
// the exclusive lease from Single().
func (c *Chain) SetIntegrityMode(mode trust.IntegrityMode) { c.pipeline.Mode = mode }

// SetRootKeys installs new root write-authorization keys, per spec.md §4.4.
func (c *Chain) SetRootKeys(pubs []ed25519.PublicKey) { c.pipeline.SetRootKeys(pubs) }

// RootPublicKeys returns the public keys currently authorized as root
// writers, used by a mesh listener to advertise them to a connecting client
// (spec.md §4.7 StartOfHistory).
func (c *Chain) RootPublicKeys() []ed25519.PublicKey { return c.pipeline.RootPublicKeys() }

// RegisterKey makes pub resolvable by its hash for signature verification
// without granting root write authorization, used when a mesh client
// receives a collaborator's key out of band.
func (c *Chain) RegisterKey(pub ed25519.PublicKey) xcrypto.Hash { return c.pipeline.RegisterKey(pub) }

// IntegrityMode returns the chain's current integrity mode.
func (c *Chain) IntegrityMode() trust.IntegrityMode { return c.pipeline.Mode }

// Session returns the chain's trust session, giving a mesh session access
// to merge server-pushed session properties (e.g. additional readable keys)
// into it.
func (c *Chain) Session() *trust.Session { return c.sess }

// Single acquires the exclusive administrative lease used by destroy,
// set_integrity, and disable_new_roots (spec.md §4.6), mirroring
// original_source's ChainSingleUser. Callers must call the returned release
// function when done.
func (c *Chain) Single() (release func()) {
	c.leaseMu.Lock()
	return c.leaseMu.Unlock
}

// Proxy installs an upstream pipe that every fed event is additionally
// forwarded to (spec.md §4.6 "proxy(pipe)") — the chain's half of a
// RecoverableSessionPipe's connection to a mesh session.
func (c *Chain) Proxy(p Pipe) { c.upstream = p }

// Feed lints, validates, appends, and indexes every event of txn, in that
// order; on any rejection no partial state persists (spec.md §4.6).
func (c *Chain) Feed(txn *Transaction, conv *trust.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	trans := trust.NewTransactionMeta()
	var built []event.Data

	for _, pe := range txn.Events {
		m := pe.Meta
		payload := pe.Payload

		if !m.IsTombstone() {
			if hint, err := c.pipeline.LintBeforeStore(m, c.sess, trans); err != nil {
				return fmt.Errorf("lint before store: %w", err)
			} else if hint.Kind == meta.KindSignWith {
				m = append(m, hint)
				if sig, ok := c.tryAutoSign(m, hint); ok {
					m = append(m, sig)
				}
			}

			ct, ivEntry, err := c.pipeline.Underlay(m, c.sess, trans, payload)
			if err != nil {
				return fmt.Errorf("underlay transform: %w", err)
			}
			payload = ct
			if ivEntry != nil {
				m = append(m, *ivEntry)
			}

			if confEntry, ok, err := c.pipeline.LintAfterStore(m, c.sess, trans); err != nil {
				return fmt.Errorf("lint after store: %w", err)
			} else if ok {
				m = append(m, confEntry)
			}
		}

		built = append(built, event.New(m, nonNilPayload(m, payload), pe.Format))
	}

	for i, evt := range built {
		m, _ := evt.Meta()
		if err := c.pipeline.Validate(evt, m, c.sess, conv, trans); err != nil {
			return fmt.Errorf("validate event %d: %w", i, err)
		}
	}

	for _, evt := range built {
		lookup, err := c.log.Append(evt)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		m, _ := evt.Meta()
		c.applyLocked(m, evt.EventHash, lookup)
	}

	switch txn.Scope {
	case ScopeLocal, ScopeOne, ScopeFull:
		if err := c.log.Sync(); err != nil {
			return fmt.Errorf("sync after feed: %w", err)
		}
	case ScopeLocalOnly:
		if err := c.log.Sync(); err != nil {
			return fmt.Errorf("sync after feed: %w", err)
		}
		return nil // never forwarded upstream
	}

	if c.upstream != nil && txn.Scope != ScopeLocalOnly {
		for _, evt := range built {
			if err := c.upstream.Forward(evt, txn.Scope); err != nil {
				return fmt.Errorf("forward to upstream: %w", err)
			}
		}
	}

	return nil
}

// ApplyReplayed appends events that already carry complete metadata —
// authorization, signatures, IV, confidentiality — produced upstream and
// received via a mesh session's history replay (spec.md §4.7
// "ReplayingHistory"). Unlike Feed, it runs no linting or transformation: the
// events are validated and stored exactly as received, never re-signed or
// re-encrypted.
func (c *Chain) ApplyReplayed(events []PendingEvent, conv *trust.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	trans := trust.NewTransactionMeta()
	built := make([]event.Data, 0, len(events))
	for _, pe := range events {
		built = append(built, event.New(pe.Meta, nonNilPayload(pe.Meta, pe.Payload), pe.Format))
	}

	for i, evt := range built {
		m, _ := evt.Meta()
		if err := c.pipeline.Validate(evt, m, c.sess, conv, trans); err != nil {
			return fmt.Errorf("validate replayed event %d: %w", i, err)
		}
	}

	for _, evt := range built {
		lookup, err := c.log.Append(evt)
		if err != nil {
			return fmt.Errorf("append replayed event: %w", err)
		}
		m, _ := evt.Meta()
		c.applyLocked(m, evt.EventHash, lookup)
	}

	return c.log.Sync()
}

func nonNilPayload(m meta.Collection, payload []byte) []byte {
	if _, hasData := m.Find(meta.KindData); !hasData {
		return nil
	}
	return payload
}

// tryAutoSign signs the hash of m (the metadata built so far, ending with
// the SignWith hint) with the first key in hint.SignWithKeys the session
// holds, producing a Signature entry. Returns false if no
// signing key is available (the validator then applies the centralized
// short-circuit or rejects).
func (c *Chain) tryAutoSign(m meta.Collection, hint meta.Entry) (meta.Entry, bool) {
	for _, kh := range hint.SignWithKeys {
		kp, ok := c.sess.SigningKeys[kh]
		if !ok {
			continue
		}
		msgHash := m.Hash()
		sig := kp.Sign(msgHash[:])
		return meta.Entry{Kind: meta.KindSignature, SigHashes: []xcrypto.Hash{kh}, Sig: sig}, true
	}
	return meta.Entry{}, false
}

// Load looks up k's primary entry, reads the raw bytes at its recorded
// (index, offset), and decrypts via the trust pipeline's overlay transform.
func (c *Chain) Load(k meta.PrimaryKey) ([]byte, error) {
	leaf, ok := c.idx.LookupPrimary(k)
	if !ok {
		return nil, fmt.Errorf("chain: key not found")
	}
	evt, err := c.readLeaf(leaf)
	if err != nil {
		return nil, fmt.Errorf("load %x: %w", k, err)
	}
	m, err := evt.Meta()
	if err != nil {
		return nil, err
	}
	return c.pipeline.Overlay(m, c.sess, evt.Payload)
}

// LoadRaw looks up k's primary entry and returns its stored metadata and
// payload exactly as persisted — still encrypted if a Confidentiality
// transform was applied — for re-transmission during mesh history replay
// (spec.md §4.7), where the receiving chain applies its own overlay rather
// than the sender's.
func (c *Chain) LoadRaw(k meta.PrimaryKey) (meta.Collection, []byte, event.Format, error) {
	leaf, ok := c.idx.LookupPrimary(k)
	if !ok {
		return nil, nil, 0, fmt.Errorf("chain: key not found")
	}
	evt, err := c.readLeaf(leaf)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load raw %x: %w", k, err)
	}
	m, err := evt.Meta()
	if err != nil {
		return nil, nil, 0, err
	}
	return m, evt.Payload, evt.Format, nil
}

// readLeaf reads leaf's record, trying the direct offset-addressed
// redo.ReadAt first (spec.md §4.1 seek(offset)) and falling back to a full
// redo.Visit scan when the recorded Lookup no longer addresses valid data —
// e.g. a Lookup captured before a Compact rewrote the log.
func (c *Chain) readLeaf(leaf event.Leaf) (event.Data, error) {
	evt, err := redo.ReadAt(c.log.Dir(), c.KeyName, leaf.Lookup)
	if err == nil && evt.EventHash == leaf.RecordHash {
		return evt, nil
	}

	var found event.Data
	var hit bool
	scanErr := redo.Visit(c.log.Dir(), c.KeyName, func(_ redo.Lookup, evt event.Data) error {
		if evt.EventHash == leaf.RecordHash {
			found, hit = evt, true
		}
		return nil
	})
	if scanErr != nil {
		return event.Data{}, scanErr
	}
	if !hit {
		return event.Data{}, fmt.Errorf("chain: record hash %x not found in log", leaf.RecordHash)
	}
	return found, nil
}

// RangeKeys returns every primary key whose leaf's UpdatedMS falls within
// [from, to), a time-bounded scan per spec.md §4.6.
func (c *Chain) RangeKeys(from, to int64) []meta.PrimaryKey {
	return c.idx.RangeKeys(from, to)
}

// RecordDelayedUpload marks a local-origin range [from, to) as pending
// upstream push, per spec.md §4.7 step 1 (StartOfHistory with `to <
// local_tip`) — original_source's record_delayed_upload.
func (c *Chain) RecordDelayedUpload(from, to int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delayedFrom, c.delayedTo = &from, &to
	c.delayedDone = false
}

// CompleteDelayedUpload marks a previously recorded delayed-upload range as
// fully re-uploaded, appending a completing DelayedUpload{complete:true}
// marker. This is a supplemented feature: spec.md §4.7 records the marker
// but does not describe its completion; original_source's
// complete_delayed_upload does. It succeeds once per RecordDelayedUpload,
// and only for the exact range recorded there.
func (c *Chain) CompleteDelayedUpload(from, to int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delayedFrom == nil || c.delayedDone || *c.delayedFrom != from || *c.delayedTo != to {
		return errors.New("chain: no matching delayed upload range to complete")
	}
	marker := event.New(meta.Collection{{Kind: meta.KindDelayedUpload, From: from, To: to, Complete: true}}, nil, event.FormatBinary)
	lookup, err := c.log.Append(marker)
	if err != nil {
		return fmt.Errorf("append delayed-upload completion: %w", err)
	}
	m, _ := marker.Meta()
	c.applyLocked(m, marker.EventHash, lookup)
	c.delayedDone = true
	return nil
}

// Compact rewrites the chain's redo log to the minimal event set the
// standard compactor set retains, then atomically promotes the rewritten
// log, per spec.md §3/§4.5 "Compaction rewrites the log... producing a new
// file and atomically replacing the old". Authorization and index state are
// rebuilt from the compacted log by replay; root keys registered on the
// trust pipeline survive the reset.
func (c *Chain) Compact() error {
	release := c.Single()
	defer release()
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []event.Data
	if err := redo.Visit(c.log.Dir(), c.KeyName, func(_ redo.Lookup, evt event.Data) error {
		all = append(all, evt)
		return nil
	}); err != nil {
		return fmt.Errorf("compact: read log for rewrite: %w", err)
	}

	newestFirst := make([]compact.Event, len(all))
	byHash := make(map[[16]byte]event.Data, len(all))
	for i, evt := range all {
		m, err := evt.Meta()
		if err != nil {
			return fmt.Errorf("compact: decode event %d: %w", i, err)
		}
		newestFirst[len(all)-1-i] = compact.Event{EventHash: evt.EventHash, Meta: m}
		byHash[evt.EventHash] = evt
	}

	kept := compact.Run(newestFirst, compact.Standard(c.idx.Parent))
	rewritten := make([]event.Data, len(kept))
	for i, evt := range kept {
		rewritten[len(kept)-1-i] = byHash[evt.EventHash]
	}

	newLog, err := redo.Rewrite(c.log.Dir(), c.KeyName, rewritten)
	if err != nil {
		return fmt.Errorf("compact: rewrite log: %w", err)
	}
	if err := c.log.Close(); err != nil {
		_ = newLog.Close()
		return fmt.Errorf("compact: close superseded log: %w", err)
	}
	c.log = newLog

	c.idx.Reset()
	c.pipeline.ResetDerivedState()
	if err := redo.Visit(c.log.Dir(), c.KeyName, func(lookup redo.Lookup, evt event.Data) error {
		m, err := evt.Meta()
		if err != nil {
			return fmt.Errorf("rebuild after compaction: %w", err)
		}
		c.applyLocked(m, evt.EventHash, lookup)
		return nil
	}); err != nil {
		return fmt.Errorf("compact: rebuild index and pipeline: %w", err)
	}
	return nil
}

// Indexer exposes the chain's indexer for read-only inspection (tests,
// diagnostics).
func (c *Chain) Indexer() *index.Indexer { return c.idx }

// Close flushes and closes the underlying redo log.
func (c *Chain) Close() error { return c.log.Close() }
