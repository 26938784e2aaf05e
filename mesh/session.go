package mesh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coredb/trustlog/chain"
	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/meta"
	"github.com/coredb/trustlog/trust"
	"github.com/coredb/trustlog/wire"
	"github.com/coredb/trustlog/xcrypto"
)

func nowMS() int64 { return time.Now().UnixMilli() }

// CommitError reports how an outstanding commit resolved — Aborted when the
// session disconnects before confirmation, RootError when the server
// rejected it, Timeout when no reply arrived in time (spec.md §7).
type CommitError struct {
	Kind string // "aborted" | "root-error" | "timeout"
	Msg  string
}

func (e *CommitError) Error() string { return fmt.Sprintf("mesh: commit %s: %s", e.Kind, e.Msg) }

// Config configures a client Session.
type Config struct {
	Addr         string
	Path         string
	ClientID     wire.NodeID
	RequestedEnc *wire.KeySize
	Format       wire.SerializationFormat
	Log          *zap.SugaredLogger
}

// pendingCommit is a waiter for a Confirmed/CommitError reply.
type pendingCommit struct {
	reply chan error
}

// pendingLock is a waiter for a LockResult reply.
type pendingLock struct {
	reply chan bool
}

// Session is a RecoverableSessionPipe: a reconnecting client pipe that
// forwards a local Chain's events to a root replica (spec.md §4.7).
type Session struct {
	cfg   Config
	chain *chain.Chain

	mu    sync.Mutex
	state State
	conn  net.Conn
	rw    *bufio.ReadWriter
	ek    *xcrypto.EncryptKey

	commits  map[uint64]*pendingCommit
	locks    map[string]*pendingLock
	nextID   uint64
	inbound  *trust.Conversation
	outbound *trust.Conversation

	cancel context.CancelFunc
}

// NewSession creates a client session bound to chain c. Call Run to start
// connecting; the chain's Proxy is set to this session so Chain.Feed
// forwards events here.
func NewSession(cfg Config, c *chain.Chain) *Session {
	s := &Session{
		cfg:      cfg,
		chain:    c,
		state:    Offline,
		commits:  make(map[uint64]*pendingCommit),
		locks:    make(map[string]*pendingLock),
		inbound:  trust.NewConversation(true),
		outbound: trust.NewConversation(false),
	}
	c.Proxy(s)
	return s
}

func (s *Session) logger() *zap.SugaredLogger {
	if s.cfg.Log != nil {
		return s.cfg.Log
	}
	return zap.NewNop().Sugar()
}

// Run drives the reconnection supervisor until ctx is cancelled: connect,
// run the session to completion or failure, cancel outstanding commits and
// locks, back off, and retry — spec.md §4.7 "Reconnection".
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	b := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.logger().Warnw("mesh session disconnected", "addr", s.cfg.Addr, "err", err)
		}

		s.abortOutstanding()
		s.setState(Offline)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Next()):
		}
	}
}

// Stop cancels the reconnection supervisor's context. Outstanding commits
// and locks are aborted when Run's current connection attempt returns; a
// connection blocked reading from the root keeps them pending until it ends.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(Connecting)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	s.setState(HelloExchange)
	resp, err := wire.ExchangeClient(rw, wire.HelloFromClient{
		Path:         s.cfg.Path,
		ClientID:     s.cfg.ClientID,
		RequestedEnc: s.cfg.RequestedEnc,
	}, s.cfg.Format)
	if err != nil {
		return fmt.Errorf("hello exchange: %w", err)
	}

	var ek *xcrypto.EncryptKey
	if resp.Encryption != nil {
		s.setState(Encrypted)
		derived, err := wire.KeyExchangeClient(rw, s.cfg.Format)
		if err != nil {
			return fmt.Errorf("key exchange: %w", err)
		}
		ek = &derived
	} else {
		s.setState(Plain)
	}

	s.mu.Lock()
	s.conn, s.rw, s.ek = conn, rw, ek
	s.mu.Unlock()

	s.setState(ReplayingHistory)
	return s.pumpInbox(ctx, rw)
}

// pumpInbox reads packets until ctx ends or the connection errors,
// dispatching each to the matching inbox_* handler (spec.md §4.7's packet
// list).
func (s *Session) pumpInbox(ctx context.Context, rw *bufio.ReadWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := s.readMessage(rw)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

// writeMessageLocked dispatches to the plain or AEAD-encrypted framing depending
// on whether key exchange negotiated a session key — spec.md §6's "all
// subsequent frames are AEAD-encrypted" once Encrypted is reached, applied
// here rather than left as a no-op atop a derived-but-unused key. Callers
// must hold s.mu, matching the mutual exclusion the plain-frame write path
// already required.
func (s *Session) writeMessageLocked(w *bufio.Writer, msg wire.Message) error {
	if s.ek != nil {
		return wire.WriteEncryptedFrame(w, msg, s.cfg.Format, *s.ek)
	}
	return wire.WriteFrame(w, msg, s.cfg.Format)
}

func (s *Session) readMessage(rw *bufio.ReadWriter) (wire.Message, error) {
	s.mu.Lock()
	ek := s.ek
	s.mu.Unlock()
	if ek != nil {
		return wire.ReadEncryptedFrame(rw.Reader, s.cfg.Format, *ek)
	}
	return wire.ReadFrame(rw.Reader, s.cfg.Format)
}

func (s *Session) dispatch(msg wire.Message) error {
	switch msg.Kind {
	case wire.MsgStartOfHistory:
		return s.inboxStartOfHistory(msg)
	case wire.MsgEvents:
		return s.inboxEvents(msg)
	case wire.MsgEndOfHistory:
		s.setState(Live)
		return nil
	case wire.MsgConfirmed:
		s.resolveCommit(msg.ID, nil)
		return nil
	case wire.MsgCommitError:
		s.resolveCommit(msg.ID, &CommitError{Kind: "root-error", Msg: msg.Err})
		return nil
	case wire.MsgLockResult:
		s.resolveLock(string(msg.LockKey), msg.IsLocked)
		return nil
	case wire.MsgSecuredWith:
		s.mergeSecuredWith(msg.SessionProps)
		return nil
	case wire.MsgFatalTerminate:
		return fmt.Errorf("fatal terminate: %s", msg.Reason)
	default:
		return nil
	}
}

// inboxStartOfHistory installs root keys/integrity and, if the server's
// history ends before our local tip, records a DelayedUpload marker for the
// range that must later be pushed upstream (spec.md §4.7 step 1).
func (s *Session) inboxStartOfHistory(msg wire.Message) error {
	s.chain.SetIntegrityMode(trust.IntegrityMode(msg.Mode))
	s.chain.SetRootKeys(msg.RootKeys)
	if msg.To != nil {
		localTip := nowMS()
		if *msg.To < localTip {
			s.chain.RecordDelayedUpload(*msg.To, localTip)
		}
	}
	return nil
}

func (s *Session) inboxEvents(msg wire.Message) error {
	events := make([]chain.PendingEvent, 0, len(msg.Events))
	for _, ep := range msg.Events {
		m, err := meta.Decode(ep.MetaBytes)
		if err != nil {
			return fmt.Errorf("decode replayed event metadata: %w", err)
		}
		pe := chain.PendingEvent{Meta: m, Format: event.Format(ep.Format)}
		if ep.HasData {
			pe.Payload = ep.DataBytes
		}
		events = append(events, pe)
	}
	return s.chain.ApplyReplayed(events, s.inbound)
}

// mergeSecuredWith merges server-pushed session properties into the local
// chain's trust session — a supplemented feature grounded on
// original_source's inbox_secure_with. Each property is a raw symmetric key
// keyed by a label; trustlog's only mutable per-property session state is
// the readable-key set Overlay consults, so every property that parses as a
// key is installed there and made resolvable under its derived hash.
func (s *Session) mergeSecuredWith(props map[string][]byte) {
	sess := s.chain.Session()
	if sess == nil {
		return
	}
	added := 0
	for label, raw := range props {
		ek, err := xcrypto.KeyFromBytes(raw)
		if err != nil {
			s.logger().Warnw("secured-with property is not a usable key", "label", label, "err", err)
			continue
		}
		sess.AddReadableKey(ek)
		added++
	}
	s.logger().Debugw("secured-with update merged", "properties", len(props), "keysAdded", added)
}

// Forward implements chain.Pipe: sends evt upstream as a single-event
// Events packet, waiting for confirmation per scope (spec.md §4.7 commit
// scope semantics): ScopeNone and ScopeLocal return once the packet is
// sent, ScopeOne and ScopeFull wait for the root's Confirmed or CommitError.
func (s *Session) Forward(evt event.Data, scope Scope) error {
	s.mu.Lock()
	rw := s.rw
	s.mu.Unlock()
	if rw == nil {
		return fmt.Errorf("mesh: not connected")
	}

	if scope == chain.ScopeNone || scope == chain.ScopeLocal {
		return s.sendEvents(rw, evt, nil)
	}

	id := s.nextCommitID()
	reply := make(chan error, 1)
	s.mu.Lock()
	s.commits[id] = &pendingCommit{reply: reply}
	s.mu.Unlock()

	if err := s.sendEvents(rw, evt, &id); err != nil {
		return err
	}

	return <-reply
}

// Scope is an alias so callers outside the chain package (e.g. a listener
// routing table) can name scopes without importing chain directly.
type Scope = chain.Scope

func (s *Session) sendEvents(rw *bufio.ReadWriter, evt event.Data, commitID *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := wire.EventPayload{MetaBytes: evt.MetaBytes, Format: uint8(evt.Format)}
	if evt.Payload != nil {
		payload.DataBytes = evt.Payload
		payload.HasData = true
	}
	msg := wire.Message{Kind: wire.MsgEvents, Events: []wire.EventPayload{payload}}
	if commitID != nil {
		msg.Commit = commitID
	}
	if err := s.writeMessageLocked(rw.Writer, msg); err != nil {
		return fmt.Errorf("send events: %w", err)
	}
	return rw.Flush()
}

func (s *Session) nextCommitID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Session) resolveCommit(id uint64, err error) {
	s.mu.Lock()
	p, ok := s.commits[id]
	if ok {
		delete(s.commits, id)
	}
	s.mu.Unlock()
	if ok {
		p.reply <- err
	}
}

func (s *Session) resolveLock(key string, locked bool) {
	s.mu.Lock()
	p, ok := s.locks[key]
	if ok {
		delete(s.locks, key)
	}
	s.mu.Unlock()
	if ok {
		p.reply <- locked
	}
}

// RequestLock asks the root to acquire a distributed lock on key, blocking
// until LockResult arrives or ctx is cancelled (spec.md §4.7 lock_requests).
func (s *Session) RequestLock(ctx context.Context, key []byte) (bool, error) {
	s.mu.Lock()
	rw := s.rw
	reply := make(chan bool, 1)
	s.locks[string(key)] = &pendingLock{reply: reply}
	s.mu.Unlock()

	if rw == nil {
		return false, fmt.Errorf("mesh: not connected")
	}
	s.mu.Lock()
	err := s.writeMessageLocked(rw.Writer, wire.Message{Kind: wire.MsgLockRequest, LockKey: key})
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("send lock request: %w", err)
	}
	err = rw.Flush()
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	select {
	case locked := <-reply:
		return locked, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// abortOutstanding cancels every pending commit with CommitError::Aborted
// and every pending lock (reported as not acquired), and drops the current
// connection handles. The session keeps no sniffers, so there are none to
// clear.
func (s *Session) abortOutstanding() {
	s.mu.Lock()
	commits := s.commits
	locks := s.locks
	s.commits = make(map[uint64]*pendingCommit)
	s.locks = make(map[string]*pendingLock)
	s.conn, s.rw, s.ek = nil, nil, nil
	s.mu.Unlock()

	for _, p := range commits {
		p.reply <- &CommitError{Kind: "aborted", Msg: "session disconnected"}
	}
	for _, p := range locks {
		p.reply <- false
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current reconnection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
