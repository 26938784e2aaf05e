package mesh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
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

// Route resolves a handshake path to the chain it addresses, the server's
// half of spec.md §4.8's "route table keyed by path".
type Route interface {
	Lookup(path string) (*chain.Chain, bool)
}

// RouteMap is the simplest Route: a fixed path→chain table.
type RouteMap map[string]*chain.Chain

func (m RouteMap) Lookup(path string) (*chain.Chain, bool) { c, ok := m[path]; return c, ok }

// ListenerConfig configures a server Listener.
type ListenerConfig struct {
	Addr      string
	ServerID  wire.NodeID
	Format    wire.SerializationFormat
	Encrypt   bool // offer ECDH key exchange when the client requests it
	Log       *zap.SugaredLogger
}

// Listener is the server side of the mesh: accepts connections, performs
// the hello handshake and optional key exchange, then drives a
// ServerProcessor per route (spec.md §4.8), grounded on
// original_source/lib/src/comms/listener.rs (Listener, accept loop with
// exponential backoff on accept error, per-connection ServerProcessor).
type Listener struct {
	cfg    ListenerConfig
	routes Route

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*serverConn]struct{}
}

// NewListener creates a Listener that will serve chains resolved via routes.
func NewListener(cfg ListenerConfig, routes Route) *Listener {
	return &Listener{cfg: cfg, routes: routes, sessions: make(map[*serverConn]struct{})}
}

func (l *Listener) logger() *zap.SugaredLogger {
	if l.cfg.Log != nil {
		return l.cfg.Log
	}
	return zap.NewNop().Sugar()
}

// Serve binds the listener's address and accepts connections until the
// listener is closed (Close, or a Supervisor whose context ends). Accept errors are
// retried with the shared exponential backoff rather than terminating the
// loop, per spec.md §4.8.
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	b := newBackoff()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger().Warnw("mesh accept error", "err", err)
			<-time.After(b.Next())
			continue
		}
		b.Reset()
		sc := &serverConn{listener: l, conn: conn}
		l.mu.Lock()
		l.sessions[sc] = struct{}{}
		l.mu.Unlock()
		go sc.serve()
	}
}

// Addr returns the listener's bound address, valid once Serve has started
// listening. Used by tests and callers that bind to an ephemeral port.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops accepting new connections. In-flight sessions finish on their
// own when their connection errors or the peer disconnects.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) forget(sc *serverConn) {
	l.mu.Lock()
	delete(l.sessions, sc)
	l.mu.Unlock()
}

// serverConn is one accepted connection's ServerProcessor: hello exchange,
// optional key exchange, history replay, then an inbox loop handling Events
// and LockRequest packets from that one client.
type serverConn struct {
	listener *Listener
	conn     net.Conn
	c        *chain.Chain
	conv     *trust.Conversation
	ek       *xcrypto.EncryptKey
}

// writeMessage and readMessage dispatch to the plain or AEAD-encrypted
// framing depending on whether key exchange negotiated a session key,
// mirroring the client half in mesh/session.go (spec.md §6).
func (sc *serverConn) writeMessage(w *bufio.Writer, msg wire.Message) error {
	if sc.ek != nil {
		return wire.WriteEncryptedFrame(w, msg, sc.listener.cfg.Format, *sc.ek)
	}
	return wire.WriteFrame(w, msg, sc.listener.cfg.Format)
}

func (sc *serverConn) readMessage(r *bufio.Reader) (wire.Message, error) {
	if sc.ek != nil {
		return wire.ReadEncryptedFrame(r, sc.listener.cfg.Format, *sc.ek)
	}
	return wire.ReadFrame(r, sc.listener.cfg.Format)
}

func (sc *serverConn) serve() {
	defer sc.listener.forget(sc)
	defer sc.conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(sc.conn), bufio.NewWriter(sc.conn))
	log := sc.listener.logger()

	var matchedChain *chain.Chain
	client, err := wire.ExchangeServer(rw, sc.listener.cfg.Format, func(h wire.HelloFromClient) (wire.HelloFromServer, error) {
		c, ok := sc.listener.routes.Lookup(h.Path)
		if !ok {
			return wire.HelloFromServer{}, fmt.Errorf("mesh: no route for path %q", h.Path)
		}
		matchedChain = c
		resp := wire.HelloFromServer{ServerID: sc.listener.cfg.ServerID, Format: sc.listener.cfg.Format}
		if sc.listener.cfg.Encrypt && h.RequestedEnc != nil {
			resp.Encryption = h.RequestedEnc
		}
		return resp, nil
	})
	if err != nil {
		log.Warnw("mesh hello exchange failed", "err", err)
		return
	}
	sc.c = matchedChain
	sc.conv = trust.NewConversation(false)

	if sc.listener.cfg.Encrypt && client.RequestedEnc != nil {
		derived, err := wire.KeyExchangeServer(rw, sc.listener.cfg.Format)
		if err != nil {
			log.Warnw("mesh key exchange failed", "client", client.ClientID, "err", err)
			return
		}
		sc.ek = &derived
	}

	if err := sc.sendHistory(rw); err != nil {
		log.Warnw("mesh history replay failed", "client", client.ClientID, "err", err)
		return
	}

	if err := sc.pumpInbox(rw); err != nil {
		if errors.Is(err, io.EOF) || isConnReset(err) {
			log.Debugw("mesh client disconnected", "client", client.ClientID)
		} else {
			log.Warnw("mesh session error", "client", client.ClientID, "err", err)
		}
	}
}

// sendHistory sends StartOfHistory naming the chain's root keys and
// integrity mode, replays the currently stored event of every live key as
// Events packets (superseded and tombstoned events are not sent), then
// EndOfHistory — spec.md §4.7 "ReplayingHistory".
func (sc *serverConn) sendHistory(rw *bufio.ReadWriter) error {
	start := wire.Message{
		Kind:     wire.MsgStartOfHistory,
		Mode:     uint8(sc.c.IntegrityMode()),
		RootKeys: sc.c.RootPublicKeys(),
	}
	if err := sc.writeMessage(rw.Writer, start); err != nil {
		return err
	}

	keys := sc.c.RangeKeys(0, nowMS()+1)
	for _, k := range keys {
		m, payload, format, err := sc.c.LoadRaw(k)
		if err != nil {
			continue // tombstoned or since-removed entries drop out of replay
		}
		ep := wire.EventPayload{MetaBytes: m.Bytes(), Format: uint8(format)}
		if payload != nil {
			ep.DataBytes, ep.HasData = payload, true
		}
		events := wire.Message{Kind: wire.MsgEvents, Events: []wire.EventPayload{ep}}
		if err := sc.writeMessage(rw.Writer, events); err != nil {
			return err
		}
	}

	end := wire.Message{Kind: wire.MsgEndOfHistory}
	if err := sc.writeMessage(rw.Writer, end); err != nil {
		return err
	}
	return rw.Flush()
}

func (sc *serverConn) pumpInbox(rw *bufio.ReadWriter) error {
	for {
		msg, err := sc.readMessage(rw.Reader)
		if err != nil {
			return err
		}
		if err := sc.dispatch(rw, msg); err != nil {
			return err
		}
	}
}

func (sc *serverConn) dispatch(rw *bufio.ReadWriter, msg wire.Message) error {
	switch msg.Kind {
	case wire.MsgEvents:
		return sc.handleEvents(rw, msg)
	case wire.MsgLockRequest:
		return sc.handleLockRequest(rw, msg)
	default:
		return nil
	}
}

func (sc *serverConn) handleEvents(rw *bufio.ReadWriter, msg wire.Message) error {
	events := make([]chain.PendingEvent, 0, len(msg.Events))
	for _, ep := range msg.Events {
		m, err := meta.Decode(ep.MetaBytes)
		if err != nil {
			return sc.replyCommitError(rw, msg.Commit, err)
		}
		pe := chain.PendingEvent{Meta: m, Format: event.Format(ep.Format)}
		if ep.HasData {
			pe.Payload = ep.DataBytes
		}
		events = append(events, pe)
	}

	if err := sc.c.ApplyReplayed(events, sc.conv); err != nil {
		return sc.replyCommitError(rw, msg.Commit, err)
	}

	if msg.Commit == nil {
		return nil
	}
	if err := sc.writeMessage(rw.Writer, wire.Message{Kind: wire.MsgConfirmed, ID: *msg.Commit}); err != nil {
		return err
	}
	return rw.Flush()
}

func (sc *serverConn) replyCommitError(rw *bufio.ReadWriter, commit *uint64, cause error) error {
	if commit == nil {
		return cause
	}
	if err := sc.writeMessage(rw.Writer, wire.Message{Kind: wire.MsgCommitError, ID: *commit, Err: cause.Error()}); err != nil {
		return err
	}
	return rw.Flush()
}

// locks is a process-wide distributed lock table; production deployments
// would shard this per root replica, but one mesh process serves one root
// here (spec.md §4.8 does not specify lock persistence or sharding).
var (
	locksMu sync.Mutex
	locks   = make(map[string]bool)
)

func (sc *serverConn) handleLockRequest(rw *bufio.ReadWriter, msg wire.Message) error {
	locksMu.Lock()
	key := string(msg.LockKey)
	acquired := !locks[key]
	if acquired {
		locks[key] = true
	}
	locksMu.Unlock()

	if err := sc.writeMessage(rw.Writer, wire.Message{Kind: wire.MsgLockResult, LockKey: msg.LockKey, IsLocked: acquired}); err != nil {
		return err
	}
	return rw.Flush()
}

func isConnReset(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
