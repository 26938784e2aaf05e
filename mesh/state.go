// Package mesh implements the mesh session client (C7) and listener server
// (C8) of spec.md §4.7/§4.8: a reconnecting pipe to a root replica with
// hello handshake, optional wire encryption, history replay, and
// automatic reconnection; grounded on
// original_source/lib/src/mesh/session.rs (MeshSession, inbox_* dispatch,
// commit/lock_requests maps, cancel_commits/cancel_locks/cancel_sniffers)
// and comms/listener.rs (Listener, accept loop, ServerProcessor).
package mesh

// State is the RecoverableSessionPipe's reconnection state machine
// (spec.md §4.7).
type State uint8

const (
	Offline State = iota
	Connecting
	HelloExchange
	Encrypted
	Plain
	ReplayingHistory
	Live
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case HelloExchange:
		return "hello-exchange"
	case Encrypted:
		return "encrypted"
	case Plain:
		return "plain"
	case ReplayingHistory:
		return "replaying-history"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}
