package wire

import "github.com/google/uuid"

// NewNodeID generates a random NodeID, used to identify a client or server
// replica at handshake time when no persistent identity has been assigned
// yet (spec.md §6).
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}
