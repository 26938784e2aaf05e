package chain

// Scope determines how far a transaction's confirmation must travel before
// Feed returns success, per spec.md §4.6/§4.7.
type Scope uint8

const (
	// ScopeNone returns after local append, no durability wait.
	ScopeNone Scope = iota
	// ScopeLocal waits for local fsync.
	ScopeLocal
	// ScopeLocalOnly waits for local fsync and is never forwarded upstream.
	ScopeLocalOnly
	// ScopeOne waits for Confirmed from any root.
	ScopeOne
	// ScopeFull waits for Confirmed from the contacted root, which itself
	// waits for quorum.
	ScopeFull
)
