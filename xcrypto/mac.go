package xcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// macSHA256 is the teacher's mac() helper (protocol.go), unchanged: it keys
// an HMAC-SHA256 over one or more byte chunks.
func macSHA256(key []byte, chunks ...[]byte) [32]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FwdKey performs forward-secure key evolution: K_i = H(K_{i-1}), identical
// to the teacher's fwdKey (protocol.go). Used by the redo log's forward-secure
// integrity MAC chain (see redo/integrity.go), not by the trust pipeline's
// signatures.
func FwdKey(k *[32]byte) {
	h := sha256.Sum256(k[:])
	copy(k[:], h[:])
}

// Fold chains a running MAC aggregate with the next tag: H(prev‖mac),
// matching the teacher's fold() helper.
func Fold(prev, mac [32]byte) [32]byte {
	h := sha256.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(mac[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
