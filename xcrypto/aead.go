package xcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EncryptKey is a derived symmetric key usable for payload confidentiality
// (trust pipeline Transformer) or mesh wire encryption (post-handshake AEAD).
type EncryptKey struct {
	bytes     [chacha20poly1305.KeySize]byte
	ShortHash Hash // truncated fingerprint, safe to publish in Confidentiality metadata
}

// IVSize is the nonce length every Seal/Open call requires.
const IVSize = chacha20poly1305.NonceSize

// KeyFromBytes wraps externally-supplied raw key material (e.g. a
// server-pushed session property) into an EncryptKey, for callers outside
// this package that cannot otherwise populate EncryptKey's private bytes.
func KeyFromBytes(b []byte) (EncryptKey, error) {
	if len(b) != chacha20poly1305.KeySize {
		return EncryptKey{}, fmt.Errorf("xcrypto: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(b))
	}
	var ek EncryptKey
	copy(ek.bytes[:], b)
	ek.ShortHash = Sum(ek.bytes[:])
	return ek, nil
}

// DeriveKey expands secret (an ECDH shared secret, or a raw passphrase for
// ReadOption::Specific derivation) into an EncryptKey using HKDF, matching
// the §6 "server combines with its private key to derive a shared symmetric
// key" contract. info namespaces the derivation (e.g. a key-hash label for
// ReadOption::Specific, or "trustlog-mesh-wire" for the handshake).
func DeriveKey(secret, salt, info []byte) (EncryptKey, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	var ek EncryptKey
	if _, err := io.ReadFull(r, ek.bytes[:]); err != nil {
		return EncryptKey{}, fmt.Errorf("hkdf expand: %w", err)
	}
	ek.ShortHash = Sum(ek.bytes[:])
	return ek, nil
}

// NewIV generates a fresh random nonce of the AEAD's required size.
func NewIV() ([]byte, error) {
	iv := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// Seal encrypts plaintext under key with the given IV, authenticating aad.
func (ek EncryptKey) Seal(iv, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(ek.bytes[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

// Open decrypts ciphertext under key with the given IV, verifying aad.
func (ek EncryptKey) Open(iv, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(ek.bytes[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	out, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return out, nil
}
