package wire

import (
	"bufio"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/coredb/trustlog/xcrypto"
)

// keyExchangePacket carries one ephemeral X25519 public key, framed like
// every other wire value per spec.md §6's "client sends an ephemeral public
// key of the agreed size" contract.
type keyExchangePacket struct {
	PublicKey []byte
}

// ExchangeClient runs the client side of the hello handshake (§6): send
// HelloFromClient, receive HelloFromServer. If the server advertises
// encryption, the caller should follow with KeyExchangeClient.
func ExchangeClient(rw *bufio.ReadWriter, hello HelloFromClient, format SerializationFormat) (HelloFromServer, error) {
	if err := writeFramed(rw.Writer, hello, format); err != nil {
		return HelloFromServer{}, fmt.Errorf("send hello: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return HelloFromServer{}, fmt.Errorf("flush hello: %w", err)
	}
	var resp HelloFromServer
	if err := readFramed(rw.Reader, format, &resp); err != nil {
		return HelloFromServer{}, fmt.Errorf("receive hello response: %w", err)
	}
	return resp, nil
}

// ExchangeServer runs the server side: receive HelloFromClient, and the
// caller supplies the response (after resolving cert size / encryption
// policy) via respond.
func ExchangeServer(rw *bufio.ReadWriter, format SerializationFormat, respond func(HelloFromClient) (HelloFromServer, error)) (HelloFromClient, error) {
	var client HelloFromClient
	if err := readFramed(rw.Reader, format, &client); err != nil {
		return HelloFromClient{}, fmt.Errorf("receive hello: %w", err)
	}
	resp, err := respond(client)
	if err != nil {
		return client, err
	}
	if err := writeFramed(rw.Writer, resp, format); err != nil {
		return client, fmt.Errorf("send hello response: %w", err)
	}
	return client, rw.Flush()
}

// KeyExchangeClient generates an ephemeral X25519 key pair, sends the
// public key, receives the server's, and derives the shared symmetric key
// via HKDF — the "client sends an ephemeral public key... server combines
// with its private key to derive a shared symmetric key" contract of
// spec.md §6.
func KeyExchangeClient(rw *bufio.ReadWriter, format SerializationFormat) (xcrypto.EncryptKey, error) {
	curve := ecdh.X25519()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	if err := writeFramed(rw.Writer, keyExchangePacket{PublicKey: priv.PublicKey().Bytes()}, format); err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("send ephemeral key: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("flush key exchange: %w", err)
	}
	var resp keyExchangePacket
	if err := readFramed(rw.Reader, format, &resp); err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("receive server ephemeral key: %w", err)
	}
	serverPub, err := curve.NewPublicKey(resp.PublicKey)
	if err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("parse server public key: %w", err)
	}
	shared, err := priv.ECDH(serverPub)
	if err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("ecdh: %w", err)
	}
	return xcrypto.DeriveKey(shared, nil, []byte("trustlog-mesh-wire"))
}

// KeyExchangeServer receives the client's ephemeral public key, generates
// its own, replies, and derives the same shared symmetric key.
func KeyExchangeServer(rw *bufio.ReadWriter, format SerializationFormat) (xcrypto.EncryptKey, error) {
	curve := ecdh.X25519()
	var req keyExchangePacket
	if err := readFramed(rw.Reader, format, &req); err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("receive client ephemeral key: %w", err)
	}
	clientPub, err := curve.NewPublicKey(req.PublicKey)
	if err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("parse client public key: %w", err)
	}
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	if err := writeFramed(rw.Writer, keyExchangePacket{PublicKey: priv.PublicKey().Bytes()}, format); err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("send ephemeral key: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("flush key exchange: %w", err)
	}
	shared, err := priv.ECDH(clientPub)
	if err != nil {
		return xcrypto.EncryptKey{}, fmt.Errorf("ecdh: %w", err)
	}
	return xcrypto.DeriveKey(shared, nil, []byte("trustlog-mesh-wire"))
}
