package wire

import (
	"bufio"
	"net"
	"testing"

	"github.com/coredb/trustlog/xcrypto"
)

func pipeReadWriters() (*bufio.ReadWriter, *bufio.ReadWriter, func()) {
	a, b := net.Pipe()
	rwA := bufio.NewReadWriter(bufio.NewReader(a), bufio.NewWriter(a))
	rwB := bufio.NewReadWriter(bufio.NewReader(b), bufio.NewWriter(b))
	return rwA, rwB, func() { a.Close(); b.Close() }
}

func TestHelloExchange(t *testing.T) {
	client, server, closeAll := pipeReadWriters()
	defer closeAll()

	clientHello := HelloFromClient{Path: "/chains/demo", ClientID: NewNodeID()}
	serverID := NewNodeID()

	errc := make(chan error, 1)
	go func() {
		_, err := ExchangeServer(server, Binary, func(h HelloFromClient) (HelloFromServer, error) {
			if h.Path != clientHello.Path {
				t.Errorf("server saw path %q, want %q", h.Path, clientHello.Path)
			}
			return HelloFromServer{ServerID: serverID, Format: Binary}, nil
		})
		errc <- err
	}()

	resp, err := ExchangeClient(client, clientHello, Binary)
	if err != nil {
		t.Fatalf("ExchangeClient: %v", err)
	}
	if resp.ServerID != serverID {
		t.Fatalf("client got ServerID %x, want %x", resp.ServerID, serverID)
	}
	if err := <-errc; err != nil {
		t.Fatalf("ExchangeServer: %v", err)
	}
}

func TestKeyExchangeDerivesSharedKey(t *testing.T) {
	client, server, closeAll := pipeReadWriters()
	defer closeAll()

	var serverKey xcrypto.EncryptKey
	var serverErr error
	done := make(chan struct{})
	go func() {
		serverKey, serverErr = KeyExchangeServer(server, Binary)
		close(done)
	}()

	clientKey, err := KeyExchangeClient(client, Binary)
	if err != nil {
		t.Fatalf("KeyExchangeClient: %v", err)
	}
	<-done
	if serverErr != nil {
		t.Fatalf("KeyExchangeServer: %v", serverErr)
	}
	if !xcrypto.Equal(clientKey.ShortHash, serverKey.ShortHash) {
		t.Fatalf("derived keys differ: client %x server %x", clientKey.ShortHash, serverKey.ShortHash)
	}
}
