package certcache

import (
	"crypto/tls"
	"testing"
)

type memRepo struct {
	certs map[string]*tls.Certificate
	gets  int
}

func newMemRepo() *memRepo { return &memRepo{certs: make(map[string]*tls.Certificate)} }

func (r *memRepo) Get(host string) (*tls.Certificate, error) {
	r.gets++
	c, ok := r.certs[host]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *memRepo) Put(host string, cert *tls.Certificate) error {
	r.certs[host] = cert
	return nil
}

func (r *memRepo) Delete(host string) error {
	delete(r.certs, host)
	return nil
}

func TestGetCertificateCachesAfterFirstLookup(t *testing.T) {
	repo := newMemRepo()
	cert := &tls.Certificate{Certificate: [][]byte{[]byte("leaf")}}
	repo.certs["example.com"] = cert

	c := New(repo, 16)
	got, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got != cert {
		t.Fatalf("GetCertificate returned a different certificate than stored")
	}
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"}); err != nil {
		t.Fatalf("second GetCertificate: %v", err)
	}
	if repo.gets != 1 {
		t.Fatalf("repo.Get called %d times, want 1 (second lookup should hit the cache)", repo.gets)
	}
}

func TestGetCertificateRejectsMissingSNI(t *testing.T) {
	c := New(newMemRepo(), 16)
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Fatalf("GetCertificate with empty ServerName should error")
	}
}

func TestGetCertificateNotFound(t *testing.T) {
	c := New(newMemRepo(), 16)
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "missing.example.com"}); err != ErrNotFound {
		t.Fatalf("GetCertificate error = %v, want ErrNotFound", err)
	}
}

func TestPutPopulatesCacheImmediately(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, 16)
	cert := &tls.Certificate{Certificate: [][]byte{[]byte("leaf")}}
	if err := c.Put("new.example.com", cert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "new.example.com"}); err != nil {
		t.Fatalf("GetCertificate after Put: %v", err)
	}
	if repo.gets != 0 {
		t.Fatalf("repo.Get called after Put, want the in-memory cache to serve it")
	}
}

func TestInvalidateRemovesFromCacheAndRepository(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, 16)
	cert := &tls.Certificate{Certificate: [][]byte{[]byte("leaf")}}
	repo.certs["old.example.com"] = cert
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "old.example.com"}); err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}

	if err := c.Invalidate("old.example.com"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "old.example.com"}); err != ErrNotFound {
		t.Fatalf("GetCertificate after Invalidate = %v, want ErrNotFound", err)
	}
}
