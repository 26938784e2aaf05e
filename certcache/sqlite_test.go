package certcache

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"
)

func selfSignedCert(t *testing.T, cn string) *tls.Certificate {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "certs.db")
	repo, err := OpenSQLiteRepository(dsn)
	if err != nil {
		t.Fatalf("OpenSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepositoryPutGetRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	cert := selfSignedCert(t, "example.com")
	if err := repo.Put("example.com", cert); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := repo.Get("example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Certificate) != 1 || string(got.Certificate[0]) != string(cert.Certificate[0]) {
		t.Fatalf("round-tripped leaf certificate mismatch")
	}
	if _, ok := got.PrivateKey.(ed25519.PrivateKey); !ok {
		t.Fatalf("round-tripped private key type = %T, want ed25519.PrivateKey", got.PrivateKey)
	}
}

func TestSQLiteRepositorySplitsChainCertificates(t *testing.T) {
	repo := openTestRepo(t)
	leaf := selfSignedCert(t, "leaf.example.com")
	intermediate := selfSignedCert(t, "intermediate.example.com")

	cert := &tls.Certificate{
		Certificate: [][]byte{leaf.Certificate[0], intermediate.Certificate[0]},
		PrivateKey:  leaf.PrivateKey,
	}
	if err := repo.Put("chained.example.com", cert); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := repo.Get("chained.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Certificate) != 2 {
		t.Fatalf("Get returned %d certificates, want 2 (leaf + intermediate)", len(got.Certificate))
	}
	if string(got.Certificate[0]) != string(leaf.Certificate[0]) {
		t.Fatalf("leaf certificate mismatch after round trip")
	}
	if string(got.Certificate[1]) != string(intermediate.Certificate[0]) {
		t.Fatalf("intermediate certificate mismatch after round trip")
	}
}

func TestSQLiteRepositoryGetMissingReturnsNotFound(t *testing.T) {
	repo := openTestRepo(t)
	if _, err := repo.Get("nothing.example.com"); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepositoryDelete(t *testing.T) {
	repo := openTestRepo(t)
	cert := selfSignedCert(t, "gone.example.com")
	if err := repo.Put("gone.example.com", cert); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := repo.Delete("gone.example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get("gone.example.com"); err != ErrNotFound {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
}
