package certcache

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/asn1"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is a Repository backed by a SQLite database, adapted
// from the teacher's sqliteStore (sqlite_store.go): WAL journal mode, a
// busy timeout instead of lock contention errors, and an upsert keyed by
// the natural key (there, log index; here, SNI hostname).
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens/creates the certificate cache database at dsn.
func OpenSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS certificates (
  host      TEXT PRIMARY KEY,
  cert_der  BLOB NOT NULL,     -- leaf certificate, DER
  chain_der BLOB,              -- remaining chain certificates, concatenated DER
  key_der   BLOB NOT NULL      -- PKCS#8 private key, DER
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepository{db: db}, nil
}

// Get returns the stored certificate for host, or ErrNotFound.
func (r *SQLiteRepository) Get(host string) (*tls.Certificate, error) {
	var certDER, chainDER, keyDER []byte
	err := r.db.QueryRow(`SELECT cert_der, chain_der, key_der FROM certificates WHERE host = ?`, host).
		Scan(&certDER, &chainDER, &keyDER)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("certcache: parse private key for %s: %w", host, err)
	}

	chain := [][]byte{certDER}
	for _, der := range splitDER(chainDER) {
		chain = append(chain, der)
	}
	return &tls.Certificate{Certificate: chain, PrivateKey: key}, nil
}

// Put stores cert for host, replacing any existing entry.
func (r *SQLiteRepository) Put(host string, cert *tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return fmt.Errorf("certcache: certificate has no leaf")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("certcache: marshal private key for %s: %w", host, err)
	}
	var chainDER []byte
	for _, der := range cert.Certificate[1:] {
		chainDER = append(chainDER, der...)
	}
	_, err = r.db.Exec(
		`INSERT INTO certificates(host, cert_der, chain_der, key_der) VALUES(?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET cert_der=excluded.cert_der, chain_der=excluded.chain_der, key_der=excluded.key_der`,
		host, cert.Certificate[0], chainDER, keyDER)
	return err
}

// Delete removes host's stored certificate, if any.
func (r *SQLiteRepository) Delete(host string) error {
	_, err := r.db.Exec(`DELETE FROM certificates WHERE host = ?`, host)
	return err
}

// Close closes the underlying database handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

// splitDER recovers individual certificate DER encodings from a
// concatenation of them, by walking ASN.1 SEQUENCE boundaries (each X.509
// certificate is one top-level SEQUENCE).
func splitDER(concatenated []byte) [][]byte {
	var out [][]byte
	rest := concatenated
	for len(rest) > 0 {
		var raw asn1.RawValue
		tail, err := asn1.Unmarshal(rest, &raw)
		if err != nil {
			return out
		}
		out = append(out, rest[:len(rest)-len(tail)])
		rest = tail
	}
	return out
}
