// Package certcache implements the SNI certificate cache described in
// SPEC_FULL.md's "ACME cert cache" expansion: a crypto/tls.Config.GetCertificate
// resolver backed by a TTL-evicting in-memory cache in front of a
// pluggable Repository, so a repeatedly-handshaking client does not hit
// storage on every TLS handshake. Grounded on the teacher's sqliteStore
// (sqlite_store.go) for the persistence idiom and golang-lru's expirable
// cache, already in the teacher's own dependency set.
package certcache

import (
	"crypto/tls"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Repository is the durable store behind the cache: one certificate per
// SNI hostname, as issued by an ACME client.
type Repository interface {
	Get(host string) (*tls.Certificate, error)
	Put(host string, cert *tls.Certificate) error
	Delete(host string) error
}

// ErrNotFound is returned by a Repository when no certificate is stored for
// a host.
var ErrNotFound = fmt.Errorf("certcache: certificate not found")

// ttl is how long a resolved certificate stays in the in-memory cache
// before the next handshake re-checks the repository (the 1-hour per-entry
// TTL of SPEC_FULL.md's ACME cert cache section), so a certificate renewed
// in the repository is picked up within an hour without restarting.
const ttl = time.Hour

// Cache resolves certificates for TLS SNI hostnames, caching hits from repo
// for ttl.
type Cache struct {
	repo  Repository
	cache *lru.LRU[string, *tls.Certificate]
}

// New creates a Cache of at most size entries backed by repo.
func New(repo Repository, size int) *Cache {
	return &Cache{
		repo:  repo,
		cache: lru.NewLRU[string, *tls.Certificate](size, nil, ttl),
	}
}

// GetCertificate implements crypto/tls.Config.GetCertificate: look up the
// SNI hostname in the in-memory cache first, falling back to the
// repository and populating the cache on a hit.
func (c *Cache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("certcache: client did not send SNI")
	}
	if cert, ok := c.cache.Get(host); ok {
		return cert, nil
	}
	cert, err := c.repo.Get(host)
	if err != nil {
		return nil, err
	}
	c.cache.Add(host, cert)
	return cert, nil
}

// Put installs a newly issued certificate for host, in both the repository
// and the in-memory cache, so the next handshake sees it immediately.
func (c *Cache) Put(host string, cert *tls.Certificate) error {
	if err := c.repo.Put(host, cert); err != nil {
		return err
	}
	c.cache.Add(host, cert)
	return nil
}

// Invalidate drops host from the in-memory cache and the repository, for a
// revoked or expiring-soon certificate.
func (c *Cache) Invalidate(host string) error {
	c.cache.Remove(host)
	return c.repo.Delete(host)
}
