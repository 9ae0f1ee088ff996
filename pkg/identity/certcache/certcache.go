// Package certcache implements the peer certificate cache described in the
// design's shared-resource table: write-on-first-observation, read-many,
// entries keyed by NodeId with an insert that is idempotent by certificate
// fingerprint, and an on-disk mirror
// under <data-dir>/peers/<node_id>.crt so a restarted process does not lose
// certificates it needs to verify previously-seen signatures.
package certcache

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// defaultCapacity bounds the in-memory certificate cache so a long-lived
// node that has seen many thousands of distinct peers does not grow its
// resident set without limit; the on-disk mirror under dir has no such
// bound and remains the durable record.
const defaultCapacity = 4096

// Cache is safe for concurrent use by many readers and writers (the
// underlying lru.Cache is internally synchronized).
type Cache struct {
	dir    string
	hits   *lru.Cache[identity.NodeId, *entry]
}

type entry struct {
	cert        *x509.Certificate
	fingerprint [32]byte
}

// New returns a Cache that mirrors inserts to dir (created if absent),
// keeping at most defaultCapacity certificates resident in memory with
// least-recently-used eviction; a cache miss falls back to the disk mirror
// seeded at startup below.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "create peer cert dir", err)
	}
	hits, err := lru.New[identity.NodeId, *entry](defaultCapacity)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "create cert lru", err)
	}
	c := &Cache{dir: dir, hits: hits}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "read peer cert dir", err)
	}
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, fi.Name()))
		if err != nil {
			continue
		}
		block, _ := pem.Decode(data)
		if block == nil {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		nodeID, err := identity.NodeIdFromCert(cert)
		if err != nil {
			continue
		}
		c.hits.Add(nodeID, &entry{cert: cert, fingerprint: sha256.Sum256(block.Bytes)})
	}
	return c, nil
}

// Get returns the cached certificate for id, if any. A miss is re-read from
// the on-disk mirror before giving up, since the entry may simply have been
// evicted from the bounded in-memory LRU rather than never having existed.
func (c *Cache) Get(id identity.NodeId) (*x509.Certificate, bool) {
	if e, ok := c.hits.Get(id); ok {
		return e.cert, true
	}
	data, err := os.ReadFile(filepath.Join(c.dir, fmt.Sprintf("%s.crt", id)))
	if err != nil {
		return nil, false
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, false
	}
	c.hits.Add(id, &entry{cert: cert, fingerprint: sha256.Sum256(block.Bytes)})
	return cert, true
}

// Insert records cert under its derived NodeId. Insert is idempotent: a
// certificate already cached with the same fingerprint is a no-op; a
// different certificate for an already-known NodeId replaces it (e.g. after
// a legitimate key rotation) but is logged by callers that care.
func (c *Cache) Insert(cert *x509.Certificate) (identity.NodeId, error) {
	nodeID, err := identity.NodeIdFromCert(cert)
	if err != nil {
		return "", err
	}
	fp := sha256.Sum256(cert.Raw)

	if e, ok := c.hits.Get(nodeID); ok && e.fingerprint == fp {
		return nodeID, nil
	}
	c.hits.Add(nodeID, &entry{cert: cert, fingerprint: fp})

	path := filepath.Join(c.dir, fmt.Sprintf("%s.crt", nodeID))
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nodeID, errkind.Wrap(errkind.CertificateInvalid, "persist peer certificate", err)
	}
	return nodeID, nil
}

// Len reports the number of certificates currently resident in memory (not
// the total ever persisted to disk, which may exceed the bounded capacity).
func (c *Cache) Len() int {
	return c.hits.Len()
}
