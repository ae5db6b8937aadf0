package gateway

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// certCache memoizes the parsed tls.Certificate for each SSL entity id, so a
// ClientHello doesn't re-parse PEM material on every handshake. Invalidated
// wholesale on any SSLCerts change — entities are small and rotate rarely.
type certCache struct {
	mu    sync.RWMutex
	byID  map[string]*tls.Certificate
}

func newCertCache() *certCache {
	return &certCache{byID: make(map[string]*tls.Certificate)}
}

func (c *certCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]*tls.Certificate)
}

// TLSConfig returns a *tls.Config whose GetCertificate selects a
// certificate by SNI via the compiled SSLRouter, aborting the handshake
// when nothing matches.
func (g *Gateway) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			entity := g.sslRouter.MatchSNI(hello.ServerName)
			if entity == nil {
				return nil, fmt.Errorf("no SSL certificate configured for SNI %q", hello.ServerName)
			}

			g.sslCache.mu.RLock()
			cert, ok := g.sslCache.byID[entity.ID]
			g.sslCache.mu.RUnlock()
			if ok {
				return cert, nil
			}

			parsed, err := tls.X509KeyPair([]byte(entity.Cert), []byte(entity.Key))
			if err != nil {
				return nil, fmt.Errorf("parsing certificate %q: %w", entity.ID, err)
			}

			g.writeCertToDisk(entity.ID, entity.Cert, entity.Key)

			g.sslCache.mu.Lock()
			g.sslCache.byID[entity.ID] = &parsed
			g.sslCache.mu.Unlock()
			return &parsed, nil
		},
	}
}

// writeCertToDisk persists a certificate's PEM material under
// cfg.TLSCertDir so an edge Envoy instance fed by the xDS server can load
// the same material from a file path instead of inline config. Failures
// are logged and otherwise ignored — the in-memory cache is authoritative
// for this process's own TLS termination either way.
func (g *Gateway) writeCertToDisk(id, certPEM, keyPEM string) {
	if g.cfg.TLSCertDir == "" {
		return
	}
	dir := filepath.Join(g.cfg.TLSCertDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		g.log.Warn("failed to create TLS cert directory", "id", id, "dir", dir, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "tls.crt"), []byte(certPEM), 0o644); err != nil {
		g.log.Warn("failed to write TLS certificate to disk", "id", id, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "tls.key"), []byte(keyPEM), 0o600); err != nil {
		g.log.Warn("failed to write TLS key to disk", "id", id, "error", err)
	}
}
