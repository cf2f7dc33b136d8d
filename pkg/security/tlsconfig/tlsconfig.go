// Package tlsconfig builds the mutual-TLS configurations shared by the peer
// gRPC server, the HTTP API and their clients.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// DefaultReloadInterval is how long a loaded certificate is reused before the
// key pair is read from disk again.
const DefaultReloadInterval = 10 * time.Second

var ErrNoKeyPair = errors.New("tlsconfig: cert and key files required")

// Options defines mTLS inputs. With Enable unset every constructor returns a
// nil config, meaning plaintext.
type Options struct {
    Enable             bool   `yaml:"enable"`
    CAFile             string `yaml:"caFile"`
    CertFile           string `yaml:"certFile"`
    KeyFile            string `yaml:"keyFile"`
    ServerName         string `yaml:"serverName"`
    InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
    // Reload re-reads the key pair on handshakes so certificates can be
    // rotated on disk without a restart.
    Reload         bool          `yaml:"reload"`
    ReloadInterval time.Duration `yaml:"reloadInterval"`
}

func (o Options) Validate() error {
    if !o.Enable { return nil }
    if (o.CertFile == "") != (o.KeyFile == "") { return ErrNoKeyPair }
    return nil
}

func (o Options) pool() (*x509.CertPool, error) {
    if o.CAFile == "" { return nil, nil }
    pem, err := os.ReadFile(o.CAFile)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tlsconfig: no certificates in %s", o.CAFile) }
    return pool, nil
}

// Server returns the config for listeners. A CA file turns on client
// certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrNoKeyPair }
    pool, err := o.pool()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    r := o.reloader()
    if _, err := r.get(); err != nil { return nil, err }
    if o.Reload {
        cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() }
    } else {
        cert, _ := r.get()
        cfg.Certificates = []tls.Certificate{*cert}
    }
    return cfg, nil
}

// Client returns the config for dialers. The key pair is optional unless the
// server demands client certificates.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if err := o.Validate(); err != nil { return nil, err }
    pool, err := o.pool()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CertFile == "" { return cfg, nil }
    r := o.reloader()
    if _, err := r.get(); err != nil { return nil, err }
    if o.Reload {
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.get() }
    } else {
        cert, _ := r.get()
        cfg.Certificates = []tls.Certificate{*cert}
    }
    return cfg, nil
}

type reloader struct {
    certFile, keyFile string
    every             time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (o Options) reloader() *reloader {
    every := o.ReloadInterval
    if every <= 0 { every = DefaultReloadInterval }
    return &reloader{certFile: o.CertFile, keyFile: o.KeyFile, every: every}
}

func (r *reloader) get() (*tls.Certificate, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.cached != nil && time.Since(r.loaded) < r.every { return r.cached, nil }
    cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
    if err != nil {
        // Keep serving the previous pair while a rotation is half written.
        if r.cached != nil { return r.cached, nil }
        return nil, err
    }
    r.cached, r.loaded = &cert, time.Now()
    return r.cached, nil
}
