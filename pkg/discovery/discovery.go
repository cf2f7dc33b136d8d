// Package discovery resolves the client endpoints of the coordination store
// (etcd) from a static list, DNS names or a file.
package discovery

import (
    "context"
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/discovery/dns"
    "github.com/amirimatin/go-shardcoord/pkg/discovery/file"
    "github.com/amirimatin/go-shardcoord/pkg/discovery/static"
)

// ErrNoEndpoints is returned when a source yields an empty list.
var ErrNoEndpoints = errors.New("discovery: no endpoints")

// Discovery returns the current endpoint list as host:port strings.
type Discovery interface {
    Endpoints(ctx context.Context) ([]string, error)
}

const (
    KindStatic = "static"
    KindDNS    = "dns"
    KindFile   = "file"
)

// Config selects and configures a source.
type Config struct {
    Kind string `yaml:"kind"`
    // Names are endpoints for static, and SRV records or host names for dns.
    Names []string `yaml:"names"`
    // Port is used for A/AAAA answers. Default 2379.
    Port int    `yaml:"port"`
    Path string `yaml:"path"`
    // Env names a variable with comma-separated endpoints that wins over Path.
    Env     string        `yaml:"env"`
    Refresh time.Duration `yaml:"refresh"`
}

// Enabled reports whether a source is configured.
func (c Config) Enabled() bool { return c.Kind != "" }

// New builds the source named by cfg.Kind.
func New(cfg Config, log *zap.Logger) (Discovery, error) {
    if log == nil { log = zap.NewNop() }
    switch cfg.Kind {
    case KindStatic:
        return static.New(cfg.Names...), nil
    case KindDNS:
        port := cfg.Port
        if port == 0 { port = 2379 }
        return dns.New(dns.Options{Names: cfg.Names, Port: port, Refresh: cfg.Refresh, Logger: log}), nil
    case KindFile:
        if cfg.Path == "" && cfg.Env == "" { return nil, errors.New("discovery: file source needs path or env") }
        return file.New(file.Options{Path: cfg.Path, Env: cfg.Env, Refresh: cfg.Refresh}), nil
    }
    return nil, fmt.Errorf("discovery: unknown kind %q", cfg.Kind)
}

// Resolve builds the source and returns its endpoints once.
func Resolve(ctx context.Context, cfg Config, log *zap.Logger) ([]string, error) {
    d, err := New(cfg, log)
    if err != nil { return nil, err }
    eps, err := d.Endpoints(ctx)
    if err != nil { return nil, err }
    if len(eps) == 0 { return nil, fmt.Errorf("%w (%s)", ErrNoEndpoints, cfg.Kind) }
    return eps, nil
}
