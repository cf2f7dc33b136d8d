package shardhandler

import (
    "context"
    "crypto/tls"
    "fmt"
    "net"
    "net/http"
    "time"

    "go.uber.org/multierr"
    "go.uber.org/zap"
    "golang.org/x/sync/semaphore"

    grpctransport "github.com/amirimatin/go-shardcoord/pkg/transport/grpc"
)

// Resources is the shared outbound resource layer of a node.
type Resources struct {
    cfg       Config
    log       *zap.Logger
    transport *http.Transport
    httpc     *http.Client
    peers     *grpctransport.Client
    update    *Executor
    recovery  *Executor
}

type Option func(*options)

type options struct {
    log        *zap.Logger
    tls        *tls.Config
    grpcOpts   []grpctransport.ClientOption
    retryDelay time.Duration
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithTLS configures both the HTTP and the gRPC clients.
func WithTLS(cfg *tls.Config) Option { return func(o *options) { o.tls = cfg } }

// WithGRPCOptions passes extra options to the peer gRPC client.
func WithGRPCOptions(opts ...grpctransport.ClientOption) Option {
    return func(o *options) { o.grpcOpts = append(o.grpcOpts, opts...) }
}

// WithRetryDelay sets the first retry delay of the HTTP client (default 100ms).
func WithRetryDelay(d time.Duration) Option { return func(o *options) { o.retryDelay = d } }

func New(cfg Config, opts ...Option) (*Resources, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    cfg.setDefaults()
    o := options{retryDelay: 100 * time.Millisecond}
    for _, fn := range opts { fn(&o) }
    if o.log == nil { o.log = zap.NewNop() }
    log := o.log.Named("shardhandler")

    tr := &http.Transport{
        Proxy:                 http.ProxyFromEnvironment,
        DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
        MaxIdleConns:          cfg.MaxConnections,
        MaxConnsPerHost:       cfg.MaxConnectionsPerHost,
        MaxIdleConnsPerHost:   cfg.MaxConnectionsPerHost,
        IdleConnTimeout:       90 * time.Second,
        ResponseHeaderTimeout: cfg.SocketTimeout,
        TLSHandshakeTimeout:   cfg.ConnectTimeout,
        TLSClientConfig:       o.tls,
    }
    var rt http.RoundTripper = &boundedTransport{next: tr, sem: semaphore.NewWeighted(int64(cfg.MaxConnections))}
    if cfg.RetryEnabled && cfg.RetryMax > 0 {
        rt = &retryTransport{next: rt, max: cfg.RetryMax, initial: o.retryDelay, maxDelay: 2 * time.Second}
    }

    gopts := append([]grpctransport.ClientOption(nil), o.grpcOpts...)
    if o.tls != nil { gopts = append(gopts, grpctransport.WithTLS(o.tls)) }

    r := &Resources{
        cfg:       cfg,
        log:       log,
        transport: tr,
        httpc:     &http.Client{Transport: rt},
        peers:     grpctransport.NewClient(cfg.PeerRPCTimeout, gopts...),
        update:    NewExecutor("update", cfg.UpdatePoolSize, true, log),
        recovery:  NewExecutor("recovery", cfg.RecoveryPoolSize, false, log),
    }
    log.Info("resources ready",
        zap.Int("maxConnections", cfg.MaxConnections),
        zap.Int("maxConnectionsPerHost", cfg.MaxConnectionsPerHost),
        zap.Bool("retry", cfg.RetryEnabled))
    return r, nil
}

func (r *Resources) Config() Config { return r.cfg }
func (r *Resources) HTTPClient() *http.Client { return r.httpc }
func (r *Resources) Peers() *grpctransport.Client { return r.peers }
func (r *Resources) UpdateExecutor() *Executor { return r.update }
func (r *Resources) RecoveryExecutor() *Executor { return r.recovery }

// Close interrupts the update pool, drains the recovery pool, then releases
// the HTTP and gRPC connections. Every step runs even when an earlier one
// fails or panics; the errors are combined.
func (r *Resources) Close(ctx context.Context) error {
    steps := []struct {
        name string
        fn   func(context.Context) error
    }{
        {"update pool", r.update.Shutdown},
        {"recovery pool", r.recovery.Shutdown},
        {"http connections", func(context.Context) error { r.transport.CloseIdleConnections(); return nil }},
        {"grpc connections", func(context.Context) error { return r.peers.Close() }},
    }
    var err error
    for _, s := range steps {
        if e := isolate(ctx, s.fn); e != nil {
            r.log.Warn("shutdown step failed", zap.String("step", s.name), zap.Error(e))
            err = multierr.Append(err, fmt.Errorf("%s: %w", s.name, e))
        }
    }
    return err
}

func isolate(ctx context.Context, fn func(context.Context) error) (err error) {
    defer func() {
        if p := recover(); p != nil { err = fmt.Errorf("panic: %v", p) }
    }()
    return fn(ctx)
}
