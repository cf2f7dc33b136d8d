package grpc

import (
    "context"
    "errors"
    "sync"
    "time"

    "go.uber.org/multierr"
    "google.golang.org/grpc"

    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
)

var ErrManagerClosed = errors.New("grpc: connection manager closed")

// Dialer opens a client connection to target.
type Dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches one client connection per peer address. Connections
// nobody holds are evicted after the idle TTL.
type ConnManager struct {
    mu      sync.Mutex
    conns   map[string]*managedConn
    ttl     time.Duration
    dial    Dialer
    closed  bool
    closing chan struct{}
}

type managedConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

func NewConnManager(ttl time.Duration, dial Dialer) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), closing: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and a release func to call when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc, ok, err := m.acquire(target); err != nil || ok {
        if ok { metrics.GRPCConnReuse.Inc() }
        return cc, func() { m.release(target) }, err
    }

    cc, err := m.dial(ctx, target)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        _ = cc.Close()
        return nil, func() {}, ErrManagerClosed
    }
    if existing, ok := m.conns[target]; ok {
        // Lost a dial race.
        _ = cc.Close()
        existing.ref++
        existing.lastUsed = time.Now()
        metrics.GRPCConnReuse.Inc()
        return existing.cc, func() { m.release(target) }, nil
    }
    m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
    metrics.GRPCConnDials.Inc()
    metrics.GRPCConnActive.Inc()
    return cc, func() { m.release(target) }, nil
}

func (m *ConnManager) acquire(target string) (*grpc.ClientConn, bool, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil, false, ErrManagerClosed }
    mc, ok := m.conns[target]
    if !ok { return nil, false, nil }
    mc.ref++
    mc.lastUsed = time.Now()
    return mc.cc, true, nil
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc, ok := m.conns[target]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = time.Now()
    }
}

// Len is the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

// Close closes every cached connection, including ones still referenced.
func (m *ConnManager) Close() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil }
    m.closed = true
    close(m.closing)
    var err error
    for k, mc := range m.conns {
        err = multierr.Append(err, mc.cc.Close())
        metrics.GRPCConnActive.Dec()
        delete(m.conns, k)
    }
    return err
}

func (m *ConnManager) janitor() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.closing:
            return
        case <-ticker.C:
            m.evictIdle(time.Now().Add(-m.ttl))
        }
    }
}

func (m *ConnManager) evictIdle(cutoff time.Time) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for addr, mc := range m.conns {
        if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
            _ = mc.cc.Close()
            metrics.GRPCConnEvictions.Inc()
            metrics.GRPCConnActive.Dec()
            delete(m.conns, addr)
        }
    }
}
