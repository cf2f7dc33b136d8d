package raftstore

import (
    "context"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

// Client is a session opened against a local Node. Reads and watches are
// served from the local FSM; writes go through the raft leader.
type Client struct {
    n       *Node
    id      store.SessionID
    mu      sync.Mutex
    state   store.SessionState
    done    chan struct{}
    closing atomic.Bool
    cancel  context.CancelFunc
}

var _ store.Client = (*Client)(nil)
var _ store.Session = (*Client)(nil)

// Connect opens a replicated session and keeps it alive until Close, Stop or
// expiry by the leader.
func (n *Node) Connect(ctx context.Context) (*Client, error) {
    id := store.SessionID(uuid.NewString())
    cl := &Client{n: n, id: id, state: store.StateConnected, done: make(chan struct{})}
    n.clients.Store(id, cl)
    if _, err := n.Apply(ctx, tree.Op{Kind: tree.OpOpenSession, Session: id, TTL: n.opts.SessionTTL}); err != nil {
        n.clients.Delete(id)
        return nil, err
    }
    kctx, cancel := context.WithCancel(context.Background())
    cl.cancel = cancel
    go cl.keepalive(kctx)
    return cl, nil
}

func (c *Client) keepalive(ctx context.Context) {
    every := c.n.opts.SessionTTL / 3
    if every < 10*time.Millisecond { every = 10 * time.Millisecond }
    t := time.NewTicker(every)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-c.done:
            return
        case <-t.C:
        }
        actx, cancel := context.WithTimeout(ctx, every)
        _, err := c.n.Apply(actx, tree.Op{Kind: tree.OpTouchSession, Session: c.id})
        cancel()
        if err != nil && ctx.Err() == nil {
            c.n.log.Debug("session keepalive failed", zap.String("session", string(c.id)), zap.Error(err))
        }
    }
}

func (c *Client) ID() store.SessionID   { return c.id }
func (c *Client) Done() <-chan struct{} { return c.done }
func (c *Client) Session() store.Session { return c }

func (c *Client) State() store.SessionState {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.state
}

func (c *Client) end(state store.SessionState) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.state != store.StateConnected { return }
    c.state = state
    close(c.done)
    if c.cancel != nil { c.cancel() }
}

// Close ends the session; its ephemeral nodes are removed cluster wide.
func (c *Client) Close() error {
    if c.State() != store.StateConnected { return nil }
    c.closing.Store(true)
    ctx, cancel := context.WithTimeout(context.Background(), c.n.opts.ApplyTimeout)
    defer cancel()
    _, err := c.n.Apply(ctx, tree.Op{Kind: tree.OpCloseSession, Session: c.id})
    // the FSM normally ends the client; make sure it is ended on failure too
    c.end(store.StateClosed)
    c.n.clients.Delete(c.id)
    return err
}

// Expire closes the session through the log the way the leader's reaper
// would, firing local watches with state expired.
func (c *Client) Expire(ctx context.Context) error {
    _, err := c.n.Apply(ctx, tree.Op{Kind: tree.OpCloseSession, Session: c.id})
    return err
}

func (c *Client) check(ctx context.Context) error {
    if err := ctx.Err(); err != nil { return err }
    switch c.State() {
    case store.StateConnected:
        return nil
    case store.StateClosed:
        return store.ErrClosed
    default:
        return store.ErrSessionExpired
    }
}

func (c *Client) apply(ctx context.Context, op tree.Op) (tree.Result, error) {
    res, err := c.n.Apply(ctx, op)
    if err != nil { return res, err }
    return res, res.Error()
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode store.Mode) (string, error) {
    if err := c.check(ctx); err != nil { return "", err }
    res, err := c.apply(ctx, tree.Op{Kind: tree.OpCreate, Path: p, Data: data, Mode: mode, Session: c.id})
    return res.Path, err
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int64) (*store.Stat, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    res, err := c.apply(ctx, tree.Op{Kind: tree.OpSet, Path: p, Data: data, Version: version})
    return res.Stat, err
}

func (c *Client) Delete(ctx context.Context, p string, version int64) error {
    if err := c.check(ctx); err != nil { return err }
    _, err := c.apply(ctx, tree.Op{Kind: tree.OpDelete, Path: p, Version: version})
    return err
}

func (c *Client) Get(ctx context.Context, p string) (*store.Node, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    return c.n.fsm.tree.Get(p)
}

func (c *Client) GetW(ctx context.Context, p string) (*store.Node, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    f := c.n.fsm
    f.mu.Lock()
    defer f.mu.Unlock()
    nd, err := f.tree.Get(p)
    if err != nil { return nil, nil, err }
    return nd, f.watches.AddData(p, c.id), nil
}

func (c *Client) Exists(ctx context.Context, p string) (*store.Stat, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    return c.n.fsm.tree.Exists(p), nil
}

func (c *Client) ExistsW(ctx context.Context, p string) (*store.Stat, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    f := c.n.fsm
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.tree.Exists(p), f.watches.AddData(p, c.id), nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    return c.n.fsm.tree.Children(p)
}

func (c *Client) ChildrenW(ctx context.Context, p string) ([]string, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    f := c.n.fsm
    f.mu.Lock()
    defer f.mu.Unlock()
    kids, err := f.tree.Children(p)
    if err != nil { return nil, nil, err }
    return kids, f.watches.AddChild(p, c.id), nil
}
