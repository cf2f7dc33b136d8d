// Package memstore is an in-process store backend: one Server holds the tree,
// each Connect opens an independent session. It is used by single-node
// deployments and by tests that need to crash or partition participants
// (Client.Expire).
package memstore

import (
    "context"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

// Server owns the shared tree. Mutations and watch registration are
// serialized by mu so a read-then-watch can never miss an event.
type Server struct {
    mu      sync.Mutex
    tree    *tree.Tree
    watches *tree.Watches
    clients map[store.SessionID]*Client
    now     func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithClock overrides the time source stamped on mutations.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func NewServer(opts ...Option) *Server {
    s := &Server{tree: tree.New(), watches: tree.NewWatches(), clients: make(map[store.SessionID]*Client), now: time.Now}
    for _, o := range opts { o(s) }
    return s
}

// Connect opens a new session.
func (s *Server) Connect() *Client {
    id := store.SessionID(uuid.NewString())
    c := &Client{srv: s, id: id, done: make(chan struct{}), state: store.StateConnected}
    s.mu.Lock()
    s.tree.Apply(tree.Op{Kind: tree.OpOpenSession, Session: id, Now: s.now()})
    s.clients[id] = c
    s.mu.Unlock()
    return c
}

// Tree exposes the underlying tree for inspection in tests.
func (s *Server) Tree() *tree.Tree { return s.tree }

func (s *Server) apply(op tree.Op) (tree.Result, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    op.Now = s.now()
    res, evs := s.tree.Apply(op)
    s.watches.Trigger(evs)
    return res, res.Error()
}

func (s *Server) endSession(c *Client, state store.SessionState) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if _, ok := s.clients[c.id]; !ok { return }
    delete(s.clients, c.id)
    _, evs := s.tree.Apply(tree.Op{Kind: tree.OpCloseSession, Session: c.id, Now: s.now()})
    c.end(state)
    s.watches.ExpireOwner(c.id, state)
    s.watches.Trigger(evs)
}

// Client is a session-bound handle implementing store.Client.
type Client struct {
    srv   *Server
    id    store.SessionID
    mu    sync.Mutex
    done  chan struct{}
    state store.SessionState
}

var _ store.Client = (*Client)(nil)
var _ store.Session = (*Client)(nil)

func (c *Client) ID() store.SessionID   { return c.id }
func (c *Client) Done() <-chan struct{} { return c.done }

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
}

func (c *Client) Session() store.Session { return c }

// Expire ends the session as if the process had crashed or been partitioned
// past its timeout: ephemeral nodes vanish and pending watches fire with
// state expired.
func (c *Client) Expire() { c.srv.endSession(c, store.StateExpired) }

// Close ends the session normally.
func (c *Client) Close() error {
    c.srv.endSession(c, store.StateClosed)
    return nil
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

func (c *Client) Create(ctx context.Context, p string, data []byte, mode store.Mode) (string, error) {
    if err := c.check(ctx); err != nil { return "", err }
    res, err := c.srv.apply(tree.Op{Kind: tree.OpCreate, Path: p, Data: data, Mode: mode, Session: c.id})
    return res.Path, err
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int64) (*store.Stat, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    res, err := c.srv.apply(tree.Op{Kind: tree.OpSet, Path: p, Data: data, Version: version})
    return res.Stat, err
}

func (c *Client) Delete(ctx context.Context, p string, version int64) error {
    if err := c.check(ctx); err != nil { return err }
    _, err := c.srv.apply(tree.Op{Kind: tree.OpDelete, Path: p, Version: version})
    return err
}

func (c *Client) Get(ctx context.Context, p string) (*store.Node, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    return c.srv.tree.Get(p)
}

func (c *Client) GetW(ctx context.Context, p string) (*store.Node, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    c.srv.mu.Lock()
    defer c.srv.mu.Unlock()
    n, err := c.srv.tree.Get(p)
    if err != nil { return nil, nil, err }
    return n, c.srv.watches.AddData(p, c.id), nil
}

func (c *Client) Exists(ctx context.Context, p string) (*store.Stat, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    return c.srv.tree.Exists(p), nil
}

func (c *Client) ExistsW(ctx context.Context, p string) (*store.Stat, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    c.srv.mu.Lock()
    defer c.srv.mu.Unlock()
    return c.srv.tree.Exists(p), c.srv.watches.AddData(p, c.id), nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    return c.srv.tree.Children(p)
}

func (c *Client) ChildrenW(ctx context.Context, p string) ([]string, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    c.srv.mu.Lock()
    defer c.srv.mu.Unlock()
    kids, err := c.srv.tree.Children(p)
    if err != nil { return nil, nil, err }
    return kids, c.srv.watches.AddChild(p, c.id), nil
}
