// Package etcdstore implements store.Client on top of etcd v3. A session is a
// concurrency.Session lease, ephemeral nodes are keys bound to that lease and
// sequence numbers come from a per-parent counter key advanced in the same
// transaction that creates the child.
package etcdstore

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "go.etcd.io/etcd/api/v3/mvccpb"
    clientv3 "go.etcd.io/etcd/client/v3"
    "go.etcd.io/etcd/client/v3/concurrency"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// Options configure a Client.
type Options struct {
    // Prefix namespaces every key. Default "/shardcoord".
    Prefix string
    // SessionTTL is the lease TTL, rounded up to whole seconds. Default 10s.
    SessionTTL time.Duration
    Logger     *zap.Logger
}

func (o *Options) setDefaults() {
    if o.Prefix == "" { o.Prefix = "/shardcoord" }
    o.Prefix = strings.TrimRight(o.Prefix, "/")
    if o.SessionTTL <= 0 { o.SessionTTL = 10 * time.Second }
    if o.Logger == nil { o.Logger = zap.NewNop() }
}

// record is the value stored under a node key. The version lives in etcd.
type record struct {
    Data      []byte    `json:"data,omitempty"`
    Ephemeral bool      `json:"ephemeral,omitempty"`
    Owner     string    `json:"owner,omitempty"`
    Ctime     time.Time `json:"ctime"`
    Mtime     time.Time `json:"mtime"`
}

// Client is one store session over a shared etcd client.
type Client struct {
    cli    *clientv3.Client
    sess   *concurrency.Session
    opts   Options
    log    *zap.Logger
    id     store.SessionID
    done   chan struct{}
    ctx    context.Context
    cancel context.CancelFunc

    closing atomic.Bool
    mu      sync.Mutex
    state   store.SessionState
}

var _ store.Client = (*Client)(nil)
var _ store.Session = (*Client)(nil)

// Connect opens a lease-backed session on cli. The etcd client itself is
// owned by the caller.
func Connect(ctx context.Context, cli *clientv3.Client, opts Options) (*Client, error) {
    opts.setDefaults()
    ttl := int((opts.SessionTTL + time.Second - 1) / time.Second)
    if err := ctx.Err(); err != nil { return nil, err }
    // the session outlives ctx; its keepalive stops on Close or lease loss
    sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
    if err != nil { return nil, fmt.Errorf("etcdstore: open session: %w", err) }
    id := store.SessionID(strconv.FormatInt(int64(sess.Lease()), 16))
    wctx, cancel := context.WithCancel(context.Background())
    c := &Client{
        cli: cli, sess: sess, opts: opts, id: id,
        log:  opts.Logger.Named("etcdstore").With(zap.String("session", string(id))),
        done: make(chan struct{}), ctx: wctx, cancel: cancel,
        state: store.StateConnected,
    }
    go c.monitor()
    return c, nil
}

func (c *Client) monitor() {
    <-c.sess.Done()
    state := store.StateExpired
    if c.closing.Load() { state = store.StateClosed }
    c.mu.Lock()
    c.state = state
    c.mu.Unlock()
    c.log.Info("session ended", zap.String("state", string(state)))
    close(c.done)
}

func (c *Client) ID() store.SessionID    { return c.id }
func (c *Client) Done() <-chan struct{}  { return c.done }
func (c *Client) Session() store.Session { return c }

func (c *Client) State() store.SessionState {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.state
}

// Close revokes the session lease, deleting every ephemeral node it owns.
func (c *Client) Close() error {
    if c.State() != store.StateConnected { return nil }
    c.closing.Store(true)
    err := c.sess.Close()
    <-c.done
    c.cancel()
    return err
}

// Expire revokes the lease without marking the session closed, the way the
// etcd server would after missed keepalives.
func (c *Client) Expire(ctx context.Context) error {
    _, err := c.cli.Revoke(ctx, c.sess.Lease())
    if err != nil { return err }
    select {
    case <-c.done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
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

// key layout: <prefix>/n/<depth><path> for nodes so that the direct children
// of a node share one range prefix; <prefix>/c<path> for the child counter.

func depth(p string) int {
    if p == "/" { return 0 }
    return strings.Count(p, "/")
}

func (c *Client) nodeKey(p string) string {
    return fmt.Sprintf("%s/n/%03d%s", c.opts.Prefix, depth(p), p)
}

func (c *Client) childPrefix(p string) string {
    base := p + "/"
    if p == "/" { base = "/" }
    return fmt.Sprintf("%s/n/%03d%s", c.opts.Prefix, depth(p)+1, base)
}

func (c *Client) counterKey(p string) string { return c.opts.Prefix + "/c" + p }

func decode(kv *mvccpb.KeyValue) (record, error) {
    var r record
    err := json.Unmarshal(kv.Value, &r)
    return r, err
}

func (c *Client) counter(ctx context.Context, p string) (int64, int64, error) {
    resp, err := c.cli.Get(ctx, c.counterKey(p))
    if err != nil { return 0, 0, err }
    if len(resp.Kvs) == 0 { return 0, 0, nil }
    n, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
    if err != nil { return 0, 0, err }
    return n, resp.Kvs[0].ModRevision, nil
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode store.Mode) (string, error) {
    if err := c.check(ctx); err != nil { return "", err }
    if err := store.ValidatePath(p); err != nil { return "", err }
    if p == "/" { return "", store.ErrNodeExists }
    parent := store.Parent(p)
    for {
        var cmps []clientv3.Cmp
        if parent != "/" {
            resp, err := c.cli.Get(ctx, c.nodeKey(parent))
            if err != nil { return "", err }
            if len(resp.Kvs) == 0 { return "", store.ErrNoParent }
            pr, err := decode(resp.Kvs[0])
            if err != nil { return "", err }
            if pr.Ephemeral { return "", store.ErrNoChildrenForEphemerals }
            cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(c.nodeKey(parent)), "=", resp.Kvs[0].ModRevision))
        }
        seq, rev, err := c.counter(ctx, parent)
        if err != nil { return "", err }
        actual := p
        if mode.IsSequential() { actual = p + store.FormatSequence(seq) }
        now := time.Now().UTC()
        rec := record{Data: data, Ephemeral: mode.IsEphemeral(), Ctime: now, Mtime: now}
        putOpts := []clientv3.OpOption{}
        if rec.Ephemeral {
            rec.Owner = string(c.id)
            putOpts = append(putOpts, clientv3.WithLease(c.sess.Lease()))
        }
        val, err := json.Marshal(rec)
        if err != nil { return "", err }
        key := c.nodeKey(actual)
        cmps = append(cmps,
            clientv3.Compare(clientv3.ModRevision(c.counterKey(parent)), "=", rev),
            clientv3.Compare(clientv3.Version(key), "=", 0),
        )
        resp, err := c.cli.Txn(ctx).If(cmps...).Then(
            clientv3.OpPut(c.counterKey(parent), strconv.FormatInt(seq+1, 10)),
            clientv3.OpPut(key, string(val), putOpts...),
        ).Else(clientv3.OpGet(key, clientv3.WithCountOnly())).Commit()
        if err != nil { return "", err }
        if resp.Succeeded { return actual, nil }
        if !mode.IsSequential() && resp.Responses[0].GetResponseRange().Count > 0 {
            return "", store.ErrNodeExists
        }
        if err := c.check(ctx); err != nil { return "", err }
    }
}

func (c *Client) Set(ctx context.Context, p string, data []byte, version int64) (*store.Stat, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    key := c.nodeKey(p)
    for {
        resp, err := c.cli.Get(ctx, key)
        if err != nil { return nil, err }
        if len(resp.Kvs) == 0 { return nil, store.ErrNoNode }
        kv := resp.Kvs[0]
        if version != store.AnyVersion && kv.Version-1 != version { return nil, store.ErrBadVersion }
        rec, err := decode(kv)
        if err != nil { return nil, err }
        rec.Data = data
        rec.Mtime = time.Now().UTC()
        val, err := json.Marshal(rec)
        if err != nil { return nil, err }
        tx, err := c.cli.Txn(ctx).
            If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
            Then(clientv3.OpPut(key, string(val), clientv3.WithIgnoreLease()), clientv3.OpGet(key)).
            Commit()
        if err != nil { return nil, err }
        if tx.Succeeded {
            kvs := tx.Responses[1].GetResponseRange().Kvs
            if len(kvs) == 0 { return nil, store.ErrNoNode }
            return c.stat(ctx, p, kvs[0], rec)
        }
    }
}

func (c *Client) Delete(ctx context.Context, p string, version int64) error {
    if err := c.check(ctx); err != nil { return err }
    if p == "/" { return store.ErrBadPath }
    key := c.nodeKey(p)
    parent := store.Parent(p)
    for {
        resp, err := c.cli.Get(ctx, key)
        if err != nil { return err }
        if len(resp.Kvs) == 0 { return store.ErrNoNode }
        kv := resp.Kvs[0]
        if version != store.AnyVersion && kv.Version-1 != version { return store.ErrBadVersion }
        kids, err := c.cli.Get(ctx, c.childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
        if err != nil { return err }
        if kids.Count > 0 { return store.ErrNotEmpty }
        _, ownRev, err := c.counter(ctx, p)
        if err != nil { return err }
        seq, parentRev, err := c.counter(ctx, parent)
        if err != nil { return err }
        tx, err := c.cli.Txn(ctx).If(
            clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision),
            clientv3.Compare(clientv3.ModRevision(c.counterKey(p)), "=", ownRev),
            clientv3.Compare(clientv3.ModRevision(c.counterKey(parent)), "=", parentRev),
        ).Then(
            clientv3.OpDelete(key),
            clientv3.OpDelete(c.counterKey(p)),
            clientv3.OpPut(c.counterKey(parent), strconv.FormatInt(seq+1, 10)),
        ).Commit()
        if err != nil { return err }
        if tx.Succeeded { return nil }
    }
}

func (c *Client) stat(ctx context.Context, p string, kv *mvccpb.KeyValue, rec record) (*store.Stat, error) {
    kids, err := c.cli.Get(ctx, c.childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
    if err != nil { return nil, err }
    return &store.Stat{
        Version:     kv.Version - 1,
        CreateSeq:   kv.CreateRevision,
        Ephemeral:   rec.Ephemeral,
        Owner:       store.SessionID(rec.Owner),
        Ctime:       rec.Ctime,
        Mtime:       rec.Mtime,
        NumChildren: int(kids.Count),
    }, nil
}

// read returns the node at p (nil when absent) and the revision it was read at.
func (c *Client) read(ctx context.Context, p string) (*store.Node, int64, error) {
    if p == "/" {
        resp, err := c.cli.Get(ctx, c.childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
        if err != nil { return nil, 0, err }
        return &store.Node{Path: p, Stat: store.Stat{NumChildren: int(resp.Count)}}, resp.Header.Revision, nil
    }
    resp, err := c.cli.Get(ctx, c.nodeKey(p))
    if err != nil { return nil, 0, err }
    if len(resp.Kvs) == 0 { return nil, resp.Header.Revision, nil }
    rec, err := decode(resp.Kvs[0])
    if err != nil { return nil, 0, err }
    st, err := c.stat(ctx, p, resp.Kvs[0], rec)
    if err != nil { return nil, 0, err }
    return &store.Node{Path: p, Data: rec.Data, Stat: *st}, resp.Header.Revision, nil
}

func (c *Client) Get(ctx context.Context, p string) (*store.Node, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    n, _, err := c.read(ctx, p)
    if err != nil { return nil, err }
    if n == nil { return nil, store.ErrNoNode }
    return n, nil
}

func (c *Client) GetW(ctx context.Context, p string) (*store.Node, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    n, rev, err := c.read(ctx, p)
    if err != nil { return nil, nil, err }
    if n == nil { return nil, nil, store.ErrNoNode }
    return n, c.watchNode(p, rev), nil
}

func (c *Client) Exists(ctx context.Context, p string) (*store.Stat, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    n, _, err := c.read(ctx, p)
    if err != nil || n == nil { return nil, err }
    return &n.Stat, nil
}

func (c *Client) ExistsW(ctx context.Context, p string) (*store.Stat, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    n, rev, err := c.read(ctx, p)
    if err != nil { return nil, nil, err }
    ch := c.watchNode(p, rev)
    if n == nil { return nil, ch, nil }
    return &n.Stat, ch, nil
}

func (c *Client) children(ctx context.Context, p string) ([]string, int64, error) {
    if p != "/" {
        resp, err := c.cli.Get(ctx, c.nodeKey(p), clientv3.WithCountOnly())
        if err != nil { return nil, 0, err }
        if resp.Count == 0 { return nil, 0, store.ErrNoNode }
    }
    prefix := c.childPrefix(p)
    resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
    if err != nil { return nil, 0, err }
    out := make([]string, 0, len(resp.Kvs))
    for _, kv := range resp.Kvs {
        out = append(out, strings.TrimPrefix(string(kv.Key), prefix))
    }
    sort.Strings(out)
    return out, resp.Header.Revision, nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
    if err := c.check(ctx); err != nil { return nil, err }
    kids, _, err := c.children(ctx, p)
    return kids, err
}

func (c *Client) ChildrenW(ctx context.Context, p string) ([]string, <-chan store.Event, error) {
    if err := c.check(ctx); err != nil { return nil, nil, err }
    kids, rev, err := c.children(ctx, p)
    if err != nil { return nil, nil, err }
    return kids, c.watchChildren(p, rev), nil
}

// watchNode delivers the first change of p after rev, or the session's end.
func (c *Client) watchNode(p string, rev int64) <-chan store.Event {
    out := make(chan store.Event, 1)
    wctx, cancel := context.WithCancel(c.ctx)
    wch := c.cli.Watch(clientv3.WithRequireLeader(wctx), c.nodeKey(p), clientv3.WithRev(rev+1))
    go func() {
        defer cancel()
        out <- c.await(p, wch, nil, func(ev *clientv3.Event) (store.EventType, bool) {
            switch {
            case ev.Type == clientv3.EventTypeDelete:
                return store.EventDeleted, true
            case ev.IsCreate():
                return store.EventCreated, true
            default:
                return store.EventDataChanged, true
            }
        })
    }()
    return out
}

// watchChildren delivers the first child create/delete under p, or the
// deletion of p itself, after rev.
func (c *Client) watchChildren(p string, rev int64) <-chan store.Event {
    out := make(chan store.Event, 1)
    wctx, cancel := context.WithCancel(c.ctx)
    kids := c.cli.Watch(clientv3.WithRequireLeader(wctx), c.childPrefix(p), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
    var self clientv3.WatchChan
    if p != "/" {
        self = c.cli.Watch(clientv3.WithRequireLeader(wctx), c.nodeKey(p), clientv3.WithRev(rev+1), clientv3.WithFilterPut())
    }
    go func() {
        defer cancel()
        out <- c.await(p, kids, self, func(ev *clientv3.Event) (store.EventType, bool) {
            if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() { return store.EventChildrenChanged, true }
            return "", false
        })
    }()
    return out
}

func (c *Client) await(p string, primary, self clientv3.WatchChan, classify func(*clientv3.Event) (store.EventType, bool)) store.Event {
    for {
        select {
        case <-c.done:
            return store.Event{Type: store.EventNone, State: c.State(), Path: p}
        case resp, ok := <-self:
            if !ok || resp.Err() != nil { return c.broken(p, resp.Err()) }
            if len(resp.Events) > 0 { return store.Event{Type: store.EventDeleted, State: store.StateConnected, Path: p} }
        case resp, ok := <-primary:
            if !ok || resp.Err() != nil { return c.broken(p, resp.Err()) }
            for _, ev := range resp.Events {
                if t, hit := classify(ev); hit {
                    return store.Event{Type: t, State: store.StateConnected, Path: p}
                }
            }
        }
    }
}

func (c *Client) broken(p string, err error) store.Event {
    select {
    case <-c.done:
        return store.Event{Type: store.EventNone, State: c.State(), Path: p}
    default:
    }
    if err != nil && !errors.Is(err, context.Canceled) {
        c.log.Warn("watch broken", zap.String("path", p), zap.Error(err))
    }
    return store.Event{Type: store.EventNone, State: store.StateDisconnected, Path: p}
}
