package state

import (
    "context"
    "errors"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "github.com/puzpuzpuz/xsync/v4"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// Reader keeps a watched, in-memory copy of every collection document and of
// the live node set.
type Reader struct {
    c   store.Client
    log *zap.Logger

    cols *xsync.Map[string, *Collection]
    mu   sync.RWMutex
    live []string

    subs   *xsync.Map[uint64, chan struct{}]
    nextID atomic.Uint64
}

func NewReader(c store.Client, log *zap.Logger) *Reader {
    if log == nil { log = zap.NewNop() }
    return &Reader{
        c:    c,
        log:  log.Named("state"),
        cols: xsync.NewMap[string, *Collection](),
        subs: xsync.NewMap[uint64, chan struct{}](),
    }
}

// Run watches the store until ctx ends or the session expires.
func (r *Reader) Run(ctx context.Context) error {
    if err := store.MakePath(ctx, r.c, store.CollectionsPath); err != nil { return err }
    if err := store.MakePath(ctx, r.c, store.LiveNodesPath); err != nil { return err }
    g, gctx := errgroup.WithContext(ctx)
    g.Go(func() error { return r.watchLive(gctx) })
    g.Go(func() error { return r.watchCollections(gctx, g) })
    return g.Wait()
}

// Refresh reads everything once without watching.
func (r *Reader) Refresh(ctx context.Context) error {
    names, err := Names(ctx, r.c)
    if err != nil { return err }
    for _, n := range names {
        col, err := Read(ctx, r.c, n)
        if errors.Is(err, ErrNoCollection) { continue }
        if err != nil { return err }
        r.cols.Store(n, col)
    }
    live, err := r.c.Children(ctx, store.LiveNodesPath)
    if err != nil && !errors.Is(err, store.ErrNoNode) { return err }
    r.setLive(live)
    r.notify()
    return nil
}

func sessionEnded(ev store.Event) bool {
    return ev.Type == store.EventNone && (ev.State == store.StateExpired || ev.State == store.StateClosed)
}

// wait blocks for ch, treating a broken watch as a reason to re-read after a
// short pause.
func wait(ctx context.Context, ch <-chan store.Event) error {
    select {
    case <-ctx.Done():
        return ctx.Err()
    case ev := <-ch:
        if sessionEnded(ev) { return store.ErrSessionExpired }
        if ev.Type == store.EventNone {
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(100 * time.Millisecond):
            }
        }
        return nil
    }
}

func (r *Reader) watchLive(ctx context.Context) error {
    for {
        kids, ch, err := r.c.ChildrenW(ctx, store.LiveNodesPath)
        if err != nil { return err }
        r.setLive(kids)
        r.notify()
        if err := wait(ctx, ch); err != nil { return err }
    }
}

func (r *Reader) watchCollections(ctx context.Context, g *errgroup.Group) error {
    watching := map[string]bool{}
    var mu sync.Mutex
    for {
        kids, ch, err := r.c.ChildrenW(ctx, store.CollectionsPath)
        if err != nil { return err }
        for _, name := range kids {
            mu.Lock()
            seen := watching[name]
            watching[name] = true
            mu.Unlock()
            if seen { continue }
            name := name
            g.Go(func() error {
                err := r.watchState(ctx, name)
                mu.Lock()
                delete(watching, name)
                mu.Unlock()
                return err
            })
        }
        if err := wait(ctx, ch); err != nil { return err }
    }
}

// watchState follows one collection's document. It returns nil once the
// collection itself is gone.
func (r *Reader) watchState(ctx context.Context, name string) error {
    sp := store.StatePath(name)
    for {
        n, ch, err := r.c.GetW(ctx, sp)
        if errors.Is(err, store.ErrNoNode) {
            r.cols.Delete(name)
            r.notify()
            st, ech, err := r.c.ExistsW(ctx, sp)
            if err != nil { return err }
            if st != nil { continue }
            cst, err := r.c.Exists(ctx, store.CollectionPath(name))
            if err != nil { return err }
            if cst == nil { return nil }
            if err := wait(ctx, ech); err != nil { return err }
            continue
        }
        if err != nil { return err }
        col, err := Decode(n.Data, n.Stat.Version)
        if err != nil {
            r.log.Warn("undecodable state", zap.String("collection", name), zap.Error(err))
        } else {
            r.cols.Store(name, col)
            r.notify()
        }
        if err := wait(ctx, ch); err != nil { return err }
    }
}

func (r *Reader) setLive(nodes []string) {
    cp := append([]string(nil), nodes...)
    sort.Strings(cp)
    r.mu.Lock()
    r.live = cp
    r.mu.Unlock()
    metrics.LiveNodes.Set(float64(len(cp)))
}

func (r *Reader) notify() {
    r.subs.Range(func(_ uint64, ch chan struct{}) bool {
        select {
        case ch <- struct{}{}:
        default:
        }
        return true
    })
}

// Subscribe returns a channel signalled (coalesced) after every change.
func (r *Reader) Subscribe() (<-chan struct{}, func()) {
    id := r.nextID.Add(1)
    ch := make(chan struct{}, 1)
    r.subs.Store(id, ch)
    return ch, func() { r.subs.Delete(id) }
}

// Collection returns a copy of the named collection.
func (r *Reader) Collection(name string) (*Collection, bool) {
    c, ok := r.cols.Load(name)
    if !ok { return nil, false }
    return c.Clone(), true
}

func (r *Reader) Shard(collection, shard string) (*Shard, bool) {
    c, ok := r.Collection(collection)
    if !ok { return nil, false }
    s := c.Shard(shard, false)
    return s, s != nil
}

func (r *Reader) Replica(collection, shard, id string) (*Replica, bool) {
    s, ok := r.Shard(collection, shard)
    if !ok { return nil, false }
    rep, ok := s.Replicas[id]
    return rep, ok
}

// Leader returns the replica flagged leader of a shard.
func (r *Reader) Leader(collection, shard string) (*Replica, bool) {
    s, ok := r.Shard(collection, shard)
    if !ok { return nil, false }
    l := s.Leader()
    return l, l != nil
}

func (r *Reader) LiveNodes() []string {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return append([]string(nil), r.live...)
}

// Snapshot copies the whole cached view.
func (r *Reader) Snapshot() ClusterState {
    cs := ClusterState{Collections: map[string]*Collection{}, LiveNodes: r.LiveNodes()}
    r.cols.Range(func(name string, c *Collection) bool {
        cs.Collections[name] = c.Clone()
        return true
    })
    return cs
}

// WaitFor blocks until pred holds for the cached view or ctx ends.
func (r *Reader) WaitFor(ctx context.Context, pred func(ClusterState) bool) error {
    ch, cancel := r.Subscribe()
    defer cancel()
    for {
        if pred(r.Snapshot()) { return nil }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-ch:
        case <-time.After(250 * time.Millisecond):
        }
    }
}
