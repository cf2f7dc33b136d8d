// Package cluster assembles a shard coordination node: live-node
// registration, the coordinator, the cached cluster state, one
// ReplicaController per hosted core and the HTTP and gRPC endpoints.
package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/puzpuzpuz/xsync/v4"
    "go.uber.org/multierr"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/overseer"
    "github.com/amirimatin/go-shardcoord/pkg/queue"
    "github.com/amirimatin/go-shardcoord/pkg/recovery"
    "github.com/amirimatin/go-shardcoord/pkg/shardhandler"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
    grpctransport "github.com/amirimatin/go-shardcoord/pkg/transport/grpc"
    "github.com/amirimatin/go-shardcoord/pkg/transport/httpjson"
)

// Facade is the high-level API of a node.
type Facade interface {
    Start(ctx context.Context) error
    Status(ctx context.Context) (*NodeStatus, error)
    Update(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error)
    Recover(ctx context.Context, core string) error
    Subscribe(ctx context.Context) <-chan Event
    Stop(ctx context.Context) error
}

var _ Facade = (*Node)(nil)

// Node is the concrete implementation of the Facade.
type Node struct {
    opts Options
    log  *zap.Logger
    c    store.Client
    res  *shardhandler.Resources

    q       *queue.Queue
    reader  *state.Reader
    ov      *overseer.Overseer
    cfg     *configsets.Handler
    updates *httpjson.Client

    httpAddr string
    grpcAddr string

    // replicas is keyed by core name, shards by collection/shard.
    replicas *xsync.Map[string, *ReplicaController]
    shards   *xsync.Map[string, *ReplicaController]
    eb       eventBus

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

func shardKey(collection, shard string) string { return collection + "/" + shard }

// New constructs a Node from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.Replicas = append([]ReplicaSpec(nil), opts.Replicas...)
    opts.setDefaults()
    log := opts.Logger.Named("node").With(zap.String("node", opts.NodeID))
    n := &Node{
        opts:     opts,
        log:      log,
        c:        opts.Store,
        res:      opts.Resources,
        q:        queue.New(opts.Store, queue.WithLogger(opts.Logger)),
        updates:  httpjson.NewClient(opts.Resources.HTTPClient()).UseTLS(opts.HTTPSPeers),
        replicas: xsync.NewMap[string, *ReplicaController](),
        shards:   xsync.NewMap[string, *ReplicaController](),
    }
    ovOpts := []overseer.Option{overseer.WithLogger(opts.Logger)}
    if opts.ResultTTL > 0 { ovOpts = append(ovOpts, overseer.WithResultTTL(opts.ResultTTL, opts.SweepInterval)) }
    n.ov = overseer.New(opts.Store, opts.NodeID, ovOpts...)
    cfgOpts := []configsets.HandlerOption{configsets.WithLogger(opts.Logger), configsets.WithTimeout(opts.ConfigTimeout)}
    for _, f := range opts.RequestFilters { cfgOpts = append(cfgOpts, configsets.WithFilter(f)) }
    n.cfg = configsets.NewHandler(n.q, configsets.NewStore(opts.Store), cfgOpts...)
    return n, nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
    return n.Stop(context.Background())
}

// Start brings up the endpoints, registers the node as live, joins the
// coordinator election and starts every hosted replica. Background work
// runs until Stop or until ctx ends.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.started { return nil }
    n.run.started = true
    metrics.Register()
    rctx, cancel := context.WithCancel(ctx)
    n.cancel = cancel
    n.reader = state.NewReader(n.c, n.opts.Logger)

    if err := n.startServers(rctx); err != nil {
        cancel()
        return err
    }
    if err := n.q.Init(ctx); err != nil {
        cancel()
        return err
    }
    if err := n.registerLive(ctx); err != nil {
        cancel()
        return err
    }
    if err := n.reader.Refresh(ctx); err != nil {
        cancel()
        return err
    }
    n.goRun("state reader", func() error { return n.reader.Run(rctx) })
    n.goRun("coordinator", func() error { return n.ov.Run(rctx) })
    n.goRun("coordinator watch", func() error { n.watchCoordinator(rctx); return nil })
    n.goRun("state events", func() error { n.watchState(rctx); return nil })
    n.goRun("session watch", func() error { n.watchSession(rctx); return nil })

    for _, spec := range n.opts.Replicas {
        r, err := newReplicaController(n, spec)
        if err != nil {
            cancel()
            return fmt.Errorf("cluster: open core %s: %w", spec.CoreName(), err)
        }
        n.replicas.Store(spec.CoreName(), r)
        n.shards.Store(shardKey(spec.Collection, spec.Shard), r)
        n.goRun("replica "+spec.CoreName(), func() error { return r.run(rctx) })
    }
    n.log.Info("node started",
        zap.String("http", n.httpAddr), zap.String("grpc", n.grpcAddr), zap.Int("replicas", len(n.opts.Replicas)))
    return nil
}

func (n *Node) goRun(what string, fn func() error) {
    n.wg.Add(1)
    go func() {
        defer n.wg.Done()
        if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
            n.log.Error("background task ended", zap.String("task", what), zap.Error(err))
        }
    }()
}

func (n *Node) startServers(ctx context.Context) error {
    if g := n.opts.GRPC; g != nil {
        h := grpctransport.Handlers{Recovery: recovery.NewService(n), StoreApply: n.opts.StoreApply, Status: n.statusJSON}
        if err := g.Start(ctx, h); err != nil { return err }
        g.SetServing(true)
        n.grpcAddr = g.Addr()
    }
    if n.opts.AdvertiseGRPC != "" { n.grpcAddr = n.opts.AdvertiseGRPC }
    if s := n.opts.HTTP; s != nil {
        h := httpjson.Handlers{ConfigSets: n.ConfigSets, Update: n.Update, Recover: n.Recover, Status: n.statusJSON}
        if err := s.Start(ctx, h); err != nil { return err }
        n.httpAddr = s.Addr()
    }
    if n.opts.AdvertiseHTTP != "" { n.httpAddr = n.opts.AdvertiseHTTP }
    return nil
}

type liveNode struct {
    HTTP string    `json:"http,omitempty"`
    GRPC string    `json:"grpc,omitempty"`
    At   time.Time `json:"at"`
}

// registerLive creates the ephemeral /live_nodes/<node>. A node left over
// by an earlier session of the same client is reused.
func (n *Node) registerLive(ctx context.Context) error {
    if err := store.MakePath(ctx, n.c, store.LiveNodesPath); err != nil { return err }
    data, _ := json.Marshal(liveNode{HTTP: n.httpAddr, GRPC: n.grpcAddr, At: time.Now().UTC()})
    p := store.LiveNodePath(n.opts.NodeID)
    _, err := n.c.Create(ctx, p, data, store.Ephemeral)
    if errors.Is(err, store.ErrNodeExists) {
        nd, gerr := n.c.Get(ctx, p)
        if gerr != nil { return gerr }
        if nd.Stat.Owner != n.c.Session().ID() { return fmt.Errorf("%w: %s", ErrAlreadyLive, n.opts.NodeID) }
        return nil
    }
    return err
}

func (n *Node) watchCoordinator(ctx context.Context) {
    ch := n.ov.Elector().LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li := <-ch:
            n.log.Info("coordinator change observed", zap.String("id", li.ID))
            liCopy := li
            n.eb.publish(Event{Type: EventCoordinatorChanged, Leader: &liCopy})
            if n.opts.OnCoordinatorChange != nil { n.opts.OnCoordinatorChange(liCopy) }
        }
    }
}

func (n *Node) watchState(ctx context.Context) {
    ch, unsub := n.reader.Subscribe()
    defer unsub()
    prev := state.ClusterState{Collections: map[string]*state.Collection{}}
    for {
        cur := n.reader.Snapshot()
        n.eb.diffState(prev, cur)
        prev = cur
        select {
        case <-ctx.Done():
            return
        case <-ch:
        }
    }
}

// watchSession reports the loss of the store session. Everything bound to
// it (live node, election slots) is gone at that point.
func (n *Node) watchSession(ctx context.Context) {
    select {
    case <-ctx.Done():
    case <-n.c.Session().Done():
        if ctx.Err() != nil { return }
        n.log.Error("store session ended", zap.String("state", string(n.c.Session().State())))
        n.eb.publish(Event{Type: EventSessionExpired})
        if n.opts.GRPC != nil { n.opts.GRPC.SetServing(false) }
    }
}

// Stop leaves the cluster: replicas give up their elections, the live node
// is removed, servers stop and cores close once running recoveries finished.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed || !n.run.started { return nil }
    n.run.closed = true
    n.cancel()

    var err error
    done := make(chan struct{})
    go func() {
        n.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
    case <-ctx.Done():
        err = multierr.Append(err, fmt.Errorf("cluster: background tasks: %w", ctx.Err()))
    }
    if n.c.Session().State() == store.StateConnected {
        derr := n.c.Delete(ctx, store.LiveNodePath(n.opts.NodeID), store.AnyVersion)
        if derr != nil && !errors.Is(derr, store.ErrNoNode) { err = multierr.Append(err, derr) }
    }
    if n.opts.HTTP != nil { err = multierr.Append(err, n.opts.HTTP.Stop(ctx)) }
    if n.opts.GRPC != nil { err = multierr.Append(err, n.opts.GRPC.Stop(ctx)) }
    n.replicas.Range(func(name string, r *ReplicaController) bool {
        if cerr := r.close(ctx); cerr != nil { err = multierr.Append(err, fmt.Errorf("core %s: %w", name, cerr)) }
        return true
    })
    n.log.Info("node stopped")
    return err
}

// Core implements recovery.Cores.
func (n *Node) Core(name string) (*core.Core, bool) {
    r, ok := n.replicas.Load(name)
    if !ok { return nil, false }
    return r.core, true
}

// Leads implements recovery.Cores.
func (n *Node) Leads(name string) bool {
    r, ok := n.replicas.Load(name)
    return ok && r.Leads()
}

// Replica returns the controller of a hosted core.
func (n *Node) Replica(core string) (*ReplicaController, bool) { return n.replicas.Load(core) }

// HTTPAddr and GRPCAddr are the advertised endpoints, known after Start.
func (n *Node) HTTPAddr() string { return n.httpAddr }
func (n *Node) GRPCAddr() string { return n.grpcAddr }

// Update is the write entry point. A hosted shard serves it locally (as
// leader, or by relaying to the leader); otherwise it is relayed to the
// shard leader.
func (n *Node) Update(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.update", "collection", req.Collection, "shard", req.Shard)
    defer end()
    if req.Collection == "" || req.Shard == "" {
        return transport.UpdateResponse{}, errs.Validation("collection and shard are required")
    }
    if n.reader == nil { return transport.UpdateResponse{}, errs.Unavailable("update", ErrNotStarted) }
    if r, ok := n.shards.Load(shardKey(req.Collection, req.Shard)); ok { return r.update(ctx, req) }
    if req.FromLeader {
        return transport.UpdateResponse{}, errs.Unavailable("update", fmt.Errorf("%w: %s", transport.ErrNoCore, shardKey(req.Collection, req.Shard)))
    }
    if req.Forwarded { return transport.UpdateResponse{}, errs.Unavailable("update", ErrNotLeader) }
    return n.forwardToLeader(ctx, req)
}

func (n *Node) forwardToLeader(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error) {
    cs := n.reader.Snapshot()
    var leader *state.Replica
    if col := cs.Collections[req.Collection]; col != nil {
        if s := col.Shard(req.Shard, false); s != nil { leader = s.Leader() }
    }
    if leader == nil || leader.State != state.Active || !cs.IsLive(leader.Node) || leader.UpdateAddr == "" {
        return transport.UpdateResponse{}, errs.Unavailable("update", fmt.Errorf("%w: %s", ErrNoLeader, shardKey(req.Collection, req.Shard)))
    }
    if leader.Node == n.opts.NodeID { return transport.UpdateResponse{}, errs.Unavailable("update", ErrNotLeader) }
    req.Forwarded = true
    resp, err := n.updates.SendUpdate(ctx, leader.UpdateAddr, req)
    if err != nil {
        n.log.Debug("relay to leader failed", zap.String("leader", leader.ID), zap.Error(err))
        return resp, err
    }
    return resp, nil
}

// Recover starts an operator-requested recovery of a hosted core.
func (n *Node) Recover(ctx context.Context, name string) error {
    r, ok := n.replicas.Load(name)
    if !ok { return fmt.Errorf("%w: %s", transport.ErrNoCore, name) }
    return r.requestRecovery()
}
