// Package bootstrap assembles a cluster.Node from a Config: logger, tracing,
// outbound resources, the coordination store backend, TLS and the HTTP and
// gRPC servers.
package bootstrap

import (
    "context"
    "errors"
    "fmt"
    "path/filepath"
    "time"

    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/multierr"
    "go.uber.org/zap"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-shardcoord/pkg/cluster"
    cns "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/discovery"
    "github.com/amirimatin/go-shardcoord/pkg/internal/logutil"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/shardhandler"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/etcdstore"
    "github.com/amirimatin/go-shardcoord/pkg/store/memstore"
    "github.com/amirimatin/go-shardcoord/pkg/store/raftstore"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
    grpctransport "github.com/amirimatin/go-shardcoord/pkg/transport/grpc"
    "github.com/amirimatin/go-shardcoord/pkg/transport/httpjson"
)

// Instance is a built node together with everything Build created for it.
type Instance struct {
    *cluster.Node
    Log *zap.Logger

    closers []closer
}

type closer struct {
    name string
    fn   func(context.Context) error
}

func (i *Instance) onClose(name string, fn func(context.Context) error) {
    i.closers = append(i.closers, closer{name, fn})
}

// Close stops the node and releases the store, resources, tracing and
// logger in reverse order of creation. Every step runs; errors are combined.
func (i *Instance) Close(ctx context.Context) error {
    var err error
    if i.Node != nil { err = i.Node.Stop(ctx) }
    return multierr.Append(err, i.release(ctx))
}

func (i *Instance) release(ctx context.Context) error {
    var err error
    for j := len(i.closers) - 1; j >= 0; j-- {
        c := i.closers[j]
        if e := c.fn(ctx); e != nil {
            i.Log.Warn("release failed", zap.String("step", c.name), zap.Error(e))
            err = multierr.Append(err, fmt.Errorf("%s: %w", c.name, e))
        }
    }
    i.closers = nil
    return err
}

// Build assembles a node from cfg without starting it. The store session is
// opened here, so a raft or etcd backend must be reachable.
func Build(ctx context.Context, cfg Config) (*Instance, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    log := cfg.Logger
    inst := &Instance{}
    if log == nil {
        var err error
        log, err = logutil.New(logutil.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: "shardcoord", NodeID: cfg.NodeID})
        if err != nil { return nil, fmt.Errorf("bootstrap: logger: %w", err) }
        inst.onClose("logger", func(context.Context) error { _ = log.Sync(); return nil })
    }
    inst.Log = log
    fail := func(err error) (*Instance, error) {
        _ = inst.release(context.Background())
        return nil, err
    }

    shutdown, err := tracing.Setup(cfg.Trace)
    if err != nil { return fail(fmt.Errorf("bootstrap: tracing: %w", err)) }
    inst.onClose("tracing", shutdown)

    srvTLS, err := cfg.TLS.Server()
    if err != nil { return fail(fmt.Errorf("bootstrap: tls server config: %w", err)) }
    cliTLS, err := cfg.TLS.Client()
    if err != nil { return fail(fmt.Errorf("bootstrap: tls client config: %w", err)) }

    res, err := shardhandler.New(cfg.ShardHandler, shardhandler.WithLogger(log), shardhandler.WithTLS(cliTLS))
    if err != nil { return fail(err) }
    inst.onClose("resources", res.Close)

    st, apply, err := openStore(ctx, cfg, res, log, inst)
    if err != nil { return fail(err) }

    httpSrv := httpjson.NewServer(cfg.HTTP.Bind, log)
    grpcSrv := grpctransport.NewServer(cfg.GRPC.Bind, log)
    if srvTLS != nil {
        httpSrv.UseTLS(srvTLS)
        grpcSrv.UseTLS(srvTLS)
    }

    node, err := cluster.New(cluster.Options{
        NodeID:              cfg.NodeID,
        Store:               st,
        Resources:           res,
        Logger:              log,
        DataDir:             cfg.DataDir,
        NumRecordsToKeep:    cfg.NumRecordsToKeep,
        Replicas:            cfg.Replicas,
        HTTP:                httpSrv,
        GRPC:                grpcSrv,
        AdvertiseHTTP:       cfg.HTTP.Advertise,
        AdvertiseGRPC:       cfg.GRPC.Advertise,
        HTTPSPeers:          cliTLS != nil,
        QueueTimeout:        cfg.QueueTimeout,
        ConfigTimeout:       cfg.ConfigTimeout,
        Recovery:            cfg.Recovery,
        LeaderVoteWait:      cfg.LeaderVoteWait,
        StoreApply:          apply,
        OnCoordinatorChange: cfg.OnCoordinatorChange,
    })
    if err != nil { return fail(err) }
    inst.Node = node
    return inst, nil
}

// Run builds and starts a node. The caller owns the instance and must Close
// it when finished.
func Run(ctx context.Context, cfg Config) (*Instance, error) {
    inst, err := Build(ctx, cfg)
    if err != nil { return nil, err }
    if err := inst.Start(ctx); err != nil {
        _ = inst.Close(context.Background())
        return nil, err
    }
    return inst, nil
}

// openStore opens this node's coordination store session. For the raft
// backend it also returns the handler that serves write forwarding from
// followers.
func openStore(ctx context.Context, cfg Config, res *shardhandler.Resources, log *zap.Logger, inst *Instance) (store.Client, transport.StoreApplyFunc, error) {
    switch cfg.Store.Backend {
    case BackendEtcd:
        ec := cfg.Store.Etcd
        etls, err := ec.TLS.Client()
        if err != nil { return nil, nil, fmt.Errorf("bootstrap: etcd tls: %w", err) }
        eps := ec.Endpoints
        if len(eps) == 0 {
            if eps, err = discovery.Resolve(ctx, ec.Discovery, log); err != nil { return nil, nil, fmt.Errorf("bootstrap: etcd endpoints: %w", err) }
            log.Info("etcd endpoints discovered", zap.Strings("endpoints", eps))
        }
        cli, err := clientv3.New(clientv3.Config{
            Endpoints:   eps,
            DialTimeout: ec.DialTimeout,
            TLS:         etls,
            Logger:      log.Named("etcd"),
        })
        if err != nil { return nil, nil, fmt.Errorf("bootstrap: etcd client: %w", err) }
        inst.onClose("etcd client", func(context.Context) error { return cli.Close() })
        c, err := etcdstore.Connect(ctx, cli, etcdstore.Options{Prefix: ec.Prefix, SessionTTL: ec.SessionTTL, Logger: log})
        if err != nil { return nil, nil, err }
        inst.onClose("store session", func(context.Context) error { return c.Close() })
        return c, nil, nil
    case BackendRaft:
        return openRaft(ctx, cfg, res, log, inst)
    default:
        srv := cfg.MemoryServer
        if srv == nil { srv = memstore.NewServer() }
        c := srv.Connect()
        inst.onClose("store session", func(context.Context) error { return c.Close() })
        return c, nil, nil
    }
}

func openRaft(ctx context.Context, cfg Config, res *shardhandler.Resources, log *zap.Logger, inst *Instance) (store.Client, transport.StoreApplyFunc, error) {
    rc := cfg.Store.Raft
    peers := make(map[string]RaftPeer, len(rc.Peers))
    for _, p := range rc.Peers { peers[p.ID] = p }
    dir := rc.DataDir
    if dir == "" && cfg.DataDir != "" { dir = filepath.Join(cfg.DataDir, "raft") }

    rn, err := raftstore.New(raftstore.Options{
        NodeID:     cfg.NodeID,
        Logger:     log,
        Bootstrap:  rc.Bootstrap,
        BindAddr:   rc.Bind,
        DataDir:    dir,
        SessionTTL: rc.SessionTTL,
        Forwarder: func(ctx context.Context, leaderID string, op tree.Op) (tree.Result, uint64, error) {
            p, ok := peers[leaderID]
            if !ok || p.GRPCAddr == "" { return tree.Result{}, 0, fmt.Errorf("bootstrap: no grpc address for store leader %q", leaderID) }
            r, idx, err := res.Peers().StoreApply(ctx, p.GRPCAddr, op)
            // a leader that stepped down or is not serving yet is retried
            if errors.Is(err, transport.ErrNotLeader) || status.Code(err) == codes.Unavailable {
                return tree.Result{}, 0, raftstore.ErrNotLeader
            }
            return r, idx, err
        },
    })
    if err != nil { return nil, nil, err }
    rctx, cancel := context.WithCancel(context.Background())
    if err := rn.Start(rctx); err != nil {
        cancel()
        return nil, nil, fmt.Errorf("bootstrap: raft: %w", err)
    }
    inst.onClose("raft", func(context.Context) error {
        cancel()
        return rn.Stop()
    })
    if len(rc.Peers) > 0 { go addVoters(rctx, rn, cfg.NodeID, rc.Peers, log) }

    c, err := connectRaft(ctx, rn)
    if err != nil { return nil, nil, err }
    inst.onClose("store session", func(context.Context) error { return c.Close() })

    apply := func(ctx context.Context, op tree.Op) (tree.Result, uint64, error) {
        r, idx, err := rn.ApplyLocal(op)
        if errors.Is(err, raftstore.ErrNotLeader) { return r, idx, transport.ErrNotLeader }
        return r, idx, err
    }
    return c, apply, nil
}

// connectRaft keeps trying until a store leader accepts the session. A
// joining server has no leader until the leader adds it as a voter.
func connectRaft(ctx context.Context, rn *raftstore.Node) (*raftstore.Client, error) {
    t := time.NewTicker(250 * time.Millisecond)
    defer t.Stop()
    for {
        c, err := rn.Connect(ctx)
        if err == nil { return c, nil }
        if !errors.Is(err, raftstore.ErrNoLeader) && !errors.Is(err, raftstore.ErrNotLeader) {
            return nil, fmt.Errorf("bootstrap: raft session: %w", err)
        }
        select {
        case <-ctx.Done():
            return nil, fmt.Errorf("bootstrap: raft session: %w", ctx.Err())
        case <-t.C:
        }
    }
}

type voterSet interface {
    cns.Reconfigurer
    IsLeader() bool
}

// addVoters adds configured peers missing from the raft configuration while
// this server leads.
func addVoters(ctx context.Context, rn voterSet, self string, peers []RaftPeer, log *zap.Logger) {
    t := time.NewTicker(2 * time.Second)
    defer t.Stop()
    for {
        if rn.IsLeader() {
            servers, err := rn.Servers()
            if err == nil {
                known := make(map[string]bool, len(servers))
                for _, s := range servers { known[s.ID] = true }
                for _, p := range peers {
                    if p.ID == self || known[p.ID] { continue }
                    if err := rn.AddVoter(p.ID, p.RaftAddr, 5*time.Second); err != nil {
                        log.Warn("add raft voter failed", zap.String("peer", p.ID), zap.Error(err))
                        continue
                    }
                    log.Info("raft voter added", zap.String("peer", p.ID), zap.String("addr", p.RaftAddr))
                }
            }
        }
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
    }
}
