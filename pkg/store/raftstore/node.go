// Package raftstore replicates the store tree with HashiCorp Raft. Every
// server process runs a Node; clients connect to their local Node, read from
// its FSM and route writes through the raft leader.
package raftstore

import (
    "context"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "github.com/cenkalti/backoff/v5"
    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "github.com/puzpuzpuz/xsync/v4"
    "go.uber.org/zap"

    c "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

var (
    ErrNotStarted = errors.New("raftstore: not started")
    ErrNotLeader  = errors.New("raftstore: not leader")
    ErrNoLeader   = errors.New("raftstore: no known leader")
)

// Node is a raft server holding a replica of the store tree.
type Node struct {
    opts Options
    log  *zap.Logger
    r    *raft.Raft
    fsm  *treeFSM
    lch  chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    // local clients by session, notified when their session is closed
    clients *xsync.Map[store.SessionID, *Client]
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftstore: empty NodeID")
    }
    opts.setDefaults()
    n := &Node{
        opts:    opts,
        log:     opts.Logger.Named("raftstore").With(zap.String("node", opts.NodeID)),
        fsm:     newTreeFSM(),
        lch:     make(chan c.LeaderInfo, 16),
        clients: xsync.NewMap[store.SessionID, *Client](),
    }
    n.fsm.sessionClosed = n.onSessionClosed
    return n, nil
}

func (n *Node) raftLogger() hclog.Logger {
    return hclog.New(&hclog.LoggerOptions{
        Name:   "raft",
        Level:  hclog.Warn,
        Output: zap.NewStdLog(n.log).Writer(),
    })
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = n.raftLogger()
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // lease must not exceed heartbeat
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )
    out := zap.NewStdLog(n.log).Writer()

    if n.opts.DataDir != "" {
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, out)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, out)
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, n.fsm, logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    if lb, ok := n.trans.(raft.LoopbackTransport); ok { n.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    n.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    if n.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := n.r.BootstrapCluster(cfgs).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }

    go n.sessionReaper(ctx)
    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

// Apply routes op through the raft leader and waits until this server's FSM
// has applied it, so the caller reads its own write locally.
func (n *Node) Apply(ctx context.Context, op tree.Op) (tree.Result, error) {
    r := n.r
    if r == nil { return tree.Result{}, ErrNotStarted }
    type applied struct {
        res tree.Result
        idx uint64
    }
    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = 20 * time.Millisecond
    bo.MaxInterval = 500 * time.Millisecond
    out, err := backoff.Retry(ctx, func() (applied, error) {
        if n.IsLeader() {
            res, idx, err := n.ApplyLocal(op)
            if errors.Is(err, ErrNotLeader) || errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
                return applied{}, ErrNoLeader
            }
            if err != nil { return applied{}, backoff.Permanent(err) }
            return applied{res, idx}, nil
        }
        id, _, ok := n.Leader()
        if !ok { return applied{}, ErrNoLeader }
        if n.opts.Forwarder == nil { return applied{}, backoff.Permanent(ErrNotLeader) }
        res, idx, err := n.opts.Forwarder(ctx, id, op)
        if errors.Is(err, ErrNotLeader) { return applied{}, ErrNoLeader }
        if err != nil { return applied{}, backoff.Permanent(err) }
        return applied{res, idx}, nil
    }, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(n.opts.ApplyTimeout))
    if err != nil { return tree.Result{}, err }
    if err := n.waitApplied(ctx, out.idx); err != nil { return tree.Result{}, err }
    return out.res, nil
}

// ApplyLocal commits op through the local raft instance. It fails with
// ErrNotLeader on followers. The time stamp is assigned here so every replica
// applies the same value.
func (n *Node) ApplyLocal(op tree.Op) (tree.Result, uint64, error) {
    r := n.r
    if r == nil { return tree.Result{}, 0, ErrNotStarted }
    if r.State() != raft.Leader { return tree.Result{}, 0, ErrNotLeader }
    if op.Now.IsZero() { op.Now = time.Now().UTC() }
    data, err := encodeOp(op)
    if err != nil { return tree.Result{}, 0, err }
    af := r.Apply(data, n.opts.ApplyTimeout)
    if err := af.Error(); err != nil { return tree.Result{}, 0, err }
    switch v := af.Response().(type) {
    case tree.Result:
        return v, af.Index(), nil
    case error:
        return tree.Result{}, af.Index(), v
    }
    return tree.Result{}, af.Index(), nil
}

func (n *Node) waitApplied(ctx context.Context, idx uint64) error {
    for {
        r := n.r
        if r == nil { return ErrNotStarted }
        if r.AppliedIndex() >= idx { return nil }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(5 * time.Millisecond):
        }
    }
}

// sessionReaper expires sessions whose keepalives stopped. Only the leader
// reaps; a newly elected leader first renews every session so clients get a
// full TTL to reach it.
func (n *Node) sessionReaper(ctx context.Context) {
    tick := n.opts.SessionTTL / 4
    if tick < 50*time.Millisecond { tick = 50 * time.Millisecond }
    t := time.NewTicker(tick)
    defer t.Stop()
    wasLeader := false
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        if !n.IsLeader() { wasLeader = false; continue }
        if !wasLeader {
            if _, _, err := n.ApplyLocal(tree.Op{Kind: tree.OpRenewSessions}); err != nil { continue }
            wasLeader = true
            continue
        }
        for _, id := range n.fsm.tree.Expired(time.Now()) {
            n.log.Info("expiring session", zap.String("session", string(id)))
            if _, _, err := n.ApplyLocal(tree.Op{Kind: tree.OpCloseSession, Session: id}); err != nil {
                n.log.Warn("session expiry failed", zap.String("session", string(id)), zap.Error(err))
                break
            }
        }
    }
}

func (n *Node) onSessionClosed(id store.SessionID) {
    cl, ok := n.clients.LoadAndDelete(id)
    state := store.StateExpired
    if ok && cl.closing.Load() { state = store.StateClosed }
    if ok { cl.end(state) }
    n.fsm.watches.ExpireOwner(id, state)
}

func (n *Node) IsLeader() bool {
    r := n.r
    if r == nil { return false }
    return r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.r
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.r
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the raft transport address of this server.
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) Stop() error {
    r := n.r
    if r == nil { return nil }
    n.clients.Range(func(id store.SessionID, cl *Client) bool {
        cl.end(store.StateClosed)
        return true
    })
    f := r.Shutdown()
    if err := f.Error(); err != nil { return err }
    n.r = nil
    return nil
}

var _ c.Consensus = (*Node)(nil)
var _ c.LeaderNotifier = (*Node)(nil)
var _ c.Reconfigurer = (*Node)(nil)

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // last writer wins for leadership
    }
}

// AddVoter adds a voting server if not already present with the same address.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.r
    if r == nil { return ErrNotStarted }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the voter set if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.r
    if r == nil { return ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

// Servers lists the current raft configuration.
func (n *Node) Servers() ([]c.Server, error) {
    r := n.r
    if r == nil { return nil, ErrNotStarted }
    f := r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    var out []c.Server
    for _, s := range f.Configuration().Servers {
        out = append(out, c.Server{ID: string(s.ID), Addr: string(s.Address), Suffrage: s.Suffrage.String()})
    }
    return out, nil
}
