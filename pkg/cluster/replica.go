package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cenkalti/backoff/v5"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/election"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/overseer"
    "github.com/amirimatin/go-shardcoord/pkg/queue"
    "github.com/amirimatin/go-shardcoord/pkg/recovery"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

// ReplicaController drives one hosted replica: it registers it with the
// coordinator, runs the shard election, recovers the core from the shard
// leader and serves the write path.
type ReplicaController struct {
    n    *Node
    spec ReplicaSpec
    core *core.Core
    el   *election.Elector
    rec  *recovery.Manager
    log  *zap.Logger

    // wmu orders local applies, and on the leader also the forwards.
    wmu      sync.Mutex
    leading  atomic.Bool
    electing atomic.Bool
    term     atomic.Int64 // election seq stamped on updates while leading

    recMu      sync.Mutex
    recCancel  context.CancelFunc
    recWG      sync.WaitGroup
    failedFrom string // leader a recovery last gave up on
}

// slotData is what a replica advertises in its election slot.
type slotData struct {
    Node         string `json:"node"`
    UpdateAddr   string `json:"updateAddr"`
    RecoveryAddr string `json:"recoveryAddr"`
}

func newReplicaController(n *Node, spec ReplicaSpec) (*ReplicaController, error) {
    c, err := core.Open(core.Options{
        Dir:              n.opts.DataDir,
        Name:             spec.CoreName(),
        NumRecordsToKeep: n.opts.NumRecordsToKeep,
    })
    if err != nil { return nil, err }
    r := &ReplicaController{
        n:    n,
        spec: spec,
        core: c,
        log:  n.log.With(zap.String("core", spec.CoreName()), zap.String("replica", spec.Replica)),
    }
    data, _ := json.Marshal(slotData{Node: n.opts.NodeID, UpdateAddr: n.httpAddr, RecoveryAddr: n.grpcAddr})
    r.el = election.New(n.c, store.ShardElectionPath(spec.Collection, spec.Shard), spec.Replica,
        election.WithLogger(n.opts.Logger), election.WithData(data), election.OnElected(r.onElected))
    r.rec = recovery.NewManager(c, r.source, n.res.Peers(), r.publish, n.opts.Recovery, n.opts.Logger)
    return r, nil
}

func (r *ReplicaController) Spec() ReplicaSpec { return r.spec }
func (r *ReplicaController) Core() *core.Core  { return r.core }

// Leads reports whether the replica holds its shard election and has
// recorded itself as leader.
func (r *ReplicaController) Leads() bool { return r.leading.Load() && r.el.IsLeader() }

// run registers the replica and participates until ctx ends.
func (r *ReplicaController) run(ctx context.Context) error {
    if err := r.register(ctx); err != nil { return err }
    g, gctx := errgroup.WithContext(ctx)
    g.Go(func() error { return r.el.Run(gctx) })
    g.Go(func() error { return r.follow(gctx) })
    return g.Wait()
}

func (r *ReplicaController) params(extra ...string) map[string]string {
    p := map[string]string{
        overseer.ParamCollection: r.spec.Collection,
        overseer.ParamShard:      r.spec.Shard,
        overseer.ParamReplica:    r.spec.Replica,
    }
    for i := 0; i+1 < len(extra); i += 2 { p[extra[i]] = extra[i+1] }
    return p
}

func (r *ReplicaController) offer(ctx context.Context, op overseer.Operation, params map[string]string) error {
    out, err := r.n.q.Offer(ctx, queue.Message{Operation: string(op), Params: params}, r.n.opts.QueueTimeout)
    if err != nil { return err }
    return out.Err(string(op))
}

// register retries until the coordinator accepted the registration;
// validation failures are final.
func (r *ReplicaController) register(ctx context.Context) error {
    params := r.params(
        overseer.ParamNode, r.n.opts.NodeID,
        overseer.ParamCore, r.spec.CoreName(),
        overseer.ParamRecoveryAddr, r.n.grpcAddr,
        overseer.ParamUpdateAddr, r.n.httpAddr,
        overseer.ParamConfigName, r.spec.ConfigName,
    )
    _, err := backoff.Retry(ctx, func() (struct{}, error) {
        err := r.offer(ctx, overseer.OpRegister, params)
        if errors.Is(err, errs.ErrValidation) { return struct{}{}, backoff.Permanent(err) }
        if err != nil { r.log.Warn("registration failed, retrying", zap.Error(err)) }
        return struct{}{}, err
    }, backoff.WithBackOff(backoff.NewExponentialBackOff()))
    if err != nil { return err }
    r.log.Info("replica registered")
    return nil
}

func (r *ReplicaController) publish(ctx context.Context, st state.ReplicaState, version int64) error {
    return r.offer(ctx, overseer.OpReplicaState, r.params(
        overseer.ParamState, string(st),
        overseer.ParamVersion, strconv.FormatInt(version, 10),
    ))
}

func (r *ReplicaController) source(context.Context) (*state.Replica, error) {
    return recovery.SelectSource(r.n.reader.Snapshot(), r.spec.Collection, r.spec.Shard, r.spec.Replica)
}

// eligible reports whether this replica may lead: it is ACTIVE itself, or no
// other ACTIVE replica on a live node could lead instead and no other replica
// is recorded with a version this core does not have.
func (r *ReplicaController) eligible() bool {
    cs := r.n.reader.Snapshot()
    col := cs.Collections[r.spec.Collection]
    if col == nil { return true }
    s := col.Shard(r.spec.Shard, false)
    if s == nil { return true }
    if me := s.Replicas[r.spec.Replica]; me != nil && me.State == state.Active && !r.rec.Recovering() {
        return true
    }
    last, err := r.core.LastVersion()
    if err != nil { return false }
    for id, rep := range s.Replicas {
        if id == r.spec.Replica { continue }
        if rep.State == state.Active && cs.IsLive(rep.Node) { return false }
        if rep.LastKnownVersion > last { return false }
    }
    return true
}

func (r *ReplicaController) onElected(ctx context.Context, t election.Term) {
    log := r.log.With(zap.Int64("seq", t.Seq))
    r.electing.Store(true)
    defer r.electing.Store(false)
    if !r.eligible() {
        log.Info("elected but another replica is more current, yielding")
        select {
        case <-ctx.Done():
            return
        case <-time.After(r.n.opts.LeaderVoteWait):
        }
        if !r.eligible() {
            if err := r.el.Resign(ctx); err != nil { log.Warn("resign failed", zap.Error(err)) }
            return
        }
    }
    r.stopRecovery()

    last, err := r.core.LastVersion()
    if err == nil { err = r.publish(ctx, state.Active, last) }
    if err == nil {
        err = r.offer(ctx, overseer.OpLeader, r.params(overseer.ParamElectionSeq, strconv.FormatInt(t.Seq, 10)))
    }
    if err != nil {
        if ctx.Err() == nil {
            log.Warn("could not take shard leadership", zap.Error(err))
            _ = r.el.Resign(ctx)
        }
        return
    }
    r.term.Store(t.Seq)
    r.leading.Store(true)
    log.Info("leading shard", zap.Int64("version", last))
    <-ctx.Done()
    // Writes in flight finish before the flag drops.
    r.wmu.Lock()
    r.leading.Store(false)
    r.wmu.Unlock()
    log.Info("shard leadership lost")
}

// follow starts a recovery whenever the replica is not ACTIVE and an ACTIVE
// leader exists to recover from.
func (r *ReplicaController) follow(ctx context.Context) error {
    ch, unsub := r.n.reader.Subscribe()
    defer unsub()
    tick := time.NewTicker(2 * time.Second)
    defer tick.Stop()
    for {
        r.maybeRecover()
        select {
        case <-ctx.Done():
            return nil
        case <-ch:
        case <-tick.C:
        }
    }
}

func (r *ReplicaController) maybeRecover() {
    if r.leading.Load() || r.electing.Load() || r.rec.Recovering() { return }
    cs := r.n.reader.Snapshot()
    col := cs.Collections[r.spec.Collection]
    if col == nil { return }
    s := col.Shard(r.spec.Shard, false)
    if s == nil { return }
    me := s.Replicas[r.spec.Replica]
    if me == nil || me.State == state.Active || me.State == state.Recovering { return }
    l := s.Leader()
    if l == nil || l.ID == r.spec.Replica || l.State != state.Active || !cs.IsLive(l.Node) { return }
    r.recMu.Lock()
    gaveUp := me.State == state.RecoveryFailed && r.failedFrom == l.ID
    r.recMu.Unlock()
    if gaveUp { return }
    r.startRecovery("follower of " + l.ID)
}

// startRecovery enters recovery mode and runs the recovery on the recovery
// pool. It reports false when one is already running.
func (r *ReplicaController) startRecovery(reason string) bool {
    if r.leading.Load() || r.electing.Load() || !r.rec.Begin() { return false }
    r.recWG.Add(1)
    r.log.Info("recovery started", zap.String("reason", reason))
    r.n.eb.publish(Event{Type: EventRecoveryStarted, Collection: r.spec.Collection, Shard: r.spec.Shard,
        Replica: r.spec.Replica, Details: map[string]string{"reason": reason}})
    err := r.n.res.RecoveryExecutor().Submit(func(ctx context.Context) error {
        defer r.recWG.Done()
        ctx, cancel := context.WithCancel(ctx)
        defer cancel()
        r.recMu.Lock()
        r.recCancel = cancel
        r.recMu.Unlock()
        ctx, end := tracing.StartSpan(ctx, "cluster.recover", "core", r.spec.CoreName())
        defer end()

        strat, err := r.rec.Run(ctx)
        ev := Event{Collection: r.spec.Collection, Shard: r.spec.Shard, Replica: r.spec.Replica}
        r.recMu.Lock()
        r.recCancel = nil
        if err != nil {
            if l, ok := r.n.reader.Leader(r.spec.Collection, r.spec.Shard); ok { r.failedFrom = l.ID }
        } else {
            r.failedFrom = ""
        }
        r.recMu.Unlock()
        if err != nil {
            ev.Type, ev.Details = EventRecoveryFailed, map[string]string{"error": err.Error()}
            r.n.eb.publish(ev)
            return err
        }
        ev.Type, ev.Details = EventRecoveryFinished, map[string]string{"strategy": string(strat)}
        r.n.eb.publish(ev)
        return nil
    })
    if err != nil {
        r.recWG.Done()
        r.rec.Abandon()
        r.log.Warn("recovery not scheduled", zap.Error(err))
        return false
    }
    return true
}

// stopRecovery cancels a running recovery and waits for it.
func (r *ReplicaController) stopRecovery() {
    r.recMu.Lock()
    if r.recCancel != nil { r.recCancel() }
    r.recMu.Unlock()
    r.recWG.Wait()
}

// requestRecovery is the operator trigger; it also retries a recovery that
// gave up.
func (r *ReplicaController) requestRecovery() error {
    if r.Leads() { return ErrLeaderRecovery }
    r.recMu.Lock()
    r.failedFrom = ""
    r.recMu.Unlock()
    if !r.startRecovery("operator request") { return recovery.ErrInProgress }
    return nil
}

// update serves the write path for this shard.
func (r *ReplicaController) update(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error) {
    if req.FromLeader { return r.applyFromLeader(req) }
    if r.Leads() { return r.lead(ctx, req.Update) }
    if req.Forwarded { return transport.UpdateResponse{}, errs.Unavailable("update", ErrNotLeader) }
    return r.n.forwardToLeader(ctx, req)
}

// lead assigns the next version, applies it and forwards it to every other
// replica that is not DOWN. A replica the update could not reach is demoted
// before the write is acknowledged; when that fails the write is reported as
// failed even though the leader applied it.
func (r *ReplicaController) lead(ctx context.Context, u core.Update) (transport.UpdateResponse, error) {
    r.wmu.Lock()
    defer r.wmu.Unlock()
    if !r.leading.Load() || !r.el.IsLeader() { return transport.UpdateResponse{}, errs.Unavailable("update", ErrNotLeader) }
    last, err := r.core.LastVersion()
    if err != nil { return transport.UpdateResponse{}, err }
    prevTerm, _, err := r.core.TermAt(last)
    if err != nil { return transport.UpdateResponse{}, err }
    u.Version = last + 1
    u.Term = r.term.Load()
    if u.Time.IsZero() { u.Time = time.Now().UTC() }
    if err := r.core.Apply(u); err != nil {
        if errors.Is(err, core.ErrBadUpdate) { return transport.UpdateResponse{}, errs.Validation("%v", err) }
        return transport.UpdateResponse{}, err
    }
    metrics.UpdatesApplied.WithLabelValues(r.spec.CoreName()).Inc()
    if failed := r.forward(ctx, u, prevTerm); len(failed) > 0 {
        if err := r.demote(ctx, u.Version, failed); err != nil {
            r.log.Error("write applied but lagging replicas not demoted", zap.Int64("version", u.Version),
                zap.Strings("replicas", failed), zap.Error(err))
            return transport.UpdateResponse{Version: u.Version}, errs.Unavailable("update", err)
        }
    }
    // Leadership lost while forwarding: a newer leader may already own this version.
    if !r.el.IsLeader() { return transport.UpdateResponse{Version: u.Version}, errs.Unavailable("update", ErrNotLeader) }
    return transport.UpdateResponse{Version: u.Version}, nil
}

// forward sends u to the other replicas and returns those it did not reach.
func (r *ReplicaController) forward(ctx context.Context, u core.Update, prevTerm int64) []string {
    s, ok := r.n.reader.Shard(r.spec.Collection, r.spec.Shard)
    if !ok { return nil }
    var (
        g      errgroup.Group
        mu     sync.Mutex
        failed []string
    )
    for _, rep := range s.Sorted() {
        if rep.ID == r.spec.Replica || rep.State == state.Down || rep.UpdateAddr == "" { continue }
        rep := rep
        g.Go(func() error {
            err := r.n.res.UpdateExecutor().Do(ctx, func(ctx context.Context) error {
                _, err := r.n.updates.SendUpdate(ctx, rep.UpdateAddr, transport.UpdateRequest{
                    Collection: r.spec.Collection, Shard: r.spec.Shard, Replica: rep.ID,
                    Update: u, FromLeader: true, PrevTerm: prevTerm,
                })
                return err
            })
            result := "ok"
            if err != nil {
                result = "error"
                r.log.Warn("forward failed", zap.String("to", rep.ID), zap.Int64("version", u.Version), zap.Error(err))
                mu.Lock()
                failed = append(failed, rep.ID)
                mu.Unlock()
            }
            metrics.UpdatesForwarded.WithLabelValues(result).Inc()
            return nil
        })
    }
    _ = g.Wait()
    return failed
}

// demote records version as this leader's last known version and marks the
// given replicas DOWN, so none of them can lead without the update and each
// recovers it.
func (r *ReplicaController) demote(ctx context.Context, version int64, replicas []string) error {
    err := r.publish(ctx, state.Active, version)
    if err != nil { return fmt.Errorf("record version %d: %w", version, err) }
    for _, id := range replicas {
        if err := r.offer(ctx, overseer.OpReplicaState, r.params(
            overseer.ParamReplica, id,
            overseer.ParamState, string(state.Down),
        )); err != nil {
            return fmt.Errorf("demote %s: %w", id, err)
        }
        metrics.ReplicasDemoted.WithLabelValues(r.spec.CoreName()).Inc()
        r.log.Warn("replica demoted after failed forward", zap.String("replica", id), zap.Int64("version", version))
    }
    return nil
}

// diverged reports whether the local core holds an update at version from a
// different term than term.
func (r *ReplicaController) diverged(version, term int64) bool {
    if term == 0 || version <= 0 { return false }
    local, ok, err := r.core.TermAt(version)
    return err == nil && ok && local != term
}

// applyFromLeader applies a forwarded update. An update that does not follow
// the local version starts a recovery and is buffered for it; one that shows
// the local history diverged from the leader's starts a recovery and is
// refused.
func (r *ReplicaController) applyFromLeader(req transport.UpdateRequest) (transport.UpdateResponse, error) {
    u := req.Update
    if r.Leads() { return transport.UpdateResponse{}, errs.Unavailable("update", ErrNotLeader) }
    if r.rec.Buffer(u) { return transport.UpdateResponse{Version: u.Version}, nil }
    r.wmu.Lock()
    defer r.wmu.Unlock()
    last, err := r.core.LastVersion()
    if err != nil { return transport.UpdateResponse{}, err }
    if r.diverged(u.Version, u.Term) || (u.Version == last+1 && r.diverged(last, req.PrevTerm)) {
        r.log.Warn("update log diverged from leader", zap.Int64("local", last), zap.Int64("received", u.Version),
            zap.Int64("term", u.Term))
        r.startRecovery("diverged from leader")
        return transport.UpdateResponse{Version: last}, errs.Unavailable("update", recovery.ErrDiverged)
    }
    switch {
    case u.Version <= last:
        return transport.UpdateResponse{Version: last}, nil
    case u.Version == last+1:
        if err := r.core.Apply(u); err != nil { return transport.UpdateResponse{}, err }
        metrics.UpdatesApplied.WithLabelValues(r.spec.CoreName()).Inc()
        return transport.UpdateResponse{Version: u.Version}, nil
    }
    r.log.Warn("update out of sequence", zap.Int64("local", last), zap.Int64("received", u.Version))
    r.startRecovery("version gap")
    if r.rec.Buffer(u) { return transport.UpdateResponse{Version: u.Version}, nil }
    return transport.UpdateResponse{Version: last}, errs.Unavailable("update", recovery.ErrInProgress)
}

func (r *ReplicaController) status(cs state.ClusterState) CoreStatus {
    st := CoreStatus{
        Name: r.spec.CoreName(), Collection: r.spec.Collection, Shard: r.spec.Shard, Replica: r.spec.Replica,
        Leader: r.Leads(), Recovering: r.rec.Recovering(),
    }
    if col := cs.Collections[r.spec.Collection]; col != nil {
        if s := col.Shard(r.spec.Shard, false); s != nil {
            if me := s.Replicas[r.spec.Replica]; me != nil { st.State = me.State }
        }
    }
    st.Version, _ = r.core.LastVersion()
    st.NumDocs, _ = r.core.NumDocs()
    return st
}

// close waits for a running recovery, bounded by ctx, then closes the core.
func (r *ReplicaController) close(ctx context.Context) error {
    done := make(chan struct{})
    go func() {
        r.recWG.Wait()
        close(done)
    }()
    select {
    case <-done:
    case <-ctx.Done():
        return ctx.Err()
    }
    return r.core.Close()
}
