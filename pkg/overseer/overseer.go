// Package overseer is the cluster coordinator: the single elected consumer of
// the command queue. It applies entries strictly in sequence order, one at a
// time, writes each result before removing the entry and resumes from the
// lowest remaining entry after a failover.
package overseer

import (
    "context"
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/election"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/queue"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// Options configure a coordinator participant.
type Options struct {
    NodeID string
    Logger *zap.Logger

    // ResultTTL is how long results stay readable for late reconciliation.
    ResultTTL     time.Duration
    SweepInterval time.Duration

    // ApplyHook runs before every handler. Tests use it to slow the
    // coordinator down.
    ApplyHook func(ctx context.Context, e *queue.Entry)
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = zap.NewNop() }
    if o.ResultTTL <= 0 { o.ResultTTL = 10 * time.Minute }
    if o.SweepInterval <= 0 { o.SweepInterval = time.Minute }
}

type Option func(*Options)

func WithLogger(l *zap.Logger) Option              { return func(o *Options) { o.Logger = l } }
func WithResultTTL(ttl, every time.Duration) Option { return func(o *Options) { o.ResultTTL, o.SweepInterval = ttl, every } }

// WithApplyHook injects fn before each handler runs.
func WithApplyHook(fn func(ctx context.Context, e *queue.Entry)) Option {
    return func(o *Options) { o.ApplyHook = fn }
}

type Overseer struct {
    opts    Options
    log     *zap.Logger
    c       store.Client
    q       *queue.Queue
    w       *state.Writer
    configs *configsets.Store
    el      *election.Elector
}

func New(c store.Client, nodeID string, opts ...Option) *Overseer {
    o := Options{NodeID: nodeID}
    for _, fn := range opts { fn(&o) }
    o.setDefaults()
    log := o.Logger.Named("overseer").With(zap.String("node", nodeID))
    ov := &Overseer{
        opts:    o,
        log:     log,
        c:       c,
        q:       queue.New(c, queue.WithLogger(o.Logger)),
        w:       state.NewWriter(c),
        configs: configsets.NewStore(c),
    }
    ov.el = election.New(c, store.ElectionPath, nodeID,
        election.WithLogger(o.Logger), election.OnElected(ov.lead))
    return ov
}

// Elector exposes the coordinator election, e.g. for status reporting.
func (o *Overseer) Elector() *election.Elector { return o.el }

// Run takes part in the coordinator election until ctx ends or the session
// expires. While elected it consumes the queue.
func (o *Overseer) Run(ctx context.Context) error {
    if err := o.q.Init(ctx); err != nil { return err }
    return o.el.Run(ctx)
}

func (o *Overseer) lead(ctx context.Context, t election.Term) {
    metrics.IsCoordinator.Set(1)
    defer metrics.IsCoordinator.Set(0)
    o.log.Info("coordinator elected", zap.Int64("term", t.Seq))

    if err := o.configs.Bootstrap(ctx); err != nil && ctx.Err() == nil {
        o.log.Warn("bootstrap of default config set failed", zap.Error(err))
    }
    go o.sweep(ctx)
    go o.watchLiveNodes(ctx)

    for {
        e, err := o.q.Peek(ctx, true)
        if err != nil {
            if ctx.Err() != nil || errors.Is(err, store.ErrSessionExpired) { return }
            o.log.Warn("queue peek failed", zap.Error(err))
            select {
            case <-ctx.Done():
                return
            case <-time.After(200 * time.Millisecond):
            }
            continue
        }
        if err := o.process(ctx, e); err != nil {
            if ctx.Err() != nil { return }
            o.log.Warn("entry processing failed, retrying", zap.Int64("seq", e.Seq), zap.Error(err))
            select {
            case <-ctx.Done():
                return
            case <-time.After(200 * time.Millisecond):
            }
        }
    }
}

// process applies one entry. Entries that already have a result were applied
// by a previous coordinator that died before removing them.
func (o *Overseer) process(ctx context.Context, e *queue.Entry) error {
    done, err := o.q.HasResult(ctx, e.Seq)
    if err != nil { return err }
    if done {
        o.log.Info("entry already applied, removing", zap.Int64("seq", e.Seq))
        return o.q.Remove(ctx, e)
    }
    res := o.apply(ctx, e)
    if ctx.Err() != nil { return ctx.Err() }
    return o.q.Complete(ctx, e, res)
}

func (o *Overseer) apply(ctx context.Context, e *queue.Entry) queue.Result {
    op := Operation(e.Message.Operation)
    ctx, end := tracing.StartSpan(ctx, "overseer.apply", "operation", string(op))
    defer end()
    if o.opts.ApplyHook != nil { o.opts.ApplyHook(ctx, e) }

    h, ok := handlers[op]
    if !ok {
        err := errs.UnknownOperation(string(op))
        metrics.CoordinatorApplied.WithLabelValues(string(op), "unknown").Inc()
        return queue.Result{ErrorCode: string(err.Code), Message: err.Message}
    }
    payload, err := h(ctx, o, e)
    if err != nil {
        metrics.CoordinatorApplied.WithLabelValues(string(op), "error").Inc()
        o.log.Info("apply failed", zap.String("operation", string(op)), zap.Int64("seq", e.Seq), zap.Error(err))
        msg := err.Error()
        var ee *errs.Error
        if errors.As(err, &ee) { msg = ee.Message }
        return queue.Result{Payload: payload, ErrorCode: string(errs.CodeOf(err)), Message: msg}
    }
    metrics.CoordinatorApplied.WithLabelValues(string(op), "ok").Inc()
    o.log.Debug("applied", zap.String("operation", string(op)), zap.Int64("seq", e.Seq))
    return queue.Result{Payload: payload}
}

func (o *Overseer) sweep(ctx context.Context) {
    t := time.NewTicker(o.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        n, err := o.q.PurgeResults(ctx, time.Now().Add(-o.opts.ResultTTL))
        if err != nil && ctx.Err() == nil { o.log.Warn("result sweep failed", zap.Error(err)) }
        if n > 0 {
            metrics.CoordinatorResultsPurged.Add(float64(n))
            o.log.Debug("results purged", zap.Int("count", n))
        }
    }
}

// watchLiveNodes turns the disappearance of a /live_nodes entry into a
// state_downnode entry. On takeover it also catches nodes that died while
// there was no coordinator.
func (o *Overseer) watchLiveNodes(ctx context.Context) {
    if err := store.MakePath(ctx, o.c, store.LiveNodesPath); err != nil { return }
    for {
        kids, ch, err := o.c.ChildrenW(ctx, store.LiveNodesPath)
        if err != nil { return }
        live := make(map[string]bool, len(kids))
        for _, k := range kids { live[k] = true }
        for _, node := range o.nodesNeedingDown(ctx, live) {
            o.log.Info("node left, marking replicas down", zap.String("down_node", node))
            if _, err := o.q.Enqueue(ctx, queue.Message{Operation: string(OpDownNode), Params: map[string]string{ParamNode: node}}); err != nil {
                o.log.Warn("enqueue downnode failed", zap.String("down_node", node), zap.Error(err))
            }
        }
        select {
        case <-ctx.Done():
            return
        case <-ch:
        }
    }
}

func (o *Overseer) nodesNeedingDown(ctx context.Context, live map[string]bool) []string {
    names, err := state.Names(ctx, o.c)
    if err != nil { return nil }
    seen := map[string]bool{}
    var out []string
    for _, n := range names {
        col, err := state.Read(ctx, o.c, n)
        if err != nil { continue }
        for _, s := range col.Shards {
            for _, r := range s.Replicas {
                if live[r.Node] || seen[r.Node] { continue }
                if r.State == state.Down && !r.Leader { continue }
                seen[r.Node] = true
                out = append(out, r.Node)
            }
        }
    }
    return out
}
