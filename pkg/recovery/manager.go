package recovery

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/cenkalti/backoff/v5"
    "github.com/puzpuzpuz/xsync/v4"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

var (
    ErrRecoveryFailed = errors.New("recovery: failed")
    ErrInProgress     = errors.New("recovery: already in progress")
    // ErrBufferGap means updates buffered during recovery do not continue
    // from the recovered version.
    ErrBufferGap = errors.New("recovery: buffered updates leave a gap")
)

// SourceFunc returns the replica to recover from.
type SourceFunc func(ctx context.Context) (*state.Replica, error)

// PublishFunc publishes the local replica's state and version through the
// coordinator.
type PublishFunc func(ctx context.Context, st state.ReplicaState, version int64) error

type Options struct {
    InitialInterval time.Duration `yaml:"initialInterval"`
    MaxInterval     time.Duration `yaml:"maxInterval"`
    MaxAttempts     uint          `yaml:"maxAttempts"`
    BlockSize       int           `yaml:"blockSize"`
}

func (o *Options) setDefaults() {
    if o.InitialInterval <= 0 { o.InitialInterval = 500 * time.Millisecond }
    if o.MaxInterval <= 0 { o.MaxInterval = 10 * time.Second }
    if o.MaxAttempts == 0 { o.MaxAttempts = 5 }
    if o.BlockSize <= 0 { o.BlockSize = 500 }
}

// Manager recovers one replica's core. Recover runs at most once at a time.
type Manager struct {
    core    *core.Core
    source  SourceFunc
    client  transport.RecoveryClient
    publish PublishFunc
    opts    Options
    log     *zap.Logger

    mu         sync.RWMutex
    recovering bool
    buffer     *xsync.Map[int64, core.Update]
}

func NewManager(c *core.Core, source SourceFunc, client transport.RecoveryClient, publish PublishFunc, opts Options, log *zap.Logger) *Manager {
    opts.setDefaults()
    if log == nil { log = zap.NewNop() }
    return &Manager{
        core: c, source: source, client: client, publish: publish, opts: opts,
        log:    log.Named("recovery").With(zap.String("core", c.Name())),
        buffer: xsync.NewMap[int64, core.Update](),
    }
}

// Recovering reports whether a recovery is running.
func (m *Manager) Recovering() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.recovering
}

// Buffer holds u for replay when a recovery is running and reports whether
// it did. Callers apply u themselves when it returns false.
func (m *Manager) Buffer(u core.Update) bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if !m.recovering { return false }
    m.buffer.Store(u.Version, u)
    return true
}

// Begin enters recovery mode so that Buffer starts holding updates. It
// reports false when a recovery is already running. Run must follow.
func (m *Manager) Begin() bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.recovering { return false }
    m.recovering = true
    return true
}

// finish replays buffered updates above the local version and leaves
// recovery mode in one step, so no update lands between the two.
func (m *Manager) finish() (int64, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    last, err := m.replay()
    if err != nil { return last, err }
    m.recovering = false
    return last, nil
}

// Abandon leaves recovery mode after a Begin that will not be followed by
// Run. Buffered updates are dropped.
func (m *Manager) Abandon() { m.abort() }

func (m *Manager) abort() {
    m.mu.Lock()
    m.recovering = false
    m.buffer.Clear()
    m.mu.Unlock()
}

func (m *Manager) replay() (int64, error) {
    last, err := m.core.LastVersion()
    if err != nil { return 0, err }
    var pending []core.Update
    m.buffer.Range(func(v int64, u core.Update) bool {
        if v > last { pending = append(pending, u) }
        return true
    })
    sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
    for _, u := range pending {
        if u.Version != last+1 { return last, fmt.Errorf("%w: at %d, next buffered %d", ErrBufferGap, last, u.Version) }
        if err := m.core.Apply(u); err != nil { return last, err }
        last = u.Version
    }
    m.buffer.Clear()
    return last, nil
}

// Recover runs the recovery state machine until the replica is ACTIVE or the
// attempts are exhausted, in which case the replica is left RECOVERY_FAILED
// and the returned error wraps ErrRecoveryFailed.
func (m *Manager) Recover(ctx context.Context) (Strategy, error) {
    if !m.Begin() { return "", ErrInProgress }
    return m.Run(ctx)
}

// Run is Recover for a caller that already holds Begin.
func (m *Manager) Run(ctx context.Context) (Strategy, error) {
    ctx, end := tracing.StartSpan(ctx, "recovery.recover", "core", m.core.Name())
    defer end()

    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = m.opts.InitialInterval
    bo.MaxInterval = m.opts.MaxInterval
    attempt := 0
    strat, err := backoff.Retry(ctx, func() (Strategy, error) {
        attempt++
        s, err := m.attempt(ctx)
        if err == nil { return s, nil }
        m.log.Warn("recovery attempt failed", zap.Int("attempt", attempt), zap.Error(err))
        if ctx.Err() != nil { return "", backoff.Permanent(ctx.Err()) }
        v, _ := m.core.LastVersion()
        if perr := m.publish(ctx, state.RecoveryFailed, v); perr != nil {
            m.log.Warn("publish recovery_failed", zap.Error(perr))
        }
        return "", err
    }, backoff.WithBackOff(bo), backoff.WithMaxTries(m.opts.MaxAttempts))
    if err != nil {
        m.abort()
        return "", fmt.Errorf("%w after %d attempts: %w", ErrRecoveryFailed, attempt, err)
    }
    return strat, nil
}

func (m *Manager) attempt(ctx context.Context) (Strategy, error) {
    last, err := m.core.LastVersion()
    if err != nil { return "", err }
    if err := m.publish(ctx, state.Recovering, last); err != nil { return "", err }

    src, err := m.source(ctx)
    if err != nil { return "", err }
    lastTerm, _, err := m.core.TermAt(last)
    if err != nil { return "", err }
    // from last itself, so the leader's entry at last can be compared
    since := last - 1
    if since < 0 { since = 0 }
    tail, err := m.client.GetUpdateLogTail(ctx, src.RecoveryAddr, transport.TailRequest{Core: src.Core, Since: since})
    if err != nil { return "", errs.SourceUnavailable(src.ID, err) }
    if !tail.Leader { return "", errs.SourceUnavailable(src.ID, errors.New("source no longer leads")) }

    strat, reason := Decide(last, lastTerm, tail.Tail)
    if reason != nil { m.log.Info("peer-sync not possible", zap.Error(reason)) }
    if strat == PeerSync {
        if err := m.peerSync(last, tail.Tail); err != nil {
            m.log.Warn("peer-sync failed, falling back", zap.Error(err))
            strat = FullRecovery
        }
    }
    if strat == FullRecovery {
        if err := m.full(ctx, src); err != nil {
            metrics.RecoveryAttempts.WithLabelValues(string(strat), "error").Inc()
            return "", err
        }
    }

    v, err := m.finish()
    if err != nil {
        metrics.RecoveryAttempts.WithLabelValues(string(strat), "error").Inc()
        return "", err
    }
    if err := m.publish(ctx, state.Active, v); err != nil {
        // Back to recovery mode until ACTIVE is published; a retry starts
        // from the recovered version.
        m.mu.Lock()
        m.recovering = true
        m.mu.Unlock()
        metrics.RecoveryAttempts.WithLabelValues(string(strat), "error").Inc()
        return "", err
    }
    metrics.RecoveryAttempts.WithLabelValues(string(strat), "ok").Inc()
    m.log.Info("recovered", zap.String("strategy", string(strat)), zap.Int64("version", v))
    return strat, nil
}

func (m *Manager) peerSync(last int64, t core.Tail) error {
    for _, u := range t.Entries {
        if u.Version <= last { continue }
        if err := m.core.Apply(u); err != nil { return err }
    }
    return nil
}

func (m *Manager) full(ctx context.Context, src *state.Replica) error {
    var docs []core.Doc
    version, err := m.client.GetSnapshot(ctx, src.RecoveryAddr, transport.SnapshotRequest{Core: src.Core, BlockSize: m.opts.BlockSize},
        func(block []core.Doc) error {
            docs = append(docs, block...)
            return nil
        })
    if err != nil { return errs.SourceUnavailable(src.ID, err) }
    return m.core.ReplaceAll(docs, version)
}
