package shardhandler

import (
    "context"
    "errors"
    "fmt"
    "sync"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"
    "golang.org/x/sync/semaphore"

    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
)

var ErrExecutorClosed = errors.New("shardhandler: executor shut down")

// Task is a unit of pool work. Errors are logged, not collected.
type Task func(ctx context.Context) error

// Executor is a bounded task pool.
//
// Interruptible pools cancel the context of running tasks at shutdown; the
// update pool is one, its tasks only forward requests. Non-interruptible
// pools hand tasks a context that shutdown never cancels and wait for them
// to finish; the recovery pool is one, since its tasks rewrite a core and
// must not stop halfway.
type Executor struct {
    name          string
    interruptible bool
    log           *zap.Logger

    base   context.Context
    cancel context.CancelFunc
    // closing ends slot waits at shutdown, for every pool kind.
    closing context.Context
    stop    context.CancelFunc

    slots *semaphore.Weighted // nil when unbounded

    mu     sync.Mutex
    closed bool
    g      errgroup.Group
}

func NewExecutor(name string, size int, interruptible bool, log *zap.Logger) *Executor {
    if log == nil { log = zap.NewNop() }
    base, cancel := context.WithCancel(context.Background())
    closing, stop := context.WithCancel(context.Background())
    e := &Executor{name: name, interruptible: interruptible, log: log.Named(name),
        base: base, cancel: cancel, closing: closing, stop: stop}
    if size > 0 { e.slots = semaphore.NewWeighted(int64(size)) }
    return e
}

func (e *Executor) Name() string        { return e.name }
func (e *Executor) Interruptible() bool { return e.interruptible }

// Submit runs t on the pool, blocking while the pool is full. A wait for a
// slot ends with ErrExecutorClosed when the pool shuts down.
func (e *Executor) Submit(t Task) error { return e.submit(context.Background(), t) }

func (e *Executor) submit(wait context.Context, t Task) error {
    if e.slots != nil {
        wctx, cancel := context.WithCancel(wait)
        defer cancel()
        stop := context.AfterFunc(e.closing, cancel)
        defer stop()
        if err := e.slots.Acquire(wctx, 1); err != nil {
            if e.closing.Err() != nil { return ErrExecutorClosed }
            return err
        }
    }
    release := func() { if e.slots != nil { e.slots.Release(1) } }

    e.mu.Lock()
    defer e.mu.Unlock()
    if e.closed {
        release()
        return ErrExecutorClosed
    }
    ctx := e.base
    if !e.interruptible { ctx = context.WithoutCancel(e.base) }
    e.g.Go(func() error {
        defer release()
        e.run(ctx, t)
        return nil
    })
    return nil
}

// Do runs t on the pool and waits for its result. t sees a context that ends
// with ctx or, for interruptible pools, at shutdown.
func (e *Executor) Do(ctx context.Context, t Task) error {
    done := make(chan error, 1)
    err := e.submit(ctx, func(pctx context.Context) (err error) {
        tctx, cancel := context.WithCancel(ctx)
        defer cancel()
        stop := context.AfterFunc(pctx, cancel)
        defer stop()
        defer func() {
            if p := recover(); p != nil {
                done <- fmt.Errorf("panic: %v", p)
                panic(p)
            }
            done <- err
        }()
        return t(tctx)
    })
    if err != nil { return err }
    select {
    case err := <-done:
        return err
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (e *Executor) run(ctx context.Context, t Task) {
    result := "ok"
    defer func() {
        if r := recover(); r != nil {
            result = "panic"
            e.log.Error("task panicked", zap.Any("panic", r))
        }
        metrics.ExecutorTasks.WithLabelValues(e.name, result).Inc()
    }()
    if err := t(ctx); err != nil {
        result = "error"
        e.log.Warn("task failed", zap.Error(err))
    }
}

// Shutdown stops accepting tasks, cancels running ones when the pool is
// interruptible, and waits for them until ctx ends.
func (e *Executor) Shutdown(ctx context.Context) error {
    if e.interruptible { e.cancel() }
    e.stop()
    e.mu.Lock()
    e.closed = true
    e.mu.Unlock()

    done := make(chan struct{})
    go func() {
        _ = e.g.Wait()
        close(done)
    }()
    select {
    case <-done:
        e.cancel()
        return nil
    case <-ctx.Done():
        return fmt.Errorf("shardhandler: %s pool still busy: %w", e.name, ctx.Err())
    }
}
