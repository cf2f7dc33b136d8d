package queue

import (
    "context"
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// OutcomeKind distinguishes how a wait ended.
type OutcomeKind int

const (
    Completed OutcomeKind = iota
    TimedOut
    WatchFault
    Unknown
)

func (k OutcomeKind) String() string {
    switch k {
    case Completed:
        return "completed"
    case TimedOut:
        return "timed_out"
    case WatchFault:
        return "watch_fault"
    default:
        return "unknown"
    }
}

// Outcome is the result of Future.Await. Result is set for Completed, Event
// for WatchFault and Cause for Unknown.
type Outcome struct {
    Kind   OutcomeKind
    Seq    int64
    Result *Result
    Event  store.Event
    Bound  time.Duration
    Cause  error
}

// Err maps a non-completed outcome to its classified error, and a completed
// one to the result's apply error (nil on success).
func (o Outcome) Err(op string) error {
    switch o.Kind {
    case Completed:
        if o.Result == nil { return nil }
        return o.Result.Err()
    case TimedOut:
        return errs.QueueTimeout(op, o.Bound)
    case WatchFault:
        return errs.StoreWatchFault(op, o.Event.Path, string(o.Event.State), string(o.Event.Type))
    default:
        return errs.UnknownWait(op, o.Cause)
    }
}

// Future is a pending queue submission.
type Future struct {
    q          *Queue
    Seq        int64
    Operation  string
    resultPath string
    events     <-chan store.Event
    present    bool
}

// Await waits up to timeout for the entry's result. The entry stays queued
// whatever the outcome; a late result remains readable via AwaitResult until
// it is acknowledged or swept.
func (f *Future) Await(ctx context.Context, timeout time.Duration) Outcome {
    o := f.await(ctx, timeout)
    metrics.QueueAwait.WithLabelValues(o.Kind.String()).Inc()
    if o.Kind != Completed {
        f.q.log.Warn("await ended without result",
            zap.String("operation", f.Operation), zap.Int64("seq", f.Seq),
            zap.String("outcome", o.Kind.String()), zap.Error(o.Err(f.Operation)))
    }
    return o
}

func (f *Future) await(ctx context.Context, timeout time.Duration) Outcome {
    base := Outcome{Seq: f.Seq, Bound: timeout}
    if f.present { return f.completed(ctx, base) }
    timer := time.NewTimer(timeout)
    defer timer.Stop()

    var fired *store.Event
    for {
        select {
        case ev := <-f.events:
            switch ev.Type {
            case store.EventCreated, store.EventDataChanged:
                return f.completed(ctx, base)
            default:
                // The watch fired without a result, so it cannot be re-armed
                // on the same channel. Keep waiting for the bound on a fresh
                // watch, remembering the stray event for the report.
                e := ev
                fired = &e
                if ev.Type == store.EventNone && ev.State != store.StateDisconnected {
                    base.Kind, base.Event = WatchFault, ev
                    return base
                }
                st, ch, err := f.q.c.ExistsW(ctx, f.resultPath)
                if err != nil {
                    base.Kind, base.Event = WatchFault, ev
                    return base
                }
                if st != nil { return f.completed(ctx, base) }
                f.events = ch
            }
        case <-timer.C:
            // the result may have landed at the deadline
            if ok, _ := f.q.HasResult(context.WithoutCancel(ctx), f.Seq); ok {
                return f.completed(context.WithoutCancel(ctx), base)
            }
            base.Kind = TimedOut
            return base
        case <-ctx.Done():
            if fired != nil {
                base.Kind, base.Event = WatchFault, *fired
                return base
            }
            base.Kind, base.Cause = Unknown, ctx.Err()
            return base
        }
    }
}

func (f *Future) completed(ctx context.Context, base Outcome) Outcome {
    r, err := f.q.readResult(ctx, f.Seq)
    if err != nil {
        if errors.Is(err, store.ErrNoNode) {
            base.Kind, base.Event = WatchFault, store.Event{Type: store.EventDeleted, State: store.StateConnected, Path: f.resultPath}
            return base
        }
        base.Kind, base.Cause = Unknown, err
        return base
    }
    base.Kind, base.Result = Completed, r
    return base
}
