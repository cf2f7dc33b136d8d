package queue

import (
    "context"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/memstore"
)

func newQueue(t *testing.T, srv *memstore.Server) (*Queue, *memstore.Client) {
    t.Helper()
    c := srv.Connect()
    t.Cleanup(func() { _ = c.Close() })
    q := New(c)
    require.NoError(t, q.Init(context.Background()))
    return q, c
}

func TestQueue_CompletedRoundTrip(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    submitter, _ := newQueue(t, srv)
    consumer, _ := newQueue(t, srv)

    f, err := submitter.Enqueue(ctx, Message{Operation: "create", Params: map[string]string{"name": "a"}})
    require.NoError(t, err)

    e, err := consumer.Peek(ctx, false)
    require.NoError(t, err)
    require.NotNil(t, e)
    assert.Equal(t, f.Seq, e.Seq)
    assert.Equal(t, "a", e.Message.Param("name"))

    require.NoError(t, consumer.Complete(ctx, e, Result{Payload: map[string]string{"ok": "1"}}))
    out := f.Await(ctx, 5*time.Second)
    require.Equal(t, Completed, out.Kind)
    assert.Equal(t, "1", out.Result.Payload["ok"])
    assert.Equal(t, "create", out.Result.Operation)
    assert.NoError(t, out.Err("create"))

    empty, err := consumer.Peek(ctx, false)
    require.NoError(t, err)
    assert.Nil(t, empty)
}

func TestQueue_PeekFollowsSequenceOrder(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    q, _ := newQueue(t, srv)

    var wg sync.WaitGroup
    for i := 0; i < 10; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            _, err := q.Enqueue(ctx, Message{Operation: "noop"})
            assert.NoError(t, err)
        }()
    }
    wg.Wait()

    prev := int64(-1)
    for i := 0; i < 10; i++ {
        e, err := q.Peek(ctx, false)
        require.NoError(t, err)
        require.NotNil(t, e)
        assert.Greater(t, e.Seq, prev)
        prev = e.Seq
        require.NoError(t, q.Complete(ctx, e, Result{}))
    }
}

func TestQueue_TimeoutThenLateResult(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    q, _ := newQueue(t, srv)

    f, err := q.Enqueue(ctx, Message{Operation: "create"})
    require.NoError(t, err)
    out := f.Await(ctx, 100*time.Millisecond)
    require.Equal(t, TimedOut, out.Kind)
    err = out.Err("create")
    assert.ErrorIs(t, err, errs.ErrQueueTimeout)
    assert.Contains(t, err.Error(), "create the configset time out:0s")

    // the entry is still queued and is applied once
    e, err := q.Peek(ctx, false)
    require.NoError(t, err)
    require.Equal(t, f.Seq, e.Seq)
    require.NoError(t, q.Complete(ctx, e, Result{Message: "late"}))
    require.NoError(t, q.Complete(ctx, e, Result{Message: "again"}))

    late, err := q.AwaitResult(ctx, f.Seq, "create", time.Second)
    require.NoError(t, err)
    require.Equal(t, Completed, late.Kind)
    assert.Equal(t, "late", late.Result.Message)

    require.NoError(t, q.Ack(ctx, f.Seq))
    has, err := q.HasResult(ctx, f.Seq)
    require.NoError(t, err)
    assert.False(t, has)
}

func TestQueue_SessionExpiryIsWatchFault(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    q, c := newQueue(t, srv)

    f, err := q.Enqueue(ctx, Message{Operation: "delete"})
    require.NoError(t, err)
    go func() {
        time.Sleep(50 * time.Millisecond)
        c.Expire()
    }()
    out := f.Await(ctx, 5*time.Second)
    require.Equal(t, WatchFault, out.Kind)
    assert.Equal(t, store.StateExpired, out.Event.State)
    err = out.Err("delete")
    assert.ErrorIs(t, err, errs.ErrStoreWatchFault)
    assert.Contains(t, err.Error(), "[Watcher fired on path: /coordinator/results/qnr-")
}

func TestQueue_CancelledWaitIsUnknown(t *testing.T) {
    srv := memstore.NewServer()
    q, _ := newQueue(t, srv)
    f, err := q.Enqueue(context.Background(), Message{Operation: "create"})
    require.NoError(t, err)

    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    out := f.Await(ctx, 5*time.Second)
    require.Equal(t, Unknown, out.Kind)
    err = out.Err("create")
    assert.ErrorIs(t, err, errs.ErrUnknownWait)
    assert.Contains(t, err.Error(), "unknown case")
}

func TestQueue_FailedResultCarriesApplyError(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    q, _ := newQueue(t, srv)
    out := make(chan Outcome, 1)
    go func() {
        o, err := q.Offer(ctx, Message{Operation: "create"}, 5*time.Second)
        assert.NoError(t, err)
        out <- o
    }()
    e, err := q.Peek(ctx, true)
    require.NoError(t, err)
    require.NoError(t, q.Complete(ctx, e, Result{ErrorCode: string(errs.CodeBadRequest), Message: "ConfigSet already exists: a"}))

    o := <-out
    require.Equal(t, Completed, o.Kind)
    err = o.Err("create")
    assert.ErrorIs(t, err, errs.ErrApply)
    assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func TestQueue_PeekBlocksUntilEntry(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    srv := memstore.NewServer()
    q, _ := newQueue(t, srv)

    var got atomic.Int64
    done := make(chan struct{})
    go func() {
        defer close(done)
        e, err := q.Peek(ctx, true)
        if assert.NoError(t, err) { got.Store(e.Seq) }
    }()
    time.Sleep(50 * time.Millisecond)
    f, err := q.Enqueue(ctx, Message{Operation: "noop"})
    require.NoError(t, err)
    <-done
    assert.Equal(t, f.Seq, got.Load())
}

func TestQueue_PurgeResults(t *testing.T) {
    ctx := context.Background()
    now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
    var clock atomic.Pointer[time.Time]
    clock.Store(&now)
    srv := memstore.NewServer(memstore.WithClock(func() time.Time { return *clock.Load() }))
    q, _ := newQueue(t, srv)

    for i := 0; i < 3; i++ {
        _, err := q.Enqueue(ctx, Message{Operation: "noop"})
        require.NoError(t, err)
        e, err := q.Peek(ctx, false)
        require.NoError(t, err)
        require.NoError(t, q.Complete(ctx, e, Result{}))
        later := clock.Load().Add(time.Minute)
        clock.Store(&later)
    }
    n, err := q.PurgeResults(ctx, now.Add(90*time.Second))
    require.NoError(t, err)
    assert.Equal(t, 2, n)
    left, err := q.Results(ctx)
    require.NoError(t, err)
    assert.Len(t, left, 1)
}
