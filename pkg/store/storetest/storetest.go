// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
    "context"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// Harness creates connected clients for a backend. Expire, when non-nil,
// ends a client's session the way a crash or partition would.
type Harness struct {
    Connect func(t *testing.T) store.Client
    Expire  func(t *testing.T, c store.Client)
}

// WaitEvent receives one event or fails the test after d.
func WaitEvent(t *testing.T, ch <-chan store.Event, d time.Duration) store.Event {
    t.Helper()
    select {
    case ev := <-ch:
        return ev
    case <-time.After(d):
        t.Fatalf("no watch event within %s", d)
    }
    return store.Event{}
}

// Run executes the suite against h.
func Run(t *testing.T, h Harness) {
    t.Run("CRUD", func(t *testing.T) { testCRUD(t, h) })
    t.Run("SequentialConcurrent", func(t *testing.T) { testSequential(t, h) })
    t.Run("EphemeralLifecycle", func(t *testing.T) { testEphemeral(t, h) })
    t.Run("Watches", func(t *testing.T) { testWatches(t, h) })
    if h.Expire != nil {
        t.Run("ExpiryFiresWatches", func(t *testing.T) { testExpiry(t, h) })
    }
}

func testCRUD(t *testing.T, h Harness) {
    ctx := context.Background()
    c := h.Connect(t)
    defer c.Close()

    require.NoError(t, store.MakePath(ctx, c, "/crud/a"))
    _, err := c.Create(ctx, "/crud/a", nil, store.Persistent)
    require.ErrorIs(t, err, store.ErrNodeExists)
    _, err = c.Create(ctx, "/crud/none/x", nil, store.Persistent)
    require.ErrorIs(t, err, store.ErrNoParent)

    st, err := c.Set(ctx, "/crud/a", []byte("one"), 0)
    require.NoError(t, err)
    assert.EqualValues(t, 1, st.Version)
    _, err = c.Set(ctx, "/crud/a", []byte("two"), 0)
    require.ErrorIs(t, err, store.ErrBadVersion)

    n, err := c.Get(ctx, "/crud/a")
    require.NoError(t, err)
    assert.Equal(t, "one", string(n.Data))

    require.ErrorIs(t, c.Delete(ctx, "/crud", store.AnyVersion), store.ErrNotEmpty)
    require.NoError(t, c.Delete(ctx, "/crud/a", 1))
    st, err = c.Exists(ctx, "/crud/a")
    require.NoError(t, err)
    assert.Nil(t, st)
    _, err = c.Get(ctx, "/crud/a")
    require.ErrorIs(t, err, store.ErrNoNode)
}

func testSequential(t *testing.T, h Harness) {
    ctx := context.Background()
    c := h.Connect(t)
    defer c.Close()
    require.NoError(t, store.MakePath(ctx, c, "/seq"))

    const n = 16
    var (
        wg    sync.WaitGroup
        mu    sync.Mutex
        paths = map[string]bool{}
    )
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            p, err := c.Create(ctx, "/seq/qn-", []byte(fmt.Sprint(i)), store.PersistentSequential)
            assert.NoError(t, err)
            mu.Lock()
            paths[p] = true
            mu.Unlock()
        }(i)
    }
    wg.Wait()
    require.Len(t, paths, n)

    kids, err := c.Children(ctx, "/seq")
    require.NoError(t, err)
    store.SortBySequence(kids)
    require.Len(t, kids, n)
    prev := int64(-1)
    for _, k := range kids {
        s, err := store.SequenceOf(k)
        require.NoError(t, err)
        assert.Greater(t, s, prev)
        prev = s
    }
}

func testEphemeral(t *testing.T, h Harness) {
    ctx := context.Background()
    owner := h.Connect(t)
    observer := h.Connect(t)
    defer observer.Close()
    require.NoError(t, store.MakePath(ctx, observer, "/eph"))

    p, err := owner.Create(ctx, "/eph/n_", []byte("me"), store.EphemeralSequential)
    require.NoError(t, err)
    st, ch, err := observer.ExistsW(ctx, p)
    require.NoError(t, err)
    require.NotNil(t, st)
    assert.True(t, st.Ephemeral)

    require.NoError(t, owner.Close())
    ev := WaitEvent(t, ch, 10*time.Second)
    assert.Equal(t, store.EventDeleted, ev.Type)
    assert.Equal(t, p, ev.Path)

    select {
    case <-owner.Session().Done():
    case <-time.After(5 * time.Second):
        t.Fatalf("session not done after Close")
    }
}

func testWatches(t *testing.T, h Harness) {
    ctx := context.Background()
    c := h.Connect(t)
    defer c.Close()
    require.NoError(t, store.MakePath(ctx, c, "/w"))

    st, created, err := c.ExistsW(ctx, "/w/x")
    require.NoError(t, err)
    require.Nil(t, st)
    kids, childCh, err := c.ChildrenW(ctx, "/w")
    require.NoError(t, err)
    assert.Empty(t, kids)

    _, err = c.Create(ctx, "/w/x", []byte("1"), store.Persistent)
    require.NoError(t, err)
    assert.Equal(t, store.EventCreated, WaitEvent(t, created, 10*time.Second).Type)
    assert.Equal(t, store.EventChildrenChanged, WaitEvent(t, childCh, 10*time.Second).Type)

    _, dataCh, err := c.GetW(ctx, "/w/x")
    require.NoError(t, err)
    _, err = c.Set(ctx, "/w/x", []byte("2"), store.AnyVersion)
    require.NoError(t, err)
    ev := WaitEvent(t, dataCh, 10*time.Second)
    assert.Equal(t, store.EventDataChanged, ev.Type)
    assert.Equal(t, "/w/x", ev.Path)
}

func testExpiry(t *testing.T, h Harness) {
    ctx := context.Background()
    c := h.Connect(t)
    other := h.Connect(t)
    defer other.Close()
    require.NoError(t, store.MakePath(ctx, other, "/exp"))

    _, ch, err := c.ExistsW(ctx, "/exp/never")
    require.NoError(t, err)
    p, err := c.Create(ctx, "/exp/n_", nil, store.EphemeralSequential)
    require.NoError(t, err)

    h.Expire(t, c)
    ev := WaitEvent(t, ch, 15*time.Second)
    assert.Equal(t, store.EventNone, ev.Type)
    assert.Equal(t, store.StateExpired, ev.State)

    require.Eventually(t, func() bool {
        st, err := other.Exists(ctx, p)
        return err == nil && st == nil
    }, 15*time.Second, 50*time.Millisecond)

    _, err = c.Create(ctx, "/exp/again", nil, store.Persistent)
    assert.Error(t, err)
}
