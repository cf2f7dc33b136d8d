package tree

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-shardcoord/pkg/store"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func mustApply(t *testing.T, tr *Tree, op Op) Result {
    t.Helper()
    if op.Now.IsZero() { op.Now = t0 }
    res, _ := tr.Apply(op)
    require.NoError(t, res.Error(), "apply %s %s", op.Kind, op.Path)
    return res
}

func TestTree_CreateSequentialAndErrors(t *testing.T) {
    tr := New()
    mustApply(t, tr, Op{Kind: OpCreate, Path: "/q"})

    r1 := mustApply(t, tr, Op{Kind: OpCreate, Path: "/q/qn-", Mode: store.PersistentSequential, Data: []byte("a")})
    r2 := mustApply(t, tr, Op{Kind: OpCreate, Path: "/q/qn-", Mode: store.PersistentSequential, Data: []byte("b")})
    assert.Equal(t, "/q/qn-0000000000", r1.Path)
    assert.Equal(t, "/q/qn-0000000001", r2.Path)

    res, _ := tr.Apply(Op{Kind: OpCreate, Path: "/missing/child", Now: t0})
    assert.ErrorIs(t, res.Error(), store.ErrNoParent)
    res, _ = tr.Apply(Op{Kind: OpCreate, Path: "/q", Now: t0})
    assert.ErrorIs(t, res.Error(), store.ErrNodeExists)
    res, _ = tr.Apply(Op{Kind: OpDelete, Path: "/q", Version: store.AnyVersion})
    assert.ErrorIs(t, res.Error(), store.ErrNotEmpty)

    kids, err := tr.Children("/q")
    require.NoError(t, err)
    assert.Equal(t, []string{"qn-0000000000", "qn-0000000001"}, kids)
}

func TestTree_SetVersions(t *testing.T) {
    tr := New()
    mustApply(t, tr, Op{Kind: OpCreate, Path: "/a", Data: []byte("1")})
    res := mustApply(t, tr, Op{Kind: OpSet, Path: "/a", Data: []byte("2"), Version: 0})
    assert.EqualValues(t, 1, res.Stat.Version)

    bad, _ := tr.Apply(Op{Kind: OpSet, Path: "/a", Data: []byte("3"), Version: 0, Now: t0})
    assert.ErrorIs(t, bad.Error(), store.ErrBadVersion)

    n, err := tr.Get("/a")
    require.NoError(t, err)
    assert.Equal(t, "2", string(n.Data))
}

func TestTree_CloseSessionRemovesEphemerals(t *testing.T) {
    tr := New()
    mustApply(t, tr, Op{Kind: OpCreate, Path: "/e"})
    res, _ := tr.Apply(Op{Kind: OpCreate, Path: "/e/n_", Mode: store.EphemeralSequential, Session: "s1", Now: t0})
    assert.ErrorIs(t, res.Error(), store.ErrSessionExpired)

    mustApply(t, tr, Op{Kind: OpOpenSession, Session: "s1", TTL: time.Second})
    mustApply(t, tr, Op{Kind: OpOpenSession, Session: "s2", TTL: time.Second})
    a := mustApply(t, tr, Op{Kind: OpCreate, Path: "/e/n_", Mode: store.EphemeralSequential, Session: "s1"})
    b := mustApply(t, tr, Op{Kind: OpCreate, Path: "/e/n_", Mode: store.EphemeralSequential, Session: "s2"})

    child, _ := tr.Apply(Op{Kind: OpCreate, Path: a.Path + "/x", Now: t0})
    assert.ErrorIs(t, child.Error(), store.ErrNoChildrenForEphemerals)

    _, evs := tr.Apply(Op{Kind: OpCloseSession, Session: "s1", Now: t0})
    require.Len(t, evs, 2)
    assert.Equal(t, store.Event{Type: store.EventDeleted, State: store.StateConnected, Path: a.Path}, evs[0])
    assert.Nil(t, tr.Exists(a.Path))
    assert.NotNil(t, tr.Exists(b.Path))
    assert.False(t, tr.HasSession("s1"))
}

func TestTree_ExpiredSessions(t *testing.T) {
    tr := New()
    mustApply(t, tr, Op{Kind: OpOpenSession, Session: "old", TTL: time.Second, Now: t0})
    mustApply(t, tr, Op{Kind: OpOpenSession, Session: "fresh", TTL: time.Second, Now: t0.Add(2 * time.Second)})
    mustApply(t, tr, Op{Kind: OpOpenSession, Session: "forever", Now: t0})
    assert.Equal(t, []store.SessionID{"old"}, tr.Expired(t0.Add(2500*time.Millisecond)))

    mustApply(t, tr, Op{Kind: OpRenewSessions, Now: t0.Add(3 * time.Second)})
    assert.Empty(t, tr.Expired(t0.Add(3500*time.Millisecond)))
}

func TestTree_SnapshotRestoreIsDeterministic(t *testing.T) {
    ops := []Op{
        {Kind: OpOpenSession, Session: "s1", TTL: time.Second},
        {Kind: OpCreate, Path: "/c"},
        {Kind: OpCreate, Path: "/c/shard"},
        {Kind: OpCreate, Path: "/c/shard/n_", Mode: store.EphemeralSequential, Session: "s1"},
        {Kind: OpCreate, Path: "/c-x", Data: []byte("sibling")},
        {Kind: OpSet, Path: "/c", Data: []byte("v"), Version: store.AnyVersion},
    }
    a, b := New(), New()
    for _, op := range ops {
        op.Now = t0
        ra, _ := a.Apply(op)
        rb, _ := b.Apply(op)
        require.Equal(t, ra, rb)
    }
    snapA, err := a.Snapshot()
    require.NoError(t, err)
    snapB, err := b.Snapshot()
    require.NoError(t, err)
    assert.JSONEq(t, string(snapA), string(snapB))

    c := New()
    require.NoError(t, c.Restore(snapA))
    snapC, err := c.Snapshot()
    require.NoError(t, err)
    assert.JSONEq(t, string(snapA), string(snapC))

    // the restored tree keeps the sequence counter and the ephemeral owner
    res := mustApply(t, c, Op{Kind: OpCreate, Path: "/c/shard/n_", Mode: store.EphemeralSequential, Session: "s1"})
    assert.Equal(t, "/c/shard/n_0000000001", res.Path)
    _, evs := c.Apply(Op{Kind: OpCloseSession, Session: "s1", Now: t0})
    assert.Len(t, evs, 4)
}

func TestWatches_FireOnce(t *testing.T) {
    w := NewWatches()
    data := w.AddData("/a", "s1")
    kids := w.AddChild("/", "s1")
    other := w.AddData("/b", "s2")

    w.Trigger([]store.Event{
        {Type: store.EventCreated, State: store.StateConnected, Path: "/a"},
        {Type: store.EventChildrenChanged, State: store.StateConnected, Path: "/"},
    })
    assert.Equal(t, store.EventCreated, (<-data).Type)
    assert.Equal(t, store.EventChildrenChanged, (<-kids).Type)
    assert.Equal(t, 1, w.Len())

    w.ExpireOwner("s2", store.StateExpired)
    ev := <-other
    assert.Equal(t, store.Event{Type: store.EventNone, State: store.StateExpired, Path: "/b"}, ev)
    assert.Equal(t, 0, w.Len())
}
