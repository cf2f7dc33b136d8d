package state

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/google/go-cmp/cmp"
    "github.com/google/go-cmp/cmp/cmpopts"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/memstore"
)

func threeReplicas() *Collection {
    c := NewCollection("c1", "_default")
    s := c.Shard("s1", true)
    for _, id := range []string{"r1", "r2", "r3"} {
        s.Replicas[id] = &Replica{ID: id, Node: "node-" + id, State: Active}
    }
    return c
}

func TestShard_SetLeaderKeepsSingleLeader(t *testing.T) {
    c := threeReplicas()
    s := c.Shard("s1", false)
    require.NoError(t, s.SetLeader("r1"))
    require.NoError(t, s.SetLeader("r2"))
    require.NoError(t, c.Validate())
    assert.Equal(t, "r2", s.Leader().ID)
    assert.False(t, s.Replicas["r1"].Leader)

    assert.Error(t, s.SetLeader("nope"))
    s.ClearLeader()
    assert.Nil(t, s.Leader())
    require.NoError(t, c.Validate())
}

func TestCollection_ValidateRejectsTwoLeaders(t *testing.T) {
    c := threeReplicas()
    s := c.Shard("s1", false)
    s.Replicas["r1"].Leader = true
    s.Replicas["r2"].Leader = true
    s.LeaderID = "r1"
    assert.Error(t, c.Validate())

    c = threeReplicas()
    c.Shard("s1", false).LeaderID = "r3"
    assert.Error(t, c.Validate())
}

func TestEncodeDecodeKeepsShape(t *testing.T) {
    c := threeReplicas()
    require.NoError(t, c.Shard("s1", false).SetLeader("r3"))
    b, err := Encode(c)
    require.NoError(t, err)
    back, err := Decode(b, 7)
    require.NoError(t, err)
    assert.EqualValues(t, 7, back.Version)
    if d := cmp.Diff(c, back, cmpopts.IgnoreFields(Collection{}, "Version")); d != "" {
        t.Fatalf("decoded state differs (-want +got):\n%s", d)
    }
}

func TestWriter_ConcurrentUpdatesAreSerialized(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    w := NewWriter(srv.Connect())

    _, err := w.Update(ctx, "c1", true, func(c *Collection) error {
        c.Shard("s1", true)
        return nil
    })
    require.NoError(t, err)

    var wg sync.WaitGroup
    for i := 0; i < 8; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            wr := NewWriter(srv.Connect())
            _, err := wr.Update(ctx, "c1", false, func(c *Collection) error {
                id := string(rune('a' + i))
                c.Shard("s1", true).Replicas[id] = &Replica{ID: id, State: Down}
                return nil
            })
            assert.NoError(t, err)
        }(i)
    }
    wg.Wait()

    got, err := w.Read(ctx, "c1")
    require.NoError(t, err)
    assert.Len(t, got.Shard("s1", false).Replicas, 8)
    assert.EqualValues(t, 8, got.Version)

    _, err = w.Update(ctx, "missing", false, func(*Collection) error { return nil })
    assert.ErrorIs(t, err, ErrNoCollection)
}

func TestWriter_InvalidStateIsNotWritten(t *testing.T) {
    ctx := context.Background()
    srv := memstore.NewServer()
    w := NewWriter(srv.Connect())
    _, err := w.Update(ctx, "c1", true, func(c *Collection) error {
        *c = *threeReplicas()
        return nil
    })
    require.NoError(t, err)

    _, err = w.Update(ctx, "c1", false, func(c *Collection) error {
        s := c.Shard("s1", false)
        s.Replicas["r1"].Leader = true
        s.Replicas["r2"].Leader = true
        return nil
    })
    require.Error(t, err)
    got, err := w.Read(ctx, "c1")
    require.NoError(t, err)
    assert.Nil(t, got.Shard("s1", false).Leader())
}

func TestReader_FollowsWritesAndLiveNodes(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    srv := memstore.NewServer()
    r := NewReader(srv.Connect(), nil)
    go func() { _ = r.Run(ctx) }()

    w := NewWriter(srv.Connect())
    _, err := w.Update(ctx, "c1", true, func(c *Collection) error {
        *c = *threeReplicas()
        return c.Shard("s1", false).SetLeader("r1")
    })
    require.NoError(t, err)

    require.NoError(t, r.WaitFor(ctx, func(cs ClusterState) bool {
        c := cs.Collections["c1"]
        return c != nil && c.Shard("s1", false).LeaderID == "r1"
    }))
    l, ok := r.Leader("c1", "s1")
    require.True(t, ok)
    assert.Equal(t, "r1", l.ID)

    node := srv.Connect()
    require.NoError(t, store.MakePath(ctx, node, store.LiveNodesPath))
    _, err = node.Create(ctx, store.LiveNodePath("n1"), nil, store.Ephemeral)
    require.NoError(t, err)
    require.NoError(t, r.WaitFor(ctx, func(cs ClusterState) bool { return cs.IsLive("n1") }))

    node.Expire()
    require.NoError(t, r.WaitFor(ctx, func(cs ClusterState) bool { return !cs.IsLive("n1") }))

    _, err = w.Update(ctx, "c1", false, func(c *Collection) error {
        c.Shard("s1", false).Replicas["r2"].State = Recovering
        return nil
    })
    require.NoError(t, err)
    require.NoError(t, r.WaitFor(ctx, func(cs ClusterState) bool {
        return cs.Collections["c1"].Shard("s1", false).Replicas["r2"].State == Recovering
    }))
}
