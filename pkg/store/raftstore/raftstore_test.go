package raftstore

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/hashicorp/raft"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/storetest"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

func startSingle(t *testing.T) *Node {
    t.Helper()
    n, err := New(Options{NodeID: "n1", Bootstrap: true, SessionTTL: 2 * time.Second})
    require.NoError(t, err)
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(func() { cancel(); _ = n.Stop() })
    require.NoError(t, n.Start(ctx))
    require.Eventually(t, n.IsLeader, 5*time.Second, 20*time.Millisecond)
    return n
}

func TestFSM_ApplyReturnsResult(t *testing.T) {
    f := newTreeFSM()
    data, err := encodeOp(tree.Op{Kind: tree.OpCreate, Path: "/a", Data: []byte("x"), Now: time.Unix(1, 0)})
    require.NoError(t, err)
    v := f.Apply(&raft.Log{Data: data})
    res, ok := v.(tree.Result)
    require.True(t, ok)
    assert.Equal(t, "/a", res.Path)

    var cmd c.Command
    require.NoError(t, json.Unmarshal(data, &cmd))
    assert.Equal(t, string(tree.OpCreate), cmd.Op)

    bad := f.Apply(&raft.Log{Data: []byte("{")})
    _, isErr := bad.(error)
    assert.True(t, isErr)
}

func TestRaftstore_SingleNodeConformance(t *testing.T) {
    n := startSingle(t)
    storetest.Run(t, storetest.Harness{
        Connect: func(t *testing.T) store.Client {
            cl, err := n.Connect(context.Background())
            require.NoError(t, err)
            return cl
        },
        Expire: func(t *testing.T, cl store.Client) {
            require.NoError(t, cl.(*Client).Expire(context.Background()))
        },
    })
}

func TestRaftstore_ReaperExpiresSilentSession(t *testing.T) {
    n := startSingle(t)
    ctx := context.Background()
    cl, err := n.Connect(ctx)
    require.NoError(t, err)
    p, err := cl.Create(ctx, "/gone", nil, store.Ephemeral)
    require.NoError(t, err)

    // stop keepalives without closing the session
    cl.cancel()
    select {
    case <-cl.Done():
    case <-time.After(10 * time.Second):
        t.Fatal("session not expired by leader")
    }
    assert.Equal(t, store.StateExpired, cl.State())
    assert.Nil(t, n.fsm.tree.Exists(p))
}

// Three raft servers over in-memory loopback transports; followers forward
// writes to the leader through a direct call.
func TestRaftstore_ThreeNodeForwarding(t *testing.T) {
    nodes := map[string]*Node{}
    fwd := func(ctx context.Context, leaderID string, op tree.Op) (tree.Result, uint64, error) {
        l, ok := nodes[leaderID]
        if !ok { return tree.Result{}, 0, ErrNoLeader }
        return l.ApplyLocal(op)
    }
    n1, _ := New(Options{NodeID: "n1", Bootstrap: true, Forwarder: fwd})
    n2, _ := New(Options{NodeID: "n2", Forwarder: fwd})
    n3, _ := New(Options{NodeID: "n3", Forwarder: fwd})
    nodes["n1"], nodes["n2"], nodes["n3"] = n1, n2, n3

    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    for _, n := range []*Node{n1, n2, n3} {
        require.NoError(t, n.Start(ctx))
        defer n.Stop()
    }
    connect := func(a, b *Node) {
        require.NotNil(t, a.lb)
        require.NotNil(t, b.lb)
        a.lb.Connect(b.addr, b.trans)
        b.lb.Connect(a.addr, a.trans)
    }
    connect(n1, n2)
    connect(n1, n3)
    connect(n2, n3)

    require.Eventually(t, n1.IsLeader, 5*time.Second, 20*time.Millisecond)
    require.NoError(t, n1.AddVoter("n2", n2.Addr(), 5*time.Second))
    require.NoError(t, n1.AddVoter("n3", n3.Addr(), 5*time.Second))
    srvs, err := n1.Servers()
    require.NoError(t, err)
    assert.Len(t, srvs, 3)

    follower, err := n3.Connect(ctx)
    require.NoError(t, err)
    defer follower.Close()
    _, err = follower.Create(ctx, "/from-follower", []byte("v"), store.Persistent)
    require.NoError(t, err)

    // read-your-writes on the follower
    nd, err := follower.Get(ctx, "/from-follower")
    require.NoError(t, err)
    assert.Equal(t, "v", string(nd.Data))

    require.Eventually(t, func() bool {
        return n2.fsm.tree.Exists("/from-follower") != nil
    }, 5*time.Second, 20*time.Millisecond)

    id, _, ok := n2.Leader()
    require.True(t, ok)
    assert.Equal(t, "n1", id)
    assert.NotZero(t, n2.Term())
}
