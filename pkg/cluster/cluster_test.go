package cluster

import (
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/google/go-cmp/cmp"
    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/recovery"
    "github.com/amirimatin/go-shardcoord/pkg/shardhandler"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/store/memstore"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
    grpctransport "github.com/amirimatin/go-shardcoord/pkg/transport/grpc"
    "github.com/amirimatin/go-shardcoord/pkg/transport/httpjson"
)

const waitFor = 10 * time.Second

var shard1 = ReplicaSpec{Collection: "books", Shard: "shard1"}

func newNode(t *testing.T, srv *memstore.Server, id string, replicas ...ReplicaSpec) *Node {
    t.Helper()
    res, err := shardhandler.New(shardhandler.DefaultConfig(), shardhandler.WithRetryDelay(5*time.Millisecond))
    require.NoError(t, err)
    cl := srv.Connect()
    log := zap.NewNop()
    n, err := New(Options{
        NodeID:         id,
        Store:          cl,
        Resources:      res,
        Logger:         log,
        DataDir:        t.TempDir(),
        Replicas:       replicas,
        HTTP:           httpjson.NewServer("127.0.0.1:0", log),
        GRPC:           grpctransport.NewServer("127.0.0.1:0", log),
        QueueTimeout:   5 * time.Second,
        Recovery:       recovery.Options{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxAttempts: 5},
        LeaderVoteWait: 20 * time.Millisecond,
    })
    require.NoError(t, err)
    t.Cleanup(func() {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        _ = n.Stop(ctx)
        _ = res.Close(ctx)
        _ = cl.Close()
    })
    return n
}

func startNode(t *testing.T, srv *memstore.Server, id string, replicas ...ReplicaSpec) *Node {
    t.Helper()
    n := newNode(t, srv, id, replicas...)
    require.NoError(t, n.Start(context.Background()))
    return n
}

func coreOf(t *testing.T, n *Node) *ReplicaController {
    t.Helper()
    var out *ReplicaController
    n.replicas.Range(func(_ string, r *ReplicaController) bool { out = r; return false })
    require.NotNil(t, out)
    return out
}

// shardState returns the states of a shard's replicas by node.
func shardState(n *Node, spec ReplicaSpec) map[string]state.ReplicaState {
    out := map[string]state.ReplicaState{}
    s, ok := n.reader.Shard(spec.Collection, spec.Shard)
    if !ok { return out }
    for _, r := range s.Replicas { out[r.Node] = r.State }
    return out
}

func leaderNode(n *Node, spec ReplicaSpec) string {
    l, ok := n.reader.Leader(spec.Collection, spec.Shard)
    if !ok || l.State != state.Active { return "" }
    return l.Node
}

func allActive(n *Node, spec ReplicaSpec, nodes ...string) bool {
    st := shardState(n, spec)
    for _, id := range nodes {
        if st[id] != state.Active { return false }
    }
    return true
}

func addDocs(t *testing.T, n *Node, from, to int) {
    t.Helper()
    for i := from; i <= to; i++ {
        _, err := n.AddDocument(context.Background(), shard1.Collection, shard1.Shard,
            core.Doc{ID: fmt.Sprintf("doc-%03d", i), Fields: map[string]string{"n": fmt.Sprint(i)}})
        require.NoError(t, err)
    }
}

func docCount(r *ReplicaController) int {
    n, _ := r.core.NumDocs()
    return n
}

func TestOptionsValidate(t *testing.T) {
    res, err := shardhandler.New(shardhandler.DefaultConfig())
    require.NoError(t, err)
    defer res.Close(context.Background())
    cl := memstore.NewServer().Connect()
    defer cl.Close()

    cases := map[string]Options{
        "no id":        {Store: cl, Resources: res},
        "slash in id":  {NodeID: "a/b", Store: cl, Resources: res},
        "no store":     {NodeID: "a", Resources: res},
        "no resources": {NodeID: "a", Store: cl},
        "no data dir":  {NodeID: "a", Store: cl, Resources: res, Replicas: []ReplicaSpec{shard1}},
        "shard twice":  {NodeID: "a", Store: cl, Resources: res, DataDir: "x", Replicas: []ReplicaSpec{shard1, shard1}},
    }
    for name, o := range cases {
        assert.Error(t, o.Validate(), name)
    }
    assert.NoError(t, Options{NodeID: "a", Store: cl, Resources: res}.Validate())
    assert.Equal(t, "books_shard1_n1_books_shard1", shard1.withDefaults("n1").CoreName())
}

func TestSingleReplicaLeadsAndAcceptsWrites(t *testing.T) {
    srv := memstore.NewServer()
    n := startNode(t, srv, "n1", shard1)
    require.Eventually(t, func() bool { return leaderNode(n, shard1) == "n1" }, waitFor, 20*time.Millisecond)
    require.Eventually(t, func() bool { return coreOf(t, n).Leads() }, waitFor, 20*time.Millisecond)

    v1, err := n.AddDocument(context.Background(), "books", "shard1", core.Doc{ID: "a", Fields: map[string]string{"title": "Dune"}})
    require.NoError(t, err)
    v2, err := n.AddDocument(context.Background(), "books", "shard1", core.Doc{ID: "b"})
    require.NoError(t, err)
    assert.Equal(t, v1+1, v2)
    d, err := n.Document("books", "shard1", "a")
    require.NoError(t, err)
    assert.Equal(t, "Dune", d.Fields["title"])

    _, err = n.DeleteDocument(context.Background(), "books", "shard1", "a")
    require.NoError(t, err)
    assert.Equal(t, 1, docCount(coreOf(t, n)))

    st, err := n.Status(context.Background())
    require.NoError(t, err)
    assert.True(t, st.Healthy)
    assert.True(t, st.IsCoordinator)
    assert.Equal(t, "n1", st.Coordinator)
    require.Len(t, st.Cores, 1)
    assert.True(t, st.Cores[0].Leader)
    assert.Equal(t, state.Active, st.Cores[0].State)
    assert.EqualValues(t, 3, st.Cores[0].Version)
}

func TestUpdateValidation(t *testing.T) {
    srv := memstore.NewServer()
    n := startNode(t, srv, "n1", shard1)
    require.Eventually(t, func() bool { return coreOf(t, n).Leads() }, waitFor, 20*time.Millisecond)

    _, err := n.Update(context.Background(), transport.UpdateRequest{Collection: "books"})
    assert.ErrorIs(t, err, errs.ErrValidation)
    _, err = n.AddDocument(context.Background(), "books", "shard1", core.Doc{})
    assert.ErrorIs(t, err, errs.ErrValidation, "empty id")

    _, err = n.AddDocument(context.Background(), "books", "nope", core.Doc{ID: "x"})
    assert.ErrorIs(t, err, errs.ErrUnavailable)
    assert.ErrorIs(t, err, ErrNoLeader)
    assert.Equal(t, errs.CodeServiceUnavail, errs.CodeOf(err))
}

func TestThreeReplicasConvergeThroughAnyEntryPoint(t *testing.T) {
    srv := memstore.NewServer()
    nodes := []*Node{
        startNode(t, srv, "n1", shard1),
        startNode(t, srv, "n2", shard1),
        startNode(t, srv, "n3", shard1),
    }
    require.Eventually(t, func() bool {
        return leaderNode(nodes[0], shard1) != "" && allActive(nodes[0], shard1, "n1", "n2", "n3")
    }, waitFor, 20*time.Millisecond)

    var follower *Node
    for _, n := range nodes {
        if !coreOf(t, n).Leads() { follower = n; break }
    }
    require.NotNil(t, follower)
    addDocs(t, follower, 1, 10)

    for _, n := range nodes {
        r := coreOf(t, n)
        require.Eventually(t, func() bool { return docCount(r) == 10 }, waitFor, 20*time.Millisecond, n.opts.NodeID)
        v, err := r.core.LastVersion()
        require.NoError(t, err)
        assert.EqualValues(t, 10, v, n.opts.NodeID)
    }
}

func TestLateReplicaPeerSyncs(t *testing.T) {
    srv := memstore.NewServer()
    a := startNode(t, srv, "n1", shard1)
    require.Eventually(t, func() bool { return coreOf(t, a).Leads() }, waitFor, 20*time.Millisecond)
    addDocs(t, a, 1, 5)

    leaderCore := coreOf(t, a).spec.CoreName()
    fullBefore := testutil.ToFloat64(metrics.FullRecoveryServed.WithLabelValues(leaderCore))
    syncBefore := testutil.ToFloat64(metrics.PeerSyncServed.WithLabelValues(leaderCore))

    b := startNode(t, srv, "n2", shard1)
    require.Eventually(t, func() bool { return allActive(a, shard1, "n1", "n2") }, waitFor, 20*time.Millisecond)
    assert.Equal(t, 5, docCount(coreOf(t, b)))
    assert.Equal(t, fullBefore, testutil.ToFloat64(metrics.FullRecoveryServed.WithLabelValues(leaderCore)))
    assert.Greater(t, testutil.ToFloat64(metrics.PeerSyncServed.WithLabelValues(leaderCore)), syncBefore)

    // Later writes are forwarded by the leader.
    addDocs(t, a, 6, 7)
    require.Eventually(t, func() bool { return docCount(coreOf(t, b)) == 7 }, waitFor, 20*time.Millisecond)
}

func TestLeaderFailover(t *testing.T) {
    srv := memstore.NewServer()
    a := startNode(t, srv, "n1", shard1)
    require.Eventually(t, func() bool { return coreOf(t, a).Leads() }, waitFor, 20*time.Millisecond)
    b := startNode(t, srv, "n2", shard1)
    require.Eventually(t, func() bool { return allActive(b, shard1, "n1", "n2") }, waitFor, 20*time.Millisecond)
    addDocs(t, b, 1, 3)
    require.Eventually(t, func() bool { return docCount(coreOf(t, b)) == 3 }, waitFor, 20*time.Millisecond)

    events := b.Subscribe(context.Background())
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, a.Stop(ctx))

    require.Eventually(t, func() bool { return coreOf(t, b).Leads() && leaderNode(b, shard1) == "n2" }, waitFor, 20*time.Millisecond)
    v, err := b.AddDocument(context.Background(), "books", "shard1", core.Doc{ID: "after-failover"})
    require.NoError(t, err)
    assert.EqualValues(t, 4, v, "new leader continues the version sequence")

    seen := map[EventType]bool{}
    timeout := time.After(waitFor)
    for !seen[EventShardLeaderChanged] || !seen[EventLiveNodesChanged] {
        select {
        case ev := <-events:
            seen[ev.Type] = true
        case <-timeout:
            t.Fatalf("events seen: %v", seen)
        }
    }
}

func TestRejoinedReplicaPeerSyncsMissedWrites(t *testing.T) {
    srv := memstore.NewServer()
    nodes := []*Node{
        startNode(t, srv, "n1", shard1),
        startNode(t, srv, "n2", shard1),
        startNode(t, srv, "n3", shard1),
    }
    require.Eventually(t, func() bool {
        return leaderNode(nodes[0], shard1) != "" && allActive(nodes[0], shard1, "n1", "n2", "n3")
    }, waitFor, 20*time.Millisecond)

    // Take down a follower.
    var gone, leader *Node
    for _, n := range nodes {
        if coreOf(t, n).Leads() { leader = n } else if gone == nil { gone = n }
    }
    require.NotNil(t, leader)
    require.NotNil(t, gone)
    id := gone.opts.NodeID
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, gone.Stop(ctx))
    require.Eventually(t, func() bool { return shardState(leader, shard1)[id] == state.Down }, waitFor, 20*time.Millisecond)

    addDocs(t, leader, 1, 2)

    leaderCore := coreOf(t, leader).spec.CoreName()
    syncBefore := testutil.ToFloat64(metrics.PeerSyncServed.WithLabelValues(leaderCore))
    back := startNode(t, srv, id, shard1)
    require.Eventually(t, func() bool { return allActive(leader, shard1, "n1", "n2", "n3") }, waitFor, 20*time.Millisecond)
    assert.Greater(t, testutil.ToFloat64(metrics.PeerSyncServed.WithLabelValues(leaderCore)), syncBefore)

    for _, n := range []*Node{leader, back} {
        r := coreOf(t, n)
        require.Eventually(t, func() bool { return docCount(r) == 2 }, waitFor, 20*time.Millisecond, n.opts.NodeID)
    }
    assert.Equal(t, leader.opts.NodeID, leaderNode(leader, shard1), "a rejoining replica does not take over")
}

func TestDeposedLeaderRefusesWrites(t *testing.T) {
    srv := memstore.NewServer()
    nodes := []*Node{
        startNode(t, srv, "n1", shard1),
        startNode(t, srv, "n2", shard1),
        startNode(t, srv, "n3", shard1),
    }
    require.Eventually(t, func() bool {
        return leaderNode(nodes[0], shard1) != "" && allActive(nodes[0], shard1, "n1", "n2", "n3")
    }, waitFor, 20*time.Millisecond)
    var old *Node
    var rest []*Node
    for _, n := range nodes {
        if coreOf(t, n).Leads() { old = n } else { rest = append(rest, n) }
    }
    require.NotNil(t, old)
    addDocs(t, old, 1, 2)

    old.c.(*memstore.Client).Expire()
    oldCore := coreOf(t, old)
    require.Eventually(t, func() bool { return !oldCore.Leads() }, waitFor, 10*time.Millisecond)
    _, err := oldCore.lead(context.Background(), core.Update{Op: core.OpAdd, Doc: core.Doc{ID: "stale"}})
    assert.ErrorIs(t, err, ErrNotLeader)

    var next *Node
    require.Eventually(t, func() bool {
        for _, n := range rest {
            if coreOf(t, n).Leads() { next = n; return true }
        }
        return false
    }, waitFor, 20*time.Millisecond)
    v, err := next.AddDocument(context.Background(), shard1.Collection, shard1.Shard, core.Doc{ID: "after"})
    require.NoError(t, err)
    assert.EqualValues(t, 3, v)

    leaders := 0
    for _, n := range nodes {
        if coreOf(t, n).Leads() { leaders++ }
    }
    assert.Equal(t, 1, leaders)
    for _, n := range rest {
        r := coreOf(t, n)
        require.Eventually(t, func() bool { return docCount(r) == 3 }, waitFor, 20*time.Millisecond, n.opts.NodeID)
        d, err := r.core.Get("stale")
        require.NoError(t, err)
        assert.Nil(t, d, n.opts.NodeID)
    }
}

func TestUnreachableReplicaIsDemotedBeforeAck(t *testing.T) {
    srv := memstore.NewServer()
    n1 := startNode(t, srv, "n1", shard1)
    require.Eventually(t, func() bool { return coreOf(t, n1).Leads() }, waitFor, 20*time.Millisecond)
    n2 := startNode(t, srv, "n2", shard1)
    n3 := startNode(t, srv, "n3", shard1)
    require.Eventually(t, func() bool { return allActive(n1, shard1, "n1", "n2", "n3") }, waitFor, 20*time.Millisecond)

    // n2 stays live but stops accepting forwarded updates.
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, n2.opts.HTTP.Stop(ctx))

    demoted := testutil.ToFloat64(metrics.ReplicasDemoted.WithLabelValues(coreOf(t, n1).spec.CoreName()))
    v, err := n1.AddDocument(context.Background(), shard1.Collection, shard1.Shard, core.Doc{ID: "acked"})
    require.NoError(t, err)
    assert.EqualValues(t, 1, v)
    assert.Greater(t, testutil.ToFloat64(metrics.ReplicasDemoted.WithLabelValues(coreOf(t, n1).spec.CoreName())), demoted)

    // The acknowledgement implies n2 either holds the write or may not lead.
    r2 := coreOf(t, n2)
    has := func(r *ReplicaController) bool {
        d, err := r.core.Get("acked")
        return err == nil && d != nil
    }
    require.Eventually(t, func() bool { return has(r2) || shardState(n1, shard1)["n2"] != state.Active }, waitFor, 10*time.Millisecond)

    n1.c.(*memstore.Client).Expire()
    var next *Node
    require.Eventually(t, func() bool {
        for _, n := range []*Node{n2, n3} {
            if coreOf(t, n).Leads() { next = n; return true }
        }
        return false
    }, waitFor, 20*time.Millisecond)
    assert.True(t, has(coreOf(t, next)), "leader %s lost an acknowledged write", next.opts.NodeID)

    v, err = next.AddDocument(context.Background(), shard1.Collection, shard1.Shard, core.Doc{ID: "later"})
    if err == nil {
        assert.GreaterOrEqual(t, v, int64(2))
    } else {
        assert.True(t, errors.Is(err, ErrNotLeader) || errs.CodeOf(err) == errs.CodeServiceUnavail, err)
    }
}

func TestRecoverRequests(t *testing.T) {
    srv := memstore.NewServer()
    a := startNode(t, srv, "n1", shard1)
    require.Eventually(t, func() bool { return coreOf(t, a).Leads() }, waitFor, 20*time.Millisecond)
    b := startNode(t, srv, "n2", shard1)
    require.Eventually(t, func() bool { return allActive(a, shard1, "n1", "n2") }, waitFor, 20*time.Millisecond)

    assert.ErrorIs(t, a.Recover(context.Background(), coreOf(t, a).spec.CoreName()), ErrLeaderRecovery)
    assert.ErrorIs(t, a.Recover(context.Background(), "missing"), transport.ErrNoCore)

    events := b.Subscribe(context.Background())
    require.NoError(t, b.Recover(context.Background(), coreOf(t, b).spec.CoreName()))
    timeout := time.After(waitFor)
    for {
        select {
        case ev := <-events:
            if ev.Type == EventRecoveryFinished {
                assert.Equal(t, string(recovery.UpToDate), ev.Details["strategy"])
                return
            }
            require.NotEqual(t, EventRecoveryFailed, ev.Type, ev.Details["error"])
        case <-timeout:
            t.Fatal("recovery did not finish")
        }
    }
}

func TestDiffStateEvents(t *testing.T) {
    var eb eventBus
    ch := make(chan Event, 16)
    eb.add(ch)

    col := state.NewCollection("books", "_default")
    s := col.Shard("shard1", true)
    s.Replicas["r1"] = &state.Replica{ID: "r1", Node: "n1", State: state.Active}
    s.Replicas["r2"] = &state.Replica{ID: "r2", Node: "n2", State: state.Down}
    require.NoError(t, s.SetLeader("r1"))
    prev := state.ClusterState{Collections: map[string]*state.Collection{"books": col.Clone()}, LiveNodes: []string{"n1", "n2"}}

    s.Replicas["r2"].State = state.Recovering
    cur := state.ClusterState{Collections: map[string]*state.Collection{"books": col}, LiveNodes: []string{"n1"}}
    eb.diffState(prev, cur)
    close(ch)

    var got []Event
    for ev := range ch {
        ev.At = time.Time{}
        got = append(got, ev)
    }
    want := []Event{
        {Type: EventLiveNodesChanged, LiveNodes: []string{"n1"}},
        {Type: EventReplicaStateChanged, Collection: "books", Shard: "shard1", Replica: "r2", State: state.Recovering},
    }
    if diff := cmp.Diff(want, got); diff != "" {
        t.Fatalf("events (-want +got):\n%s", diff)
    }
}
