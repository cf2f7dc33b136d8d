package etcdstore

import (
    "context"
    "fmt"
    "net/url"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    clientv3 "go.etcd.io/etcd/client/v3"
    "go.etcd.io/etcd/server/v3/embed"

    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/storetest"
)

func mustURL(t *testing.T, s string) url.URL {
    u, err := url.Parse(s)
    require.NoError(t, err)
    return *u
}

// startEtcd runs a single member embedded etcd and returns a client for it.
func startEtcd(t *testing.T) *clientv3.Client {
    t.Helper()
    if testing.Short() { t.Skip("embedded etcd skipped in -short mode") }

    cfg := embed.NewConfig()
    cfg.Dir = t.TempDir()
    cfg.LogLevel = "error"
    name := fmt.Sprintf("shardcoord-test-%d", time.Now().UnixNano())
    peer := fmt.Sprintf("http://127.0.0.1:%d", 30000+time.Now().UnixNano()%10000)
    cfg.Name = name
    cfg.InitialCluster = name + "=" + peer
    cfg.InitialClusterToken = name
    cfg.ListenClientUrls = []url.URL{mustURL(t, "http://127.0.0.1:0")}
    cfg.AdvertiseClientUrls = []url.URL{mustURL(t, "http://127.0.0.1:0")}
    cfg.ListenPeerUrls = []url.URL{mustURL(t, peer)}
    cfg.AdvertisePeerUrls = []url.URL{mustURL(t, peer)}

    e, err := embed.StartEtcd(cfg)
    require.NoError(t, err)
    select {
    case <-e.Server.ReadyNotify():
    case <-time.After(15 * time.Second):
        e.Close()
        t.Fatal("embedded etcd not ready")
    }
    t.Cleanup(e.Close)

    cli, err := clientv3.New(clientv3.Config{
        Endpoints:   []string{e.Clients[0].Addr().String()},
        DialTimeout: 5 * time.Second,
    })
    require.NoError(t, err)
    t.Cleanup(func() { _ = cli.Close() })
    return cli
}

func TestEtcdstore_Conformance(t *testing.T) {
    cli := startEtcd(t)
    storetest.Run(t, storetest.Harness{
        Connect: func(t *testing.T) store.Client {
            c, err := Connect(context.Background(), cli, Options{Prefix: "/conformance", SessionTTL: 2 * time.Second})
            require.NoError(t, err)
            return c
        },
        Expire: func(t *testing.T, c store.Client) {
            ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
            defer cancel()
            require.NoError(t, c.(*Client).Expire(ctx))
        },
    })
}

func TestEtcdstore_SequenceSurvivesDeletes(t *testing.T) {
    cli := startEtcd(t)
    ctx := context.Background()
    c, err := Connect(ctx, cli, Options{Prefix: "/seqdel"})
    require.NoError(t, err)
    defer c.Close()

    require.NoError(t, store.MakePath(ctx, c, "/q"))
    first, err := c.Create(ctx, "/q/qn-", nil, store.PersistentSequential)
    require.NoError(t, err)
    require.NoError(t, c.Delete(ctx, first, store.AnyVersion))
    second, err := c.Create(ctx, "/q/qn-", nil, store.PersistentSequential)
    require.NoError(t, err)

    a, _ := store.SequenceOf(first)
    b, _ := store.SequenceOf(second)
    assert.Greater(t, b, a)

    st, err := c.Exists(ctx, "/q")
    require.NoError(t, err)
    assert.Equal(t, 1, st.NumChildren)
}
