package bootstrap

import (
    "context"
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/cluster"
    "github.com/amirimatin/go-shardcoord/pkg/core"
    tlsx "github.com/amirimatin/go-shardcoord/pkg/security/tlsconfig"
    "github.com/amirimatin/go-shardcoord/pkg/store/memstore"
)

func writeConfig(t *testing.T, body string) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "node.yaml")
    require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
    return p
}

func TestLoadConfigDecodesOverDefaults(t *testing.T) {
    p := writeConfig(t, `
nodeId: n1
dataDir: /var/lib/shardcoord
replicas:
  - collection: books
    shard: shard1
http:
  bind: 127.0.0.1:8080
store:
  backend: etcd
  etcd:
    endpoints: [127.0.0.1:2379]
    sessionTtl: 3s
shardHandler:
  maxConnectionsPerHost: 20
recovery:
  maxAttempts: 7
queueTimeout: 45s
`)
    cfg, err := LoadConfig(p)
    require.NoError(t, err)

    assert.Equal(t, "n1", cfg.NodeID)
    assert.Equal(t, []cluster.ReplicaSpec{{Collection: "books", Shard: "shard1"}}, cfg.Replicas)
    assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Bind)
    assert.Equal(t, ":9983", cfg.GRPC.Bind, "absent keys keep defaults")
    assert.Equal(t, BackendEtcd, cfg.Store.Backend)
    assert.Equal(t, 3*time.Second, cfg.Store.Etcd.SessionTTL)
    assert.Equal(t, 5*time.Second, cfg.Store.Etcd.DialTimeout)
    assert.Equal(t, 20, cfg.ShardHandler.MaxConnectionsPerHost)
    assert.Equal(t, 10000, cfg.ShardHandler.MaxConnections)
    assert.EqualValues(t, 7, cfg.Recovery.MaxAttempts)
    assert.Equal(t, 45*time.Second, cfg.QueueTimeout)
    assert.Equal(t, 100, cfg.NumRecordsToKeep)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
    p := writeConfig(t, "nodeId: from-file\nstore:\n  backend: memory\n")
    other := writeConfig(t, "nodeId: from-env-file\n")
    t.Setenv(EnvConfigPath, other)
    t.Setenv("SHARDCOORD_GRPC_BIND", "127.0.0.1:7000")
    t.Setenv("SHARDCOORD_QUEUE_TIMEOUT", "2s")

    cfg, err := LoadConfig(p)
    require.NoError(t, err)
    assert.Equal(t, "from-env-file", cfg.NodeID)
    assert.Equal(t, "127.0.0.1:7000", cfg.GRPC.Bind)
    assert.Equal(t, 2*time.Second, cfg.QueueTimeout)

    t.Setenv("SHARDCOORD_NODE_ID", "n9")
    t.Setenv("SHARDCOORD_STORE_BACKEND", "ETCD")
    t.Setenv("SHARDCOORD_ETCD_ENDPOINTS", "a:2379, b:2379,")
    cfg, err = LoadConfig("")
    require.NoError(t, err)
    assert.Equal(t, "n9", cfg.NodeID)
    assert.Equal(t, BackendEtcd, cfg.Store.Backend)
    assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Store.Etcd.Endpoints)

    t.Setenv("SHARDCOORD_QUEUE_TIMEOUT", "soon")
    _, err = LoadConfig("")
    require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
    base := DefaultConfig()
    base.NodeID = "n1"
    require.NoError(t, base.Validate())

    cases := map[string]func(c *Config){
        "no node id":             func(c *Config) { c.NodeID = "" },
        "unknown backend":        func(c *Config) { c.Store.Backend = "zookeeper" },
        "etcd without endpoints": func(c *Config) { c.Store.Backend = BackendEtcd },
        "raft peers without bind": func(c *Config) {
            c.Store.Backend = BackendRaft
            c.Store.Raft.Peers = []RaftPeer{{ID: "n1", RaftAddr: "127.0.0.1:9520"}}
        },
        "raft peer without address": func(c *Config) {
            c.Store.Backend = BackendRaft
            c.Store.Raft.Bind = "127.0.0.1:0"
            c.Store.Raft.Peers = []RaftPeer{{ID: "n2"}}
        },
        "tls without key": func(c *Config) { c.TLS.Enable = true; c.TLS.CertFile = "cert.pem" },
        "per-host above global": func(c *Config) {
            c.ShardHandler.MaxConnections = 10
            c.ShardHandler.MaxConnectionsPerHost = 20
        },
    }
    for name, mutate := range cases {
        t.Run(name, func(t *testing.T) {
            c := base
            mutate(&c)
            require.Error(t, c.Validate())
        })
    }
}

func memConfig(t *testing.T, srv *memstore.Server, id string) Config {
    cfg := DefaultConfig()
    cfg.NodeID = id
    cfg.DataDir = t.TempDir()
    cfg.Replicas = []cluster.ReplicaSpec{{Collection: "books", Shard: "shard1"}}
    cfg.HTTP.Bind = "127.0.0.1:0"
    cfg.GRPC.Bind = "127.0.0.1:0"
    cfg.QueueTimeout = 5 * time.Second
    cfg.LeaderVoteWait = 20 * time.Millisecond
    cfg.Logger = zap.NewNop()
    cfg.MemoryServer = srv
    return cfg
}

func TestRunMemoryBackend(t *testing.T) {
    srv := memstore.NewServer()
    ctx := context.Background()

    n1, err := Run(ctx, memConfig(t, srv, "n1"))
    require.NoError(t, err)
    t.Cleanup(func() { _ = n1.Close(context.Background()) })
    n2, err := Run(ctx, memConfig(t, srv, "n2"))
    require.NoError(t, err)
    t.Cleanup(func() { _ = n2.Close(context.Background()) })

    require.Eventually(t, func() bool {
        st, err := n2.Status(ctx)
        return err == nil && st.Healthy && len(st.LiveNodes) == 2
    }, 10*time.Second, 20*time.Millisecond)

    require.Eventually(t, func() bool {
        _, err := n2.AddDocument(ctx, "books", "shard1", core.Doc{ID: "d1", Fields: map[string]string{"title": "Dune"}})
        return err == nil
    }, 10*time.Second, 50*time.Millisecond)

    for _, n := range []*Instance{n1, n2} {
        require.Eventually(t, func() bool {
            d, err := n.Document("books", "shard1", "d1")
            return err == nil && d != nil && d.Fields["title"] == "Dune"
        }, 10*time.Second, 20*time.Millisecond)
    }
}

func TestBuildRejectsReplicasWithoutDataDir(t *testing.T) {
    cfg := memConfig(t, memstore.NewServer(), "n1")
    cfg.DataDir = ""
    _, err := Build(context.Background(), cfg)
    require.Error(t, err, "replicas without a data dir are rejected by the node")
}

// writeCert writes a self-signed CA-capable pair for 127.0.0.1 usable on
// both sides of a mutual TLS connection.
func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "shardcoord-node"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kb, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)
    certFile, keyFile = filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key")
    require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600))
    return certFile, keyFile
}

func TestRunWithMutualTLS(t *testing.T) {
    cert, key := writeCert(t, t.TempDir())
    tls := tlsx.Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key}
    srv := memstore.NewServer()
    ctx := context.Background()

    var nodes []*Instance
    for _, id := range []string{"n1", "n2"} {
        cfg := memConfig(t, srv, id)
        cfg.TLS = tls
        n, err := Run(ctx, cfg)
        require.NoError(t, err)
        t.Cleanup(func() { _ = n.Close(context.Background()) })
        nodes = append(nodes, n)
    }

    // whichever node leads, one of the two writes crosses nodes over TLS
    for i, n := range nodes {
        id := []string{"a", "b"}[i]
        require.Eventually(t, func() bool {
            _, err := n.AddDocument(ctx, "books", "shard1", core.Doc{ID: id})
            return err == nil
        }, 10*time.Second, 50*time.Millisecond)
    }
    for _, n := range nodes {
        require.Eventually(t, func() bool {
            a, errA := n.Document("books", "shard1", "a")
            b, errB := n.Document("books", "shard1", "b")
            return errA == nil && errB == nil && a != nil && b != nil
        }, 10*time.Second, 20*time.Millisecond)
    }
}
