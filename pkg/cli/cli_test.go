package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/bootstrap"
    "github.com/amirimatin/go-shardcoord/pkg/cluster"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

func startNode(t *testing.T) *bootstrap.Instance {
    t.Helper()
    cfg := bootstrap.DefaultConfig()
    cfg.NodeID = "n1"
    cfg.DataDir = t.TempDir()
    cfg.Replicas = []cluster.ReplicaSpec{{Collection: "books", Shard: "shard1"}}
    cfg.HTTP.Bind = "127.0.0.1:0"
    cfg.GRPC.Bind = "127.0.0.1:0"
    cfg.QueueTimeout = 5 * time.Second
    cfg.Logger = zap.NewNop()
    inst, err := bootstrap.Run(context.Background(), cfg)
    require.NoError(t, err)
    t.Cleanup(func() { _ = inst.Close(context.Background()) })
    return inst
}

// execute runs a fresh command tree with args and returns what it printed.
func execute(args ...string) (string, error) {
    root := &cobra.Command{Use: "shardcoordctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetErr(&out)
    root.SetArgs(args)
    err := root.Execute()
    return out.String(), err
}

func TestCommandsAgainstRunningNode(t *testing.T) {
    inst := startNode(t)
    addr := inst.HTTPAddr()

    var out string
    require.Eventually(t, func() bool {
        var err error
        out, err = execute("doc", "add", "d1", "--addr", addr, "--collection", "books", "--shard", "shard1", "--field", "title=Dune")
        return err == nil
    }, 10*time.Second, 50*time.Millisecond)
    var resp transport.UpdateResponse
    require.NoError(t, json.Unmarshal([]byte(out), &resp))
    assert.EqualValues(t, 1, resp.Version)

    d, err := inst.Document("books", "shard1", "d1")
    require.NoError(t, err)
    assert.Equal(t, "Dune", d.Fields["title"])

    out, err = execute("doc", "delete", "d1", "--addr", addr, "--collection", "books", "--shard", "shard1")
    require.NoError(t, err)
    require.NoError(t, json.Unmarshal([]byte(out), &resp))
    assert.EqualValues(t, 2, resp.Version)

    require.Eventually(t, func() bool {
        _, err := execute("configset", "create", "catalog", "--addr", addr, "--property", "immutable=false")
        return err == nil
    }, 10*time.Second, 50*time.Millisecond)
    out, err = execute("configset", "list", "--addr", addr)
    require.NoError(t, err)
    assert.Contains(t, out, "catalog")

    _, err = execute("configset", "create", "bad", "--addr", addr, "--property", "novalue")
    require.Error(t, err)

    out, err = execute("status", "--addr", addr)
    require.NoError(t, err)
    var st cluster.NodeStatus
    require.NoError(t, json.Unmarshal([]byte(out), &st))
    assert.Equal(t, "n1", st.NodeID)
    require.Len(t, st.Cores, 1)
    assert.True(t, st.Cores[0].Leader)

    out, err = execute("status", "--proto", "grpc", "--addr", inst.GRPCAddr())
    require.NoError(t, err)
    assert.Contains(t, out, `"nodeId":"n1"`)

    // the only replica leads its shard and has nothing to recover from
    _, err = execute("recover", st.Cores[0].Name, "--addr", addr)
    require.Error(t, err)
    _, err = execute("recover", "nope", "--addr", addr)
    require.Error(t, err)
}

func TestDocRequiresTarget(t *testing.T) {
    _, err := execute("doc", "add", "d1", "--addr", "127.0.0.1:1")
    require.Error(t, err)
}

func TestParsePairs(t *testing.T) {
    got, err := parsePairs([]string{"a=1", "b=x=y", "c="})
    require.NoError(t, err)
    assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "c": ""}, got)

    got, err = parsePairs(nil)
    require.NoError(t, err)
    assert.Nil(t, got)

    _, err = parsePairs([]string{"=v"})
    require.Error(t, err)
}
