package cluster

import (
    "errors"
    "fmt"
    "strings"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/recovery"
    "github.com/amirimatin/go-shardcoord/pkg/shardhandler"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
    grpctransport "github.com/amirimatin/go-shardcoord/pkg/transport/grpc"
    "github.com/amirimatin/go-shardcoord/pkg/transport/httpjson"
)

// ReplicaSpec names a replica this node hosts.
type ReplicaSpec struct {
    Collection string `yaml:"collection"`
    Shard      string `yaml:"shard"`
    // Replica defaults to <node>_<collection>_<shard>.
    Replica string `yaml:"replica,omitempty"`
    // ConfigName is used when the collection does not exist yet.
    ConfigName string `yaml:"configName,omitempty"`
}

// CoreName is the name of the local core backing the replica.
func (s ReplicaSpec) CoreName() string {
    return s.Collection + "_" + s.Shard + "_" + s.Replica
}

func (s ReplicaSpec) withDefaults(node string) ReplicaSpec {
    if s.Replica == "" { s.Replica = node + "_" + s.Collection + "_" + s.Shard }
    return s
}

// Options carries the components and settings a Node is assembled from.
// Instances are typically produced by bootstrap.Build.
type Options struct {
    // NodeID is the unique identifier of this node within the cluster.
    NodeID string
    // Store is the coordination store session of this node.
    Store store.Client
    // Resources is the outbound connection and pool layer.
    Resources *shardhandler.Resources
    Logger    *zap.Logger

    // DataDir holds one bbolt file per hosted core.
    DataDir          string
    NumRecordsToKeep int
    Replicas         []ReplicaSpec

    // Optional servers. Without HTTP the node takes no client updates from
    // the network; without GRPC it cannot serve recovery to peers.
    HTTP *httpjson.Server
    GRPC *grpctransport.Server
    // Advertised addresses default to the servers' bound addresses.
    AdvertiseHTTP string
    AdvertiseGRPC string
    // HTTPSPeers makes update forwarding use https.
    HTTPSPeers bool

    // QueueTimeout bounds each coordinator submission (default 30s).
    QueueTimeout   time.Duration
    ConfigTimeout  time.Duration
    RequestFilters []configsets.RequestFilter
    Recovery       recovery.Options
    // ResultTTL and SweepInterval tune the coordinator's result sweep.
    ResultTTL     time.Duration
    SweepInterval time.Duration
    // LeaderVoteWait is how long an ineligible shard leader waits before
    // yielding (default 500ms).
    LeaderVoteWait time.Duration

    // StoreApply serves raft write forwarding on the gRPC server.
    StoreApply transport.StoreApplyFunc

    OnCoordinatorChange func(info consensus.LeaderInfo)
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = zap.NewNop() }
    if o.QueueTimeout <= 0 { o.QueueTimeout = 30 * time.Second }
    if o.LeaderVoteWait <= 0 { o.LeaderVoteWait = 500 * time.Millisecond }
    for i, r := range o.Replicas { o.Replicas[i] = r.withDefaults(o.NodeID) }
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("cluster: empty NodeID")
    }
    if strings.Contains(o.NodeID, "/") {
        return fmt.Errorf("cluster: NodeID %q contains '/'", o.NodeID)
    }
    if o.Store == nil {
        return errors.New("cluster: nil Store")
    }
    if o.Resources == nil {
        return errors.New("cluster: nil Resources")
    }
    if len(o.Replicas) > 0 && o.DataDir == "" {
        return errors.New("cluster: replicas configured without DataDir")
    }
    seen := map[string]bool{}
    for _, r := range o.Replicas {
        if r.Collection == "" || r.Shard == "" {
            return errors.New("cluster: replica without collection or shard")
        }
        key := shardKey(r.Collection, r.Shard)
        if seen[key] {
            return fmt.Errorf("cluster: shard %s hosted twice", key)
        }
        seen[key] = true
    }
    return nil
}
