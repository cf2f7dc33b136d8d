package bootstrap

import (
    "errors"
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/joho/godotenv"
    "go.uber.org/zap"
    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-shardcoord/pkg/cluster"
    cns "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/discovery"
    "github.com/amirimatin/go-shardcoord/pkg/recovery"
    tlsx "github.com/amirimatin/go-shardcoord/pkg/security/tlsconfig"
    "github.com/amirimatin/go-shardcoord/pkg/shardhandler"
    "github.com/amirimatin/go-shardcoord/pkg/store/memstore"
)

// EnvConfigPath names a config file that takes precedence over the path given
// to LoadConfig.
const EnvConfigPath = "SHARDCOORD_CONFIG"

// Store backends.
const (
    BackendMemory = "memory"
    BackendRaft   = "raft"
    BackendEtcd   = "etcd"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Services embed the node by providing this structure and
// calling Build/Run.
type Config struct {
    NodeID           string                `yaml:"nodeId"`
    DataDir          string                `yaml:"dataDir"`
    NumRecordsToKeep int                   `yaml:"numRecordsToKeep"`
    Replicas         []cluster.ReplicaSpec `yaml:"replicas"`

    HTTP Endpoint     `yaml:"http"`
    GRPC Endpoint     `yaml:"grpc"`
    TLS  tlsx.Options `yaml:"tls"`

    Store        StoreConfig         `yaml:"store"`
    ShardHandler shardhandler.Config `yaml:"shardHandler"`
    Recovery     recovery.Options    `yaml:"recovery"`

    QueueTimeout   time.Duration `yaml:"queueTimeout"`
    ConfigTimeout  time.Duration `yaml:"configTimeout"`
    LeaderVoteWait time.Duration `yaml:"leaderVoteWait"`

    Log   LogConfig `yaml:"log"`
    Trace bool      `yaml:"trace"`

    // Logger replaces the logger built from Log.
    Logger *zap.Logger `yaml:"-"`
    // MemoryServer lets several in-process nodes share one memory store.
    MemoryServer        *memstore.Server          `yaml:"-"`
    OnCoordinatorChange func(info cns.LeaderInfo) `yaml:"-"`
}

// Endpoint is a listener and the address peers should use to reach it.
type Endpoint struct {
    Bind      string `yaml:"bind"`
    Advertise string `yaml:"advertise,omitempty"`
}

type LogConfig struct {
    Env   string `yaml:"env"`
    Level string `yaml:"level"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
    Backend string     `yaml:"backend"`
    Raft    RaftConfig `yaml:"raft"`
    Etcd    EtcdConfig `yaml:"etcd"`
}

type RaftConfig struct {
    Bind string `yaml:"bind"`
    // DataDir defaults to <dataDir>/raft; with neither set raft runs in memory.
    DataDir    string        `yaml:"dataDir"`
    Bootstrap  bool          `yaml:"bootstrap"`
    SessionTTL time.Duration `yaml:"sessionTtl"`
    // Peers lists every store server. The leader adds missing ones as voters,
    // followers use the gRPC addresses to forward writes.
    Peers []RaftPeer `yaml:"peers"`
}

type RaftPeer struct {
    ID       string `yaml:"id"`
    RaftAddr string `yaml:"raftAddr"`
    GRPCAddr string `yaml:"grpcAddr"`
}

type EtcdConfig struct {
    Endpoints   []string      `yaml:"endpoints"`
    Prefix      string        `yaml:"prefix"`
    DialTimeout time.Duration `yaml:"dialTimeout"`
    SessionTTL  time.Duration `yaml:"sessionTtl"`
    TLS         tlsx.Options  `yaml:"tls"`
    // Discovery resolves Endpoints when the list is empty.
    Discovery discovery.Config `yaml:"discovery"`
}

// DefaultConfig returns the defaults LoadConfig decodes on top of.
func DefaultConfig() Config {
    return Config{
        NumRecordsToKeep: 100,
        HTTP:             Endpoint{Bind: ":8983"},
        GRPC:             Endpoint{Bind: ":9983"},
        Store: StoreConfig{
            Backend: BackendMemory,
            Etcd:    EtcdConfig{DialTimeout: 5 * time.Second},
        },
        ShardHandler: shardhandler.DefaultConfig(),
    }
}

// LoadConfig reads a YAML file over DefaultConfig, applies environment
// overrides and validates the result. A .env file in the working directory
// is loaded first when present. An empty path with no SHARDCOORD_CONFIG set
// yields the defaults.
func LoadConfig(path string) (Config, error) {
    cfg, err := ReadConfig(path)
    if err != nil { return Config{}, err }
    return cfg, cfg.Validate()
}

// ReadConfig is LoadConfig without validation, for callers that fill in
// more settings before calling Validate.
func ReadConfig(path string) (Config, error) {
    _ = godotenv.Load()
    if v := os.Getenv(EnvConfigPath); v != "" { path = v }
    cfg := DefaultConfig()
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil { return Config{}, fmt.Errorf("bootstrap: read config: %w", err) }
        if err := yaml.Unmarshal(b, &cfg); err != nil { return Config{}, fmt.Errorf("bootstrap: parse %s: %w", path, err) }
    }
    if err := cfg.applyEnv(); err != nil { return Config{}, err }
    return cfg, nil
}

func getEnv(key string) (string, bool) {
    v := strings.TrimSpace(os.Getenv(key))
    return v, v != ""
}

// applyEnv lets SHARDCOORD_* variables override the file.
func (c *Config) applyEnv() error {
    if v, ok := getEnv("SHARDCOORD_NODE_ID"); ok { c.NodeID = v }
    if v, ok := getEnv("SHARDCOORD_DATA_DIR"); ok { c.DataDir = v }
    if v, ok := getEnv("SHARDCOORD_HTTP_BIND"); ok { c.HTTP.Bind = v }
    if v, ok := getEnv("SHARDCOORD_HTTP_ADVERTISE"); ok { c.HTTP.Advertise = v }
    if v, ok := getEnv("SHARDCOORD_GRPC_BIND"); ok { c.GRPC.Bind = v }
    if v, ok := getEnv("SHARDCOORD_GRPC_ADVERTISE"); ok { c.GRPC.Advertise = v }
    if v, ok := getEnv("SHARDCOORD_STORE_BACKEND"); ok { c.Store.Backend = strings.ToLower(v) }
    if v, ok := getEnv("SHARDCOORD_ETCD_ENDPOINTS"); ok {
        c.Store.Etcd.Endpoints = nil
        for _, e := range strings.Split(v, ",") {
            if e = strings.TrimSpace(e); e != "" { c.Store.Etcd.Endpoints = append(c.Store.Etcd.Endpoints, e) }
        }
    }
    if v, ok := getEnv("SHARDCOORD_LOG_LEVEL"); ok { c.Log.Level = v }
    if v, ok := getEnv("SHARDCOORD_QUEUE_TIMEOUT"); ok {
        d, err := time.ParseDuration(v)
        if err != nil { return fmt.Errorf("bootstrap: SHARDCOORD_QUEUE_TIMEOUT: %w", err) }
        c.QueueTimeout = d
    }
    return nil
}

// Validate checks the settings Build cannot default.
func (c Config) Validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: missing nodeId") }
    switch c.Store.Backend {
    case "", BackendMemory:
    case BackendRaft:
        if len(c.Store.Raft.Peers) > 0 && c.Store.Raft.Bind == "" {
            return errors.New("bootstrap: raft peers need store.raft.bind")
        }
        for _, p := range c.Store.Raft.Peers {
            if p.ID == "" || p.RaftAddr == "" { return errors.New("bootstrap: raft peer without id or raftAddr") }
        }
    case BackendEtcd:
        if len(c.Store.Etcd.Endpoints) == 0 && !c.Store.Etcd.Discovery.Enabled() {
            return errors.New("bootstrap: etcd backend without endpoints or discovery")
        }
        if err := c.Store.Etcd.TLS.Validate(); err != nil { return err }
    default:
        return fmt.Errorf("bootstrap: unknown store backend %q", c.Store.Backend)
    }
    if err := c.TLS.Validate(); err != nil { return err }
    return c.ShardHandler.Validate()
}
