// Package shardhandler owns the outbound resources used for shard-to-shard
// and client-forwarded traffic: one pooled HTTP client with a global and a
// per-destination connection bound, the peer gRPC client with its
// connection cache, and two task pools with different shutdown rules.
package shardhandler

import (
    "errors"
    "time"
)

// Config is loaded from the cluster-wide settings.
type Config struct {
    MaxConnections        int           `yaml:"maxConnections"`
    MaxConnectionsPerHost int           `yaml:"maxConnectionsPerHost"`
    ConnectTimeout        time.Duration `yaml:"connectTimeout"`
    SocketTimeout         time.Duration `yaml:"socketTimeout"`
    RetryEnabled          bool          `yaml:"retryEnabled"`
    RetryMax              int           `yaml:"retryMax"`
    // Pool sizes bound concurrently running tasks.
    UpdatePoolSize   int `yaml:"updatePoolSize"`
    RecoveryPoolSize int `yaml:"recoveryPoolSize"`
    // PeerRPCTimeout bounds unary peer gRPC calls.
    PeerRPCTimeout time.Duration `yaml:"peerRpcTimeout"`
}

// DefaultConfig returns the defaults; yaml decoding on top of it keeps them
// for absent keys.
func DefaultConfig() Config {
    return Config{
        MaxConnections:        10000,
        MaxConnectionsPerHost: 100,
        ConnectTimeout:        15 * time.Second,
        SocketTimeout:         600 * time.Second,
        RetryEnabled:          true,
        RetryMax:              3,
        UpdatePoolSize:        64,
        RecoveryPoolSize:      8,
        PeerRPCTimeout:        5 * time.Second,
    }
}

func (c *Config) setDefaults() {
    d := DefaultConfig()
    if c.MaxConnections <= 0 { c.MaxConnections = d.MaxConnections }
    if c.MaxConnectionsPerHost <= 0 { c.MaxConnectionsPerHost = d.MaxConnectionsPerHost }
    if c.ConnectTimeout <= 0 { c.ConnectTimeout = d.ConnectTimeout }
    if c.SocketTimeout <= 0 { c.SocketTimeout = d.SocketTimeout }
    if c.RetryMax < 0 { c.RetryMax = 0 }
    if c.UpdatePoolSize <= 0 { c.UpdatePoolSize = d.UpdatePoolSize }
    if c.RecoveryPoolSize <= 0 { c.RecoveryPoolSize = d.RecoveryPoolSize }
    if c.PeerRPCTimeout <= 0 { c.PeerRPCTimeout = d.PeerRPCTimeout }
}

func (c Config) Validate() error {
    if c.MaxConnections > 0 && c.MaxConnectionsPerHost > c.MaxConnections {
        return errors.New("shardhandler: maxConnectionsPerHost exceeds maxConnections")
    }
    return nil
}
