package raftstore

import (
    "context"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

// Forwarder ships a mutation to the current raft leader and returns its result
// together with the raft index it was committed at. It is wired to the gRPC
// Store service in production and to a direct call in tests.
type Forwarder func(ctx context.Context, leaderID string, op tree.Op) (tree.Result, uint64, error)

// Options configure a raft-backed store server.
type Options struct {
    NodeID string
    Logger *zap.Logger

    // Bootstrap forms a single-voter cluster on Start when true.
    Bootstrap bool

    // Timeouts (optional). Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration

    // If BindAddr is non-empty a TCP transport is used, otherwise an
    // in-memory transport (single process, tests).
    BindAddr string

    // DataDir selects bolt log/stable stores and file snapshots when set.
    DataDir           string
    SnapshotsRetained int

    // SessionTTL bounds how long a client may go without a keepalive before
    // the leader expires its session. Default 10s.
    SessionTTL time.Duration

    // Forwarder is used by followers to route writes to the leader. Without it
    // writes on followers fail with ErrNotLeader.
    Forwarder Forwarder
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = zap.NewNop() }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 5 * time.Second }
    if o.SessionTTL <= 0 { o.SessionTTL = 10 * time.Second }
    if o.SnapshotsRetained <= 0 { o.SnapshotsRetained = 2 }
}
