package cluster

import "errors"

var (
    ErrNotLeader      = errors.New("cluster: not leader")
    ErrNoLeader       = errors.New("cluster: shard has no active leader")
    ErrNotStarted     = errors.New("cluster: node not started")
    ErrAlreadyLive    = errors.New("cluster: node id already registered as live")
    ErrLeaderRecovery = errors.New("cluster: a shard leader does not recover")
)
