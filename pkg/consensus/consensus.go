package consensus

import "context"

// Command is a raft log entry. Op names the mutation for logging and
// dispatch; Payload is the encoded mutation understood by the FSM.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload"`
}

// Consensus is the lifecycle and leadership surface of a leader-based
// consensus engine. Writes are typed by the engine's owner (see raftstore).
type Consensus interface {
    Start(ctx context.Context) error
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}
