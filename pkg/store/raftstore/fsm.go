package raftstore

import (
    "encoding/json"
    "io"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/store"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

// treeFSM bridges raft Apply/Snapshot to the node tree and fires local
// watches as entries are applied on this server.
type treeFSM struct {
    mu      sync.Mutex
    tree    *tree.Tree
    watches *tree.Watches
    // sessionClosed is invoked for every applied session close, under mu.
    sessionClosed func(id store.SessionID)
}

func newTreeFSM() *treeFSM { return &treeFSM{tree: tree.New(), watches: tree.NewWatches()} }

func encodeOp(op tree.Op) ([]byte, error) {
    payload, err := json.Marshal(op)
    if err != nil { return nil, err }
    return json.Marshal(c.Command{Op: string(op.Kind), Payload: payload})
}

func (f *treeFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return err }
    var op tree.Op
    if err := json.Unmarshal(cmd.Payload, &op); err != nil { return err }
    f.mu.Lock()
    defer f.mu.Unlock()
    res, evs := f.tree.Apply(op)
    if op.Kind == tree.OpCloseSession && f.sessionClosed != nil {
        f.sessionClosed(op.Session)
    }
    f.watches.Trigger(evs)
    return res
}

func (f *treeFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.tree.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *treeFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.tree.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*treeFSM)(nil)
