// Package store defines the typed client over the consensus store: a
// replicated tree of nodes with persistent and session-scoped (ephemeral)
// entries, store-assigned sequence numbers, version compare-and-set and
// one-shot watches. Backends live in subpackages (tree-backed in-memory and
// raft implementations, and an etcd implementation).
package store

import (
    "context"
    "errors"
    "fmt"
    "time"
)

// Mode selects the lifetime and naming of a created node.
type Mode int

const (
    Persistent Mode = iota
    PersistentSequential
    Ephemeral
    EphemeralSequential
)

func (m Mode) IsEphemeral() bool  { return m == Ephemeral || m == EphemeralSequential }
func (m Mode) IsSequential() bool { return m == PersistentSequential || m == EphemeralSequential }

func (m Mode) String() string {
    switch m {
    case Persistent:
        return "persistent"
    case PersistentSequential:
        return "persistent_sequential"
    case Ephemeral:
        return "ephemeral"
    case EphemeralSequential:
        return "ephemeral_sequential"
    }
    return fmt.Sprintf("mode(%d)", int(m))
}

// AnyVersion disables the version check on Set and Delete.
const AnyVersion int64 = -1

// SessionID identifies the session that owns ephemeral nodes.
type SessionID string

// Stat is node metadata. Version counts data modifications since creation
// and starts at 0.
type Stat struct {
    Version     int64     `json:"version"`
    CreateSeq   int64     `json:"createSeq"`
    Ephemeral   bool      `json:"ephemeral,omitempty"`
    Owner       SessionID `json:"owner,omitempty"`
    Ctime       time.Time `json:"ctime"`
    Mtime       time.Time `json:"mtime"`
    NumChildren int       `json:"numChildren"`
}

// Node is a node's data together with its metadata.
type Node struct {
    Path string
    Data []byte
    Stat Stat
}

// EventType is the kind of change a watch reports.
type EventType string

const (
    EventNone            EventType = "none"
    EventCreated         EventType = "created"
    EventDeleted         EventType = "deleted"
    EventDataChanged     EventType = "data_changed"
    EventChildrenChanged EventType = "children_changed"
)

// SessionState is the connection state of a session.
type SessionState string

const (
    StateConnected    SessionState = "connected"
    StateDisconnected SessionState = "disconnected"
    StateExpired      SessionState = "expired"
    StateClosed       SessionState = "closed"
)

// Event is delivered once on a watch channel.
type Event struct {
    Type  EventType
    State SessionState
    Path  string
}

func (e Event) String() string {
    return fmt.Sprintf("[Watcher fired on path: %s state: %s type %s]", e.Path, e.State, e.Type)
}

var (
    ErrNoNode                  = errors.New("store: node does not exist")
    ErrNodeExists              = errors.New("store: node already exists")
    ErrBadVersion              = errors.New("store: version mismatch")
    ErrNotEmpty                = errors.New("store: node has children")
    ErrNoParent                = errors.New("store: parent node does not exist")
    ErrNoChildrenForEphemerals = errors.New("store: ephemeral nodes may not have children")
    ErrSessionExpired          = errors.New("store: session expired")
    ErrClosed                  = errors.New("store: client closed")
    ErrBadPath                 = errors.New("store: invalid path")
)

// Session is the liveness scope of a client. Done is closed once the session
// is expired or closed; ephemeral nodes it owned are gone by then.
type Session interface {
    ID() SessionID
    Done() <-chan struct{}
    State() SessionState
}

// Client is the store surface used by every component. Watch channels are
// buffered, receive at most one Event and are never closed.
type Client interface {
    Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)
    Get(ctx context.Context, path string) (*Node, error)
    GetW(ctx context.Context, path string) (*Node, <-chan Event, error)
    // Exists returns a nil Stat and no error when the node is absent.
    Exists(ctx context.Context, path string) (*Stat, error)
    ExistsW(ctx context.Context, path string) (*Stat, <-chan Event, error)
    Children(ctx context.Context, path string) ([]string, error)
    ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)
    Set(ctx context.Context, path string, data []byte, version int64) (*Stat, error)
    Delete(ctx context.Context, path string, version int64) error
    Session() Session
    Close() error
}
