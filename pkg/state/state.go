// Package state holds the cluster state model: collections made of shards
// made of replicas. Each collection is stored as one JSON document at
// /collections/<name>/state; the store node version is the collection's
// state version. Only the coordinator writes it (Writer); every node reads
// it through a watching cache (Reader).
package state

import (
    "encoding/json"
    "fmt"
    "sort"
)

// ReplicaState is the lifecycle state of a replica.
type ReplicaState string

const (
    Down           ReplicaState = "down"
    Recovering     ReplicaState = "recovering"
    Active         ReplicaState = "active"
    RecoveryFailed ReplicaState = "recovery_failed"
)

func ParseReplicaState(s string) (ReplicaState, error) {
    switch ReplicaState(s) {
    case Down, Recovering, Active, RecoveryFailed:
        return ReplicaState(s), nil
    }
    return "", fmt.Errorf("state: unknown replica state %q", s)
}

// Replica is one copy of a shard hosted by a node.
type Replica struct {
    ID               string       `json:"id"`
    Node             string       `json:"node"`
    Core             string       `json:"core"`
    RecoveryAddr     string       `json:"recoveryAddr,omitempty"`
    UpdateAddr       string       `json:"updateAddr,omitempty"`
    State            ReplicaState `json:"state"`
    Leader           bool         `json:"leader,omitempty"`
    LastKnownVersion int64        `json:"lastKnownVersion"`
}

type Shard struct {
    Name     string              `json:"name"`
    Replicas map[string]*Replica `json:"replicas"`
    LeaderID string              `json:"leaderId,omitempty"`
}

type Collection struct {
    Name       string            `json:"name"`
    ConfigName string            `json:"configName,omitempty"`
    Shards     map[string]*Shard `json:"shards"`
    // Version is the store version the document was read at; not persisted.
    Version int64 `json:"-"`
}

// ClusterState is a point-in-time view of every collection plus the set of
// live nodes.
type ClusterState struct {
    Collections map[string]*Collection `json:"collections"`
    LiveNodes   []string               `json:"liveNodes"`
}

func NewCollection(name, configName string) *Collection {
    return &Collection{Name: name, ConfigName: configName, Shards: map[string]*Shard{}}
}

// Shard returns the named shard, creating it when create is set.
func (c *Collection) Shard(name string, create bool) *Shard {
    if s, ok := c.Shards[name]; ok { return s }
    if !create { return nil }
    s := &Shard{Name: name, Replicas: map[string]*Replica{}}
    if c.Shards == nil { c.Shards = map[string]*Shard{} }
    c.Shards[name] = s
    return s
}

// Sorted returns the replicas ordered by id.
func (s *Shard) Sorted() []*Replica {
    out := make([]*Replica, 0, len(s.Replicas))
    for _, r := range s.Replicas { out = append(out, r) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Leader returns the replica flagged leader, or nil.
func (s *Shard) Leader() *Replica {
    if s.LeaderID == "" { return nil }
    return s.Replicas[s.LeaderID]
}

// SetLeader flags id as leader and clears the flag everywhere else.
func (s *Shard) SetLeader(id string) error {
    if _, ok := s.Replicas[id]; !ok {
        return fmt.Errorf("state: replica %q not in shard %q", id, s.Name)
    }
    for rid, r := range s.Replicas { r.Leader = rid == id }
    s.LeaderID = id
    return nil
}

func (s *Shard) ClearLeader() {
    for _, r := range s.Replicas { r.Leader = false }
    s.LeaderID = ""
}

// Validate checks the single-leader invariant of every shard.
func (c *Collection) Validate() error {
    for name, s := range c.Shards {
        leaders := 0
        for id, r := range s.Replicas {
            if r.ID != id { return fmt.Errorf("state: shard %s: replica key %q holds id %q", name, id, r.ID) }
            if !r.Leader { continue }
            leaders++
            if s.LeaderID != id { return fmt.Errorf("state: shard %s: replica %s flagged leader but leaderId is %q", name, id, s.LeaderID) }
        }
        if leaders > 1 { return fmt.Errorf("state: shard %s has %d leaders", name, leaders) }
        if s.LeaderID != "" && leaders == 0 { return fmt.Errorf("state: shard %s: leaderId %q not flagged", name, s.LeaderID) }
    }
    return nil
}

// FindReplica locates a replica by id across shards.
func (c *Collection) FindReplica(id string) (*Shard, *Replica) {
    for _, s := range c.Shards {
        if r, ok := s.Replicas[id]; ok { return s, r }
    }
    return nil, nil
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
    if c == nil { return nil }
    out := &Collection{Name: c.Name, ConfigName: c.ConfigName, Version: c.Version, Shards: make(map[string]*Shard, len(c.Shards))}
    for n, s := range c.Shards {
        ns := &Shard{Name: s.Name, LeaderID: s.LeaderID, Replicas: make(map[string]*Replica, len(s.Replicas))}
        for id, r := range s.Replicas {
            cp := *r
            ns.Replicas[id] = &cp
        }
        out.Shards[n] = ns
    }
    return out
}

func Encode(c *Collection) ([]byte, error) { return json.Marshal(c) }

func Decode(b []byte, version int64) (*Collection, error) {
    var c Collection
    if err := json.Unmarshal(b, &c); err != nil { return nil, fmt.Errorf("state: decode: %w", err) }
    if c.Shards == nil { c.Shards = map[string]*Shard{} }
    for n, s := range c.Shards {
        if s.Replicas == nil { s.Replicas = map[string]*Replica{} }
        if s.Name == "" { s.Name = n }
    }
    c.Version = version
    return &c, nil
}

// Collection returns a copy of the named collection or nil.
func (cs ClusterState) Collection(name string) *Collection { return cs.Collections[name].Clone() }

// IsLive reports whether node is registered under /live_nodes.
func (cs ClusterState) IsLive(node string) bool {
    for _, n := range cs.LiveNodes {
        if n == node { return true }
    }
    return false
}
