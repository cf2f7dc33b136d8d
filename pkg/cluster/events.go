package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/state"
)

type EventType string

const (
    EventCoordinatorChanged  EventType = "coordinator_changed"
    EventShardLeaderChanged  EventType = "shard_leader_changed"
    EventReplicaStateChanged EventType = "replica_state_changed"
    EventLiveNodesChanged    EventType = "live_nodes_changed"
    EventRecoveryStarted     EventType = "recovery_started"
    EventRecoveryFinished    EventType = "recovery_finished"
    EventRecoveryFailed      EventType = "recovery_failed"
    EventSessionExpired      EventType = "session_expired"
)

// Event is an application-consumable event describing cluster state changes.
// Only relevant fields for an event type are populated.
type Event struct {
    Type       EventType
    At         time.Time
    Leader     *consensus.LeaderInfo
    Collection string
    Shard      string
    Replica    string
    State      state.ReplicaState
    LiveNodes  []string
    Details    map[string]string
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}

// diffState publishes the events that lead from prev to cur.
func (e *eventBus) diffState(prev, cur state.ClusterState) {
    if !sameNodes(prev.LiveNodes, cur.LiveNodes) {
        e.publish(Event{Type: EventLiveNodesChanged, LiveNodes: append([]string(nil), cur.LiveNodes...)})
    }
    for name, col := range cur.Collections {
        for sname, s := range col.Shards {
            var before *state.Shard
            if pc := prev.Collections[name]; pc != nil { before = pc.Shards[sname] }
            if before == nil || before.LeaderID != s.LeaderID {
                ev := Event{Type: EventShardLeaderChanged, Collection: name, Shard: sname, Replica: s.LeaderID}
                if l := s.Leader(); l != nil { ev.Leader = &consensus.LeaderInfo{ID: l.ID, Addr: l.UpdateAddr} }
                e.publish(ev)
            }
            for id, r := range s.Replicas {
                var was state.ReplicaState
                if before != nil {
                    if br := before.Replicas[id]; br != nil { was = br.State }
                }
                if was != r.State {
                    e.publish(Event{Type: EventReplicaStateChanged, Collection: name, Shard: sname, Replica: id, State: r.State})
                }
            }
        }
    }
}

func sameNodes(a, b []string) bool {
    if len(a) != len(b) { return false }
    for i := range a {
        if a[i] != b[i] { return false }
    }
    return true
}
