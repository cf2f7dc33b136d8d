package cluster

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"

    "github.com/amirimatin/go-shardcoord/pkg/election"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// NodeStatus is a JSON-serializable snapshot of one node and its view of the
// cluster, served on GET /status and over the peer management RPC.
type NodeStatus struct {
    NodeID string `json:"nodeId"`
    // Healthy means the store session is alive and a coordinator is known.
    Healthy       bool                         `json:"healthy"`
    Coordinator   string                       `json:"coordinator,omitempty"`
    IsCoordinator bool                         `json:"isCoordinator"`
    LiveNodes     []string                     `json:"liveNodes"`
    Cores         []CoreStatus                 `json:"cores"`
    Collections   map[string]*state.Collection `json:"collections,omitempty"`
    Warnings      []string                     `json:"warnings,omitempty"`
}

// CoreStatus describes a locally hosted core.
type CoreStatus struct {
    Name       string             `json:"name"`
    Collection string             `json:"collection"`
    Shard      string             `json:"shard"`
    Replica    string             `json:"replica"`
    State      state.ReplicaState `json:"state,omitempty"`
    Leader     bool               `json:"leader"`
    Recovering bool               `json:"recovering"`
    Version    int64              `json:"version"`
    NumDocs    int                `json:"numDocs"`
}

// Status assembles the local view. It fails only when the node never
// started.
func (n *Node) Status(ctx context.Context) (*NodeStatus, error) {
    if n.reader == nil { return nil, ErrNotStarted }
    cs := n.reader.Snapshot()
    s := &NodeStatus{NodeID: n.opts.NodeID, LiveNodes: cs.LiveNodes, Collections: cs.Collections}

    if cur, err := election.Current(ctx, n.c, store.ElectionPath); err == nil && cur != nil {
        s.Coordinator = cur.Participant
    } else if err != nil {
        s.Warnings = append(s.Warnings, fmt.Sprintf("coordinator lookup: %v", err))
    }
    s.IsCoordinator = n.ov.Elector().IsLeader()
    connected := n.c.Session().State() == store.StateConnected
    if !connected { s.Warnings = append(s.Warnings, "store session "+string(n.c.Session().State())) }
    if s.Coordinator == "" { s.Warnings = append(s.Warnings, "no coordinator elected") }
    s.Healthy = connected && s.Coordinator != ""

    n.replicas.Range(func(_ string, r *ReplicaController) bool {
        st := r.status(cs)
        if st.State == state.RecoveryFailed {
            s.Warnings = append(s.Warnings, "core "+st.Name+" failed to recover")
        }
        s.Cores = append(s.Cores, st)
        return true
    })
    sort.Slice(s.Cores, func(i, j int) bool { return s.Cores[i].Name < s.Cores[j].Name })
    return s, nil
}

func (n *Node) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := n.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}
