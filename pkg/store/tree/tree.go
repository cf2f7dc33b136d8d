// Package tree is the deterministic state machine behind the in-process and
// raft-replicated store backends. Every mutation is an Op applied in order;
// given the same sequence of Ops two trees are byte-identical, so the tree
// can sit behind a raft FSM unchanged.
package tree

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// OpKind names a mutation.
type OpKind string

const (
    OpCreate        OpKind = "create"
    OpSet           OpKind = "set"
    OpDelete        OpKind = "delete"
    OpOpenSession   OpKind = "open_session"
    OpTouchSession  OpKind = "touch_session"
    OpCloseSession  OpKind = "close_session"
    OpRenewSessions OpKind = "renew_sessions"
)

// Op is a single mutation. Now is stamped by whoever orders the op (the raft
// leader, or the in-process server) so replaying it yields the same tree.
type Op struct {
    Kind    OpKind          `json:"kind"`
    Path    string          `json:"path,omitempty"`
    Data    []byte          `json:"data,omitempty"`
    Mode    store.Mode      `json:"mode,omitempty"`
    Version int64           `json:"version,omitempty"`
    Session store.SessionID `json:"session,omitempty"`
    TTL     time.Duration   `json:"ttl,omitempty"`
    Now     time.Time       `json:"now"`
}

// Result is the outcome of Apply. Err carries an error code rather than an
// error value so results survive a JSON round trip through raft forwarding.
type Result struct {
    Path string      `json:"path,omitempty"`
    Stat *store.Stat `json:"stat,omitempty"`
    Err  string      `json:"err,omitempty"`
}

// Error returns the store error encoded in r, or nil.
func (r Result) Error() error { return DecodeError(r.Err) }

var errCodes = map[string]error{
    "no_node":            store.ErrNoNode,
    "node_exists":        store.ErrNodeExists,
    "bad_version":        store.ErrBadVersion,
    "not_empty":          store.ErrNotEmpty,
    "no_parent":          store.ErrNoParent,
    "ephemeral_children": store.ErrNoChildrenForEphemerals,
    "session_expired":    store.ErrSessionExpired,
    "bad_path":           store.ErrBadPath,
}

// EncodeError maps a store sentinel to its code. Unknown errors keep their
// message.
func EncodeError(err error) string {
    if err == nil { return "" }
    for code, e := range errCodes {
        if errors.Is(err, e) { return code }
    }
    return err.Error()
}

// DecodeError is the inverse of EncodeError.
func DecodeError(code string) error {
    if code == "" { return nil }
    if e, ok := errCodes[code]; ok { return e }
    return errors.New(code)
}

type node struct {
    data     []byte
    stat     store.Stat
    children map[string]struct{}
    cseq     int64
}

type session struct {
    ttl        time.Duration
    lastSeen   time.Time
    ephemerals map[string]struct{}
}

// SessionInfo describes a live session.
type SessionInfo struct {
    ID       store.SessionID `json:"id"`
    TTL      time.Duration   `json:"ttl"`
    LastSeen time.Time       `json:"lastSeen"`
}

// Tree is the replicated node tree.
type Tree struct {
    mu       sync.RWMutex
    nodes    map[string]*node
    sessions map[store.SessionID]*session
    zxid     int64
}

func New() *Tree {
    t := &Tree{}
    t.reset()
    return t
}

func (t *Tree) reset() {
    t.nodes = map[string]*node{"/": {children: map[string]struct{}{}}}
    t.sessions = make(map[store.SessionID]*session)
    t.zxid = 0
}

// Apply executes op and returns the result plus the watch events it caused.
func (t *Tree) Apply(op Op) (Result, []store.Event) {
    t.mu.Lock()
    defer t.mu.Unlock()
    var (
        res Result
        evs []store.Event
        err error
    )
    switch op.Kind {
    case OpCreate:
        res, evs, err = t.create(op)
    case OpSet:
        res, evs, err = t.set(op)
    case OpDelete:
        evs, err = t.remove(op.Path, op.Version)
    case OpOpenSession:
        s, ok := t.sessions[op.Session]
        if !ok {
            s = &session{ephemerals: make(map[string]struct{})}
            t.sessions[op.Session] = s
        }
        s.ttl = op.TTL
        s.lastSeen = op.Now
    case OpTouchSession:
        s, ok := t.sessions[op.Session]
        if !ok { err = store.ErrSessionExpired; break }
        s.lastSeen = op.Now
    case OpCloseSession:
        evs = t.closeSession(op.Session)
    case OpRenewSessions:
        for _, s := range t.sessions { s.lastSeen = op.Now }
    default:
        err = fmt.Errorf("tree: unknown op %q", op.Kind)
    }
    if err != nil {
        return Result{Err: EncodeError(err)}, nil
    }
    t.zxid++
    return res, evs
}

func (t *Tree) create(op Op) (Result, []store.Event, error) {
    if err := store.ValidatePath(op.Path); err != nil || op.Path == "/" {
        return Result{}, nil, store.ErrBadPath
    }
    parentPath := store.Parent(op.Path)
    parent, ok := t.nodes[parentPath]
    if !ok { return Result{}, nil, store.ErrNoParent }
    if parent.stat.Ephemeral { return Result{}, nil, store.ErrNoChildrenForEphemerals }
    var owner *session
    if op.Mode.IsEphemeral() {
        owner, ok = t.sessions[op.Session]
        if !ok { return Result{}, nil, store.ErrSessionExpired }
    }
    p := op.Path
    if op.Mode.IsSequential() {
        p += store.FormatSequence(parent.cseq)
    }
    if _, exists := t.nodes[p]; exists { return Result{}, nil, store.ErrNodeExists }
    if op.Mode.IsSequential() { parent.cseq++ }

    n := &node{
        data:     append([]byte(nil), op.Data...),
        children: map[string]struct{}{},
        stat: store.Stat{
            CreateSeq: t.zxid + 1,
            Ephemeral: op.Mode.IsEphemeral(),
            Ctime:     op.Now,
            Mtime:     op.Now,
        },
    }
    if owner != nil {
        n.stat.Owner = op.Session
        owner.ephemerals[p] = struct{}{}
    }
    t.nodes[p] = n
    parent.children[baseName(p)] = struct{}{}
    st := t.statOf(n)
    return Result{Path: p, Stat: &st}, []store.Event{
        {Type: store.EventCreated, State: store.StateConnected, Path: p},
        {Type: store.EventChildrenChanged, State: store.StateConnected, Path: parentPath},
    }, nil
}

func (t *Tree) set(op Op) (Result, []store.Event, error) {
    n, ok := t.nodes[op.Path]
    if !ok { return Result{}, nil, store.ErrNoNode }
    if op.Version != store.AnyVersion && op.Version != n.stat.Version {
        return Result{}, nil, store.ErrBadVersion
    }
    n.data = append([]byte(nil), op.Data...)
    n.stat.Version++
    n.stat.Mtime = op.Now
    st := t.statOf(n)
    return Result{Path: op.Path, Stat: &st}, []store.Event{
        {Type: store.EventDataChanged, State: store.StateConnected, Path: op.Path},
    }, nil
}

func (t *Tree) remove(p string, version int64) ([]store.Event, error) {
    if p == "/" { return nil, store.ErrBadPath }
    n, ok := t.nodes[p]
    if !ok { return nil, store.ErrNoNode }
    if version != store.AnyVersion && version != n.stat.Version { return nil, store.ErrBadVersion }
    if len(n.children) > 0 { return nil, store.ErrNotEmpty }
    delete(t.nodes, p)
    parentPath := store.Parent(p)
    if parent, ok := t.nodes[parentPath]; ok { delete(parent.children, baseName(p)) }
    if n.stat.Ephemeral {
        if s, ok := t.sessions[n.stat.Owner]; ok { delete(s.ephemerals, p) }
    }
    return []store.Event{
        {Type: store.EventDeleted, State: store.StateConnected, Path: p},
        {Type: store.EventChildrenChanged, State: store.StateConnected, Path: parentPath},
    }, nil
}

func (t *Tree) closeSession(id store.SessionID) []store.Event {
    s, ok := t.sessions[id]
    if !ok { return nil }
    paths := make([]string, 0, len(s.ephemerals))
    for p := range s.ephemerals { paths = append(paths, p) }
    sort.Strings(paths)
    var evs []store.Event
    for _, p := range paths {
        e, err := t.remove(p, store.AnyVersion)
        if err == nil { evs = append(evs, e...) }
    }
    delete(t.sessions, id)
    return evs
}

func (t *Tree) statOf(n *node) store.Stat {
    st := n.stat
    st.NumChildren = len(n.children)
    return st
}

// Get returns a copy of the node at p.
func (t *Tree) Get(p string) (*store.Node, error) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    n, ok := t.nodes[p]
    if !ok { return nil, store.ErrNoNode }
    return &store.Node{Path: p, Data: append([]byte(nil), n.data...), Stat: t.statOf(n)}, nil
}

// Exists returns the stat of p, or nil when absent.
func (t *Tree) Exists(p string) *store.Stat {
    t.mu.RLock()
    defer t.mu.RUnlock()
    n, ok := t.nodes[p]
    if !ok { return nil }
    st := t.statOf(n)
    return &st
}

// Children returns the sorted child names of p.
func (t *Tree) Children(p string) ([]string, error) {
    t.mu.RLock()
    defer t.mu.RUnlock()
    n, ok := t.nodes[p]
    if !ok { return nil, store.ErrNoNode }
    out := make([]string, 0, len(n.children))
    for k := range n.children { out = append(out, k) }
    sort.Strings(out)
    return out, nil
}

// HasSession reports whether id is a live session.
func (t *Tree) HasSession(id store.SessionID) bool {
    t.mu.RLock()
    defer t.mu.RUnlock()
    _, ok := t.sessions[id]
    return ok
}

// Sessions lists live sessions ordered by id.
func (t *Tree) Sessions() []SessionInfo {
    t.mu.RLock()
    defer t.mu.RUnlock()
    out := make([]SessionInfo, 0, len(t.sessions))
    for id, s := range t.sessions {
        out = append(out, SessionInfo{ID: id, TTL: s.ttl, LastSeen: s.lastSeen})
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Expired returns sessions not seen within their TTL as of now. Sessions with
// a zero TTL never expire.
func (t *Tree) Expired(now time.Time) []store.SessionID {
    var out []store.SessionID
    for _, s := range t.Sessions() {
        if s.TTL > 0 && now.Sub(s.LastSeen) > s.TTL { out = append(out, s.ID) }
    }
    return out
}

// AppliedIndex is the number of successful mutations so far.
func (t *Tree) AppliedIndex() int64 {
    t.mu.RLock()
    defer t.mu.RUnlock()
    return t.zxid
}

type snapNode struct {
    Path string     `json:"path"`
    Data []byte     `json:"data,omitempty"`
    Stat store.Stat `json:"stat"`
    CSeq int64      `json:"cseq,omitempty"`
}

type snapshot struct {
    Version  int           `json:"version"`
    Zxid     int64         `json:"zxid"`
    Nodes    []snapNode    `json:"nodes"`
    Sessions []SessionInfo `json:"sessions"`
}

// Snapshot encodes the tree as stable JSON ordered by path.
func (t *Tree) Snapshot() ([]byte, error) {
    sessions := t.Sessions()
    t.mu.RLock()
    defer t.mu.RUnlock()
    out := snapshot{Version: 1, Zxid: t.zxid, Sessions: sessions, Nodes: make([]snapNode, 0, len(t.nodes))}
    for p, n := range t.nodes {
        out.Nodes = append(out.Nodes, snapNode{Path: p, Data: n.data, Stat: t.statOf(n), CSeq: n.cseq})
    }
    sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].Path < out.Nodes[j].Path })
    return json.Marshal(out)
}

// Restore replaces the tree with a Snapshot.
func (t *Tree) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    if snap.Version != 1 { return fmt.Errorf("tree: unsupported snapshot version %d", snap.Version) }
    t.mu.Lock()
    defer t.mu.Unlock()
    t.reset()
    t.zxid = snap.Zxid
    for _, s := range snap.Sessions {
        t.sessions[s.ID] = &session{ttl: s.TTL, lastSeen: s.LastSeen, ephemerals: make(map[string]struct{})}
    }
    // parents sort before children
    for _, sn := range snap.Nodes {
        st := sn.Stat
        st.NumChildren = 0
        n := &node{data: sn.Data, stat: st, cseq: sn.CSeq, children: map[string]struct{}{}}
        if sn.Path == "/" {
            n.stat = store.Stat{}
            t.nodes["/"] = n
            continue
        }
        parent, ok := t.nodes[store.Parent(sn.Path)]
        if !ok { return fmt.Errorf("tree: snapshot node %s has no parent", sn.Path) }
        parent.children[baseName(sn.Path)] = struct{}{}
        t.nodes[sn.Path] = n
        if st.Ephemeral {
            if s, ok := t.sessions[st.Owner]; ok { s.ephemerals[sn.Path] = struct{}{} }
        }
    }
    return nil
}

func baseName(p string) string {
    for i := len(p) - 1; i >= 0; i-- {
        if p[i] == '/' { return p[i+1:] }
    }
    return p
}
