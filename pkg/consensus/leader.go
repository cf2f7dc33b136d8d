package consensus

// LeaderInfo describes a known leader. It is used both for the raft leader of
// the store and for leaders of election paths (coordinator, shards); Addr is
// whatever address the participant advertised.
type LeaderInfo struct {
    ID   string `json:"id"`
    Addr string `json:"addr,omitempty"`
    Term uint64 `json:"term"`
}

// LeaderNotifier delivers leadership changes. Implementations buffer and
// drop rather than block their internals; consumers should treat the latest
// value as authoritative.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
