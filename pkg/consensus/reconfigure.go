package consensus

import "time"

// Reconfigurer changes the voter set of a running consensus group. Store
// servers joining a raft-backed deployment are added through it by the
// current leader.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
    Servers() ([]Server, error)
}

// Server is a member of the voter set.
type Server struct {
    ID       string `json:"id"`
    Addr     string `json:"addr"`
    Suffrage string `json:"suffrage"`
}
