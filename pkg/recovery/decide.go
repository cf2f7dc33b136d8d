// Package recovery brings a replica's core back in line with its shard
// leader, by replaying the leader's update-log tail when it covers the gap
// (peer-sync) or by replacing local state from a leader snapshot otherwise
// (full recovery). It also serves both requests on the leader side.
package recovery

import (
    "errors"
    "fmt"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/state"
)

type Strategy string

const (
    UpToDate     Strategy = "up_to_date"
    PeerSync     Strategy = "peersync"
    FullRecovery Strategy = "full"
)

var (
    // ErrAhead means the replica holds versions its leader never had.
    ErrAhead = errors.New("recovery: replica ahead of leader")
    // ErrDiverged means the replica applied a different update than the
    // leader at the same version.
    ErrDiverged = errors.New("recovery: replica diverged from leader")
)

// Decide picks the cheapest correct strategy for a replica at lastKnown,
// whose update at lastKnown has lastTerm (0 when unknown), given the leader's
// tail. PeerSync is chosen only when the tail's entries run contiguously from
// lastKnown+1 up to the leader's version and the leader's entry at lastKnown,
// when retained, has the same term. The error names the reason a fallback to
// FullRecovery was needed and is nil otherwise.
func Decide(lastKnown, lastTerm int64, t core.Tail) (Strategy, error) {
    if lastTerm != 0 {
        for _, u := range t.Entries {
            if u.Version == lastKnown && u.Term != 0 && u.Term != lastTerm {
                return FullRecovery, fmt.Errorf("%w at version %d: local term %d, leader term %d", ErrDiverged, lastKnown, lastTerm, u.Term)
            }
        }
    }
    leader := t.Version
    if leader < t.CoverageTo { leader = t.CoverageTo }
    switch {
    case lastKnown == leader:
        return UpToDate, nil
    case lastKnown > leader:
        return FullRecovery, fmt.Errorf("%w: local %d, leader %d", ErrAhead, lastKnown, leader)
    case len(t.Entries) == 0, t.CoverageTo < leader, lastKnown+1 < t.CoverageFrom:
        return FullRecovery, errs.GapTooLarge(lastKnown, t.CoverageFrom, t.CoverageTo)
    }
    want := lastKnown + 1
    for _, u := range t.Entries {
        if u.Version <= lastKnown { continue }
        if u.Version != want { return FullRecovery, errs.GapTooLarge(lastKnown, t.CoverageFrom, t.CoverageTo) }
        want++
    }
    if want-1 != leader { return FullRecovery, errs.GapTooLarge(lastKnown, t.CoverageFrom, t.CoverageTo) }
    return PeerSync, nil
}

// SelectSource returns the replica a recovering replica may pull from: the
// flagged leader of the shard, ACTIVE, hosted on a live node and not self.
func SelectSource(cs state.ClusterState, collection, shard, self string) (*state.Replica, error) {
    c := cs.Collections[collection]
    if c == nil { return nil, errs.SourceUnavailable(shard, fmt.Errorf("collection %s unknown", collection)) }
    s := c.Shard(shard, false)
    if s == nil { return nil, errs.SourceUnavailable(shard, fmt.Errorf("shard %s/%s unknown", collection, shard)) }
    l := s.Leader()
    switch {
    case l == nil:
        return nil, errs.SourceUnavailable(shard, errors.New("no leader"))
    case l.ID == self:
        return nil, errs.SourceUnavailable(shard, errors.New("self is leader"))
    case l.State != state.Active:
        return nil, errs.SourceUnavailable(shard, fmt.Errorf("leader %s is %s", l.ID, l.State))
    case !cs.IsLive(l.Node):
        return nil, errs.SourceUnavailable(shard, fmt.Errorf("leader node %s not live", l.Node))
    }
    cp := *l
    return &cp, nil
}
