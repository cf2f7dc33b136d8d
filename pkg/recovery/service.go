package recovery

import (
    "context"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

// Cores resolves a hosted core by name and reports whether its replica
// currently leads the shard.
type Cores interface {
    Core(name string) (*core.Core, bool)
    Leads(name string) bool
}

// Service answers recovery requests from peers of the shards this node
// hosts.
type Service struct {
    cores Cores
}

func NewService(cores Cores) *Service { return &Service{cores: cores} }

func (s *Service) GetUpdateLogTail(_ context.Context, req transport.TailRequest) (transport.TailResponse, error) {
    c, ok := s.cores.Core(req.Core)
    if !ok { return transport.TailResponse{}, transport.ErrNoCore }
    t, err := c.Tail(req.Since)
    if err != nil { return transport.TailResponse{}, err }
    metrics.PeerSyncServed.WithLabelValues(req.Core).Inc()
    return transport.TailResponse{Tail: t, Leader: s.cores.Leads(req.Core)}, nil
}

func (s *Service) GetSnapshot(ctx context.Context, req transport.SnapshotRequest, send func(transport.SnapshotBlock) error) error {
    c, ok := s.cores.Core(req.Core)
    if !ok { return transport.ErrNoCore }
    if !s.cores.Leads(req.Core) { return transport.ErrNotShardLeader }
    metrics.FullRecoveryServed.WithLabelValues(req.Core).Inc()
    version, _, err := c.WriteSnapshot(req.BlockSize, func(docs []core.Doc) error {
        if err := ctx.Err(); err != nil { return err }
        return send(transport.SnapshotBlock{Docs: docs})
    })
    if err != nil { return err }
    // no marker, so no verified snapshot, from a replica demoted meanwhile
    if !s.cores.Leads(req.Core) { return transport.ErrNotShardLeader }
    return send(transport.SnapshotBlock{Final: true, Version: version})
}

var _ transport.RecoveryService = (*Service)(nil)
