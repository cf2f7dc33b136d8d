// Package transport holds the request and response types exchanged between
// nodes and the interfaces the gRPC and HTTP/JSON implementations satisfy.
package transport

import (
    "context"
    "encoding/json"
    "errors"

    "github.com/cespare/xxhash/v2"

    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/store/tree"
)

var (
    ErrNoCore          = errors.New("transport: core not hosted here")
    ErrSnapshotCorrupt = errors.New("transport: snapshot failed integrity check")
    ErrNotLeader       = errors.New("transport: not the store leader")
    ErrNotShardLeader  = errors.New("transport: replica does not lead its shard")
)

// StatusFunc returns a JSON-encoded status payload.
type StatusFunc func(ctx context.Context) ([]byte, error)

// TailRequest asks a replica for its update-log entries above Since.
type TailRequest struct {
    Core  string `json:"core"`
    Since int64  `json:"since"`
}

type TailResponse struct {
    Tail core.Tail `json:"tail"`
    // Leader reports whether the serving replica still led its shard when
    // it answered.
    Leader bool `json:"leader"`
}

type SnapshotRequest struct {
    Core      string `json:"core"`
    BlockSize int    `json:"blockSize,omitempty"`
}

// SnapshotBlock is one message of a snapshot stream. The last block has
// Final set and carries the integrity marker instead of documents.
type SnapshotBlock struct {
    Docs     []core.Doc `json:"docs,omitempty"`
    Final    bool       `json:"final,omitempty"`
    NumDocs  int        `json:"numDocs,omitempty"`
    Version  int64      `json:"version,omitempty"`
    Checksum uint64     `json:"checksum,omitempty"`
}

// RecoveryService is implemented by the node and served to recovering peers.
type RecoveryService interface {
    GetUpdateLogTail(ctx context.Context, req TailRequest) (TailResponse, error)
    // GetSnapshot calls send for every block, ending with the marker.
    GetSnapshot(ctx context.Context, req SnapshotRequest, send func(SnapshotBlock) error) error
}

// RecoveryClient is the recovering side of RecoveryService.
type RecoveryClient interface {
    GetUpdateLogTail(ctx context.Context, addr string, req TailRequest) (TailResponse, error)
    // GetSnapshot delivers document blocks to fn and returns the verified
    // snapshot version.
    GetSnapshot(ctx context.Context, addr string, req SnapshotRequest, fn func([]core.Doc) error) (int64, error)
}

// UpdateRequest carries one document update, either from a client to any
// replica or from the shard leader to its replicas (FromLeader set).
type UpdateRequest struct {
    Collection string      `json:"collection"`
    Shard      string      `json:"shard"`
    Replica    string      `json:"replica,omitempty"`
    Update     core.Update `json:"update"`
    FromLeader bool        `json:"fromLeader,omitempty"`
    // PrevTerm is the leader's term at Update.Version-1, 0 when unknown. A
    // replica holding a different term there has diverged.
    PrevTerm int64 `json:"prevTerm,omitempty"`
    // Forwarded marks a client update relayed by a non-leader; the receiver
    // does not relay it again.
    Forwarded bool `json:"forwarded,omitempty"`
}

type UpdateResponse struct {
    Version   int64  `json:"version"`
    ErrorCode string `json:"errorCode,omitempty"`
    Message   string `json:"message,omitempty"`
}

type UpdateClient interface {
    SendUpdate(ctx context.Context, addr string, req UpdateRequest) (UpdateResponse, error)
}

// StoreApplyRequest forwards a store mutation to the raft leader.
type StoreApplyRequest struct {
    Op tree.Op `json:"op"`
}

type StoreApplyResponse struct {
    Result    tree.Result `json:"result"`
    Index     uint64      `json:"index"`
    Error     string      `json:"error,omitempty"`
    NotLeader bool        `json:"notLeader,omitempty"`
}

type StoreApplyFunc func(ctx context.Context, op tree.Op) (tree.Result, uint64, error)

// Checksum accumulates the integrity marker of a snapshot stream.
type Checksum struct {
    d *xxhash.Digest
    n int
}

func NewChecksum() *Checksum { return &Checksum{d: xxhash.New()} }

// Add folds docs into the checksum in stream order.
func (c *Checksum) Add(docs ...core.Doc) {
    for _, d := range docs {
        b, _ := json.Marshal(d)
        _, _ = c.d.Write(b)
        c.n++
    }
}

func (c *Checksum) Sum() uint64 { return c.d.Sum64() }
func (c *Checksum) Count() int  { return c.n }

// Verify checks a marker block against what was received.
func (c *Checksum) Verify(marker SnapshotBlock) error {
    if !marker.Final || marker.NumDocs != c.n || marker.Checksum != c.Sum() {
        return ErrSnapshotCorrupt
    }
    return nil
}
