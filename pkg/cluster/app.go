package cluster

import (
    "context"
    "fmt"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/core"
    "github.com/amirimatin/go-shardcoord/pkg/transport"
)

// AddDocument indexes doc into a shard through the write path and returns
// the version the shard leader assigned.
func (n *Node) AddDocument(ctx context.Context, collection, shard string, doc core.Doc) (int64, error) {
    resp, err := n.Update(ctx, transport.UpdateRequest{
        Collection: collection, Shard: shard,
        Update: core.Update{Op: core.OpAdd, Doc: doc},
    })
    return resp.Version, err
}

func (n *Node) DeleteDocument(ctx context.Context, collection, shard, id string) (int64, error) {
    resp, err := n.Update(ctx, transport.UpdateRequest{
        Collection: collection, Shard: shard,
        Update: core.Update{Op: core.OpDelete, Doc: core.Doc{ID: id}},
    })
    return resp.Version, err
}

// Document reads a document from the local core of a shard.
func (n *Node) Document(collection, shard, id string) (*core.Doc, error) {
    r, ok := n.shards.Load(shardKey(collection, shard))
    if !ok { return nil, fmt.Errorf("%w: %s", transport.ErrNoCore, shardKey(collection, shard)) }
    return r.core.Get(id)
}

// ConfigSets runs a config-set API request.
func (n *Node) ConfigSets(ctx context.Context, req configsets.Request) (configsets.Response, error) {
    if n.cfg == nil { return configsets.Response{}, ErrNotStarted }
    return n.cfg.Handle(ctx, req)
}
