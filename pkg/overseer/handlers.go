package overseer

import (
    "context"
    "errors"
    "sort"
    "strconv"

    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/configsets"
    "github.com/amirimatin/go-shardcoord/pkg/election"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/queue"
    "github.com/amirimatin/go-shardcoord/pkg/state"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// Operation names a queue command the coordinator knows how to apply.
type Operation string

const (
    OpConfigSetCreate Operation = configsets.OpCreate
    OpConfigSetDelete Operation = configsets.OpDelete
    OpRegister        Operation = "state_register"
    OpUnregister      Operation = "state_unregister"
    OpReplicaState    Operation = "state_replica"
    OpLeader          Operation = "state_leader"
    OpDownNode        Operation = "state_downnode"
)

// Parameter keys of the state_* operations.
const (
    ParamCollection   = "collection"
    ParamShard        = "shard"
    ParamReplica      = "replica"
    ParamNode         = "node"
    ParamCore         = "core"
    ParamRecoveryAddr = "recoveryAddr"
    ParamUpdateAddr   = "updateAddr"
    ParamConfigName   = "configName"
    ParamState        = "state"
    ParamVersion      = "version"
    ParamElectionSeq  = "electionSeq"
)

type handlerFunc func(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error)

var handlers = map[Operation]handlerFunc{
    OpConfigSetCreate: createConfigSet,
    OpConfigSetDelete: deleteConfigSet,
    OpRegister:        registerReplica,
    OpUnregister:      unregisterReplica,
    OpReplicaState:    publishReplicaState,
    OpLeader:          claimLeadership,
    OpDownNode:        downNode,
}

// Operations lists every operation of the dispatch table.
func Operations() []Operation {
    out := make([]Operation, 0, len(handlers))
    for op := range handlers { out = append(out, op) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func required(m queue.Message, keys ...string) error {
    for _, k := range keys {
        if m.Param(k) == "" { return errs.Validation("%s is a required param", k) }
    }
    return nil
}

func createConfigSet(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    m := e.Message
    if err := required(m, configsets.ParamName); err != nil { return nil, err }
    name := m.Param(configsets.ParamName)
    base := m.Param(configsets.ParamBaseConfigSet)
    if base == "" { base = configsets.DefaultName }
    if err := configsets.ValidateName(name); err != nil { return nil, err }
    if err := configsets.ValidateName(base); err != nil { return nil, err }

    existing, err := o.configs.Get(ctx, name)
    switch {
    case err == nil && existing.CreatedBySeq == e.Seq:
        // A previous coordinator died half way through this very entry.
        files, err := o.configs.ReadAll(ctx, existing.BaseConfigSet)
        if err != nil && !errors.Is(err, configsets.ErrNotFound) { return nil, err }
        return nil, o.configs.PutFiles(ctx, name, files)
    case err == nil:
        return nil, errs.Validation("ConfigSet already exists: %s", name)
    case !errors.Is(err, configsets.ErrNotFound):
        return nil, err
    }

    files, err := o.configs.ReadAll(ctx, base)
    if errors.Is(err, configsets.ErrNotFound) { return nil, errs.Validation("Base ConfigSet does not exist: %s", base) }
    if err != nil { return nil, err }
    cs := configsets.ConfigSet{
        Name:          name,
        BaseConfigSet: base,
        Properties:    configsets.PropertiesOf(m.Params),
        CreatedBySeq:  e.Seq,
    }
    if err := o.configs.Create(ctx, cs, files); err != nil {
        if errors.Is(err, configsets.ErrExists) { return nil, errs.Validation("ConfigSet already exists: %s", name) }
        return nil, err
    }
    o.log.Info("config set created", zap.String("name", name), zap.String("base", base))
    return nil, nil
}

func deleteConfigSet(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    if err := required(e.Message, configsets.ParamName); err != nil { return nil, err }
    name := e.Message.Param(configsets.ParamName)
    if err := configsets.ValidateName(name); err != nil { return nil, err }
    ok, err := o.configs.Exists(ctx, name)
    if err != nil { return nil, err }
    if !ok { return nil, errs.Validation("ConfigSet does not exist to delete: %s", name) }

    names, err := state.Names(ctx, o.c)
    if err != nil { return nil, err }
    for _, n := range names {
        col, err := state.Read(ctx, o.c, n)
        if errors.Is(err, state.ErrNoCollection) { continue }
        if err != nil { return nil, err }
        if col.ConfigName == name {
            return nil, errs.Validation("Can not delete ConfigSet as it is currently being used by collection [%s]", n)
        }
    }
    if err := o.configs.Delete(ctx, name); err != nil { return nil, err }
    o.log.Info("config set deleted", zap.String("name", name))
    return nil, nil
}

func registerReplica(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    m := e.Message
    if err := required(m, ParamCollection, ParamShard, ParamReplica, ParamNode); err != nil { return nil, err }
    col, err := o.w.Update(ctx, m.Param(ParamCollection), true, func(c *state.Collection) error {
        if c.ConfigName == "" {
            c.ConfigName = m.Param(ParamConfigName)
            if c.ConfigName == "" { c.ConfigName = configsets.DefaultName }
        }
        s := c.Shard(m.Param(ParamShard), true)
        id := m.Param(ParamReplica)
        r, ok := s.Replicas[id]
        if !ok {
            r = &state.Replica{ID: id}
            s.Replicas[id] = r
        }
        r.Node = m.Param(ParamNode)
        r.Core = m.Param(ParamCore)
        r.RecoveryAddr = m.Param(ParamRecoveryAddr)
        r.UpdateAddr = m.Param(ParamUpdateAddr)
        r.State = state.Down
        if s.LeaderID == id { s.ClearLeader() }
        return nil
    })
    if err != nil { return nil, err }
    return versionPayload(col), nil
}

func unregisterReplica(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    m := e.Message
    if err := required(m, ParamCollection, ParamReplica); err != nil { return nil, err }
    col, err := o.w.Update(ctx, m.Param(ParamCollection), false, func(c *state.Collection) error {
        s, r := c.FindReplica(m.Param(ParamReplica))
        if r == nil { return nil }
        if s.LeaderID == r.ID { s.ClearLeader() }
        delete(s.Replicas, r.ID)
        return nil
    })
    if errors.Is(err, state.ErrNoCollection) { return nil, nil }
    if err != nil { return nil, err }
    return versionPayload(col), nil
}

func publishReplicaState(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    m := e.Message
    if err := required(m, ParamCollection, ParamShard, ParamReplica, ParamState); err != nil { return nil, err }
    st, err := state.ParseReplicaState(m.Param(ParamState))
    if err != nil { return nil, errs.Validation("%v", err) }
    var version int64 = -1
    if v := m.Param(ParamVersion); v != "" {
        if version, err = strconv.ParseInt(v, 10, 64); err != nil { return nil, errs.Validation("bad version %q", v) }
    }
    col, err := o.w.Update(ctx, m.Param(ParamCollection), false, func(c *state.Collection) error {
        s := c.Shard(m.Param(ParamShard), false)
        if s == nil { return errs.Validation("no shard %s", m.Param(ParamShard)) }
        r, ok := s.Replicas[m.Param(ParamReplica)]
        if !ok { return errs.Validation("replica %s is not registered", m.Param(ParamReplica)) }
        r.State = st
        if version >= 0 { r.LastKnownVersion = version }
        if st != state.Active && s.LeaderID == r.ID { s.ClearLeader() }
        return nil
    })
    if err != nil { return nil, err }
    return versionPayload(col), nil
}

// claimLeadership records a shard leader. The claim is fenced on the shard
// election: the claimant must hold the lowest slot with the sequence it
// claims with, otherwise a stale leader could overwrite a newer one.
func claimLeadership(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    m := e.Message
    if err := required(m, ParamCollection, ParamShard, ParamReplica, ParamElectionSeq); err != nil { return nil, err }
    coll, shard, id := m.Param(ParamCollection), m.Param(ParamShard), m.Param(ParamReplica)
    seq, err := strconv.ParseInt(m.Param(ParamElectionSeq), 10, 64)
    if err != nil { return nil, errs.Validation("bad %s %q", ParamElectionSeq, m.Param(ParamElectionSeq)) }

    cur, err := election.Current(ctx, o.c, store.ShardElectionPath(coll, shard))
    if err != nil { return nil, err }
    if cur == nil || cur.Participant != id || cur.Seq != seq {
        return nil, errs.Validation("replica %s does not hold leadership of %s/%s", id, coll, shard)
    }
    col, err := o.w.Update(ctx, coll, false, func(c *state.Collection) error {
        s := c.Shard(shard, false)
        if s == nil { return errs.Validation("no shard %s", shard) }
        return s.SetLeader(id)
    })
    if err != nil { return nil, err }
    o.log.Info("shard leader recorded", zap.String("collection", coll), zap.String("shard", shard), zap.String("replica", id))
    return versionPayload(col), nil
}

func downNode(ctx context.Context, o *Overseer, e *queue.Entry) (map[string]string, error) {
    if err := required(e.Message, ParamNode); err != nil { return nil, err }
    node := e.Message.Param(ParamNode)
    names, err := state.Names(ctx, o.c)
    if err != nil { return nil, err }
    for _, n := range names {
        _, err := o.w.Update(ctx, n, false, func(c *state.Collection) error {
            changed := false
            for _, s := range c.Shards {
                for _, r := range s.Replicas {
                    if r.Node != node || (r.State == state.Down && !r.Leader) { continue }
                    r.State = state.Down
                    if s.LeaderID == r.ID { s.ClearLeader() }
                    changed = true
                }
            }
            if !changed { return state.ErrNoChange }
            return nil
        })
        if err != nil && !errors.Is(err, state.ErrNoCollection) { return nil, err }
    }
    return nil, nil
}

func versionPayload(c *state.Collection) map[string]string {
    if c == nil { return nil }
    return map[string]string{ParamVersion: strconv.FormatInt(c.Version, 10)}
}
