// Package queue is the distributed command queue. Submitters append
// sequential entries under /coordinator/queue and wait on a watch for the
// matching result node; the coordinator consumes entries in sequence order
// and writes results under /coordinator/results.
package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "path"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/observability/tracing"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

const (
    EntryPrefix  = "qn-"
    ResultPrefix = "qnr-"
)

// Message is the payload of a queue entry: an operation name plus string
// parameters. SubmittedAt is informational; order comes from the store
// sequence only.
type Message struct {
    Operation   string            `json:"operation"`
    Params      map[string]string `json:"params,omitempty"`
    RequestID   string            `json:"requestId,omitempty"`
    SubmittedAt time.Time         `json:"submittedAt"`
}

// Param returns a parameter or "".
func (m Message) Param(k string) string { return m.Params[k] }

// Entry is a queued message with its store-assigned sequence.
type Entry struct {
    Seq     int64
    Path    string
    Message Message
}

// Result is written by the coordinator for each applied entry.
type Result struct {
    Seq         int64             `json:"seq"`
    Operation   string            `json:"operation"`
    Payload     map[string]string `json:"payload,omitempty"`
    ErrorCode   string            `json:"errorCode,omitempty"`
    Message     string            `json:"message,omitempty"`
    CompletedAt time.Time         `json:"completedAt"`
}

func (r Result) OK() bool { return r.ErrorCode == "" }

// Err converts a failed result into an apply error.
func (r Result) Err() error {
    if r.OK() { return nil }
    return errs.Apply(r.Operation, errs.Code(r.ErrorCode), r.Message)
}

// Queue is a handle on the queue and results paths for one store session.
type Queue struct {
    c           store.Client
    log         *zap.Logger
    queuePath   string
    resultsPath string
}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option { return func(q *Queue) { if l != nil { q.log = l } } }

// WithPaths overrides the entry and result parents.
func WithPaths(queuePath, resultsPath string) Option {
    return func(q *Queue) { q.queuePath, q.resultsPath = queuePath, resultsPath }
}

func New(c store.Client, opts ...Option) *Queue {
    q := &Queue{c: c, log: zap.NewNop(), queuePath: store.QueuePath, resultsPath: store.ResultsPath}
    for _, o := range opts { o(q) }
    q.log = q.log.Named("queue")
    return q
}

// Init creates the queue and results parents if needed.
func (q *Queue) Init(ctx context.Context) error {
    if err := store.MakePath(ctx, q.c, q.queuePath); err != nil { return err }
    return store.MakePath(ctx, q.c, q.resultsPath)
}

func (q *Queue) resultPath(seq int64) string {
    return path.Join(q.resultsPath, ResultPrefix+store.FormatSequence(seq))
}

// Enqueue appends msg and arms a watch on its completion marker.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (*Future, error) {
    if msg.Operation == "" { return nil, errs.Validation("operation is a required param") }
    if msg.RequestID == "" { msg.RequestID = uuid.NewString() }
    msg.SubmittedAt = time.Now().UTC()
    data, err := json.Marshal(msg)
    if err != nil { return nil, err }
    p, err := q.c.Create(ctx, path.Join(q.queuePath, EntryPrefix), data, store.PersistentSequential)
    if err != nil { return nil, fmt.Errorf("queue: enqueue %s: %w", msg.Operation, err) }
    seq, err := store.SequenceOf(p)
    if err != nil { return nil, err }
    metrics.QueueEnqueued.WithLabelValues(msg.Operation).Inc()
    q.log.Debug("enqueued", zap.String("operation", msg.Operation), zap.Int64("seq", seq), zap.String("request", msg.RequestID))
    f, err := q.watch(ctx, seq, msg.Operation)
    if err != nil { return nil, err }
    return f, nil
}

// AwaitResult re-attaches to a previously enqueued sequence and waits for its
// result. It is how a submitter reconciles a late result after a timeout.
func (q *Queue) AwaitResult(ctx context.Context, seq int64, op string, timeout time.Duration) (Outcome, error) {
    f, err := q.watch(ctx, seq, op)
    if err != nil { return Outcome{}, err }
    return f.Await(ctx, timeout), nil
}

// Offer enqueues msg and waits up to timeout for its result.
func (q *Queue) Offer(ctx context.Context, msg Message, timeout time.Duration) (Outcome, error) {
    ctx, end := tracing.StartSpan(ctx, "queue.offer", "operation", msg.Operation)
    defer end()
    f, err := q.Enqueue(ctx, msg)
    if err != nil { return Outcome{}, err }
    return f.Await(ctx, timeout), nil
}

func (q *Queue) watch(ctx context.Context, seq int64, op string) (*Future, error) {
    rp := q.resultPath(seq)
    st, ch, err := q.c.ExistsW(ctx, rp)
    if err != nil { return nil, fmt.Errorf("queue: watch %s: %w", rp, err) }
    f := &Future{q: q, Seq: seq, Operation: op, resultPath: rp, events: ch}
    if st != nil { f.present = true }
    return f, nil
}

func (q *Queue) readResult(ctx context.Context, seq int64) (*Result, error) {
    n, err := q.c.Get(ctx, q.resultPath(seq))
    if err != nil { return nil, err }
    var r Result
    if err := json.Unmarshal(n.Data, &r); err != nil { return nil, fmt.Errorf("queue: decode result %d: %w", seq, err) }
    return &r, nil
}

// Peek returns the lowest unconsumed entry. With block set it waits until an
// entry appears or ctx ends; otherwise it returns nil when the queue is empty.
func (q *Queue) Peek(ctx context.Context, block bool) (*Entry, error) {
    for {
        kids, ch, err := q.c.ChildrenW(ctx, q.queuePath)
        if err != nil { return nil, err }
        store.SortBySequence(kids)
        metrics.QueueDepth.Set(float64(len(kids)))
        for _, k := range kids {
            e, err := q.load(ctx, path.Join(q.queuePath, k))
            if errors.Is(err, store.ErrNoNode) { continue }
            if err != nil { return nil, err }
            return e, nil
        }
        if !block { return nil, nil }
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case ev := <-ch:
            if ev.Type == store.EventNone && (ev.State == store.StateExpired || ev.State == store.StateClosed) {
                return nil, store.ErrSessionExpired
            }
        }
    }
}

// Entries lists every unconsumed entry in sequence order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
    kids, err := q.c.Children(ctx, q.queuePath)
    if err != nil { return nil, err }
    store.SortBySequence(kids)
    out := make([]Entry, 0, len(kids))
    for _, k := range kids {
        e, err := q.load(ctx, path.Join(q.queuePath, k))
        if errors.Is(err, store.ErrNoNode) { continue }
        if err != nil { return nil, err }
        out = append(out, *e)
    }
    return out, nil
}

func (q *Queue) load(ctx context.Context, p string) (*Entry, error) {
    n, err := q.c.Get(ctx, p)
    if err != nil { return nil, err }
    seq, err := store.SequenceOf(p)
    if err != nil { return nil, err }
    e := &Entry{Seq: seq, Path: p}
    if err := json.Unmarshal(n.Data, &e.Message); err != nil {
        // undecodable entries still get a result so submitters are released
        e.Message = Message{Operation: "", Params: map[string]string{"raw": string(n.Data)}}
    }
    return e, nil
}

// Complete publishes r for e and then removes e. Writing the result first
// means a crash in between leaves an entry that Resume recognizes as done.
func (q *Queue) Complete(ctx context.Context, e *Entry, r Result) error {
    r.Seq = e.Seq
    if r.Operation == "" { r.Operation = e.Message.Operation }
    if r.CompletedAt.IsZero() { r.CompletedAt = time.Now().UTC() }
    data, err := json.Marshal(r)
    if err != nil { return err }
    if _, err := q.c.Create(ctx, q.resultPath(e.Seq), data, store.Persistent); err != nil && !errors.Is(err, store.ErrNodeExists) {
        return fmt.Errorf("queue: write result %d: %w", e.Seq, err)
    }
    return q.Remove(ctx, e)
}

// Remove deletes an entry without writing a result.
func (q *Queue) Remove(ctx context.Context, e *Entry) error {
    if err := q.c.Delete(ctx, e.Path, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
        return err
    }
    return nil
}

// HasResult reports whether the entry with seq has already been applied.
func (q *Queue) HasResult(ctx context.Context, seq int64) (bool, error) {
    st, err := q.c.Exists(ctx, q.resultPath(seq))
    return st != nil, err
}

// ResultInfo describes a persisted result node.
type ResultInfo struct {
    Seq     int64
    Created time.Time
}

func (q *Queue) Results(ctx context.Context) ([]ResultInfo, error) {
    kids, err := q.c.Children(ctx, q.resultsPath)
    if err != nil { return nil, err }
    store.SortBySequence(kids)
    out := make([]ResultInfo, 0, len(kids))
    for _, k := range kids {
        seq, err := store.SequenceOf(k)
        if err != nil { continue }
        st, err := q.c.Exists(ctx, path.Join(q.resultsPath, k))
        if err != nil { return nil, err }
        if st == nil { continue }
        out = append(out, ResultInfo{Seq: seq, Created: st.Ctime})
    }
    return out, nil
}

// PurgeResults removes results created before cutoff and returns how many
// were removed.
func (q *Queue) PurgeResults(ctx context.Context, cutoff time.Time) (int, error) {
    infos, err := q.Results(ctx)
    if err != nil { return 0, err }
    n := 0
    for _, ri := range infos {
        if !ri.Created.Before(cutoff) { continue }
        if err := q.Ack(ctx, ri.Seq); err != nil { return n, err }
        n++
    }
    return n, nil
}

// Ack deletes the result of seq once its submitter has read it.
func (q *Queue) Ack(ctx context.Context, seq int64) error {
    if err := q.c.Delete(ctx, q.resultPath(seq), store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
        return err
    }
    return nil
}
