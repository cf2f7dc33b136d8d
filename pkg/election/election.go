// Package election implements lowest-sequence-wins leader election over
// ephemeral sequential slots. Each participant watches only the slot directly
// ahead of it, so a leader change wakes one participant, not all of them.
package election

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "path"
    "sync"
    "time"

    "go.uber.org/zap"

    c "github.com/amirimatin/go-shardcoord/pkg/consensus"
    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/observability/metrics"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

const SlotPrefix = "n_"

var ErrNotRunning = errors.New("election: not running")

// Term identifies one leadership tenure: the winning slot and its owner.
type Term struct {
    Seq         int64
    Path        string
    Participant string
}

// Slot is a registered participant as read from the store.
type Slot struct {
    Seq         int64  `json:"-"`
    Name        string `json:"-"`
    Participant string `json:"participant"`
    Data        []byte `json:"data,omitempty"`
}

// Elector runs one participant of one election path.
type Elector struct {
    c    store.Client
    path string
    id   string
    data []byte
    log  *zap.Logger

    onElected func(ctx context.Context, t Term)
    lch       chan c.LeaderInfo

    mu      sync.Mutex
    leader  bool
    slot    string
    seq     int64
    current string
}

type Option func(*Elector)

func WithLogger(l *zap.Logger) Option { return func(e *Elector) { if l != nil { e.log = l } } }

// WithData attaches opaque data to the slot, e.g. the participant's address.
func WithData(b []byte) Option { return func(e *Elector) { e.data = b } }

// OnElected registers fn to run each time this participant becomes leader.
// ctx is cancelled as soon as leadership is lost; fn should return then.
func OnElected(fn func(ctx context.Context, t Term)) Option {
    return func(e *Elector) { e.onElected = fn }
}

func New(cl store.Client, electionPath, participant string, opts ...Option) *Elector {
    e := &Elector{c: cl, path: electionPath, id: participant, log: zap.NewNop(), lch: make(chan c.LeaderInfo, 16)}
    for _, o := range opts { o(e) }
    e.log = e.log.Named("election").With(zap.String("path", electionPath), zap.String("participant", participant))
    return e
}

func (e *Elector) LeaderCh() <-chan c.LeaderInfo { return e.lch }

var _ c.LeaderNotifier = (*Elector)(nil)

func (e *Elector) IsLeader() bool {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.leader
}

// Seq returns the sequence of this participant's slot, or -1 before Run has
// registered one.
func (e *Elector) Seq() int64 {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.slot == "" { return -1 }
    return e.seq
}

// Run registers a slot and participates until ctx ends or the store session
// expires. A slot lost while the session is alive (Resign, manual deletion) is
// replaced by a new one at the back of the line.
func (e *Elector) Run(ctx context.Context) error {
    if err := store.MakePath(ctx, e.c, e.path); err != nil { return err }
    defer e.cleanup()
    for {
        if err := e.register(ctx); err != nil { return err }
        err := e.participate(ctx)
        if ctx.Err() != nil { return ctx.Err() }
        if e.c.Session().State() != store.StateConnected {
            return errs.SessionExpired(e.slotPath())
        }
        if err != nil && !errors.Is(err, errSlotGone) { return err }
        // never leave a live slot of ours ahead of the new one
        if err := e.c.Delete(ctx, e.slotPath(), store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) { return err }
        e.log.Info("slot gone, re-registering")
    }
}

var errSlotGone = errors.New("election: slot gone")

func (e *Elector) slotPath() string {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.slot
}

func (e *Elector) register(ctx context.Context) error {
    data, err := json.Marshal(Slot{Participant: e.id, Data: e.data})
    if err != nil { return err }
    p, err := e.c.Create(ctx, path.Join(e.path, SlotPrefix), data, store.EphemeralSequential)
    if err != nil { return fmt.Errorf("election: register: %w", err) }
    seq, err := store.SequenceOf(p)
    if err != nil { return err }
    e.mu.Lock()
    e.slot, e.seq = p, seq
    e.mu.Unlock()
    e.log.Debug("registered", zap.Int64("seq", seq))
    return nil
}

func (e *Elector) participate(ctx context.Context) error {
    for {
        kids, err := e.c.Children(ctx, e.path)
        if err != nil { return err }
        store.SortBySequence(kids)
        own := path.Base(e.slotPath())
        idx := -1
        for i, k := range kids {
            if k == own { idx = i; break }
        }
        if idx < 0 { return errSlotGone }
        if idx == 0 { return e.lead(ctx) }

        e.observe(ctx, kids[0])
        pred := path.Join(e.path, kids[idx-1])
        st, ch, err := e.c.ExistsW(ctx, pred)
        if err != nil { return err }
        if st == nil { continue }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-e.c.Session().Done():
            return errs.SessionExpired(e.slotPath())
        case <-ch:
        }
    }
}

// lead holds leadership until the own slot disappears, the session ends or
// ctx is cancelled.
func (e *Elector) lead(ctx context.Context) error {
    slot := e.slotPath()
    st, gone, err := e.c.ExistsW(ctx, slot)
    if err != nil { return err }
    if st == nil { return errSlotGone }

    t := Term{Seq: e.Seq(), Path: slot, Participant: e.id}
    e.setLeader(true, e.id)
    e.log.Info("elected", zap.Int64("seq", t.Seq))
    lctx, cancel := context.WithCancel(ctx)
    var wg sync.WaitGroup
    if e.onElected != nil {
        wg.Add(1)
        go func() {
            defer wg.Done()
            e.onElected(lctx, t)
        }()
    }
    defer func() {
        cancel()
        wg.Wait()
        e.setLeader(false, "")
        e.log.Info("leadership lost", zap.Int64("seq", t.Seq))
    }()
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-e.c.Session().Done():
            return errs.SessionExpired(slot)
        case ev := <-gone:
            // Only the store can say the slot is gone; a broken or
            // disconnected watch is re-armed.
            if ev.Type == store.EventNone {
                if err := e.pause(ctx); err != nil { return err }
            }
            st, ch, err := e.c.ExistsW(ctx, slot)
            if err != nil { return err }
            if st == nil { return errSlotGone }
            if ev.Type == store.EventNone { e.log.Debug("leader watch re-armed", zap.Stringer("event", ev)) }
            gone = ch
        }
    }
}

func (e *Elector) pause(ctx context.Context) error {
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-e.c.Session().Done():
        return errs.SessionExpired(e.slotPath())
    case <-time.After(100 * time.Millisecond):
        return nil
    }
}

func (e *Elector) observe(ctx context.Context, first string) {
    s, err := e.read(ctx, first)
    if err != nil { return }
    e.setLeader(false, s.Participant)
}

func (e *Elector) setLeader(leader bool, current string) {
    e.mu.Lock()
    changed := e.current != current
    e.leader, e.current = leader, current
    seq := e.seq
    e.mu.Unlock()
    if !changed || current == "" { return }
    metrics.LeaderChanges.WithLabelValues(e.path).Inc()
    li := c.LeaderInfo{ID: current}
    if leader { li.Term = uint64(seq) }
    select {
    case e.lch <- li:
    default:
    }
}

// Resign deletes the own slot. Leadership would end on session expiry anyway;
// this only makes the handover prompt.
func (e *Elector) Resign(ctx context.Context) error {
    p := e.slotPath()
    if p == "" { return ErrNotRunning }
    if err := e.c.Delete(ctx, p, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
        return err
    }
    return nil
}

func (e *Elector) cleanup() {
    p := e.slotPath()
    if p != "" && e.c.Session().State() == store.StateConnected {
        _ = e.c.Delete(context.Background(), p, store.AnyVersion)
    }
    e.mu.Lock()
    e.slot, e.leader, e.current = "", false, ""
    e.mu.Unlock()
}

func (e *Elector) read(ctx context.Context, name string) (*Slot, error) {
    return readSlot(ctx, e.c, path.Join(e.path, name))
}

func readSlot(ctx context.Context, cl store.Client, p string) (*Slot, error) {
    n, err := cl.Get(ctx, p)
    if err != nil { return nil, err }
    var s Slot
    if err := json.Unmarshal(n.Data, &s); err != nil { return nil, err }
    s.Name = path.Base(p)
    s.Seq, _ = store.SequenceOf(p)
    return &s, nil
}

// Slots lists the live slots of an election in sequence order.
func Slots(ctx context.Context, cl store.Client, electionPath string) ([]Slot, error) {
    kids, err := cl.Children(ctx, electionPath)
    if errors.Is(err, store.ErrNoNode) { return nil, nil }
    if err != nil { return nil, err }
    store.SortBySequence(kids)
    out := make([]Slot, 0, len(kids))
    for _, k := range kids {
        s, err := readSlot(ctx, cl, path.Join(electionPath, k))
        if errors.Is(err, store.ErrNoNode) { continue }
        if err != nil { return nil, err }
        out = append(out, *s)
    }
    return out, nil
}

// Current returns the slot holding leadership of electionPath right now, or
// nil when nobody is registered.
func Current(ctx context.Context, cl store.Client, electionPath string) (*Slot, error) {
    slots, err := Slots(ctx, cl, electionPath)
    if err != nil || len(slots) == 0 { return nil, err }
    return &slots[0], nil
}
