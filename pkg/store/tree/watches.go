package tree

import (
    "sync"

    "github.com/amirimatin/go-shardcoord/pkg/store"
)

type watch struct {
    ch    chan store.Event
    owner store.SessionID
}

// Watches is a registry of one-shot watches keyed by path. Data watches fire
// on create, delete and data change of their path; child watches fire on
// children changes and on deletion of their path.
type Watches struct {
    mu    sync.Mutex
    data  map[string][]*watch
    child map[string][]*watch
}

func NewWatches() *Watches {
    return &Watches{data: make(map[string][]*watch), child: make(map[string][]*watch)}
}

// AddData registers a data watch on p for owner.
func (w *Watches) AddData(p string, owner store.SessionID) <-chan store.Event {
    wt := &watch{ch: make(chan store.Event, 1), owner: owner}
    w.mu.Lock()
    w.data[p] = append(w.data[p], wt)
    w.mu.Unlock()
    return wt.ch
}

// AddChild registers a child watch on p for owner.
func (w *Watches) AddChild(p string, owner store.SessionID) <-chan store.Event {
    wt := &watch{ch: make(chan store.Event, 1), owner: owner}
    w.mu.Lock()
    w.child[p] = append(w.child[p], wt)
    w.mu.Unlock()
    return wt.ch
}

// Trigger fires and removes every watch matched by evs.
func (w *Watches) Trigger(evs []store.Event) {
    if len(evs) == 0 { return }
    w.mu.Lock()
    defer w.mu.Unlock()
    for _, ev := range evs {
        switch ev.Type {
        case store.EventCreated, store.EventDataChanged:
            fire(w.data, ev.Path, ev)
        case store.EventDeleted:
            fire(w.data, ev.Path, ev)
            fire(w.child, ev.Path, ev)
        case store.EventChildrenChanged:
            fire(w.child, ev.Path, ev)
        }
    }
}

// ExpireOwner fires every watch held by owner with a session-state event and
// drops them.
func (w *Watches) ExpireOwner(owner store.SessionID, state store.SessionState) {
    w.mu.Lock()
    defer w.mu.Unlock()
    for _, m := range []map[string][]*watch{w.data, w.child} {
        for p, list := range m {
            kept := list[:0]
            for _, wt := range list {
                if wt.owner != owner { kept = append(kept, wt); continue }
                wt.ch <- store.Event{Type: store.EventNone, State: state, Path: p}
            }
            if len(kept) == 0 { delete(m, p) } else { m[p] = kept }
        }
    }
}

// Len returns the number of pending watches.
func (w *Watches) Len() int {
    w.mu.Lock()
    defer w.mu.Unlock()
    n := 0
    for _, l := range w.data { n += len(l) }
    for _, l := range w.child { n += len(l) }
    return n
}

func fire(m map[string][]*watch, p string, ev store.Event) {
    for _, wt := range m[p] {
        wt.ch <- ev
    }
    delete(m, p)
}
