package state

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-shardcoord/pkg/store"
)

var ErrNoCollection = errors.New("state: no such collection")

// ErrNoChange may be returned by an Update callback to skip the write.
var ErrNoChange = errors.New("state: no change")

// Writer mutates collection documents with compare-and-set on their version.
// Only the coordinator uses it, so conflicts are rare and simply retried.
type Writer struct {
    c store.Client
}

func NewWriter(c store.Client) *Writer { return &Writer{c: c} }

// Update applies fn to the named collection. With create set a missing
// collection starts empty. fn's result must pass Validate or nothing is
// written.
func (w *Writer) Update(ctx context.Context, name string, create bool, fn func(*Collection) error) (*Collection, error) {
    sp := store.StatePath(name)
    for {
        n, err := w.c.Get(ctx, sp)
        if errors.Is(err, store.ErrNoNode) {
            if !create { return nil, fmt.Errorf("%w: %s", ErrNoCollection, name) }
            col := NewCollection(name, "")
            if err := fn(col); err != nil { return nil, err }
            if err := col.Validate(); err != nil { return nil, err }
            data, err := Encode(col)
            if err != nil { return nil, err }
            if err := store.MakePath(ctx, w.c, store.CollectionPath(name)); err != nil { return nil, err }
            if _, err := w.c.Create(ctx, sp, data, store.Persistent); errors.Is(err, store.ErrNodeExists) {
                continue
            } else if err != nil {
                return nil, err
            }
            col.Version = 0
            return col, nil
        }
        if err != nil { return nil, err }
        col, err := Decode(n.Data, n.Stat.Version)
        if err != nil { return nil, err }
        if err := fn(col); errors.Is(err, ErrNoChange) {
            return Decode(n.Data, n.Stat.Version)
        } else if err != nil {
            return nil, err
        }
        if err := col.Validate(); err != nil { return nil, err }
        data, err := Encode(col)
        if err != nil { return nil, err }
        st, err := w.c.Set(ctx, sp, data, n.Stat.Version)
        if errors.Is(err, store.ErrBadVersion) { continue }
        if err != nil { return nil, err }
        col.Version = st.Version
        return col, nil
    }
}

// Read returns the current document of a collection.
func (w *Writer) Read(ctx context.Context, name string) (*Collection, error) {
    return Read(ctx, w.c, name)
}

// Read loads one collection document from the store.
func Read(ctx context.Context, c store.Client, name string) (*Collection, error) {
    n, err := c.Get(ctx, store.StatePath(name))
    if errors.Is(err, store.ErrNoNode) { return nil, fmt.Errorf("%w: %s", ErrNoCollection, name) }
    if err != nil { return nil, err }
    return Decode(n.Data, n.Stat.Version)
}

// Names lists the collections that have a state document.
func Names(ctx context.Context, c store.Client) ([]string, error) {
    kids, err := c.Children(ctx, store.CollectionsPath)
    if errors.Is(err, store.ErrNoNode) { return nil, nil }
    return kids, err
}
