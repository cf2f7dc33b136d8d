package store

import (
    "context"
    "errors"
    "fmt"
    "path"
    "sort"
    "strconv"
    "strings"
)

// Well-known paths.
const (
    CoordinatorPath = "/coordinator"
    QueuePath       = "/coordinator/queue"
    ResultsPath     = "/coordinator/results"
    ElectionPath    = "/coordinator/election"
    CollectionsPath = "/collections"
    ConfigSetsPath  = "/configsets"
    LiveNodesPath   = "/live_nodes"
)

// SequenceDigits is the width of the suffix appended to sequential nodes.
const SequenceDigits = 10

// FormatSequence renders a sequence the way sequential nodes are named.
func FormatSequence(seq int64) string { return fmt.Sprintf("%0*d", SequenceDigits, seq) }

// SequenceOf extracts the store-assigned sequence from a sequential node name
// or path.
func SequenceOf(name string) (int64, error) {
    name = path.Base(name)
    if len(name) < SequenceDigits {
        return 0, fmt.Errorf("store: %q is not a sequential node", name)
    }
    return strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
}

// JoinPath joins path elements into an absolute, clean store path.
func JoinPath(elem ...string) string {
    return path.Clean("/" + strings.Join(elem, "/"))
}

// CollectionPath returns /collections/<name>.
func CollectionPath(collection string) string { return JoinPath(CollectionsPath, collection) }

// StatePath returns the node holding a collection's state.
func StatePath(collection string) string { return JoinPath(CollectionsPath, collection, "state") }

// ShardElectionPath returns the election directory of a shard.
func ShardElectionPath(collection, shard string) string {
    return JoinPath(CollectionsPath, collection, "shards", shard, "election")
}

// ConfigSetPath returns /configsets/<name>.
func ConfigSetPath(name string) string { return JoinPath(ConfigSetsPath, name) }

// LiveNodePath returns /live_nodes/<node>.
func LiveNodePath(node string) string { return JoinPath(LiveNodesPath, node) }

// ValidatePath checks that p is absolute and clean.
func ValidatePath(p string) error {
    if p == "" || p[0] != '/' || path.Clean(p) != p {
        return fmt.Errorf("%w: %q", ErrBadPath, p)
    }
    return nil
}

// Parent returns the parent of p ("/" for top-level nodes).
func Parent(p string) string { return path.Dir(p) }

// MakePath creates p and any missing ancestors as persistent nodes. Existing
// nodes are left untouched.
func MakePath(ctx context.Context, c Client, p string) error {
    if err := ValidatePath(p); err != nil { return err }
    if p == "/" { return nil }
    parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
    cur := ""
    for _, part := range parts {
        cur += "/" + part
        if _, err := c.Create(ctx, cur, nil, Persistent); err != nil && !errors.Is(err, ErrNodeExists) {
            return err
        }
    }
    return nil
}

// CreateWithParents creates p, creating missing ancestors first.
func CreateWithParents(ctx context.Context, c Client, p string, data []byte, mode Mode) (string, error) {
    out, err := c.Create(ctx, p, data, mode)
    if errors.Is(err, ErrNoParent) {
        if err := MakePath(ctx, c, Parent(p)); err != nil { return "", err }
        return c.Create(ctx, p, data, mode)
    }
    return out, err
}

// DeleteRecursive removes p and everything below it. A missing node is not an
// error, so partially applied deletes can be re-run.
func DeleteRecursive(ctx context.Context, c Client, p string) error {
    kids, err := c.Children(ctx, p)
    if errors.Is(err, ErrNoNode) { return nil }
    if err != nil { return err }
    for _, k := range kids {
        if err := DeleteRecursive(ctx, c, JoinPath(p, k)); err != nil { return err }
    }
    if err := c.Delete(ctx, p, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
        return err
    }
    return nil
}

// SortBySequence orders sequential child names by their sequence suffix.
// Names without a parsable suffix sort first, in lexical order.
func SortBySequence(names []string) {
    seq := func(n string) int64 {
        s, err := SequenceOf(n)
        if err != nil { return -1 }
        return s
    }
    sort.SliceStable(names, func(i, j int) bool {
        a, b := seq(names[i]), seq(names[j])
        if a != b { return a < b }
        return names[i] < names[j]
    })
}
