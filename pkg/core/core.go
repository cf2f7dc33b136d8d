// Package core is the durable local state of one replica: a document store
// keyed by id plus the shard update log, kept in a bbolt file. The indexing
// engine a real deployment would put behind this is out of scope; Core models
// only what recovery and the write path observe.
package core

import (
    "encoding/binary"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    bolt "go.etcd.io/bbolt"
)

var (
    bucketDocs = []byte("docs")
    bucketLog  = []byte("ulog")
    bucketMeta = []byte("meta")

    keyVersion = []byte("version")
    keyTerm    = []byte("term")
)

// DefaultNumRecordsToKeep bounds the retained update-log tail.
const DefaultNumRecordsToKeep = 100

var (
    ErrVersionConflict = errors.New("core: version not above last applied")
    ErrBadUpdate       = errors.New("core: invalid update")
)

// Op is the kind of change an update makes.
type Op string

const (
    OpAdd    Op = "add"
    OpDelete Op = "delete"
)

// Doc is a stored document.
type Doc struct {
    ID     string            `json:"id"`
    Fields map[string]string `json:"fields,omitempty"`
}

// Update is one versioned change of the shard. Versions are assigned by the
// shard leader and strictly increase. Term is the election sequence of the
// leader that assigned the version; two updates with the same version and
// different terms come from diverged histories.
type Update struct {
    Version int64     `json:"version"`
    Term    int64     `json:"term,omitempty"`
    Op      Op        `json:"op"`
    Doc     Doc       `json:"doc"`
    Time    time.Time `json:"time"`
}

func (u Update) validate() error {
    if u.Version <= 0 { return fmt.Errorf("%w: version %d", ErrBadUpdate, u.Version) }
    if u.Doc.ID == "" { return fmt.Errorf("%w: empty id", ErrBadUpdate) }
    if u.Op != OpAdd && u.Op != OpDelete { return fmt.Errorf("%w: op %q", ErrBadUpdate, u.Op) }
    return nil
}

// Tail is the retained suffix of the update log. CoverageFrom and CoverageTo
// are the lowest and highest retained versions (both 0 when empty); Version
// is the core's last applied version, which after a full recovery can be
// above an empty log.
type Tail struct {
    Entries      []Update `json:"entries"`
    CoverageFrom int64    `json:"coverageFrom"`
    CoverageTo   int64    `json:"coverageTo"`
    Version      int64    `json:"version"`
}

// Options configure a Core.
type Options struct {
    Dir              string
    Name             string
    NumRecordsToKeep int
    Timeout          time.Duration
}

func (o *Options) setDefaults() {
    if o.NumRecordsToKeep <= 0 { o.NumRecordsToKeep = DefaultNumRecordsToKeep }
    if o.Timeout <= 0 { o.Timeout = time.Second }
}

func (o Options) Validate() error {
    if o.Dir == "" { return errors.New("core: Dir required") }
    if o.Name == "" { return errors.New("core: Name required") }
    return nil
}

type Core struct {
    name string
    keep int
    db   *bolt.DB
}

// Open opens (or creates) the core file <Dir>/<Name>.db.
func Open(opts Options) (*Core, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    if err := os.MkdirAll(opts.Dir, 0o755); err != nil { return nil, err }
    db, err := bolt.Open(filepath.Join(opts.Dir, opts.Name+".db"), 0o600, &bolt.Options{Timeout: opts.Timeout})
    if err != nil { return nil, fmt.Errorf("core: open %s: %w", opts.Name, err) }
    err = db.Update(func(tx *bolt.Tx) error {
        for _, b := range [][]byte{bucketDocs, bucketLog, bucketMeta} {
            if _, err := tx.CreateBucketIfNotExists(b); err != nil { return err }
        }
        return nil
    })
    if err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Core{name: opts.Name, keep: opts.NumRecordsToKeep, db: db}, nil
}

func (c *Core) Name() string { return c.name }

// NumRecordsToKeep is the configured update-log retention.
func (c *Core) NumRecordsToKeep() int { return c.keep }

func (c *Core) Close() error { return c.db.Close() }

func u64(v int64) []byte {
    b := make([]byte, 8)
    binary.BigEndian.PutUint64(b, uint64(v))
    return b
}

func i64(b []byte) int64 {
    if len(b) != 8 { return 0 }
    return int64(binary.BigEndian.Uint64(b))
}

func lastVersion(tx *bolt.Tx) int64 { return i64(tx.Bucket(bucketMeta).Get(keyVersion)) }

// Apply writes the document change and its log entry in one transaction.
func (c *Core) Apply(u Update) error {
    if err := u.validate(); err != nil { return err }
    if u.Time.IsZero() { u.Time = time.Now().UTC() }
    return c.db.Update(func(tx *bolt.Tx) error {
        last := lastVersion(tx)
        if u.Version <= last { return fmt.Errorf("%w: %d <= %d", ErrVersionConflict, u.Version, last) }
        if err := applyDoc(tx.Bucket(bucketDocs), u); err != nil { return err }
        entry, err := json.Marshal(u)
        if err != nil { return err }
        lb := tx.Bucket(bucketLog)
        if err := lb.Put(u64(u.Version), entry); err != nil { return err }
        if err := trim(lb, c.keep); err != nil { return err }
        mb := tx.Bucket(bucketMeta)
        if err := mb.Put(keyTerm, u64(u.Term)); err != nil { return err }
        return mb.Put(keyVersion, u64(u.Version))
    })
}

func applyDoc(b *bolt.Bucket, u Update) error {
    switch u.Op {
    case OpDelete:
        return b.Delete([]byte(u.Doc.ID))
    default:
        v, err := json.Marshal(u.Doc)
        if err != nil { return err }
        return b.Put([]byte(u.Doc.ID), v)
    }
}

func trim(b *bolt.Bucket, keep int) error {
    var keys [][]byte
    cur := b.Cursor()
    for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
        keys = append(keys, append([]byte(nil), k...))
    }
    if len(keys) <= keep { return nil }
    for _, k := range keys[:len(keys)-keep] {
        if err := b.Delete(k); err != nil { return err }
    }
    return nil
}

// LastVersion is the highest applied version (0 for an empty core).
func (c *Core) LastVersion() (int64, error) {
    var v int64
    err := c.db.View(func(tx *bolt.Tx) error {
        v = lastVersion(tx)
        return nil
    })
    return v, err
}

// TermAt returns the term of the update applied at version. ok is false when
// the term is unknown: the entry was trimmed, or the version came from a
// full recovery.
func (c *Core) TermAt(version int64) (term int64, ok bool, err error) {
    err = c.db.View(func(tx *bolt.Tx) error {
        if v := tx.Bucket(bucketLog).Get(u64(version)); v != nil {
            var u Update
            if err := json.Unmarshal(v, &u); err != nil { return err }
            term, ok = u.Term, u.Term != 0
            return nil
        }
        if version != lastVersion(tx) { return nil }
        if b := tx.Bucket(bucketMeta).Get(keyTerm); b != nil {
            term = i64(b)
            ok = term != 0
        }
        return nil
    })
    return term, ok, err
}

// Tail returns retained entries with a version above since.
func (c *Core) Tail(since int64) (Tail, error) {
    var t Tail
    if since < 0 { since = 0 }
    err := c.db.View(func(tx *bolt.Tx) error {
        t.Version = lastVersion(tx)
        cur := tx.Bucket(bucketLog).Cursor()
        first, _ := cur.First()
        lastK, _ := cur.Last()
        if first == nil { return nil }
        t.CoverageFrom, t.CoverageTo = i64(first), i64(lastK)
        for k, v := cur.Seek(u64(since + 1)); k != nil; k, v = cur.Next() {
            var u Update
            if err := json.Unmarshal(v, &u); err != nil { return err }
            t.Entries = append(t.Entries, u)
        }
        return nil
    })
    return t, err
}

func (c *Core) NumDocs() (int, error) {
    var n int
    err := c.db.View(func(tx *bolt.Tx) error {
        n = tx.Bucket(bucketDocs).Stats().KeyN
        return nil
    })
    return n, err
}

// Get returns the document with id, or nil.
func (c *Core) Get(id string) (*Doc, error) {
    var d *Doc
    err := c.db.View(func(tx *bolt.Tx) error {
        v := tx.Bucket(bucketDocs).Get([]byte(id))
        if v == nil { return nil }
        d = &Doc{}
        return json.Unmarshal(v, d)
    })
    return d, err
}

// WriteSnapshot streams every document in blocks of at most blockSize from a
// single read transaction, so the documents and the returned version are
// consistent with each other.
func (c *Core) WriteSnapshot(blockSize int, fn func(docs []Doc) error) (int64, int, error) {
    if blockSize <= 0 { blockSize = 500 }
    var version int64
    var count int
    err := c.db.View(func(tx *bolt.Tx) error {
        version = lastVersion(tx)
        block := make([]Doc, 0, blockSize)
        err := tx.Bucket(bucketDocs).ForEach(func(_, v []byte) error {
            var d Doc
            if err := json.Unmarshal(v, &d); err != nil { return err }
            block = append(block, d)
            count++
            if len(block) < blockSize { return nil }
            if err := fn(block); err != nil { return err }
            block = make([]Doc, 0, blockSize)
            return nil
        })
        if err != nil { return err }
        if len(block) > 0 { return fn(block) }
        return nil
    })
    return version, count, err
}

// ReplaceAll swaps the whole local state for docs at version in a single
// transaction. The update log restarts empty: entries below version belong to
// a history this replica no longer shares.
func (c *Core) ReplaceAll(docs []Doc, version int64) error {
    return c.db.Update(func(tx *bolt.Tx) error {
        for _, name := range [][]byte{bucketDocs, bucketLog} {
            if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) { return err }
            if _, err := tx.CreateBucket(name); err != nil { return err }
        }
        b := tx.Bucket(bucketDocs)
        for _, d := range docs {
            v, err := json.Marshal(d)
            if err != nil { return err }
            if err := b.Put([]byte(d.ID), v); err != nil { return err }
        }
        mb := tx.Bucket(bucketMeta)
        if err := mb.Delete(keyTerm); err != nil { return err }
        return mb.Put(keyVersion, u64(version))
    })
}
