package configsets

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "strings"
    "time"
    "unicode"

    "github.com/amirimatin/go-shardcoord/pkg/errs"
    "github.com/amirimatin/go-shardcoord/pkg/store"
)

// DefaultName is the config set every cluster starts with and the default
// base for copies.
const DefaultName = "_default"

var (
    ErrNotFound = errors.New("configsets: not found")
    ErrExists   = errors.New("configsets: already exists")
)

// ConfigSet is the metadata stored in /configsets/<name>. Resource files are
// child nodes of that path.
type ConfigSet struct {
    Name          string            `json:"name"`
    BaseConfigSet string            `json:"baseConfigSet,omitempty"`
    Properties    map[string]string `json:"properties,omitempty"`
    // CreatedBySeq is the queue sequence of the create that wrote this set,
    // used to tell a re-applied create from a conflicting one.
    CreatedBySeq int64     `json:"createdBySeq"`
    CreatedAt    time.Time `json:"createdAt"`
}

// ValidateName rejects names that are not a single path element under
// /configsets: empty, ".", "..", containing "/" or control characters.
func ValidateName(name string) error {
    if err := checkElem(name); err != nil { return errs.Validation("Invalid ConfigSet name %q: %s", name, err) }
    return nil
}

func validateFile(file string) error {
    if err := checkElem(file); err != nil { return errs.Validation("Invalid ConfigSet file %q: %s", file, err) }
    return nil
}

func checkElem(s string) error {
    switch {
    case s == "":
        return errors.New("empty")
    case s == "." || s == "..":
        return errors.New("relative path element")
    case strings.ContainsRune(s, '/'):
        return errors.New("contains '/'")
    case strings.IndexFunc(s, unicode.IsControl) >= 0:
        return errors.New("contains control characters")
    }
    return nil
}

// Store persists config sets in the consensus store.
type Store struct {
    c store.Client
}

func NewStore(c store.Client) *Store { return &Store{c: c} }

// setPath is /configsets/<name> for a valid name.
func setPath(name string) (string, error) {
    if err := ValidateName(name); err != nil { return "", err }
    return store.ConfigSetPath(name), nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
    p, err := setPath(name)
    if err != nil { return false, err }
    st, err := s.c.Exists(ctx, p)
    return st != nil, err
}

func (s *Store) Get(ctx context.Context, name string) (*ConfigSet, error) {
    p, err := setPath(name)
    if err != nil { return nil, err }
    n, err := s.c.Get(ctx, p)
    if errors.Is(err, store.ErrNoNode) { return nil, fmt.Errorf("%w: %s", ErrNotFound, name) }
    if err != nil { return nil, err }
    var cs ConfigSet
    if len(n.Data) > 0 {
        if err := json.Unmarshal(n.Data, &cs); err != nil { return nil, fmt.Errorf("configsets: decode %s: %w", name, err) }
    }
    cs.Name = name
    return &cs, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
    kids, err := s.c.Children(ctx, store.ConfigSetsPath)
    if errors.Is(err, store.ErrNoNode) { return nil, nil }
    if err != nil { return nil, err }
    sort.Strings(kids)
    return kids, nil
}

// Files lists the resource names of a config set.
func (s *Store) Files(ctx context.Context, name string) ([]string, error) {
    p, err := setPath(name)
    if err != nil { return nil, err }
    kids, err := s.c.Children(ctx, p)
    if errors.Is(err, store.ErrNoNode) { return nil, fmt.Errorf("%w: %s", ErrNotFound, name) }
    if err != nil { return nil, err }
    sort.Strings(kids)
    return kids, nil
}

func (s *Store) ReadFile(ctx context.Context, name, file string) ([]byte, error) {
    p, err := setPath(name)
    if err != nil { return nil, err }
    if err := validateFile(file); err != nil { return nil, err }
    n, err := s.c.Get(ctx, store.JoinPath(p, file))
    if err != nil { return nil, err }
    return n.Data, nil
}

// Create writes the metadata node and then the files. A metadata node that
// already exists yields ErrExists; files that already exist are left as they
// are so an interrupted create can be completed.
func (s *Store) Create(ctx context.Context, cs ConfigSet, files map[string][]byte) error {
    p, err := setPath(cs.Name)
    if err != nil { return err }
    if err := store.MakePath(ctx, s.c, store.ConfigSetsPath); err != nil { return err }
    if cs.CreatedAt.IsZero() { cs.CreatedAt = time.Now().UTC() }
    data, err := json.Marshal(cs)
    if err != nil { return err }
    if _, err := s.c.Create(ctx, p, data, store.Persistent); err != nil {
        if errors.Is(err, store.ErrNodeExists) { return fmt.Errorf("%w: %s", ErrExists, cs.Name) }
        return err
    }
    return s.PutFiles(ctx, cs.Name, files)
}

// PutFiles creates the given files under an existing config set, skipping
// those already present.
func (s *Store) PutFiles(ctx context.Context, name string, files map[string][]byte) error {
    dir, err := setPath(name)
    if err != nil { return err }
    names := make([]string, 0, len(files))
    for f := range files {
        if err := validateFile(f); err != nil { return err }
        names = append(names, f)
    }
    sort.Strings(names)
    for _, f := range names {
        p := store.JoinPath(dir, f)
        if _, err := s.c.Create(ctx, p, files[f], store.Persistent); err != nil && !errors.Is(err, store.ErrNodeExists) {
            return fmt.Errorf("configsets: write %s/%s: %w", name, f, err)
        }
    }
    return nil
}

// ReadAll loads every file of a config set.
func (s *Store) ReadAll(ctx context.Context, name string) (map[string][]byte, error) {
    names, err := s.Files(ctx, name)
    if err != nil { return nil, err }
    out := make(map[string][]byte, len(names))
    for _, f := range names {
        b, err := s.ReadFile(ctx, name, f)
        if errors.Is(err, store.ErrNoNode) { continue }
        if err != nil { return nil, err }
        out[f] = b
    }
    return out, nil
}

// Delete removes a config set and its files. Deleting a missing set is not
// an error.
func (s *Store) Delete(ctx context.Context, name string) error {
    p, err := setPath(name)
    if err != nil { return err }
    return store.DeleteRecursive(ctx, s.c, p)
}

// DefaultFiles are the resources of the bootstrap _default config set.
var DefaultFiles = map[string][]byte{
    "schema.json":   []byte(`{"name":"default","uniqueKey":"id","fields":[{"name":"id","type":"string"}]}`),
    "config.json":   []byte(`{"updateLog":{"numRecordsToKeep":100},"autoCommit":{"maxTime":15000}}`),
    "stopwords.txt": []byte(""),
}

// Bootstrap uploads the _default config set unless it already exists.
func (s *Store) Bootstrap(ctx context.Context) error {
    ok, err := s.Exists(ctx, DefaultName)
    if err != nil || ok { return err }
    err = s.Create(ctx, ConfigSet{Name: DefaultName}, DefaultFiles)
    if errors.Is(err, ErrExists) { return nil }
    return err
}
