// Package file reads endpoints from a file (one per line or comma separated,
// # comments), a glob of files, or an environment variable.
package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"
)

type Options struct {
    // Path is a file or a glob.
    Path string
    // Env overrides the file when the variable is non-empty.
    Env string
    // Refresh bounds how long a read is reused when the file did not change.
    // Default 5s.
    Refresh time.Duration
}

type Source struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) *Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &Source{opts: opts}
}

func (s *Source) Endpoints(ctx context.Context) ([]string, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return normalize(strings.Split(v, ",")), nil }
    }
    if s.opts.Path == "" { return nil, nil }

    now := time.Now()
    if st, err := os.Stat(s.opts.Path); err == nil {
        if st.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
            eps, err := readFile(s.opts.Path)
            if err != nil { return nil, err }
            s.cache, s.last, s.mtime = eps, now, st.ModTime()
        }
        return append([]string(nil), s.cache...), nil
    }

    matches, err := filepath.Glob(s.opts.Path)
    if err != nil { return nil, fmt.Errorf("file: %w", err) }
    if len(matches) == 0 { return nil, fmt.Errorf("file: %s: no such file", s.opts.Path) }
    var all []string
    for _, m := range matches {
        eps, err := readFile(m)
        if err != nil { return nil, err }
        all = append(all, eps...)
    }
    s.cache, s.last = normalize(all), now
    return append([]string(nil), s.cache...), nil
}

func readFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, fmt.Errorf("file: %w", err) }
    defer f.Close()
    var eps []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        eps = append(eps, strings.Split(line, ",")...)
    }
    if err := sc.Err(); err != nil { return nil, fmt.Errorf("file: %s: %w", path, err) }
    return normalize(eps), nil
}

// normalize trims, de-duplicates and sorts.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, x := range in {
        x = strings.TrimSpace(x)
        if x == "" { continue }
        if _, ok := set[x]; ok { continue }
        set[x] = struct{}{}
        out = append(out, x)
    }
    sort.Strings(out)
    return out
}
