package file

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func write(t *testing.T, path, body string) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestEnvOverridesFile(t *testing.T) {
    f := filepath.Join(t.TempDir(), "endpoints.txt")
    write(t, f, "a:1\n")
    t.Setenv("TEST_STORE_ENDPOINTS", "y:8, x:9")

    got, err := New(Options{Path: f, Env: "TEST_STORE_ENDPOINTS"}).Endpoints(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []string{"x:9", "y:8"}, got)
}

func TestFileReadAndRefresh(t *testing.T) {
    f := filepath.Join(t.TempDir(), "endpoints.txt")
    write(t, f, "# etcd\na:1\nb:2, a:1\n")

    s := New(Options{Path: f, Refresh: 10 * time.Millisecond})
    got, err := s.Endpoints(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []string{"a:1", "b:2"}, got)

    write(t, f, "b:2\nc:3\n")
    time.Sleep(15 * time.Millisecond)
    got, err = s.Endpoints(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []string{"b:2", "c:3"}, got)
}

func TestGlobMergesFiles(t *testing.T) {
    dir := t.TempDir()
    write(t, filepath.Join(dir, "a.txt"), "a:1\nb:2\n")
    write(t, filepath.Join(dir, "b.txt"), "b:2\nc:3\n")

    got, err := New(Options{Path: filepath.Join(dir, "*.txt")}).Endpoints(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []string{"a:1", "b:2", "c:3"}, got)
}

func TestMissingFile(t *testing.T) {
    _, err := New(Options{Path: filepath.Join(t.TempDir(), "none.txt")}).Endpoints(context.Background())
    require.Error(t, err)
}
