package core

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func openCore(t *testing.T, keep int) *Core {
    t.Helper()
    c, err := Open(Options{Dir: t.TempDir(), Name: "books_s1_r1", NumRecordsToKeep: keep})
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return c
}

func add(v int64, id string) Update {
    return Update{Version: v, Op: OpAdd, Doc: Doc{ID: id, Fields: map[string]string{"v": id}}}
}

func TestApplyAndTail(t *testing.T) {
    c := openCore(t, 0)
    assert.Equal(t, DefaultNumRecordsToKeep, c.NumRecordsToKeep())
    for i := int64(1); i <= 5; i++ {
        require.NoError(t, c.Apply(add(i, string(rune('a'+i-1)))))
    }
    require.NoError(t, c.Apply(Update{Version: 6, Op: OpDelete, Doc: Doc{ID: "a"}}))

    v, err := c.LastVersion()
    require.NoError(t, err)
    assert.EqualValues(t, 6, v)
    n, err := c.NumDocs()
    require.NoError(t, err)
    assert.Equal(t, 4, n)
    d, err := c.Get("a")
    require.NoError(t, err)
    assert.Nil(t, d)

    tail, err := c.Tail(3)
    require.NoError(t, err)
    assert.EqualValues(t, 1, tail.CoverageFrom)
    assert.EqualValues(t, 6, tail.CoverageTo)
    assert.EqualValues(t, 6, tail.Version)
    require.Len(t, tail.Entries, 3)
    assert.EqualValues(t, 4, tail.Entries[0].Version)
}

func TestApplyRejectsStaleVersions(t *testing.T) {
    c := openCore(t, 0)
    require.NoError(t, c.Apply(add(3, "x")))
    assert.ErrorIs(t, c.Apply(add(3, "y")), ErrVersionConflict)
    assert.ErrorIs(t, c.Apply(add(2, "y")), ErrVersionConflict)
    assert.ErrorIs(t, c.Apply(Update{Version: 4, Op: OpAdd}), ErrBadUpdate)
}

func TestLogIsTrimmedToRetention(t *testing.T) {
    c := openCore(t, 10)
    for i := int64(1); i <= 25; i++ {
        require.NoError(t, c.Apply(add(i, "doc")))
    }
    tail, err := c.Tail(0)
    require.NoError(t, err)
    assert.Len(t, tail.Entries, 10)
    assert.EqualValues(t, 16, tail.CoverageFrom)
    assert.EqualValues(t, 25, tail.CoverageTo)
}

func TestSnapshotAndReplaceAll(t *testing.T) {
    src := openCore(t, 0)
    for i := int64(1); i <= 7; i++ {
        require.NoError(t, src.Apply(add(i, string(rune('a'+i-1)))))
    }
    var docs []Doc
    blocks := 0
    version, count, err := src.WriteSnapshot(3, func(b []Doc) error {
        blocks++
        docs = append(docs, b...)
        return nil
    })
    require.NoError(t, err)
    assert.EqualValues(t, 7, version)
    assert.Equal(t, 7, count)
    assert.Equal(t, 3, blocks)

    dst := openCore(t, 0)
    require.NoError(t, dst.Apply(add(1, "stale")))
    require.NoError(t, dst.ReplaceAll(docs, version))
    v, err := dst.LastVersion()
    require.NoError(t, err)
    assert.EqualValues(t, 7, v)
    n, err := dst.NumDocs()
    require.NoError(t, err)
    assert.Equal(t, 7, n)
    stale, err := dst.Get("stale")
    require.NoError(t, err)
    assert.Nil(t, stale)

    tail, err := dst.Tail(0)
    require.NoError(t, err)
    assert.Empty(t, tail.Entries)
    assert.EqualValues(t, 7, tail.Version)
    require.NoError(t, dst.Apply(add(8, "h")))
}

func TestReopenKeepsState(t *testing.T) {
    dir := t.TempDir()
    c, err := Open(Options{Dir: dir, Name: "c"})
    require.NoError(t, err)
    require.NoError(t, c.Apply(add(1, "a")))
    require.NoError(t, c.Close())

    c, err = Open(Options{Dir: dir, Name: "c"})
    require.NoError(t, err)
    defer c.Close()
    v, err := c.LastVersion()
    require.NoError(t, err)
    assert.EqualValues(t, 1, v)
}

func TestTermAt(t *testing.T) {
    c := openCore(t, 2)
    for i := int64(1); i <= 3; i++ {
        u := add(i, "d")
        u.Term = 7
        if i == 3 { u.Term = 9 }
        require.NoError(t, c.Apply(u))
    }
    term, ok, err := c.TermAt(3)
    require.NoError(t, err)
    assert.True(t, ok)
    assert.EqualValues(t, 9, term)
    term, ok, err = c.TermAt(2)
    require.NoError(t, err)
    assert.True(t, ok)
    assert.EqualValues(t, 7, term)
    _, ok, err = c.TermAt(1)
    require.NoError(t, err)
    assert.False(t, ok, "trimmed entry")

    require.NoError(t, c.ReplaceAll([]Doc{{ID: "d"}}, 10))
    _, ok, err = c.TermAt(10)
    require.NoError(t, err)
    assert.False(t, ok, "full recovery carries no term")
}
