package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshpipe/internal/core"
)

func TestStore_MissingFileIsEmpty(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), DefaultFile))
	require.NoError(t, err)
	l, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, l.Names())
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)
	s, err := NewStore(path)
	require.NoError(t, err)

	st := testStage()
	l := New()
	l.Put("preprocess", NewEntry(st,
		[]core.Digest{{Path: "in.jsonl", Hash: "d1", Size: 10, NFiles: 1}},
		[]core.Digest{{Path: "out", Hash: "o1", Size: 20, NFiles: 3}}))
	require.NoError(t, s.Save(l))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "schema: 1\n")
	assert.Contains(t, string(b), "nfiles: 3")

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, l.Get("preprocess"), got.Get("preprocess"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestStore_RejectsUnknownFieldsAndSchema(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown": "schema: 1\nstages:\n  a:\n    cmd: x\n    hash: h\n    colour: red\n",
		"schema":  "schema: 9\nstages: {}\n",
		"garbage": "schema: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".lock")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			s, err := NewStore(path)
			require.NoError(t, err)
			_, err = s.Load()
			assert.Error(t, err)
		})
	}
}

func TestNewStore_RequiresPath(t *testing.T) {
	_, err := NewStore(" ")
	assert.Error(t, err)
}

func TestLock_Prune(t *testing.T) {
	l := New()
	for _, n := range []string{"a", "b", "c"} {
		l.Put(n, &Entry{Cmd: n})
	}
	assert.Equal(t, []string{"a", "c"}, l.Prune([]string{"b", "z"}))
	assert.Equal(t, []string{"b"}, l.Names())
	assert.Nil(t, l.Get("a"))
}
