package core

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDigest_File(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "data.jsonl"), "hello")

	d, err := NewDepResolver(dir).Digest(context.Background(), "data.jsonl")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	// sha256("hello")
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if d.Hash != want {
		t.Fatalf("hash = %s, want %s", d.Hash, want)
	}
	if d.Size != 5 || d.NFiles != 1 || d.IsDir {
		t.Fatalf("unexpected digest %+v", d)
	}
	if d.Path != "data.jsonl" {
		t.Fatalf("path = %q", d.Path)
	}
}

func TestDigest_DirectoryIgnoresMtime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "processed", "train.jsonl"), "a")
	writeFile(t, filepath.Join(dir, "processed", "nested", "label2id.json"), "{}")

	r := NewDepResolver(dir)
	first, err := r.Digest(context.Background(), "processed")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if !first.IsDir || first.NFiles != 2 || first.Size != 3 {
		t.Fatalf("unexpected digest %+v", first)
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "processed", "train.jsonl"), later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	second, err := r.Digest(context.Background(), "processed")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatal("mtime change altered directory digest")
	}
}

func TestDigest_DirectoryContentAndRenameChangeHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "out", "a.txt"), "x")
	r := NewDepResolver(dir)

	base, err := r.Digest(context.Background(), "out")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "out", "a.txt"), "y")
	edited, err := r.Digest(context.Background(), "out")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if edited.Hash == base.Hash {
		t.Fatal("content change did not alter digest")
	}

	if err := os.Rename(filepath.Join(dir, "out", "a.txt"), filepath.Join(dir, "out", "b.txt")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	renamed, err := r.Digest(context.Background(), "out")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if renamed.Hash == edited.Hash {
		t.Fatal("rename did not alter digest")
	}
}

func TestDigest_SameTreeSameHashAcrossLocationsAndJobs(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	for _, root := range []string{a, b} {
		for i, name := range []string{"z.txt", "a.txt", "m/n.txt", "m/o.txt"} {
			writeFile(t, filepath.Join(root, "tree", name), string(rune('a'+i)))
		}
	}

	ra := &DepResolver{BaseDir: a, Jobs: 1}
	rb := &DepResolver{BaseDir: b, Jobs: 8}
	da, err := ra.Digest(context.Background(), "tree")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	db, err := rb.Digest(context.Background(), "tree")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if da.Hash != db.Hash {
		t.Fatal("identical trees produced different digests")
	}
}

func TestDigest_MissingPathIsNotExist(t *testing.T) {
	_, err := NewDepResolver(t.TempDir()).Digest(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestDigestAll_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b"), "1")
	writeFile(t, filepath.Join(dir, "a"), "2")

	ds, err := NewDepResolver(dir).DigestAll(context.Background(), []string{"b", "a"})
	if err != nil {
		t.Fatalf("DigestAll failed: %v", err)
	}
	if len(ds) != 2 || ds[0].Path != "b" || ds[1].Path != "a" {
		t.Fatalf("unexpected order: %+v", ds)
	}
}

func TestDigest_EmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d, err := NewDepResolver(dir).Digest(context.Background(), "empty")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if !d.IsDir || d.NFiles != 0 || d.Hash == "" {
		t.Fatalf("unexpected digest %+v", d)
	}
}
