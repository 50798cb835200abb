package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Digest is the content identity of a file or directory.
type Digest struct {
	Path   string `json:"path" yaml:"path"`
	Hash   string `json:"hash" yaml:"hash"`
	Size   int64  `json:"size" yaml:"size"`
	NFiles int    `json:"nfiles,omitempty" yaml:"nfiles,omitempty"`
	IsDir  bool   `json:"-" yaml:"-"`
}

// DepResolver digests declared paths relative to BaseDir.
//
// Only contents and relative paths contribute; mtimes and permissions do not.
// Directory entries are sorted explicitly and never rely on OS ordering.
type DepResolver struct {
	BaseDir string

	// Jobs bounds concurrent file hashing inside a directory. Zero means
	// GOMAXPROCS.
	Jobs int
}

// NewDepResolver creates a resolver for baseDir.
func NewDepResolver(baseDir string) *DepResolver {
	return &DepResolver{BaseDir: baseDir}
}

// DigestAll digests each path in order. The first error aborts.
func (r *DepResolver) DigestAll(ctx context.Context, paths []string) ([]Digest, error) {
	out := make([]Digest, 0, len(paths))
	for _, p := range paths {
		d, err := r.Digest(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Digest computes the digest of a single path.
//
// A missing path yields an error satisfying errors.Is(err, fs.ErrNotExist).
func (r *DepResolver) Digest(ctx context.Context, path string) (Digest, error) {
	full := r.abs(path)
	info, err := os.Stat(full)
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q: %w", path, err)
	}
	if !info.IsDir() {
		sum, size, err := hashFile(full)
		if err != nil {
			return Digest{}, fmt.Errorf("digest %q: %w", path, err)
		}
		return Digest{Path: path, Hash: sum, Size: size, NFiles: 1}, nil
	}
	d, err := r.digestDir(ctx, full)
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// Exists reports whether path is present under BaseDir.
func (r *DepResolver) Exists(path string) bool {
	_, err := os.Stat(r.abs(path))
	return err == nil
}

func (r *DepResolver) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.BaseDir, path)
}

type fileSum struct {
	rel  string
	sum  string
	size int64
}

func (r *DepResolver) digestDir(ctx context.Context, dir string) (Digest, error) {
	var rels []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Follow file symlinks; skip anything that does not resolve to a file.
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return Digest{}, err
	}
	sort.Strings(rels)

	sums := make([]fileSum, len(rels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.jobs())
	for i, rel := range rels {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, size, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			sums[i] = fileSum{rel: rel, sum: sum, size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Digest{}, err
	}

	h := sha256.New()
	var total int64
	for _, s := range sums {
		WriteField(h, []byte(s.rel))
		WriteField(h, []byte(s.sum))
		total += s.size
	}
	return Digest{
		Hash:   hex.EncodeToString(h.Sum(nil)),
		Size:   total,
		NFiles: len(sums),
		IsDir:  true,
	}, nil
}

func (r *DepResolver) jobs() int {
	if r.Jobs > 0 {
		return r.Jobs
	}
	return runtime.GOMAXPROCS(0)
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
