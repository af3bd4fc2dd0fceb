// Package file implements storage.Storage on a local directory.
//
// Keys are relative slash-separated paths under BaseDir. Used for local
// development, the local workflow engine and tests.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
)

// Config configures file storage.
type Config struct {
	BaseDir string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

// Storage implements storage.Storage for local filesystem paths.
type Storage struct {
	baseDir string
}

var _ storage.Storage = (*Storage)(nil)

// New returns file storage rooted at cfg.BaseDir.
func New(cfg Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	return &Storage{baseDir: base}, nil
}

// BaseDir returns the absolute base directory.
func (s *Storage) BaseDir() string {
	return s.baseDir
}

// Locator implements storage.Storage.
func (s *Storage) Locator(key string) string {
	return "file://" + filepath.ToSlash(s.baseDir) + "/" + key
}

// Close implements storage.Storage.
func (s *Storage) Close() error { return nil }

// List implements storage.Storage. Keys are returned in lexical order and
// the continuation token is the last key of the previous page.
func (s *Storage) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := s.collectKeys(ctx, prefix)
	if err != nil {
		return nil, s.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}
	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]storage.Object, 0, end-start)
	for _, k := range keys[start:end] {
		full, err := s.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, storage.Object{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &storage.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return b, nil
}

// Put implements storage.Storage. The write is atomic via temp file and
// rename; contentType is not recorded.
func (s *Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_ = ctx
	_ = contentType
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".geoschem-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *Storage) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid key path")
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

// collectKeys walks the deepest directory covered by prefix and keeps keys
// that start with it, so partial-name prefixes behave like S3.
func (s *Storage) collectKeys(ctx context.Context, prefix string) ([]string, error) {
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
		if dir == "." {
			dir = ""
		}
	}
	root, err := s.fullPath(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".geoschem-put-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Storage) wrapError(op, key string, err error) error {
	wrapped := &storage.Error{Op: op, Backend: storage.BackendFile, Bucket: s.baseDir, Key: key, Err: err}
	if os.IsNotExist(err) {
		wrapped.Err = storage.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = storage.ErrAccessDenied
	}
	return wrapped
}
