package db

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FS is a local-directory Store for development and single-host setups.
// Key segments map to directories; each segment is escaped so arbitrary
// keys cannot walk outside the data directory. Writes go through a
// temp-file rename, which keeps a Put atomic on POSIX filesystems.
type FS struct {
	dataDir string
	mu      sync.Mutex
}

var _ Store = (*FS)(nil)

const fsMetaSuffix = ".meta.json"

func NewFS(dataDir string) (*FS, error) {
	if dataDir == "" {
		return nil, errors.New("data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	return &FS{dataDir: dataDir}, nil
}

func (f *FS) path(key string) string {
	segments := strings.Split(key, "/")
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return filepath.Join(append([]string{f.dataDir}, escaped...)...)
}

func (f *FS) key(path string) (string, error) {
	rel, err := filepath.Rel(f.dataDir, path)
	if err != nil {
		return "", err
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segments {
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			return "", err
		}
		segments[i] = unescaped
	}
	return strings.Join(segments, "/"), nil
}

func (f *FS) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create key dir")
	}
	if err := writeAtomic(path, data); err != nil {
		return errors.Wrap(err, "write object")
	}
	metaPath := path + fsMetaSuffix
	if meta == nil {
		_ = os.Remove(metaPath)
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal meta")
	}
	return errors.Wrap(writeAtomic(metaPath, raw), "write meta")
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read object")
	}
	return data, nil
}

func (f *FS) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := f.path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove object")
	}
	_ = os.Remove(path + fsMetaSuffix)
	return nil
}

func (f *FS) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	err := filepath.WalkDir(f.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, fsMetaSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		key, err := f.key(path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk data dir")
	}
	sort.Strings(keys)
	return keys, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FS) Close() error { return nil }
