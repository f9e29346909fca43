package blob

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time check that FSStore implements Store.
var _ Store = (*FSStore)(nil)

// FSStore stores blobs on the local filesystem under a root directory.
// Content types are kept in a sidecar .meta file per blob.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem blob store rooted at dir, creating it
// if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FSStore{root: dir}, nil
}

type fsMeta struct {
	ContentType string `json:"contentType"`
}

// path maps a key to a file path, rejecting traversal outside the root.
func (f *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrNotFound
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FSStore) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	meta, _ := json.Marshal(fsMeta{ContentType: contentType})
	return os.WriteFile(p+".meta", meta, 0o640)
}

func (f *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, "", err
	}

	file, err := os.Open(p) // #nosec G304 -- path is sanitized against the store root
	if os.IsNotExist(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if data, err := os.ReadFile(p + ".meta"); err == nil { // #nosec G304
		var meta fsMeta
		if json.Unmarshal(data, &meta) == nil && meta.ContentType != "" {
			contentType = meta.ContentType
		}
	}
	return file, contentType, nil
}

func (f *FSStore) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(p + ".meta")
	return nil
}

func (f *FSStore) URL(string) string { return "" }
