package blob

import (
	"context"
	"io"
	"strings"
	"testing"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     fs,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Put(ctx, "samples/vc_1", "audio/mpeg", strings.NewReader("hello audio")); err != nil {
				t.Fatalf("put: %v", err)
			}

			r, ct, err := store.Get(ctx, "samples/vc_1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			data, _ := io.ReadAll(r)
			_ = r.Close()
			if string(data) != "hello audio" {
				t.Errorf("unexpected data: %q", data)
			}
			if ct != "audio/mpeg" {
				t.Errorf("unexpected content type: %q", ct)
			}

			// Overwrite replaces contents.
			if err := store.Put(ctx, "samples/vc_1", "audio/wav", strings.NewReader("v2")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			r, ct, err = store.Get(ctx, "samples/vc_1")
			if err != nil {
				t.Fatalf("get after overwrite: %v", err)
			}
			data, _ = io.ReadAll(r)
			_ = r.Close()
			if string(data) != "v2" || ct != "audio/wav" {
				t.Errorf("overwrite not applied: %q %q", data, ct)
			}

			if err := store.Delete(ctx, "samples/vc_1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, _, err := store.Get(ctx, "samples/vc_1"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestStore_MissingKey(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			// Deleting a missing key is a no-op.
			if err := store.Delete(context.Background(), "nope"); err != nil {
				t.Errorf("delete missing: %v", err)
			}
		})
	}
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	fs, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	if err := fs.Put(context.Background(), "../escape", "text/plain", strings.NewReader("x")); err != ErrNotFound {
		t.Errorf("expected traversal rejected, got %v", err)
	}
}
