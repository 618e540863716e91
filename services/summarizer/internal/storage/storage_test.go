package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string]string
	puts    int
}

func newMemStore() *memStore { return &memStore{objects: make(map[string]string)} }

func (m *memStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok, nil
}

func (m *memStore) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ []byte, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[bucket+"/"+key] = string(data)
	return nil
}

func (m *memStore) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.PutObject(ctx, bucket, key, f, -1, nil, contentType)
}

func (m *memStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://s3.test/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
}

func (m *memStore) DeletePrefix(_ context.Context, bucket, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestFolderID(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		folder string
		want   string
	}{
		{name: "with prefix", prefix: "summaries", folder: "s1", want: "summaries/s1/"},
		{name: "trimmed prefix", prefix: "/summaries/", folder: "s1", want: "summaries/s1/"},
		{name: "no prefix", prefix: "", folder: "s1", want: "s1/"},
		{name: "slashes flattened", prefix: "p", folder: "a/b", want: "p/a_b/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFolders(newMemStore(), "bucket", tt.prefix, 0)
			if err != nil {
				t.Fatalf("NewFolders() error = %v", err)
			}
			if got := f.FolderID(tt.folder); got != tt.want {
				t.Fatalf("FolderID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFoldersLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	f, err := NewFolders(store, "bucket", "summaries", time.Hour)
	if err != nil {
		t.Fatalf("NewFolders() error = %v", err)
	}

	if _, found, err := f.LookupFolder(ctx, "s1"); err != nil || found {
		t.Fatalf("LookupFolder() before create = %v, %v", found, err)
	}

	id, err := f.FindOrCreateFolder(ctx, "s1")
	if err != nil {
		t.Fatalf("FindOrCreateFolder() error = %v", err)
	}
	again, err := f.FindOrCreateFolder(ctx, "s1")
	if err != nil || again != id {
		t.Fatalf("second FindOrCreateFolder() = %q, %v; want %q", again, err, id)
	}
	if store.puts != 1 {
		t.Fatalf("marker written %d times, want 1", store.puts)
	}

	local := filepath.Join(t.TempDir(), "s1_final_reports.zip")
	if err := os.WriteFile(local, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	link, err := f.Upload(ctx, local, id)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if want := "https://s3.test/bucket/summaries/s1/s1_final_reports.zip?ttl=1h0m0s"; link != want {
		t.Fatalf("Upload() link = %q, want %q", link, want)
	}

	wantKeys := []string{"bucket/summaries/s1/", "bucket/summaries/s1/s1_final_reports.zip"}
	if got := store.keys(); !reflect.DeepEqual(got, wantKeys) {
		t.Fatalf("objects = %v, want %v", got, wantKeys)
	}

	if err := f.DeleteFolder(ctx, id); err != nil {
		t.Fatalf("DeleteFolder() error = %v", err)
	}
	if got := store.keys(); len(got) != 0 {
		t.Fatalf("objects after delete = %v", got)
	}
	if err := f.DeleteFolder(ctx, id); err != nil {
		t.Fatalf("DeleteFolder() on a missing folder error = %v", err)
	}
}

func TestDeleteFolderRejectsInvalidID(t *testing.T) {
	f, err := NewFolders(newMemStore(), "bucket", "", 0)
	if err != nil {
		t.Fatalf("NewFolders() error = %v", err)
	}
	for _, id := range []string{"", "/", "no-trailing-slash"} {
		if err := f.DeleteFolder(context.Background(), id); err == nil {
			t.Fatalf("DeleteFolder(%q) should fail", id)
		}
	}
}
