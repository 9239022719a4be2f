package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://bucket.local/" + key, nil
}

func writeOutput(t *testing.T, dir, name, content string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestListOutputs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeOutput(t, dir, "b.pptx", "bb", now)
	writeOutput(t, dir, "a.pptx", "a", now)
	writeOutput(t, dir, ".partial", "x", now)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ListOutputs(dir, nil)
	if err != nil {
		t.Fatalf("ListOutputs failed: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a.pptx" || got[1].Name != "b.pptx" || got[1].Size != 2 {
		t.Errorf("unexpected artifacts %+v", got)
	}
}

func TestListOutputs_AgainstSnapshot(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeOutput(t, dir, "kept.pptx", "kept", old)
	writeOutput(t, dir, "resized.pptx", "v1", old)
	writeOutput(t, dir, "touched.pptx", "same", old)

	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatalf("TakeSnapshot failed: %v", err)
	}
	if len(before) != 3 {
		t.Fatalf("expected 3 files in snapshot, got %d", len(before))
	}

	// Written right after the snapshot with a clock behind the host.
	writeOutput(t, dir, "new.pptx", "new", old.Add(-time.Hour))
	writeOutput(t, dir, "resized.pptx", "version two", old)
	writeOutput(t, dir, "touched.pptx", "same", old.Add(time.Minute))

	got, err := ListOutputs(dir, before)
	if err != nil {
		t.Fatalf("ListOutputs failed: %v", err)
	}
	var names []string
	for _, a := range got {
		names = append(names, a.Name)
	}
	want := []string{"new.pptx", "resized.pptx", "touched.pptx"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
			break
		}
	}
}

func TestListOutputs_EmptySnapshotListsAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	before, err := TakeSnapshot(dir)
	if err != nil || len(before) != 0 {
		t.Fatalf("expected empty snapshot of a missing dir, got %v, %v", before, err)
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeOutput(t, dir, "Acme.pptx", "slides", time.Now().Add(-48*time.Hour))

	got, err := ListOutputs(dir, before)
	if err != nil || len(got) != 1 {
		t.Errorf("expected the new file, got %+v, %v", got, err)
	}
}

func TestListOutputs_MissingDir(t *testing.T) {
	got, err := ListOutputs(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("expected no artifacts and no error, got %v, %v", got, err)
	}
}

func TestOpenOutput_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", "../secret", "sub/file", ".hidden"} {
		if _, err := OpenOutput(dir, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("OpenOutput(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestPublisher_Publish(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "previous.pptx", "old", time.Now().Add(-time.Hour))
	before, err := TakeSnapshot(dir)
	if err != nil {
		t.Fatal(err)
	}
	writeOutput(t, dir, "Acme.pptx", "slides", time.Now())

	store := newFakeStore()
	p := NewPublisher(store, dir, "/presentations/", time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	artifacts, err := p.Publish(context.Background(), "run-42", before)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %+v", artifacts)
	}
	if artifacts[0].URL != "https://bucket.local/presentations/run-42/Acme.pptx" {
		t.Errorf("unexpected URL %q", artifacts[0].URL)
	}
	if !bytes.Equal(store.objects["presentations/run-42/Acme.pptx"], []byte("slides")) {
		t.Errorf("unexpected stored objects %v", store.objects)
	}
	if store.types["presentations/run-42/Acme.pptx"] == "" {
		t.Error("expected a content type")
	}
}

func TestPublisher_PutFailure(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "Acme.pptx", "slides", time.Now())

	store := newFakeStore()
	store.putErr = errors.New("bucket unreachable")
	p := NewPublisher(store, dir, "", time.Hour, nil)

	if _, err := p.Publish(context.Background(), "run", nil); err == nil {
		t.Error("expected publish error")
	}
}

func TestMinioConfig_Validate(t *testing.T) {
	valid := MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Bucket:    "presentations",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatal("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatal("Validate() expected error for empty bucket")
	}
}

func TestNewMinioStore_InvalidConfig(t *testing.T) {
	if _, err := NewMinioStore(MinioConfig{}); err == nil {
		t.Error("expected error for empty config")
	}
}
