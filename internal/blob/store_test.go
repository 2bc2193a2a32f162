package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(Config{
		BlobDir:     filepath.Join(root, "blobs"),
		StagingDir:  filepath.Join(root, "staging"),
		GraceWindow: 5 * time.Minute,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func put(t *testing.T, s *Store, data []byte) Handle {
	t.Helper()
	st, err := s.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := st.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h, err := s.Commit(st, "")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return h
}

func TestCommitPublishesContent(t *testing.T) {
	s := testStore(t, newFakeClock())
	data := []byte("hello blob store")

	h := put(t, s, data)
	if h.Hash != hashOf(data) {
		t.Fatalf("hash = %s, want %s", h.Hash, hashOf(data))
	}
	if h.Size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", h.Size, len(data))
	}

	got, err := os.ReadFile(s.Path(h.Hash))
	if err != nil {
		t.Fatalf("read published blob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("published bytes differ from written bytes")
	}

	if _, ok := s.Lookup(h.Hash); !ok {
		t.Fatal("Lookup misses committed blob")
	}
}

func TestCommitRejectsDeclaredHashMismatch(t *testing.T) {
	s := testStore(t, newFakeClock())

	st, err := s.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	st.Write([]byte("actual content"))

	if _, err := s.Commit(st, hashOf([]byte("declared content"))); err != ErrHashMismatch {
		t.Fatalf("Commit error = %v, want ErrHashMismatch", err)
	}

	// The staging tree must not retain the discarded file.
	entries, err := os.ReadDir(s.stagingDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging dir holds %d files after mismatch, want 0", len(entries))
	}
}

func TestCommitOfExistingContentCollapses(t *testing.T) {
	s := testStore(t, newFakeClock())
	data := []byte("same bytes twice")

	first := put(t, s, data)
	second := put(t, s, data)
	if first.Hash != second.Hash {
		t.Fatalf("hashes differ: %s vs %s", first.Hash, second.Hash)
	}

	entries, err := os.ReadDir(s.blobDir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("blob dir holds %d files, want 1", len(entries))
	}
}

func TestConcurrentCommitsOfSameContent(t *testing.T) {
	s := testStore(t, newFakeClock())
	data := bytes.Repeat([]byte("x"), 1<<16)

	var wg sync.WaitGroup
	handles := make([]Handle, 8)
	for i := range handles {
		wg.Go(func() {
			st, err := s.Reserve()
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			st.Write(data)
			h, err := s.Commit(st, "")
			if err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			handles[i] = h
		})
	}
	wg.Wait()

	for _, h := range handles {
		if h.Hash != hashOf(data) {
			t.Fatalf("hash = %s, want %s", h.Hash, hashOf(data))
		}
	}
	entries, _ := os.ReadDir(s.blobDir)
	if len(entries) != 1 {
		t.Fatalf("blob dir holds %d files, want 1", len(entries))
	}
}

func TestRefcountAndGraceUnlink(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, clock)
	h := put(t, s, []byte("refcounted"))

	if err := s.Incref(h.Hash); err != nil {
		t.Fatalf("Incref: %v", err)
	}
	if err := s.Incref(h.Hash); err != nil {
		t.Fatalf("Incref: %v", err)
	}
	if got := s.Refs(h.Hash); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}

	s.Decref(h.Hash)
	clock.Advance(time.Hour)
	if unlinked := s.SweepGrace(); len(unlinked) != 0 {
		t.Fatal("referenced blob unlinked")
	}

	s.Decref(h.Hash)
	// Inside the grace window the file must survive.
	if unlinked := s.SweepGrace(); len(unlinked) != 0 {
		t.Fatal("blob unlinked before grace window elapsed")
	}
	if _, err := os.Stat(s.Path(h.Hash)); err != nil {
		t.Fatalf("blob missing during grace: %v", err)
	}

	clock.Advance(6 * time.Minute)
	unlinked := s.SweepGrace()
	if len(unlinked) != 1 || unlinked[0] != h.Hash {
		t.Fatalf("SweepGrace = %v, want [%s]", unlinked, h.Hash)
	}
	if _, err := os.Stat(s.Path(h.Hash)); !os.IsNotExist(err) {
		t.Fatal("blob file survived grace unlink")
	}
}

func TestIncrefDuringGraceCancelsUnlink(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, clock)
	h := put(t, s, []byte("rescued"))

	s.Incref(h.Hash)
	s.Decref(h.Hash)
	clock.Advance(2 * time.Minute)
	s.Incref(h.Hash) // a new record claims the blob inside the window

	clock.Advance(time.Hour)
	if unlinked := s.SweepGrace(); len(unlinked) != 0 {
		t.Fatal("re-referenced blob unlinked")
	}
}

func TestOpenStreamsDuringGrace(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, clock)
	data := []byte("still readable")
	h := put(t, s, data)

	s.Incref(h.Hash)
	s.Decref(h.Hash)

	f, handle, err := s.Open(h.Hash)
	if err != nil {
		t.Fatalf("Open during grace: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) || handle.Size != int64(len(data)) {
		t.Fatal("grace-window read returned wrong content")
	}
}

func TestStartupReclaimsStagingAndAdoptsBlobs(t *testing.T) {
	clock := newFakeClock()
	root := t.TempDir()
	blobDir := filepath.Join(root, "blobs")
	stagingDir := filepath.Join(root, "staging")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		t.Fatal(err)
	}

	data := []byte("left behind")
	hash := hashOf(data)
	if err := os.WriteFile(filepath.Join(blobDir, hash), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "upload-123.part"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{
		BlobDir:     blobDir,
		StagingDir:  stagingDir,
		GraceWindow: 5 * time.Minute,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries, _ := os.ReadDir(stagingDir)
	if len(entries) != 0 {
		t.Fatal("staging orphan not reclaimed")
	}
	if _, ok := s.Lookup(hash); !ok {
		t.Fatal("existing blob not adopted")
	}

	// Unclaimed, the adopted blob ages out through the grace queue.
	clock.Advance(time.Hour)
	if unlinked := s.SweepGrace(); len(unlinked) != 1 {
		t.Fatalf("adopted orphan blob not swept: %v", unlinked)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	data := bytes.Repeat([]byte("abc"), 10000)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	hash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if hash != hashOf(data) || size != int64(len(data)) {
		t.Fatalf("HashFile = (%s, %d), want (%s, %d)", hash, size, hashOf(data), len(data))
	}
}
