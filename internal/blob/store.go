// Package blob implements the content-addressed on-disk store.
//
// Blobs are files named by the SHA-256 hex of their content, living in a
// single blob tree. In-progress writes stream into a separate staging tree
// and reach the blob tree only through an atomic rename, so a crash leaves
// either a reclaimable staging file or a fully published blob, never a
// partial file at the final name.
//
// Reference counts are held in memory and rebuilt at startup from the
// metadata mirror. A blob whose refcount reaches zero is not unlinked
// immediately: it enters a grace queue and is removed by the maintenance
// sweeper once the grace window has elapsed, protecting in-flight readers.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"driplet/internal/logging"
)

var (
	ErrHashMismatch = errors.New("content hash does not match declared hash")
	ErrUnknownBlob  = errors.New("unknown blob")
)

// Handle describes a published blob.
type Handle struct {
	Hash string
	Size int64
}

// entry tracks one on-disk blob.
type entry struct {
	size int64
	refs int
}

// Config holds Store construction parameters.
type Config struct {
	// BlobDir is the final tree; files are named by SHA-256 hex.
	BlobDir string

	// StagingDir receives in-progress writes. Must be on the same
	// filesystem as BlobDir for rename to be atomic.
	StagingDir string

	// GraceWindow delays unlink after refcount reaches zero.
	GraceWindow time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Store is the content-addressed blob store.
type Store struct {
	mu          sync.Mutex
	blobDir     string
	stagingDir  string
	entries     map[string]*entry
	grace       map[string]time.Time // hash → when refcount hit zero
	graceWindow time.Duration
	now         func() time.Time
	logger      *slog.Logger

	// commits collapses simultaneous publishes of identical content.
	commits singleflight.Group
}

// New creates the store, bootstraps both trees, reclaims leftover staging
// files, and adopts blobs already on disk at refcount zero (grace-queued
// until the metadata load claims them).
func New(cfg Config) (*Store, error) {
	if cfg.BlobDir == "" || cfg.StagingDir == "" {
		return nil, errors.New("blob and staging directories are required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		blobDir:     cfg.BlobDir,
		stagingDir:  cfg.StagingDir,
		entries:     make(map[string]*entry),
		grace:       make(map[string]time.Time),
		graceWindow: cfg.GraceWindow,
		now:         now,
		logger:      logging.Default(cfg.Logger).With("component", "blobstore"),
	}

	for _, dir := range []string{s.blobDir, s.stagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := s.reclaimStaging(); err != nil {
		return nil, err
	}
	if err := s.adoptExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

// reclaimStaging removes leftover staging files. Nothing can be in flight
// at startup, so everything in the staging tree is an orphan.
func (s *Store) reclaimStaging() error {
	ents, err := os.ReadDir(s.stagingDir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.stagingDir, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("reclaim staging file", "file", e.Name(), "error", err)
			continue
		}
		s.logger.Info("reclaimed orphan staging file", "file", e.Name())
	}
	return nil
}

// adoptExisting registers blobs already in the final tree at refcount zero.
// The metadata load increfs the ones its records reference; the rest age
// out through the grace queue.
func (s *Store) adoptExisting() error {
	ents, err := os.ReadDir(s.blobDir)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.IsDir() || !validHash(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.entries[e.Name()] = &entry{size: info.Size()}
		s.grace[e.Name()] = s.now()
	}
	return nil
}

// validHash reports whether name is a lowercase SHA-256 hex digest.
func validHash(name string) bool {
	if len(name) != 64 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Path returns the final tree path for a hash.
func (s *Store) Path(hash string) string {
	return filepath.Join(s.blobDir, hash)
}

// Lookup returns the handle for a stored blob, or false.
func (s *Store) Lookup(hash string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return Handle{}, false
	}
	return Handle{Hash: hash, Size: e.size}, true
}

// Staging is an in-progress blob write. Bytes stream through a SHA-256
// accumulator on their way to the staging file, so Commit needs no re-read.
type Staging struct {
	f    *os.File
	path string
	sha  hash.Hash
	size int64
}

// Write appends to the staging file.
func (st *Staging) Write(p []byte) (int, error) {
	n, err := st.f.Write(p)
	st.sha.Write(p[:n])
	st.size += int64(n)
	return n, err
}

// Size returns the bytes written so far.
func (st *Staging) Size() int64 { return st.size }

// Abort discards the staging file.
func (st *Staging) Abort() {
	st.f.Close()
	_ = os.Remove(st.path)
}

// Reserve creates a staging file for a new write.
func (s *Store) Reserve() (*Staging, error) {
	f, err := os.CreateTemp(s.stagingDir, "upload-*.part")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &Staging{f: f, path: f.Name(), sha: sha256.New()}, nil
}

// Commit finalises a staging write. The content hash is compared against
// declaredHash when provided; on mismatch the staging file is discarded.
// Publishing is atomic and collapses with concurrent commits of the same
// content.
func (s *Store) Commit(st *Staging, declaredHash string) (Handle, error) {
	if err := st.f.Close(); err != nil {
		_ = os.Remove(st.path)
		return Handle{}, err
	}
	sum := hex.EncodeToString(st.sha.Sum(nil))
	if declaredHash != "" && !strings.EqualFold(declaredHash, sum) {
		_ = os.Remove(st.path)
		return Handle{}, ErrHashMismatch
	}
	return s.PublishFile(st.path, st.size, sum)
}

// PublishFile atomically moves a fully written file into the blob tree
// under the given hash. If a blob with that hash already exists, the source
// file is unlinked and the existing blob wins. Publishes of the same hash
// are serialised so simultaneous assemblies of identical content collapse
// to one on-disk blob.
//
// The refcount is not touched: record creation owns increfs.
func (s *Store) PublishFile(path string, size int64, hash string) (Handle, error) {
	v, err, _ := s.commits.Do(hash, func() (any, error) {
		final := s.Path(hash)
		if _, err := os.Stat(final); err == nil {
			_ = os.Remove(path)
		} else {
			if err := os.Rename(path, final); err != nil {
				return Handle{}, fmt.Errorf("publish blob: %w", err)
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.entries[hash]; !ok {
			s.entries[hash] = &entry{size: size}
			s.grace[hash] = s.now()
		}
		return Handle{Hash: hash, Size: s.entries[hash].size}, nil
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

// HashFile streams a file through SHA-256 and returns the hex digest and
// byte length.
func HashFile(path string) (string, int64, error) {
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

// Incref adds one reference to a blob and cancels any pending grace unlink.
func (s *Store) Incref(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return ErrUnknownBlob
	}
	e.refs++
	delete(s.grace, hash)
	return nil
}

// Decref drops one reference. At zero the blob enters the grace queue.
func (s *Store) Decref(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 {
		s.grace[hash] = s.now()
	}
}

// Refs reports the current refcount for a hash.
func (s *Store) Refs(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok {
		return e.refs
	}
	return 0
}

// Open opens a blob for streaming. It succeeds for grace-queued blobs as
// long as the open completes before the sweeper unlinks the file.
func (s *Store) Open(hash string) (*os.File, Handle, error) {
	s.mu.Lock()
	e, ok := s.entries[hash]
	s.mu.Unlock()
	if !ok {
		return nil, Handle{}, ErrUnknownBlob
	}
	f, err := os.Open(s.Path(hash))
	if err != nil {
		return nil, Handle{}, err
	}
	return f, Handle{Hash: hash, Size: e.size}, nil
}

// SweepGrace unlinks blobs whose refcount has been zero past the grace
// window. Returns the unlinked hashes.
func (s *Store) SweepGrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.graceWindow)
	var unlinked []string
	for hash, zeroAt := range s.grace {
		e, ok := s.entries[hash]
		if !ok || e.refs > 0 {
			delete(s.grace, hash)
			continue
		}
		if zeroAt.After(cutoff) {
			continue
		}
		if err := os.Remove(s.Path(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("unlink expired blob", "hash", hash, "error", err)
			continue
		}
		delete(s.entries, hash)
		delete(s.grace, hash)
		unlinked = append(unlinked, hash)
	}
	return unlinked
}

// UsedBytes sums the sizes of all blobs still on disk, including
// grace-queued ones.
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.entries {
		total += e.size
	}
	return total
}
