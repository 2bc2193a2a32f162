package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"driplet/internal/blob"
	"driplet/internal/config"
	"driplet/internal/ident"
	"driplet/internal/jsonfile"
	"driplet/internal/logging"
	"driplet/internal/meta"
)

const (
	descriptorFileName = "session.json"
	payloadFileName    = "payload.part"

	// defaultChunkSize is used when the client requests no chunk size.
	defaultChunkSize = 8 * 1024 * 1024
)

// session is the runtime state of one open chunk session. Chunk writes for
// a session serialise under its own lock; different sessions proceed in
// parallel.
type session struct {
	mu          sync.Mutex
	d           Descriptor
	received    bitmap
	dir         string
	releaseName func()
}

func (s *session) payloadPath() string {
	return filepath.Join(s.dir, payloadFileName)
}

func (s *session) descriptorPath() string {
	return filepath.Join(s.dir, descriptorFileName)
}

// persist writes the descriptor next to the payload. Crash-safe via
// temp+rename.
func (s *session) persist() error {
	s.d.Received = s.received.encode()
	return jsonfile.Write(s.descriptorPath(), s.d)
}

// Config holds Manager construction parameters.
type Config struct {
	// Dir holds one subdirectory per open session.
	Dir string

	// Blobs receives assembled payloads.
	Blobs *blob.Store

	// Meta records completed files and reserves public names.
	Meta *meta.Store

	// IdleTimeout expires sessions with no activity.
	IdleTimeout time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Manager owns all chunk sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	dir      string
	blobs    *blob.Store
	meta     *meta.Store
	idle     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates the manager and recovers sessions left on disk by a
// previous run.
func NewManager(cfg Config) (*Manager, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		sessions: make(map[string]*session),
		dir:      cfg.Dir,
		blobs:    cfg.Blobs,
		meta:     cfg.Meta,
		idle:     cfg.IdleTimeout,
		now:      now,
		logger:   logging.Default(cfg.Logger).With("component", "sessions"),
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

// InitRequest holds the parameters of a new session. Admission has already
// passed when Init is called.
type InitRequest struct {
	Owner        ident.OwnerID
	Filename     string
	Size         int64
	TTLCode      string
	ChunkSize    int64 // 0 means default; clamped to the configured bounds
	DeclaredHash string
}

// InitResult is returned to the client.
type InitResult struct {
	SessionID    string
	ChunkSize    int64
	TotalChunks  int
	ReservedName string
}

// Init opens a session: clamps the chunk size, computes the chunk count,
// reserves a public name, and writes the initial descriptor.
func (m *Manager) Init(req InitRequest) (InitResult, error) {
	if req.Size <= 0 {
		return InitResult{}, fmt.Errorf("%w: declared size must be positive", ErrBadLength)
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	chunkSize = min(max(chunkSize, config.MinChunkSize), config.MaxChunkSize)

	totalChunks := int((req.Size + chunkSize - 1) / chunkSize)
	if totalChunks > config.MaxChunkCount {
		return InitResult{}, ErrTooManyChunks
	}

	id, err := newSessionID()
	if err != nil {
		return InitResult{}, err
	}
	name, releaseName := m.meta.ReserveName()

	dir := filepath.Join(m.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		releaseName()
		return InitResult{}, err
	}

	nowUnix := m.now().Unix()
	s := &session{
		d: Descriptor{
			ID:             id,
			Owner:          req.Owner,
			Filename:       req.Filename,
			Size:           req.Size,
			ChunkSize:      chunkSize,
			TotalChunks:    totalChunks,
			TTLCode:        meta.NormalizeTTLCode(req.TTLCode),
			DeclaredHash:   strings.ToLower(req.DeclaredHash),
			ReservedName:   name,
			State:          StateOpen,
			CreatedAt:      nowUnix,
			LastActivityAt: nowUnix,
		},
		received:    newBitmap(totalChunks),
		dir:         dir,
		releaseName: releaseName,
	}

	f, err := os.OpenFile(s.payloadPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		releaseName()
		_ = os.RemoveAll(dir)
		return InitResult{}, err
	}
	f.Close()

	if err := s.persist(); err != nil {
		releaseName()
		_ = os.RemoveAll(dir)
		return InitResult{}, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return InitResult{
		SessionID:    id,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ReservedName: name,
	}, nil
}

// newSessionID returns a UUIDv7 rendered through its canonical string form.
func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

func (m *Manager) get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// PutChunk stores one chunk at its positional offset. A byte-identical
// retransmission of an already received index is a no-op; differing bytes
// for a received index are a conflict. Short writes roll back by truncating
// the payload to its pre-write length. Returns whether all chunks have now
// been received.
func (m *Manager) PutChunk(id string, index int, body []byte) (allReceived bool, err error) {
	s, ok := m.get(id)
	if !ok {
		return false, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.d.State != StateOpen {
		return false, ErrWrongState
	}
	if index < 0 || index >= s.d.TotalChunks {
		return false, ErrBadIndex
	}
	want := chunkLength(s.d.Size, s.d.ChunkSize, s.d.TotalChunks, index)
	if int64(len(body)) != want {
		return false, fmt.Errorf("%w: got %d, want %d", ErrBadLength, len(body), want)
	}

	offset := int64(index) * s.d.ChunkSize

	if s.received.has(index) {
		same, err := m.sameBytesAt(s, offset, body)
		if err != nil {
			return false, err
		}
		if !same {
			return false, ErrChunkConflict
		}
		return s.d.ReceivedCount == s.d.TotalChunks, nil
	}

	f, err := os.OpenFile(s.payloadPath(), os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	preSize := int64(0)
	if info, err := f.Stat(); err == nil {
		preSize = info.Size()
	}
	n, werr := f.WriteAt(body, offset)
	if werr != nil || n != len(body) {
		// Roll the partial write back so a retry starts clean.
		_ = f.Truncate(preSize)
		f.Close()
		if werr == nil {
			werr = io.ErrShortWrite
		}
		return false, fmt.Errorf("write chunk %d: %w", index, werr)
	}
	if err := f.Close(); err != nil {
		return false, err
	}

	s.received.set(index)
	s.d.ReceivedCount++
	s.d.ReceivedBytes += int64(len(body))
	s.d.LastActivityAt = m.now().Unix()
	if err := s.persist(); err != nil {
		return false, err
	}
	return s.d.ReceivedCount == s.d.TotalChunks, nil
}

// sameBytesAt compares the payload at offset with body.
func (m *Manager) sameBytesAt(s *session, offset int64, body []byte) (bool, error) {
	f, err := os.Open(s.payloadPath())
	if err != nil {
		return false, err
	}
	defer f.Close()
	existing := make([]byte, len(body))
	if _, err := f.ReadAt(existing, offset); err != nil {
		return false, err
	}
	return bytes.Equal(existing, body), nil
}

// Status reports assembly progress.
func (m *Manager) Status(id string) (received, total int, complete bool, err error) {
	s, ok := m.get(id)
	if !ok {
		return 0, 0, false, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ReceivedCount, s.d.TotalChunks, s.d.ReceivedCount == s.d.TotalChunks, nil
}

// Owner returns the session's owner.
func (m *Manager) Owner(id string) (ident.OwnerID, error) {
	s, ok := m.get(id)
	if !ok {
		return "", ErrUnknownSession
	}
	return s.d.Owner, nil
}

// OpenByOwner counts the owner's open sessions. Each open session holds one
// slot against the per-owner active-file cap.
func (m *Manager) OpenByOwner(owner ident.OwnerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.d.Owner == owner {
			n++
		}
	}
	return n
}

// Complete finalises a session: hashes the assembled payload, verifies the
// declared hash, publishes the blob (deduplicating against existing
// content), creates the metadata record, and removes the session.
//
// A checksum mismatch cancels the session and unlinks its staging data. A
// same-owner duplicate cancels the session and returns the existing record
// together with ErrDuplicate.
func (m *Manager) Complete(id, declaredHash string) (meta.Record, error) {
	s, ok := m.get(id)
	if !ok {
		return meta.Record{}, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.d.State != StateOpen {
		return meta.Record{}, ErrWrongState
	}
	if s.d.ReceivedCount != s.d.TotalChunks {
		return meta.Record{}, ErrIncomplete
	}

	// Assembling forbids further puts; persist so a crash mid-assembly is
	// visible to recovery.
	s.d.State = StateAssembling
	if err := s.persist(); err != nil {
		s.d.State = StateOpen
		return meta.Record{}, err
	}

	hash, size, err := blob.HashFile(s.payloadPath())
	if err != nil {
		s.d.State = StateOpen
		_ = s.persist()
		return meta.Record{}, err
	}

	declared := strings.ToLower(declaredHash)
	if declared == "" {
		declared = s.d.DeclaredHash
	}
	if declared != "" && declared != hash {
		m.discardLocked(s, StateCancelled)
		return meta.Record{}, ErrChecksum
	}

	if existing, ok := m.meta.FindByHashOwner(hash, s.d.Owner); ok {
		// Same owner, same content: the original record wins.
		m.discardLocked(s, StateCancelled)
		return existing, ErrDuplicate
	}

	if _, err := m.blobs.PublishFile(s.payloadPath(), size, hash); err != nil {
		s.d.State = StateOpen
		_ = s.persist()
		return meta.Record{}, err
	}

	nowUnix := m.now().Unix()
	rec := meta.Record{
		Name:      s.d.ReservedName,
		Owner:     s.d.Owner,
		Filename:  s.d.Filename,
		Size:      size,
		Hash:      hash,
		CreatedAt: nowUnix,
		ExpiresAt: nowUnix + meta.TTLSeconds(s.d.TTLCode),
		TTLCode:   s.d.TTLCode,
	}

	err = m.meta.Create(rec)
	var mirrorErr *meta.MirrorError
	if err != nil && !errors.As(err, &mirrorErr) {
		// The published blob stays; unreferenced content ages out through
		// the grace queue.
		m.discardLocked(s, StateCancelled)
		return meta.Record{}, err
	}

	s.d.State = StateCompleted
	m.removeLocked(s)
	return rec, err
}

// ErrDuplicate marks a same-owner duplicate discovered at completion. The
// record returned alongside it is the existing one.
var ErrDuplicate = errors.New("content already uploaded by this owner")

// Cancel abandons a session, unlinking its staging data and releasing the
// reserved name.
func (m *Manager) Cancel(id string) error {
	s, ok := m.get(id)
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.discardLocked(s, StateCancelled)
	return nil
}

// discardLocked drops the session and its on-disk data. Caller holds s.mu.
func (m *Manager) discardLocked(s *session, state State) {
	s.d.State = state
	m.removeLocked(s)
}

// removeLocked unregisters the session, releases its name reservation, and
// removes the session directory. Complete renames the payload into the blob
// tree before calling this, so only the descriptor remains to delete on the
// success path. Caller holds s.mu.
func (m *Manager) removeLocked(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.d.ID)
	m.mu.Unlock()
	if s.releaseName != nil {
		s.releaseName()
		s.releaseName = nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		m.logger.Warn("remove session dir", "session", s.d.ID, "error", err)
	}
}

// ExpireIdle expires sessions whose last activity is older than the idle
// horizon. Returns the number expired. Called by the sweeper.
func (m *Manager) ExpireIdle() int {
	m.mu.Lock()
	var stale []*session
	cutoff := m.now().Add(-m.idle).Unix()
	for _, s := range m.sessions {
		if s.d.LastActivityAt < cutoff {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	expired := 0
	for _, s := range stale {
		s.mu.Lock()
		if s.d.State == StateOpen {
			m.discardLocked(s, StateExpired)
			expired++
			m.logger.Info("expired idle session", "session", s.d.ID)
		}
		s.mu.Unlock()
	}
	return expired
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// recover loads session descriptors left by a previous run. Sessions caught
// assembling whose blob never reached the final tree roll back to open;
// sessions past the idle horizon or missing their payload are discarded.
func (m *Manager) recover() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	var g errgroup.Group
	var mu sync.Mutex
	cutoff := m.now().Add(-m.idle).Unix()

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.dir, e.Name())
		g.Go(func() error {
			var d Descriptor
			if err := jsonfile.Read(filepath.Join(dir, descriptorFileName), &d); err != nil {
				m.logger.Warn("removing session with unreadable descriptor", "dir", dir)
				return os.RemoveAll(dir)
			}
			if _, err := os.Stat(filepath.Join(dir, payloadFileName)); err != nil {
				m.logger.Warn("removing session missing payload", "session", d.ID)
				return os.RemoveAll(dir)
			}
			if d.LastActivityAt < cutoff {
				m.logger.Info("expiring stale session at startup", "session", d.ID)
				return os.RemoveAll(dir)
			}

			if d.State == StateAssembling {
				// The blob never made it; finalisation restarts from open.
				d.State = StateOpen
			}
			if d.State != StateOpen {
				return os.RemoveAll(dir)
			}

			received, err := decodeBitmap(d.Received, d.TotalChunks)
			if err != nil {
				m.logger.Warn("removing session with corrupt bitmap", "session", d.ID)
				return os.RemoveAll(dir)
			}
			releaseName, err := m.meta.ReserveExact(d.ReservedName)
			if err != nil {
				// The name got taken while the session was down; give the
				// session a fresh one.
				d.ReservedName, releaseName = m.meta.ReserveName()
			}

			s := &session{d: d, received: received, dir: dir, releaseName: releaseName}
			if err := s.persist(); err != nil {
				releaseName()
				return err
			}
			mu.Lock()
			m.sessions[d.ID] = s
			mu.Unlock()
			m.logger.Info("recovered session", "session", d.ID,
				"received", d.ReceivedCount, "total", d.TotalChunks)
			return nil
		})
	}
	return g.Wait()
}
