// Package admission is the single pre-flight gate ahead of both upload
// paths. Checks run in a fixed order, first failure wins: ban, rate limit,
// forbidden extension, size, global quota, per-owner active cap, duplicate
// short-circuit.
package admission

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"driplet/internal/ident"
	"driplet/internal/limit"
	"driplet/internal/meta"
	"driplet/internal/quota"
)

var (
	ErrBanned             = errors.New("owner is banned")
	ErrForbiddenExtension = errors.New("file type is not accepted")
	ErrTooLarge           = errors.New("file exceeds the size limit")
	ErrQuotaBlocked       = errors.New("global storage quota reached")
	ErrActiveCapReached   = errors.New("active file limit reached")
)

// RateLimitedError carries the retry hint from the token bucket.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "rate limit exceeded" }

// DuplicateError short-circuits an upload whose content the owner already
// has; it carries the existing public name.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("content already uploaded as %s", e.Name)
}

// SessionCounter reports open chunk sessions per owner; each open session
// holds one slot against the active-file cap.
type SessionCounter interface {
	OpenByOwner(ident.OwnerID) int
}

// Config holds Gate construction parameters.
type Config struct {
	Meta     *meta.Store
	Quota    *quota.Observer
	Limiter  *limit.Limiter
	Bans     *limit.BanList
	Sessions SessionCounter

	// MaxFileSize is the per-file byte limit.
	MaxFileSize int64

	// MaxActiveFiles is the per-owner live file ceiling.
	MaxActiveFiles int

	// ForbiddenExtensions is the closed rejection set, lowercase with dot.
	ForbiddenExtensions []string
}

// Gate performs admission checks and tracks short-lived reservations that
// hold cap slots for in-flight multipart uploads.
type Gate struct {
	cfg Config

	mu      sync.Mutex
	pending map[ident.OwnerID]int
}

// NewGate creates a Gate.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg, pending: make(map[ident.OwnerID]int)}
}

// Request describes the upload asking for admission.
type Request struct {
	Owner        ident.OwnerID
	Filename     string
	Size         int64 // declared or observed; 0 when unknown up front
	DeclaredHash string
	Family       limit.Family
}

// Reservation holds one slot against the owner's active-file cap until the
// upload completes, fails, or is cancelled. Release is idempotent.
type Reservation struct {
	gate  *Gate
	owner ident.OwnerID
	once  sync.Once
}

// Release frees the slot.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.gate.mu.Lock()
		defer r.gate.mu.Unlock()
		if n := r.gate.pending[r.owner]; n > 1 {
			r.gate.pending[r.owner] = n - 1
		} else {
			delete(r.gate.pending, r.owner)
		}
	})
}

// Check runs the admission sequence. On success it returns a reservation
// the caller must release when the upload leaves flight.
func (g *Gate) Check(req Request) (*Reservation, error) {
	if g.cfg.Bans.IsBanned(req.Owner) {
		return nil, ErrBanned
	}

	if d := g.cfg.Limiter.Admit(req.Owner, req.Family); !d.Allowed {
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	if g.forbiddenExt(req.Filename) {
		return nil, ErrForbiddenExtension
	}

	if req.Size > g.cfg.MaxFileSize {
		return nil, ErrTooLarge
	}

	if g.cfg.Quota.WouldExceed(req.Size) {
		return nil, ErrQuotaBlocked
	}

	g.mu.Lock()
	active := g.cfg.Meta.ActiveCount(req.Owner) + g.pending[req.Owner]
	if g.cfg.Sessions != nil {
		active += g.cfg.Sessions.OpenByOwner(req.Owner)
	}
	if active >= g.cfg.MaxActiveFiles {
		g.mu.Unlock()
		return nil, ErrActiveCapReached
	}
	g.pending[req.Owner]++
	g.mu.Unlock()

	res := &Reservation{gate: g, owner: req.Owner}

	if req.DeclaredHash != "" {
		hash := strings.ToLower(req.DeclaredHash)
		if rec, ok := g.cfg.Meta.FindByHashOwner(hash, req.Owner); ok {
			res.Release()
			return nil, &DuplicateError{Name: rec.Name}
		}
	}
	return res, nil
}

func (g *Gate) forbiddenExt(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	for _, bad := range g.cfg.ForbiddenExtensions {
		if ext == bad {
			return true
		}
	}
	return false
}
