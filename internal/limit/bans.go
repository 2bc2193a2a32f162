package limit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"driplet/internal/ident"
	"driplet/internal/jsonfile"
	"driplet/internal/logging"
)

// banEntry is the mirror form of one ban. ExpiresAt zero means permanent.
type banEntry struct {
	Owner     ident.OwnerID `json:"owner"`
	ExpiresAt int64         `json:"expires_at,omitempty"`
}

// BanList holds banned owners, mirrored to ip_bans.json. Expired temporary
// bans are lazily removed on read; the sweeper also prunes them.
//
// The mirror file may be edited out-of-band (an operator removing a ban by
// hand); a watcher reloads it on change.
type BanList struct {
	mu      sync.Mutex
	entries map[ident.OwnerID]int64 // 0 = permanent
	path    string
	now     func() time.Time
	logger  *slog.Logger
}

// BanListConfig holds BanList construction parameters.
type BanListConfig struct {
	// Path is the ip_bans.json mirror location.
	Path string

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// NewBanList creates a BanList and loads the mirror if present.
func NewBanList(cfg BanListConfig) (*BanList, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	b := &BanList{
		entries: make(map[ident.OwnerID]int64),
		path:    cfg.Path,
		now:     now,
		logger:  logging.Default(cfg.Logger).With("component", "bans"),
	}
	if err := b.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return b, nil
}

// IsBanned reports whether the owner is banned. An expired temporary ban is
// removed on read.
func (b *BanList) IsBanned(owner ident.OwnerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	exp, ok := b.entries[owner]
	if !ok {
		return false
	}
	if exp != 0 && exp <= b.now().Unix() {
		delete(b.entries, owner)
		return false
	}
	return true
}

// Ban records a ban and persists the mirror. A zero duration means
// permanent. A persistence failure fails the mutation: the in-memory entry
// is rolled back and the error surfaces to the caller.
func (b *BanList) Ban(owner ident.OwnerID, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.entries[owner]
	var exp int64
	if duration > 0 {
		exp = b.now().Add(duration).Unix()
	}
	b.entries[owner] = exp

	if err := b.persistLocked(); err != nil {
		if had {
			b.entries[owner] = prev
		} else {
			delete(b.entries, owner)
		}
		return err
	}
	return nil
}

// ExpireTemporary drops bans past their expiration and persists when
// anything changed. Called by the sweeper.
func (b *BanList) ExpireTemporary() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowUnix := b.now().Unix()
	removed := 0
	for owner, exp := range b.entries {
		if exp != 0 && exp <= nowUnix {
			delete(b.entries, owner)
			removed++
		}
	}
	if removed > 0 {
		if err := b.persistLocked(); err != nil {
			b.logger.Error("persist ban mirror after expiry", "error", err)
		}
	}
	return removed
}

func (b *BanList) persistLocked() error {
	entries := make([]banEntry, 0, len(b.entries))
	for owner, exp := range b.entries {
		entries = append(entries, banEntry{Owner: owner, ExpiresAt: exp})
	}
	return jsonfile.Write(b.path, entries)
}

func (b *BanList) reload() error {
	var entries []banEntry
	if err := jsonfile.Read(b.path, &entries); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[ident.OwnerID]int64, len(entries))
	for _, e := range entries {
		b.entries[e.Owner] = e.ExpiresAt
	}
	return nil
}

// Watch reloads the mirror when the file changes on disk. It returns once
// the watcher is installed; reloads happen in the background until ctx is
// cancelled. The caller must wg.Wait() to ensure the goroutine exited.
func (b *BanList) Watch(ctx context.Context, wg *sync.WaitGroup) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: atomic rename-replace swaps the file identity.
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		watcher.Close()
		return err
	}

	base := filepath.Base(b.path)
	wg.Go(func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if err := b.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
					b.logger.Warn("reload ban mirror", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("ban mirror watcher", "error", err)
			}
		}
	})
	return nil
}
