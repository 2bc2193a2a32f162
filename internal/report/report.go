// Package report records abuse reports against public files.
package report

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mileusna/useragent"

	"driplet/internal/ident"
	"driplet/internal/jsonfile"
	"driplet/internal/logging"
)

// Report is one abuse report, mirrored to reports.json. The reporter is an
// owner id, never an address.
type Report struct {
	PublicName string        `json:"public_name"`
	Reason     string        `json:"reason"`
	Reporter   ident.OwnerID `json:"reporter"`
	Client     string        `json:"client,omitempty"` // parsed user agent, e.g. "Firefox 142.0 (Linux)"
	CreatedAt  int64         `json:"created_at"`
}

// Store holds reports in memory with a JSON mirror. Reports are
// idempotent per (reporter, public name).
type Store struct {
	mu      sync.Mutex
	reports []Report
	seen    map[string]struct{}
	path    string
	now     func() time.Time
	logger  *slog.Logger
}

// Config holds Store construction parameters.
type Config struct {
	// Path is the reports.json mirror location.
	Path string

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// NewStore creates the store and loads the mirror if present.
func NewStore(cfg Config) (*Store, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		seen:   make(map[string]struct{}),
		path:   cfg.Path,
		now:    now,
		logger: logging.Default(cfg.Logger).With("component", "reports"),
	}
	err := jsonfile.Read(s.path, &s.reports)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, r := range s.reports {
		s.seen[dedupeKey(r.Reporter, r.PublicName)] = struct{}{}
	}
	return s, nil
}

func dedupeKey(reporter ident.OwnerID, name string) string {
	return string(reporter) + "/" + strings.ToLower(name)
}

// Add records a report and persists the mirror. A repeat report from the
// same reporter for the same file is a no-op.
func (s *Store) Add(reporter ident.OwnerID, publicName, reason, rawUserAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(reporter, publicName)
	if _, dup := s.seen[key]; dup {
		return nil
	}

	s.reports = append(s.reports, Report{
		PublicName: strings.ToLower(publicName),
		Reason:     reason,
		Reporter:   reporter,
		Client:     describeClient(rawUserAgent),
		CreatedAt:  s.now().Unix(),
	})
	s.seen[key] = struct{}{}

	if err := jsonfile.Write(s.path, s.reports); err != nil {
		s.reports = s.reports[:len(s.reports)-1]
		delete(s.seen, key)
		return err
	}
	return nil
}

// Count returns the number of stored reports.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// describeClient condenses a raw User-Agent header into a short label.
// The raw header is not stored.
func describeClient(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.Parse(raw)
	if ua.Name == "" {
		return "unknown"
	}
	out := ua.Name
	if ua.Version != "" {
		out += " " + ua.Version
	}
	if ua.OS != "" {
		out += " (" + ua.OS + ")"
	}
	return out
}
