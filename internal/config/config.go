// Package config assembles the environment-driven service configuration.
//
// All tunables come from environment variables (optionally seeded from a
// .env file). The only required variable is DRIPLET_SECRET, the keyed-hash
// secret for owner identification; a missing or short secret is a fatal
// configuration error.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const (
	// MinChunkSize and MaxChunkSize bound the chunk size a client may
	// request for a chunked upload session.
	MinChunkSize = 64 * 1024
	MaxChunkSize = 32 * 1024 * 1024

	// MaxChunkCount bounds the number of chunks in a single session.
	MaxChunkCount = 20000

	// MinSecretLen is the minimum byte length of the address-hashing secret.
	MinSecretLen = 16
)

var (
	ErrMissingSecret = errors.New("DRIPLET_SECRET is required")
	ErrShortSecret   = fmt.Errorf("DRIPLET_SECRET must be at least %d bytes", MinSecretLen)
)

// Config holds the full service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (host:port).
	ListenAddr string

	// Secret keys the owner-id HMAC. At least MinSecretLen bytes.
	Secret []byte

	// StorageRoot contains the blob, staging and data trees. Nothing outside
	// this directory is ever written.
	StorageRoot string
	BlobDir     string // blob tree, files named by SHA-256 hex
	StagingDir  string // staging tree for in-progress blob writes
	DataDir     string // JSON mirrors
	ChunkDir    string // one directory per open chunk session

	// MaxFileSize is the largest accepted file in bytes.
	MaxFileSize int64

	// MaxActiveFiles caps the number of live files per owner.
	MaxActiveFiles int

	// GlobalQuota is the storage byte budget for the whole service.
	// QuotaHysteresisHigh/Low damp the uploads-blocked flag oscillation.
	GlobalQuota         int64
	QuotaHysteresisHigh float64
	QuotaHysteresisLow  float64

	// SessionIdleTimeout expires chunk sessions with no activity.
	SessionIdleTimeout time.Duration

	// BlobGraceWindow delays unlink after a blob's refcount reaches zero.
	BlobGraceWindow time.Duration

	// SweepInterval is the maintenance tick cadence.
	SweepInterval time.Duration

	// BehindProxy enables X-Forwarded-For resolution; TrustedProxies is the
	// set of peers allowed to assert forwarded addresses.
	BehindProxy    bool
	TrustedProxies []netip.Prefix

	// CanonicalHost is the public host used to build file URLs in purge
	// requests. Download URLs in API responses are relative and do not use
	// it; an empty value is passed to the purge client unchanged.
	CanonicalHost string

	// PurgeEndpoint/PurgeToken configure the optional edge-cache purge hook.
	// Empty endpoint disables purging.
	PurgeEndpoint string
	PurgeToken    string

	// ForbiddenExtensions is the closed set of rejected filename suffixes,
	// lowercase with leading dot.
	ForbiddenExtensions []string

	// UploadsPerMin/RateBurst tune the admission token buckets.
	UploadsPerMin float64
	RateBurst     int
}

// Load reads the configuration from the environment. envFile, when non-empty,
// points at a dotenv file loaded before reading variables.
func Load(envFile string) (*Config, error) {
	LoadEnvOnce(envFile)

	secret := getenv("DRIPLET_SECRET", "")
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < MinSecretLen {
		return nil, ErrShortSecret
	}

	maxFile, err := parseSize(getenv("MAX_FILE_SIZE", "2GB"))
	if err != nil {
		return nil, fmt.Errorf("parse MAX_FILE_SIZE: %w", err)
	}
	quota, err := parseSize(getenv("GLOBAL_QUOTA", "50GB"))
	if err != nil {
		return nil, fmt.Errorf("parse GLOBAL_QUOTA: %w", err)
	}

	proxies, err := parsePrefixes(getenv("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}

	cfg := &Config{
		ListenAddr:          getenv("LISTEN_ADDR", ":8080"),
		Secret:              []byte(secret),
		StorageRoot:         getenv("STORAGE_ROOT", "./data"),
		BlobDir:             getenv("BLOB_DIR", "blobs"),
		StagingDir:          getenv("STAGING_DIR", "staging"),
		DataDir:             getenv("DATA_DIR", "meta"),
		ChunkDir:            getenv("CHUNK_DIR", "chunks"),
		MaxFileSize:         maxFile,
		MaxActiveFiles:      getenvInt("MAX_ACTIVE_FILES", 25),
		GlobalQuota:         quota,
		QuotaHysteresisHigh: getenvFloat("QUOTA_HYSTERESIS_HIGH", 0.97),
		QuotaHysteresisLow:  getenvFloat("QUOTA_HYSTERESIS_LOW", 0.90),
		SessionIdleTimeout:  getenvDuration("SESSION_IDLE_TIMEOUT", 6*time.Hour),
		BlobGraceWindow:     getenvDuration("BLOB_GRACE_WINDOW", 5*time.Minute),
		SweepInterval:       getenvDuration("SWEEP_INTERVAL", time.Minute),
		BehindProxy:         getenvBool("BEHIND_PROXY", false),
		TrustedProxies:      proxies,
		CanonicalHost:       getenv("CANONICAL_HOST", ""),
		PurgeEndpoint:       getenv("PURGE_ENDPOINT", ""),
		PurgeToken:          getenv("PURGE_TOKEN", ""),
		ForbiddenExtensions: parseExtensions(getenv("FORBIDDEN_EXTENSIONS", defaultForbidden)),
		UploadsPerMin:       getenvFloat("RATE_UPLOADS_PER_MIN", 12),
		RateBurst:           getenvInt("RATE_BURST", 6),
	}

	if cfg.QuotaHysteresisLow > cfg.QuotaHysteresisHigh {
		return nil, fmt.Errorf("quota hysteresis low %v above high %v",
			cfg.QuotaHysteresisLow, cfg.QuotaHysteresisHigh)
	}
	return cfg, nil
}

const defaultForbidden = ".exe,.scr,.cpl,.jar,.bat,.cmd,.com,.msi,.ps1,.vbs,.dll"

// parseSize accepts either a raw byte count or a human-readable size
// ("500MB", "2GiB").
func parseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

// MaxFileSizeString renders the size cap back to a human-readable string for
// the /api/config surface.
func (c *Config) MaxFileSizeString() string {
	return units.BytesSize(float64(c.MaxFileSize))
}

func parsePrefixes(s string) ([]netip.Prefix, error) {
	if s == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			// Accept bare addresses as single-host prefixes.
			addr, aerr := netip.ParseAddr(part)
			if aerr != nil {
				return nil, err
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p)
	}
	return out, nil
}

func parseExtensions(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		out = append(out, part)
	}
	return out
}
