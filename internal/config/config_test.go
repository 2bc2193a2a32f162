package config

import (
	"errors"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("DRIPLET_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("DRIPLET_SECRET", "")
	if _, err := Load(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("Load = %v, want ErrMissingSecret", err)
	}

	t.Setenv("DRIPLET_SECRET", "too-short")
	if _, err := Load(""); !errors.Is(err, ErrShortSecret) {
		t.Fatalf("Load = %v, want ErrShortSecret", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	setSecret(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxFileSize != 2*1024*1024*1024 {
		t.Fatalf("MaxFileSize = %d, want 2 GiB", cfg.MaxFileSize)
	}
	if cfg.MaxActiveFiles != 25 {
		t.Fatalf("MaxActiveFiles = %d, want 25", cfg.MaxActiveFiles)
	}
	if cfg.SessionIdleTimeout != 6*time.Hour {
		t.Fatalf("SessionIdleTimeout = %v, want 6h", cfg.SessionIdleTimeout)
	}
	if cfg.BlobGraceWindow != 5*time.Minute {
		t.Fatalf("BlobGraceWindow = %v, want 5m", cfg.BlobGraceWindow)
	}
	if len(cfg.ForbiddenExtensions) == 0 {
		t.Fatal("no default forbidden extensions")
	}
}

func TestLoadParsesHumanSizes(t *testing.T) {
	setSecret(t)
	t.Setenv("MAX_FILE_SIZE", "500MB")
	t.Setenv("GLOBAL_QUOTA", "1073741824")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxFileSize != 500*1024*1024 {
		t.Fatalf("MaxFileSize = %d, want 500 MiB", cfg.MaxFileSize)
	}
	if cfg.GlobalQuota != 1<<30 {
		t.Fatalf("GlobalQuota = %d, want 1 GiB", cfg.GlobalQuota)
	}
}

func TestLoadParsesTrustedProxies(t *testing.T) {
	setSecret(t)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.TrustedProxies) != 2 {
		t.Fatalf("TrustedProxies = %d entries, want 2", len(cfg.TrustedProxies))
	}
	if got := cfg.TrustedProxies[1].Bits(); got != 32 {
		t.Fatalf("bare address prefix length = %d, want 32", got)
	}

	t.Setenv("TRUSTED_PROXIES", "not-a-cidr")
	if _, err := Load(""); err == nil {
		t.Fatal("invalid CIDR accepted")
	}
}

func TestLoadNormalisesExtensions(t *testing.T) {
	setSecret(t)
	t.Setenv("FORBIDDEN_EXTENSIONS", "EXE, .Bat,com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{".exe", ".bat", ".com"}
	if len(cfg.ForbiddenExtensions) != len(want) {
		t.Fatalf("extensions = %v, want %v", cfg.ForbiddenExtensions, want)
	}
	for i := range want {
		if cfg.ForbiddenExtensions[i] != want[i] {
			t.Fatalf("extensions = %v, want %v", cfg.ForbiddenExtensions, want)
		}
	}
}

func TestLoadRejectsInvertedHysteresis(t *testing.T) {
	setSecret(t)
	t.Setenv("QUOTA_HYSTERESIS_HIGH", "0.5")
	t.Setenv("QUOTA_HYSTERESIS_LOW", "0.9")
	if _, err := Load(""); err == nil {
		t.Fatal("inverted hysteresis accepted")
	}
}
