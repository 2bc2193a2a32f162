package limit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}

func testBanList(t *testing.T, clock *fakeClock) *BanList {
	t.Helper()
	b, err := NewBanList(BanListConfig{
		Path: filepath.Join(t.TempDir(), "ip_bans.json"),
		Now:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewBanList: %v", err)
	}
	return b
}

func TestBanListPermanentBan(t *testing.T) {
	clock := newFakeClock()
	b := testBanList(t, clock)

	if b.IsBanned(ownerA) {
		t.Fatal("fresh list reports a ban")
	}
	if err := b.Ban(ownerA, 0); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	clock.Advance(1000 * time.Hour)
	if !b.IsBanned(ownerA) {
		t.Fatal("permanent ban expired")
	}
}

func TestBanListTemporaryBanExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	b := testBanList(t, clock)

	if err := b.Ban(ownerA, time.Hour); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if !b.IsBanned(ownerA) {
		t.Fatal("ban not effective")
	}
	clock.Advance(time.Hour + time.Second)
	if b.IsBanned(ownerA) {
		t.Fatal("expired ban still reported")
	}
}

func TestBanListExpireTemporary(t *testing.T) {
	clock := newFakeClock()
	b := testBanList(t, clock)

	if err := b.Ban(ownerA, time.Hour); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if err := b.Ban(ownerB, 0); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	clock.Advance(2 * time.Hour)

	if removed := b.ExpireTemporary(); removed != 1 {
		t.Fatalf("ExpireTemporary removed %d, want 1", removed)
	}
	if !b.IsBanned(ownerB) {
		t.Fatal("permanent ban removed by sweep")
	}
}

func TestBanListPersistsAcrossReopen(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "ip_bans.json")

	b1, err := NewBanList(BanListConfig{Path: path, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewBanList: %v", err)
	}
	if err := b1.Ban(ownerA, 0); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	b2, err := NewBanList(BanListConfig{Path: path, Now: clock.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !b2.IsBanned(ownerA) {
		t.Fatal("ban lost across reopen")
	}
}

func TestBanListPersistFailureRollsBack(t *testing.T) {
	clock := newFakeClock()
	// Point the mirror at a path whose parent cannot be created. The list
	// opens while the path is still absent; a file then takes the place of
	// the parent directory.
	blocker := filepath.Join(t.TempDir(), "blocker")
	b, err := NewBanList(BanListConfig{
		Path: filepath.Join(blocker, "sub", "ip_bans.json"),
		Now:  clock.Now,
	})
	if err != nil {
		t.Fatalf("NewBanList: %v", err)
	}
	if err := writeFile(blocker); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	if err := b.Ban(ownerA, 0); err == nil {
		t.Fatal("expected persist failure")
	}
	if b.IsBanned(ownerA) {
		t.Fatal("failed ban left in memory")
	}
}
