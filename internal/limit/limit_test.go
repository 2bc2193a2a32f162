package limit

import (
	"testing"
	"time"

	"driplet/internal/ident"
)

const (
	ownerA = ident.OwnerID("aaaaaaaaaaaaaaaaaaaaaaaaaa")
	ownerB = ident.OwnerID("bbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// fakeClock is a movable clock for limiter and ban tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterAllowsWithinBurst(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(LimiterConfig{PerMinute: 60, Burst: 3, Now: clock.Now})

	for i := range 3 {
		if d := l.Admit(ownerA, FamilyUpload); !d.Allowed {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	if d := l.Admit(ownerA, FamilyUpload); d.Allowed {
		t.Fatal("request beyond burst allowed")
	}
}

func TestLimiterDenialCarriesRetryAfter(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(LimiterConfig{PerMinute: 60, Burst: 1, Now: clock.Now})

	l.Admit(ownerA, FamilyUpload)
	d := l.Admit(ownerA, FamilyUpload)
	if d.Allowed {
		t.Fatal("second request allowed with burst 1")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(LimiterConfig{PerMinute: 60, Burst: 1, Now: clock.Now})

	if d := l.Admit(ownerA, FamilyUpload); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d := l.Admit(ownerA, FamilyUpload); d.Allowed {
		t.Fatal("immediate second request allowed")
	}
	clock.Advance(2 * time.Second)
	if d := l.Admit(ownerA, FamilyUpload); !d.Allowed {
		t.Fatal("request after refill denied")
	}
}

func TestLimiterIsolatesOwnersAndFamilies(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(LimiterConfig{PerMinute: 60, Burst: 1, Now: clock.Now})

	l.Admit(ownerA, FamilyUpload)
	if d := l.Admit(ownerB, FamilyUpload); !d.Allowed {
		t.Fatal("other owner shares the bucket")
	}
	if d := l.Admit(ownerA, FamilyDelete); !d.Allowed {
		t.Fatal("other family shares the bucket")
	}
}

func TestLimiterCompactRemovesIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(LimiterConfig{PerMinute: 60, Burst: 1, Now: clock.Now})

	l.Admit(ownerA, FamilyUpload)
	l.Admit(ownerB, FamilyUpload)
	clock.Advance(20 * time.Minute)
	l.Admit(ownerB, FamilyUpload) // keeps B fresh

	if removed := l.Compact(15 * time.Minute); removed != 1 {
		t.Fatalf("Compact removed %d buckets, want 1", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d after compaction, want 1", l.Len())
	}
}
