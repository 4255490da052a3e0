package counter

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"

	"uvcount.lopezb.com/internal/uvcount/strhash"
)

func mustNew(t *testing.T, policy Policy) *Counter {
	t.Helper()
	c, err := New(policy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func mustAdd(t *testing.T, c *Counter, id string) {
	t.Helper()
	if err := c.Add(id); err != nil {
		t.Fatalf("Add(%q): %v", id, err)
	}
}

// distinctIdentifiers generates n identifiers whose hashes are pairwise
// distinct at the given width, so exact-tier counts are deterministic and
// collision-free by construction.
func distinctIdentifiers(n int, width uint) []string {
	out := make([]string, 0, n)
	seen := make(map[uint32]struct{}, n)
	for i := 0; len(out) < n; i++ {
		id := fmt.Sprintf("visitor-%d", i)
		h := strhash.Sum(id, width)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, id)
	}
	return out
}

func TestNewPolicyValidation(t *testing.T) {
	valid := []Policy{TwoTierPolicy(), ThreeTierPolicy()}
	for _, p := range valid {
		if _, err := New(p); err != nil {
			t.Errorf("New(%+v): %v", p, err)
		}
	}

	invalid := []struct {
		name   string
		policy Policy
	}{
		{"zero hash width", Policy{ExactHashBits: 0, SketchThreshold: 512, SketchPrecision: 14}},
		{"hash width over 32", Policy{ExactHashBits: 33, SketchThreshold: 512, SketchPrecision: 14}},
		{"zero sketch threshold", Policy{ExactHashBits: 16, SketchThreshold: 0, SketchPrecision: 14}},
		{"precision out of range", Policy{ExactHashBits: 16, SketchThreshold: 512, SketchPrecision: 2}},
		{"bitmap above sketch threshold", Policy{ExactHashBits: 16, BitmapThreshold: 600, SketchThreshold: 512, SketchPrecision: 14}},
		{"non-power-of-two bitmap space", Policy{ExactHashBits: 16, BitmapThreshold: 128, SketchThreshold: 1000, SketchPrecision: 14}},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.policy); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("err = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestExactTierCounting(t *testing.T) {
	t.Run("distinct identifiers are counted once each", func(t *testing.T) {
		c := mustNew(t, TwoTierPolicy())
		mustAdd(t, c, "abc")
		mustAdd(t, c, "defg")
		mustAdd(t, c, "abc")

		if got := c.Count(); got != 2 {
			t.Errorf("Count = %d, want 2", got)
		}
		if c.Tier() != TierExact {
			t.Errorf("Tier = %v, want exact", c.Tier())
		}
	})

	t.Run("empty counter counts zero", func(t *testing.T) {
		c := mustNew(t, ThreeTierPolicy())
		if got := c.Count(); got != 0 {
			t.Errorf("Count = %d, want 0", got)
		}
	})

	t.Run("duplicates are idempotent at any multiplicity", func(t *testing.T) {
		once := mustNew(t, TwoTierPolicy())
		thrice := mustNew(t, TwoTierPolicy())
		for _, id := range distinctIdentifiers(100, 16) {
			mustAdd(t, once, id)
			for k := 0; k < 3; k++ {
				mustAdd(t, thrice, id)
			}
		}
		if once.Count() != thrice.Count() {
			t.Errorf("counts differ: once=%d thrice=%d", once.Count(), thrice.Count())
		}
	})

	t.Run("count is monotonic under adds", func(t *testing.T) {
		c := mustNew(t, TwoTierPolicy())
		prev := uint64(0)
		for _, id := range distinctIdentifiers(500, 16) {
			mustAdd(t, c, id)
			if got := c.Count(); got < prev {
				t.Fatalf("Count decreased %d -> %d within exact tier", prev, got)
			} else {
				prev = got
			}
		}
	})
}

func TestPromotionToBitmap(t *testing.T) {
	policy := ThreeTierPolicy()
	ids := distinctIdentifiers(512, policy.ExactHashBits)

	c := mustNew(t, policy)
	for _, id := range ids[:511] {
		mustAdd(t, c, id)
	}
	if c.Tier() != TierExact {
		t.Fatalf("Tier = %v after 511 distinct adds, want exact", c.Tier())
	}
	if got := c.Count(); got != 511 {
		t.Fatalf("Count = %d after 511 collision-free adds, want 511", got)
	}

	// The 512th distinct identifier crosses the threshold.
	mustAdd(t, c, ids[511])
	if c.Tier() != TierBitmap {
		t.Fatalf("Tier = %v after 512 distinct adds, want bitmap", c.Tier())
	}

	// The bitmap count is the number of distinct masked addresses: the
	// 16-bit exact values folded into the 14-bit bitmap space.
	masked := make(map[uint32]struct{})
	for _, id := range ids {
		masked[strhash.Sum(id, policy.ExactHashBits)&uint32(policy.SketchThreshold-1)] = struct{}{}
	}
	if got := c.Count(); got != uint64(len(masked)) {
		t.Errorf("Count = %d after promotion, want %d distinct masked addresses", got, len(masked))
	}
}

func TestBitmapTierBehavior(t *testing.T) {
	policy := ThreeTierPolicy()
	c := mustNew(t, policy)

	ids := distinctIdentifiers(2000, policy.ExactHashBits)
	for _, id := range ids[:512] {
		mustAdd(t, c, id)
	}
	if c.Tier() != TierBitmap {
		t.Fatalf("Tier = %v, want bitmap", c.Tier())
	}

	t.Run("re-added identifiers map to their promoted bits", func(t *testing.T) {
		// Narrow hashes are truncations of wide ones, so identifiers
		// first seen by the exact tier hit the same bitmap address on
		// re-add and the count stays put.
		before := c.Count()
		for _, id := range ids[:512] {
			mustAdd(t, c, id)
		}
		if got := c.Count(); got != before {
			t.Errorf("Count changed %d -> %d re-adding promoted identifiers", before, got)
		}
	})

	t.Run("count is monotonic in the bitmap tier", func(t *testing.T) {
		prev := c.Count()
		for _, id := range ids[512:] {
			mustAdd(t, c, id)
			if got := c.Count(); got < prev {
				t.Fatalf("Count decreased %d -> %d within bitmap tier", prev, got)
			} else {
				prev = got
			}
		}
	})
}

func TestPromotionToSketch(t *testing.T) {
	t.Run("two-tier promotes at the threshold", func(t *testing.T) {
		policy := TwoTierPolicy()
		ids := distinctIdentifiers(policy.SketchThreshold, policy.ExactHashBits)

		c := mustNew(t, policy)
		for _, id := range ids[:len(ids)-1] {
			mustAdd(t, c, id)
		}
		if c.Tier() != TierExact {
			t.Fatalf("Tier = %v one short of the threshold, want exact", c.Tier())
		}

		mustAdd(t, c, ids[len(ids)-1])
		if c.Tier() != TierSketch {
			t.Fatalf("Tier = %v at the threshold, want sketch", c.Tier())
		}

		// The seeded estimate must carry the count across the promotion.
		got := float64(c.Count())
		want := float64(policy.SketchThreshold)
		if math.Abs(got-want)/want > 0.05 {
			t.Errorf("Count = %v just after promotion, want within 5%% of %v", got, want)
		}
	})

	t.Run("three-tier promotes two elements early", func(t *testing.T) {
		// A small bitmap space keeps this test fast: capacity 1024, so
		// the sketch promotion is due at a bitmap count of 1022, two
		// short of the capacity.
		policy := Policy{
			ExactHashBits:   16,
			BitmapThreshold: 128,
			SketchThreshold: 1024,
			SketchPrecision: 14,
		}
		c := mustNew(t, policy)
		ids := distinctIdentifiers(30000, policy.ExactHashBits)

		// Each Add sets at most one new bit, so the triggering Add raises
		// the bitmap count to exactly SketchThreshold-2 and promotes
		// before Count can ever observe it. The highest count visible in
		// the bitmap tier is therefore SketchThreshold-3.
		var maxBitmapCount uint64
		for i := 0; c.Tier() != TierSketch; i++ {
			if i >= len(ids) {
				t.Fatal("ran out of distinct identifiers before promotion")
			}
			mustAdd(t, c, ids[i])
			if c.Tier() == TierBitmap {
				if n := c.Count(); n > maxBitmapCount {
					maxBitmapCount = n
				}
			}
		}
		if want := uint64(policy.SketchThreshold - 3); maxBitmapCount != want {
			t.Errorf("last observable bitmap count = %d, want %d", maxBitmapCount, want)
		}
	})

	t.Run("sketch tier is terminal", func(t *testing.T) {
		policy := TwoTierPolicy()
		c := mustNew(t, policy)
		for _, id := range distinctIdentifiers(policy.SketchThreshold, policy.ExactHashBits) {
			mustAdd(t, c, id)
		}
		if c.Tier() != TierSketch {
			t.Fatalf("Tier = %v, want sketch", c.Tier())
		}
		for i := 0; i < 10000; i++ {
			mustAdd(t, c, uuid.NewString())
		}
		if c.Tier() != TierSketch {
			t.Errorf("Tier = %v after further adds, sketch must be terminal", c.Tier())
		}
	})
}

// TestSketchTierEstimate drives a two-tier counter deep into sketch
// territory with UUID identifiers and checks the estimate loosely; the
// register-level accuracy bounds live in the sketch package's own tests.
func TestSketchTierEstimate(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical test, skipped in -short mode")
	}

	const n = 30000
	c := mustNew(t, TwoTierPolicy())
	for i := 0; i < n; i++ {
		mustAdd(t, c, uuid.NewString())
	}
	if c.Tier() != TierSketch {
		t.Fatalf("Tier = %v, want sketch", c.Tier())
	}
	got := float64(c.Count())
	if math.Abs(got-n)/n > 0.15 {
		t.Errorf("Count = %v for %d distinct UUIDs, outside 15%%", got, n)
	}
}

func BenchmarkAdd(b *testing.B) {
	ids := make([]string, 4096)
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	b.Run("exact", func(b *testing.B) {
		c, _ := New(ThreeTierPolicy())
		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = c.Add(ids[i%256]) // few distinct ids keeps the tier exact
		}
	})

	b.Run("sketch", func(b *testing.B) {
		c, _ := New(TwoTierPolicy())
		for _, id := range ids {
			_ = c.Add(id)
		}
		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = c.Add(ids[i%len(ids)])
		}
	})
}
