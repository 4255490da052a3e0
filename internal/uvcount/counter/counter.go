// Package counter implements the adaptive unique-visitor counter: a counter
// that accepts a stream of client identifiers and estimates the number of
// distinct identifiers seen, migrating its internal representation through
// successive tiers as cardinality grows to bound memory use.
//
// Tier State Machine
// ==================
//
// A counter owns exactly one active tier at a time and promotes one-way as
// the observed count crosses the configured thresholds:
//
//	Exact ──> Bitmap ──> Sketch        (three-tier policy)
//	Exact ──────────────> Sketch      (two-tier policy)
//
// Promotion is monotonic and irreversible: a counter never demotes.
// Thresholds are evaluated after every Add and never on Count. Each
// promotion walks the outgoing tier once, so it costs O(distinct count so
// far) — the one latency spike a caller should expect, at most twice over a
// counter's lifetime.
//
// Narrow-Then-Wide Hashing
// ========================
//
// Add hashes the identifier at the width the *current* tier requires: 16
// bits while Exact, the bitmap's address width while Bitmap, the full 32
// bits once Sketch. Storing narrow hashes means promotion never needs the
// raw identifiers back — the next tier is seeded entirely from the values
// the outgoing tier retained. The cost is that the exact tier is only exact
// with respect to masked hash values: two identifiers colliding at 16 bits
// are indistinguishable even while "exact" counting is nominally in effect.
// That behavior is part of the externally observable contract and is kept
// as-is; hashing at full width during the exact tier would change reported
// counts.
//
// Because the rolling hash masks per step at a power-of-two boundary, a
// narrow hash is exactly the low bits of the wide hash (see strhash), so an
// identifier first seen by the exact tier maps to the same bitmap bit when
// it reappears after promotion.
//
// Concurrency
// ===========
//
// A Counter performs no locking. The owner must serialize Add calls on the
// same instance (the stats store does this with a per-shard mutex);
// concurrent unsynchronized Adds are lost-update races. Count is read-only
// and safe alongside other Counts, but not alongside an Add.
package counter

import (
	"errors"
	"fmt"
	"math/bits"

	"uvcount.lopezb.com/internal/uvcount/bitmap"
	"uvcount.lopezb.com/internal/uvcount/sketch"
	"uvcount.lopezb.com/internal/uvcount/strhash"
)

// ErrInvalidPolicy reports a Policy whose fields cannot form a working tier
// chain.
var ErrInvalidPolicy = errors.New("counter: invalid policy")

// Tier tags the active representation. The values are the wire enum used in
// the serialized envelope and must not be reordered.
type Tier uint8

const (
	TierExact  Tier = 0
	TierBitmap Tier = 1
	TierSketch Tier = 2
)

// String returns the tier's wire-format-independent name.
func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierBitmap:
		return "bitmap"
	case TierSketch:
		return "sketch"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Policy fixes a counter's hash widths and promotion thresholds at
// construction. Counters persisted under one policy must be decoded under
// the same policy; the envelope does not carry it.
type Policy struct {
	// ExactHashBits is the hash width used while the exact tier is active,
	// in [1, 32]. Deliberately narrower than the sketch's 32 bits so that
	// promotion can be seeded from retained hashes.
	ExactHashBits uint

	// BitmapThreshold enables the bitmap middle tier when positive: the
	// exact tier promotes to a bitmap once its count reaches this value.
	// Zero disables the bitmap tier (two-tier policy).
	BitmapThreshold int

	// SketchThreshold is the bitmap's bit capacity and the count at which
	// the counter reaches the sketch tier. With the bitmap tier enabled it
	// must be a power of two (bitmap addresses are masked hashes), and the
	// bitmap promotes two elements early so that a restart landing exactly
	// on the boundary cannot lose its only promotion opportunity.
	SketchThreshold int

	// SketchPrecision is the HyperLogLog precision p of the terminal tier.
	SketchPrecision uint8
}

// TwoTierPolicy is the small-footprint configuration: exact counting for
// fewer than 512 distinct values, then straight to the sketch.
func TwoTierPolicy() Policy {
	return Policy{
		ExactHashBits:   16,
		BitmapThreshold: 0,
		SketchThreshold: 512,
		SketchPrecision: sketch.DefaultPrecision,
	}
}

// ThreeTierPolicy is the full chain: exact below 512, a 16384-bit bitmap up
// to (but two short of) 16384, then the sketch.
func ThreeTierPolicy() Policy {
	return Policy{
		ExactHashBits:   16,
		BitmapThreshold: 512,
		SketchThreshold: 16384,
		SketchPrecision: sketch.DefaultPrecision,
	}
}

// Validate reports whether the policy's fields can form a working tier
// chain, wrapping ErrInvalidPolicy with the offending field when not.
func (p Policy) Validate() error {
	if p.ExactHashBits < 1 || p.ExactHashBits > strhash.MaxWidth {
		return fmt.Errorf("%w: exact hash width %d not in [1, %d]",
			ErrInvalidPolicy, p.ExactHashBits, strhash.MaxWidth)
	}
	if p.SketchThreshold <= 0 {
		return fmt.Errorf("%w: sketch threshold %d must be positive",
			ErrInvalidPolicy, p.SketchThreshold)
	}
	if p.SketchPrecision < sketch.MinPrecision || p.SketchPrecision > sketch.MaxPrecision {
		return fmt.Errorf("%w: sketch precision %d not in [%d, %d]",
			ErrInvalidPolicy, p.SketchPrecision, sketch.MinPrecision, sketch.MaxPrecision)
	}
	if p.BitmapThreshold > 0 {
		if p.BitmapThreshold >= p.SketchThreshold {
			return fmt.Errorf("%w: bitmap threshold %d must be below sketch threshold %d",
				ErrInvalidPolicy, p.BitmapThreshold, p.SketchThreshold)
		}
		if p.SketchThreshold&(p.SketchThreshold-1) != 0 {
			return fmt.Errorf("%w: sketch threshold %d must be a power of two with the bitmap tier enabled",
				ErrInvalidPolicy, p.SketchThreshold)
		}
	}
	return nil
}

// bitmapBits is the bitmap's address width, log2 of its capacity. Only
// meaningful when the bitmap tier is enabled (capacity is a power of two).
func (p Policy) bitmapBits() uint {
	return uint(bits.TrailingZeros(uint(p.SketchThreshold)))
}

// sketchPromoteAt is the count at which the counter leaves for the sketch
// tier: the threshold itself in the two-tier policy, two early when coming
// from the bitmap.
func (p Policy) sketchPromoteAt() int {
	if p.BitmapThreshold > 0 {
		return p.SketchThreshold - 2
	}
	return p.SketchThreshold
}

// Counter is the tier controller. Exactly one of exact, bm, sk is non-nil,
// matching tier.
type Counter struct {
	policy Policy
	tier   Tier
	exact  *exactTier
	bm     *bitmap.Bitmap
	sk     *sketch.Sketch
}

// New creates an empty counter in the exact tier.
func New(policy Policy) (*Counter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Counter{
		policy: policy,
		tier:   TierExact,
		exact:  newExactTier(),
	}, nil
}

// Tier returns the active tier tag.
func (c *Counter) Tier() Tier {
	return c.tier
}

// Policy returns the construction policy.
func (c *Counter) Policy() Policy {
	return c.policy
}

// Add records one observation of identifier. The identifier is hashed at
// the current tier's width, inserted, and the promotion thresholds are
// evaluated. The string is never retained.
func (c *Counter) Add(identifier string) error {
	switch c.tier {
	case TierExact:
		c.exact.add(strhash.Sum(identifier, c.policy.ExactHashBits))
	case TierBitmap:
		h := strhash.Sum(identifier, c.policy.bitmapBits())
		if err := c.bm.Set(int(h)); err != nil {
			return err
		}
	case TierSketch:
		c.sk.Add(strhash.Sum(identifier, strhash.MaxWidth))
		// Terminal tier, nothing left to promote to.
		return nil
	}
	return c.promote()
}

// Count reports the active tier's distinct-count estimate. It has no side
// effects and never triggers promotion.
func (c *Counter) Count() uint64 {
	switch c.tier {
	case TierBitmap:
		return uint64(c.bm.Count())
	case TierSketch:
		return c.sk.Count()
	}
	return uint64(c.exact.count())
}

// promote applies the one-way tier transitions due after an Add. Both edges
// are checked so a pathological policy cannot strand a counter between
// thresholds.
func (c *Counter) promote() error {
	if c.tier == TierExact {
		switch {
		case c.policy.BitmapThreshold > 0 && c.exact.count() >= c.policy.BitmapThreshold:
			if err := c.promoteExactToBitmap(); err != nil {
				return err
			}
		case c.policy.BitmapThreshold == 0 && c.exact.count() >= c.policy.sketchPromoteAt():
			return c.promoteToSketch(c.exact.sorted(), c.policy.ExactHashBits)
		}
	}
	if c.tier == TierBitmap && c.bm.Count() >= c.policy.sketchPromoteAt() {
		return c.promoteToSketch(c.bm.Indexes(), c.policy.bitmapBits())
	}
	return nil
}

// promoteExactToBitmap seeds a fresh bitmap with every retained exact value
// masked into the bitmap's address space, then discards the exact tier.
func (c *Counter) promoteExactToBitmap() error {
	bm := bitmap.New(c.policy.SketchThreshold)
	mask := uint32(c.policy.SketchThreshold - 1)
	for _, v := range c.exact.sorted() {
		if err := bm.Set(int(v & mask)); err != nil {
			return err
		}
	}
	c.tier = TierBitmap
	c.bm = bm
	c.exact = nil
	return nil
}

// promoteToSketch seeds a fresh sketch from the outgoing tier's retained
// width-bit values and discards that tier.
//
// DESIGN: each seed is shifted into the top of the 32-bit word before being
// fed to the sketch, so the seed's bits become the bucket selector. With
// width at most the sketch precision, distinct seeds land in distinct
// buckets with a zero remainder, so the sketch's linear-counting path
// reproduces the promoted count exactly; with a wider seed, bucket
// occupancy matches that of hashing the same number of uniform values and
// linear counting recovers the count to within its usual error. Either way
// the estimate stays continuous across the transition. Feeding the narrow
// values unshifted would pile every seed into bucket zero.
func (c *Counter) promoteToSketch(seeds []uint32, width uint) error {
	sk, err := sketch.New(c.policy.SketchPrecision)
	if err != nil {
		return err
	}
	shift := strhash.MaxWidth - width
	for _, v := range seeds {
		sk.Add(v << shift)
	}
	c.tier = TierSketch
	c.sk = sk
	c.exact = nil
	c.bm = nil
	return nil
}
