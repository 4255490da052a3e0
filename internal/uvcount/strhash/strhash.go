// Package strhash implements the width-parameterized string hash used by the
// unique-visitor counter tiers.
//
// The hash is a polynomial rolling hash over the string's Unicode code points:
//
//	h = (h << 5) - h + code    (equivalent to h*31 + code)
//
// masked to the requested bit-width after every step. It is deterministic,
// fast, and deliberately non-cryptographic: hash collisions are the
// accuracy/memory trade-off the whole tiered counter design rests on, so a
// uniform-enough cheap hash is all that is required.
//
// Width Semantics
// ===============
//
// Each counter tier hashes identifiers at the width it needs: the exact tier
// stores narrow hashes so that promotion can reuse them without ever
// re-hashing a raw identifier, the bitmap tier hashes into its address space,
// and the sketch tier consumes the full 32 bits. The update rule is linear,
// so masking after every step is arithmetic mod 2^width and
//
//	Sum(s, w) == Sum(s, 32) & (1<<w - 1)
//
// holds for every width. Narrow hashes are therefore true truncations of the
// wide hash, which is what lets a promoted tier keep recognizing identifiers
// first seen by the tier before it.
package strhash

// MaxWidth is the widest supported hash output.
const MaxWidth = 32

// Sum hashes s to an unsigned integer in [0, 2^width). Widths outside
// [1, MaxWidth] are clamped. The empty string always hashes to 0.
func Sum(s string, width uint) uint32 {
	if width == 0 {
		width = 1
	}
	if width > MaxWidth {
		width = MaxWidth
	}

	// At width 32 the mask is the full word; the expression below would
	// overflow the shift, so it is special-cased.
	mask := ^uint32(0)
	if width < MaxWidth {
		mask = uint32(1)<<width - 1
	}

	var h uint32
	for _, r := range s {
		h = ((h << 5) - h + uint32(r)) & mask
	}
	return h
}
