package counter

import "sort"

// exactTier is the first tier: a deduplicating set of narrow hashed values.
// Its count is exact with respect to those masked values (not identifiers —
// two identifiers colliding under the narrow hash are one entry), and its
// memory grows linearly with the distinct count, which is why promotion
// exists.
type exactTier struct {
	values map[uint32]struct{}
}

func newExactTier() *exactTier {
	return &exactTier{values: make(map[uint32]struct{})}
}

func (e *exactTier) add(v uint32) {
	e.values[v] = struct{}{}
}

func (e *exactTier) count() int {
	return len(e.values)
}

// sorted returns the retained values in ascending order. Promotion seeds the
// next tier from this list; sorting keeps the serialized form deterministic.
func (e *exactTier) sorted() []uint32 {
	out := make([]uint32, 0, len(e.values))
	for v := range e.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
