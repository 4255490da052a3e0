// Package bitmap implements the dense bit-vector tier of the unique-visitor
// counter.
//
// A Bitmap is a fixed-capacity bit vector over a bounded hash address space:
// bit i set means "bucket i of the hash space has been observed". Its count
// is the number of set bits — an exact count of distinct masked hash values,
// not of distinct identifiers. Two identifiers colliding under the narrow
// hash are indistinguishable here; that collision loss is what bounds the
// tier's memory.
//
// Storage Layout
// ==============
//
// Bits are packed into a byte slice, LSB-first within each byte:
//
//	+-----------------+-----------------+------//
//	| bit 7 ... bit 0 | bit 15 ... bit 8| ...
//	+-----------------+-----------------+------//
//	      byte 0            byte 1
//
// Bit i lives in byte i>>3 at position i&7. Serialization emits the byte
// slice as hex (see hexcodec), so two set bits at indexes 0 and 8 serialize
// to "0101" and a freshly created bitmap serializes to all zeros.
//
// Boolean Algebra
// ===============
//
// And, Or, and Not are general-purpose bitmap combinators. The counting path
// never calls them — the estimator depends only on Set, Count, and the
// serialization pair — but they make the package usable as a standalone
// fixed-size bit set.
package bitmap

import (
	"errors"
	"fmt"
	"math/bits"

	"uvcount.lopezb.com/internal/uvcount/hexcodec"
)

var (
	// ErrIndexRange reports a bit index outside [0, capacity).
	ErrIndexRange = errors.New("bitmap: index out of range")

	// ErrCapacityMismatch reports combinator operands of differing capacity,
	// or a serialized payload longer than the declared capacity.
	ErrCapacityMismatch = errors.New("bitmap: capacity mismatch")
)

// Bitmap is a fixed-capacity bit vector. The zero value is not usable; use
// New or Deserialize.
type Bitmap struct {
	data     []byte
	capacity int
}

// New creates an all-zero bitmap holding capacity bits. Capacity must be
// positive; it is rounded up to a whole number of bytes for storage but the
// addressable range stays [0, capacity).
func New(capacity int) *Bitmap {
	if capacity <= 0 {
		panic("bitmap: capacity must be positive")
	}
	return &Bitmap{
		data:     make([]byte, (capacity+7)/8),
		capacity: capacity,
	}
}

// Capacity returns the number of addressable bits.
func (b *Bitmap) Capacity() int {
	return b.capacity
}

// Set turns on the bit at index. Indexes outside [0, capacity) fail with
// ErrIndexRange and leave the bitmap untouched.
func (b *Bitmap) Set(index int) error {
	if index < 0 || index >= b.capacity {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexRange, index, b.capacity)
	}
	b.data[index>>3] |= 1 << (index & 7)
	return nil
}

// Test reports whether the bit at index is set.
func (b *Bitmap) Test(index int) (bool, error) {
	if index < 0 || index >= b.capacity {
		return false, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexRange, index, b.capacity)
	}
	return b.data[index>>3]&(1<<(index&7)) != 0, nil
}

// Count returns the number of set bits by scanning the whole vector.
func (b *Bitmap) Count() int {
	total := 0
	for _, by := range b.data {
		total += bits.OnesCount8(by)
	}
	return total
}

// Indexes returns the set-bit indexes in ascending order. The counter uses
// this to seed the sketch tier during promotion.
func (b *Bitmap) Indexes() []uint32 {
	out := make([]uint32, 0, b.Count())
	for i, by := range b.data {
		for by != 0 {
			bit := bits.TrailingZeros8(by)
			out = append(out, uint32(i<<3|bit))
			by &= by - 1
		}
	}
	return out
}

// And returns a new bitmap holding the intersection of b and other. Both
// operands must have the same capacity.
func (b *Bitmap) And(other *Bitmap) (*Bitmap, error) {
	if b.capacity != other.capacity {
		return nil, fmt.Errorf("%w: %d vs %d", ErrCapacityMismatch, b.capacity, other.capacity)
	}
	out := New(b.capacity)
	for i := range b.data {
		out.data[i] = b.data[i] & other.data[i]
	}
	return out, nil
}

// Or returns a new bitmap holding the union of b and other. Both operands
// must have the same capacity.
func (b *Bitmap) Or(other *Bitmap) (*Bitmap, error) {
	if b.capacity != other.capacity {
		return nil, fmt.Errorf("%w: %d vs %d", ErrCapacityMismatch, b.capacity, other.capacity)
	}
	out := New(b.capacity)
	for i := range b.data {
		out.data[i] = b.data[i] | other.data[i]
	}
	return out, nil
}

// Not returns a new bitmap with every addressable bit flipped. Padding bits
// in the final byte stay zero so Count remains consistent with the capacity.
func (b *Bitmap) Not() *Bitmap {
	out := New(b.capacity)
	for i := range b.data {
		out.data[i] = ^b.data[i]
	}
	if rem := b.capacity & 7; rem != 0 {
		out.data[len(out.data)-1] &= 1<<rem - 1
	}
	return out
}

// Serialize emits the bit vector as hex. With trim set, trailing all-zero
// bytes are dropped; Deserialize restores them from the declared capacity.
func (b *Bitmap) Serialize(trim bool) string {
	return hexcodec.Encode(b.data, trim)
}

// Deserialize reconstructs a bitmap of the given capacity from its hex form.
// The bitmap starts all-zero and is filled from the payload; a trimmed
// payload's missing tail stays zero. Malformed hex fails with
// hexcodec.ErrFormat, and a payload longer than the declared capacity fails
// with ErrCapacityMismatch. No failure leaves a partially filled bitmap in
// the caller's hands.
func Deserialize(s string, capacity int) (*Bitmap, error) {
	raw, err := hexcodec.Decode(s)
	if err != nil {
		return nil, err
	}
	b := New(capacity)
	if len(raw) > len(b.data) {
		return nil, fmt.Errorf("%w: payload holds %d bytes, capacity %d allows %d",
			ErrCapacityMismatch, len(raw), capacity, len(b.data))
	}
	copy(b.data, raw)
	return b, nil
}
