// Package sketch implements the HyperLogLog tier of the unique-visitor
// counter: approximate distinct-count estimation in a fixed array of
// registers, independent of the true cardinality.
//
// The Algorithm
// =============
//
// The estimator exploits a statistical property of uniformly distributed
// hash values: the probability of a value starting with k leading zeros is
// 1/2^k. Observing the maximum leading-zero run across many hashed values
// therefore reveals roughly how many distinct values have been seen.
//
// To reduce variance, the 32-bit hash space is partitioned into m = 2^p
// buckets. Each incoming value is split:
//
//  1. The top p bits select one of the m registers.
//  2. The remaining 32-p bits (the "remainder") yield the rank: the
//     1-indexed position of the first 1-bit counting from the most
//     significant bit of the remainder field. An all-zero remainder has
//     rank 32-p, the largest value a register can hold.
//
// Each register keeps the maximum rank ever observed for its bucket. The
// estimate is alpha(m) * m^2 over the sum of 2^-register across all buckets,
// with two corrections from the original HyperLogLog paper:
//
//   - Small range: while the estimate is at most 2.5m and zero registers
//     remain, linear counting (m * ln(m/zeroRegisters)) is more accurate.
//   - Large range: estimates beyond 2^31 are corrected for 32-bit hash
//     collisions with -2^31 * ln(1 - estimate/2^31).
//
// The standard error of the corrected estimate is about 1.04/sqrt(m).
//
// Registers are one byte each. The maximum rank for p >= 4 is 28, so a byte
// register never saturates and needs no clamping.
//
// Serialization
// =============
//
// The register array is emitted as hex, two digits per register, optionally
// trimmed of trailing zero registers (see hexcodec). The decoder knows m
// from the precision it is given, zero-fills trimmed registers, and rejects
// payloads carrying more than m registers.
package sketch

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"uvcount.lopezb.com/internal/uvcount/hexcodec"
)

const (
	// MinPrecision and MaxPrecision bound the bucket-index width p.
	// Below 4 the bias constant is undefined; above 16 the register array
	// outgrows any sensible per-page counter.
	MinPrecision = 4
	MaxPrecision = 16

	// DefaultPrecision gives m = 16384 registers, a standard error of
	// ~0.81% at 16KB per saturated counter.
	DefaultPrecision = 14
)

var (
	// ErrPrecisionRange reports a precision outside [MinPrecision, MaxPrecision].
	ErrPrecisionRange = errors.New("sketch: precision out of range")

	// ErrPrecisionMismatch reports a merge of two sketches with different
	// register counts.
	ErrPrecisionMismatch = errors.New("sketch: precision mismatch")

	// ErrRegisterCount reports a serialized payload carrying more registers
	// than the declared precision allows.
	ErrRegisterCount = errors.New("sketch: register count mismatch")
)

// Sketch is a HyperLogLog estimator with 2^precision byte registers. It is
// not safe for concurrent mutation; the owning counter serializes access.
type Sketch struct {
	precision uint8
	registers []uint8
}

// New creates an empty sketch with 2^precision registers.
func New(precision uint8) (*Sketch, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrPrecisionRange, precision, MinPrecision, MaxPrecision)
	}
	return &Sketch{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}, nil
}

// Precision returns p, the bucket-index width.
func (s *Sketch) Precision() uint8 {
	return s.precision
}

// Registers returns m, the number of registers.
func (s *Sketch) Registers() int {
	return len(s.registers)
}

// Add folds an already-hashed 32-bit value into the sketch: the top p bits
// pick the register, the remainder's rank is stored if it exceeds the
// register's current value. Duplicate values never change the state.
func (s *Sketch) Add(value uint32) {
	q := 32 - uint(s.precision)
	index := value >> q
	remainder := value & (uint32(1)<<q - 1)

	// Rank is 1-indexed from the most significant bit of the q-bit
	// remainder field; a remainder of zero takes the field width itself.
	var rank uint8
	if remainder == 0 {
		rank = uint8(q)
	} else {
		rank = uint8(bits.LeadingZeros32(remainder)) - s.precision + 1
	}

	if rank > s.registers[index] {
		s.registers[index] = rank
	}
}

// Count returns the estimated number of distinct values added so far,
// rounded to the nearest integer. It never mutates the sketch.
func (s *Sketch) Count() uint64 {
	m := float64(len(s.registers))

	sum := 0.0
	zeros := 0
	for _, r := range s.registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}

	estimate := alpha(len(s.registers)) * m * m / sum

	const two31 = float64(1 << 31)
	if estimate <= 2.5*m {
		// Small-range correction: with zero registers left, linear
		// counting over the untouched buckets beats the raw estimate.
		if zeros > 0 {
			estimate = m * math.Log(m/float64(zeros))
		}
	} else if estimate > two31 {
		// Large-range correction for 32-bit hash space saturation.
		estimate = -two31 * math.Log(1-estimate/two31)
	}

	return uint64(math.Round(estimate))
}

// Merge folds other into s register-by-register, keeping the element-wise
// maximum. This is the HyperLogLog union: the merged sketch estimates the
// cardinality of the union of both input streams. Both sketches must share
// the same precision.
func (s *Sketch) Merge(other *Sketch) error {
	if s.precision != other.precision {
		return fmt.Errorf("%w: %d vs %d", ErrPrecisionMismatch, s.precision, other.precision)
	}
	for i, r := range other.registers {
		if r > s.registers[i] {
			s.registers[i] = r
		}
	}
	return nil
}

// Reset zeroes every register, returning the sketch to its empty state.
func (s *Sketch) Reset() {
	clear(s.registers)
}

// Serialize emits the register array as hex, two digits per register. With
// trim set, trailing zero registers are dropped.
func (s *Sketch) Serialize(trim bool) string {
	return hexcodec.Encode(s.registers, trim)
}

// Deserialize reconstructs a sketch of the given precision from its hex
// form. Trimmed trailing registers are zero-filled; a payload carrying more
// than 2^precision registers fails with ErrRegisterCount, malformed hex with
// hexcodec.ErrFormat. A failed load never yields a partially populated
// sketch.
func Deserialize(data string, precision uint8) (*Sketch, error) {
	s, err := New(precision)
	if err != nil {
		return nil, err
	}
	raw, err := hexcodec.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(raw) > len(s.registers) {
		return nil, fmt.Errorf("%w: payload holds %d registers, precision %d allows %d",
			ErrRegisterCount, len(raw), precision, len(s.registers))
	}
	copy(s.registers, raw)
	return s, nil
}

// alpha returns the bias-correction constant for m registers: measured
// literals for the small register counts, the asymptotic formula otherwise.
func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	}
	return 0.7213 / (1 + 1.079/float64(m))
}
