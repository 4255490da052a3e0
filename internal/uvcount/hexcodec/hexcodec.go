// Package hexcodec implements the compact textual form shared by the bitmap
// and sketch tiers: raw state bytes rendered as lowercase hex, two digits per
// byte, optionally trimmed of trailing all-zero bytes.
//
// Trimming exploits the shape of the data. Bitmap bit vectors and sketch
// register arrays are zero-dominated at low cardinalities, and their zeros
// cluster at the tail once the leading buckets fill first, so dropping
// trailing "00" pairs shrinks the persisted form substantially. The decoder
// does not need a length marker: the consumer always knows its nominal size
// (bitmap capacity, register count) and zero-fills the remainder itself.
//
// Decoding is strict. The input is validated (even length, hex charset)
// before any bytes are produced, so a malformed payload fails with ErrFormat
// and never partially populates the caller's state.
package hexcodec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrFormat reports malformed hex input: odd length or a non-hex character.
var ErrFormat = errors.New("hexcodec: malformed hex input")

// Encode renders data as lowercase hex. With trim set, trailing all-zero
// bytes are dropped first; an all-zero buffer encodes to the empty string.
func Encode(data []byte, trim bool) string {
	if trim {
		end := len(data)
		for end > 0 && data[end-1] == 0 {
			end--
		}
		data = data[:end]
	}
	return hex.EncodeToString(data)
}

// Decode parses a hex payload produced by Encode. The caller is responsible
// for zero-filling the result up to its declared size; Decode only returns
// the bytes that are actually present.
func Decode(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return data, nil
}
