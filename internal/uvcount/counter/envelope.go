// envelope.go implements the counter's serialization contract: a tagged
// envelope {type, data} embedded as a field inside the surrounding service's
// JSON records.
//
// Wire Shape
// ==========
//
//	{"type": 0, "data": [513, 30818]}     exact: plain integer array
//	{"type": 1, "data": "80000c"}         bitmap: trimmed hex bit vector
//	{"type": 2, "data": "0012"}           sketch: trimmed hex registers
//
// The data payload is each tier's own compact form; the envelope only adds
// the dispatch tag. Decoding dispatches on the tag, rebuilds the matching
// tier, and fails atomically: a counter is returned fully populated or not
// at all. The policy is not part of the envelope — the caller persists whole
// documents under one policy and must supply the same policy on load.
package counter

import (
	"encoding/json"
	"errors"
	"fmt"

	"uvcount.lopezb.com/internal/uvcount/bitmap"
	"uvcount.lopezb.com/internal/uvcount/sketch"
)

var (
	// ErrUnknownTier reports an envelope whose tier tag matches no known
	// tier. Fatal to the load; the caller decides whether to fall back to
	// a fresh counter.
	ErrUnknownTier = errors.New("counter: unknown tier tag")

	// ErrExactValue reports an exact-tier payload value that does not fit
	// the policy's exact hash width.
	ErrExactValue = errors.New("counter: exact value outside hash space")
)

// Envelope is the persisted form of a counter: the active tier's tag and
// its serialized state.
type Envelope struct {
	Type Tier            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode converts the counter's active tier into its envelope form. Bitmap
// and sketch payloads use the trimmed hex form.
func (c *Counter) Encode() (Envelope, error) {
	var payload any
	switch c.tier {
	case TierExact:
		payload = c.exact.sorted()
	case TierBitmap:
		payload = c.bm.Serialize(true)
	case TierSketch:
		payload = c.sk.Serialize(true)
	default:
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownTier, c.tier)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("counter: encode %s payload: %w", c.tier, err)
	}
	return Envelope{Type: c.tier, Data: data}, nil
}

// MarshalJSON renders the counter as its envelope.
func (c *Counter) MarshalJSON() ([]byte, error) {
	env, err := c.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode reconstructs a counter from its envelope under the given policy.
// Any failure — unknown tag, malformed payload, a payload that does not fit
// the policy's dimensions — aborts the load with a distinct error and no
// partially populated counter.
func Decode(env Envelope, policy Policy) (*Counter, error) {
	c, err := New(policy)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TierExact:
		var values []uint32
		if err := json.Unmarshal(env.Data, &values); err != nil {
			return nil, fmt.Errorf("counter: exact payload: %w", err)
		}
		limit := uint64(1) << policy.ExactHashBits
		for _, v := range values {
			if uint64(v) >= limit {
				return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrExactValue, v, limit)
			}
			c.exact.add(v)
		}

	case TierBitmap:
		if policy.BitmapThreshold <= 0 {
			return nil, fmt.Errorf("%w: bitmap tier disabled", ErrInvalidPolicy)
		}
		var data string
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("counter: bitmap payload: %w", err)
		}
		bm, err := bitmap.Deserialize(data, policy.SketchThreshold)
		if err != nil {
			return nil, err
		}
		c.tier = TierBitmap
		c.bm = bm
		c.exact = nil

	case TierSketch:
		var data string
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("counter: sketch payload: %w", err)
		}
		sk, err := sketch.Deserialize(data, policy.SketchPrecision)
		if err != nil {
			return nil, err
		}
		c.tier = TierSketch
		c.sk = sk
		c.exact = nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, env.Type)
	}

	return c, nil
}
