// Package vclock implements the per-row vector clocks used for conflict
// detection between independently writable replicas. Each edge database owns
// one single-letter component and bumps only its own on local writes.
package vclock

import (
	"encoding/json"
	"fmt"
)

// Clock maps a replica key to its write counter. Missing components read as 0.
type Clock map[string]int64

// Parse converts a v_clock column value into a Clock. The snapshots arrive in
// several shapes depending on where they were captured: jsonb bytes, a JSON
// string, an already-decoded map, or nil. Anything unparseable is treated as
// an empty clock rather than an error; conflict detection must not be poisoned
// by one malformed row.
func Parse(raw any) Clock {
	switch v := raw.(type) {
	case nil:
		return Clock{}
	case Clock:
		return v.Clone()
	case map[string]int64:
		return Clock(v).Clone()
	case map[string]any:
		c := Clock{}
		for k, val := range v {
			c[k] = toInt64(val)
		}
		return c
	case []byte:
		return parseJSON(v)
	case string:
		return parseJSON([]byte(v))
	default:
		return Clock{}
	}
}

func parseJSON(data []byte) Clock {
	if len(data) == 0 {
		return Clock{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Clock{}
	}
	c := Clock{}
	for k, v := range m {
		c[k] = toInt64(v)
	}
	return c
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// Get returns the counter for key, defaulting to 0.
func (c Clock) Get(key string) int64 { return c[key] }

// Clone returns an independent copy.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Bump returns a copy with the given component incremented by one. The
// receiver is unchanged.
func (c Clock) Bump(key string) Clock {
	out := c.Clone()
	out[key]++
	return out
}

// Equal reports component-wise equality, treating missing components as 0.
func (c Clock) Equal(o Clock) bool {
	for _, k := range unionKeys(c, o) {
		if c[k] != o[k] {
			return false
		}
	}
	return true
}

// Dominates reports whether c is causally ahead of o: every component of c is
// >= the corresponding component of o and at least one is strictly greater.
func (c Clock) Dominates(o Clock) bool {
	greater := false
	for _, k := range unionKeys(c, o) {
		a, b := c[k], o[k]
		if a < b {
			return false
		}
		if a > b {
			greater = true
		}
	}
	return greater
}

// Merge returns the component-wise maximum of both clocks. The result
// dominates or equals each input.
func Merge(a, b Clock) Clock {
	merged := make(Clock, len(a)+len(b))
	for _, k := range unionKeys(a, b) {
		av, bv := a.Get(k), b.Get(k)
		if bv > av {
			av = bv
		}
		merged[k] = av
	}
	return merged
}

// Concurrent reports whether two clocks are causally unrelated: neither
// dominates the other and they differ. This is the conflict condition.
func Concurrent(a, b Clock) bool {
	if a.Equal(b) {
		return false
	}
	return !a.Dominates(b) && !b.Dominates(a)
}

func unionKeys(a, b Clock) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// String serializes the clock as compact JSON with sorted keys, the exact
// form stored in the v_clock column.
func (c Clock) String() string {
	data, err := json.Marshal(map[string]int64(c))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// MarshalJSON keeps Clock's JSON form identical to the column encoding.
func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64(c))
}

// UnmarshalJSON accepts both integer and float counters.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid vector clock: %w", err)
	}
	out := Clock{}
	for k, v := range m {
		out[k] = toInt64(v)
	}
	*c = out
	return nil
}
