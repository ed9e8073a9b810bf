package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseShapes(t *testing.T) {
	want := Clock{"N": 2, "S": 1}

	assert.True(t, want.Equal(Parse([]byte(`{"N":2,"S":1}`))))
	assert.True(t, want.Equal(Parse(`{"N":2,"S":1}`)))
	assert.True(t, want.Equal(Parse(map[string]any{"N": float64(2), "S": float64(1)})))
	assert.True(t, Clock{}.Equal(Parse(nil)))
	assert.True(t, Clock{}.Equal(Parse("not json")))
	assert.True(t, Clock{}.Equal(Parse("")))
}

func TestDominates(t *testing.T) {
	a := Clock{"N": 2, "S": 1}
	b := Clock{"N": 1, "S": 1}

	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))

	// a clock never dominates itself
	assert.False(t, a.Dominates(a))
	assert.False(t, Clock{}.Dominates(Clock{}))

	// missing components read as zero
	assert.True(t, Clock{"N": 1}.Dominates(Clock{}))
	assert.False(t, Clock{}.Dominates(Clock{"N": 1}))
}

func TestConcurrent(t *testing.T) {
	n := Clock{"N": 2, "S": 0}
	s := Clock{"N": 1, "S": 1}

	assert.True(t, Concurrent(n, s))
	// symmetry
	assert.True(t, Concurrent(s, n))

	// domination excludes concurrency
	a := Clock{"N": 2, "S": 1}
	b := Clock{"N": 1, "S": 1}
	assert.True(t, a.Dominates(b))
	assert.False(t, Concurrent(a, b))

	// equal clocks are not concurrent
	assert.False(t, Concurrent(n, n))
	assert.False(t, Concurrent(Clock{"N": 0}, Clock{}))
}

func TestMergeDominatesBothInputs(t *testing.T) {
	a := Clock{"N": 2, "S": 0}
	b := Clock{"N": 1, "S": 3}

	m := Merge(a, b)
	assert.Equal(t, Clock{"N": 2, "S": 3}, m)
	assert.True(t, m.Dominates(a) || m.Equal(a))
	assert.True(t, m.Dominates(b) || m.Equal(b))
	assert.Equal(t, m, Merge(b, a))
}

func TestBumpLeavesOthersUnchanged(t *testing.T) {
	base := Clock{"N": 1, "S": 3}
	bumped := base.Bump("N")

	assert.Equal(t, int64(2), bumped.Get("N"))
	assert.Equal(t, int64(3), bumped.Get("S"))
	// receiver untouched
	assert.Equal(t, int64(1), base.Get("N"))
	assert.True(t, bumped.Dominates(base))
}

func TestStringSortedKeys(t *testing.T) {
	c := Clock{"S": 1, "N": 2}
	assert.Equal(t, `{"N":2,"S":1}`, c.String())
}

func TestRoundTrip(t *testing.T) {
	c := Parse(Clock{"N": 5, "S": 7}.String())
	assert.True(t, c.Equal(Clock{"N": 5, "S": 7}))
}
