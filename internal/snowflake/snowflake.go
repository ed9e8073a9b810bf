// Package snowflake generates globally unique 64-bit row identifiers so the
// same logical row can be created at any replica without primary-key
// collisions. Layout: 1 unused sign bit, 41-bit millisecond timestamp since
// a fixed epoch, 10-bit writer id, 12-bit per-millisecond sequence.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

// DefaultEpochMillis is 2024-01-01T00:00:00Z.
const DefaultEpochMillis = 1704067200000

const (
	timestampBits = 41
	writerBits    = 10
	sequenceBits  = 12

	maxWriterID  = (1 << writerBits) - 1
	sequenceMask = (1 << sequenceBits) - 1
	timestampMax = (1 << timestampBits) - 1
)

// Generator produces ids for one writer. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	writerID int64
	epochMS  int64
	lastMS   int64
	sequence int64
	nowMS    func() int64
}

// New creates a Generator for the given writer id (0-1023).
func New(writerID int) (*Generator, error) {
	return newWithClock(writerID, DefaultEpochMillis, func() int64 {
		return time.Now().UnixMilli()
	})
}

func newWithClock(writerID int, epochMS int64, nowMS func() int64) (*Generator, error) {
	if writerID < 0 || writerID > maxWriterID {
		return nil, fmt.Errorf("writer id %d out of range [0, %d]", writerID, maxWriterID)
	}
	return &Generator{
		writerID: int64(writerID),
		epochMS:  epochMS,
		lastMS:   -1,
		nowMS:    nowMS,
	}, nil
}

// NextID returns the next identifier. If the wall clock reads earlier than
// the last issued millisecond, the timestamp is clamped so ids never regress;
// if the per-millisecond sequence wraps, the call spin-waits for the next
// millisecond.
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowMS()
	if now < g.lastMS {
		now = g.lastMS
	}

	if now == g.lastMS {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for now <= g.lastMS {
				now = g.nowMS()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastMS = now
	ts := (now - g.epochMS) & timestampMax
	return ts<<(writerBits+sequenceBits) | g.writerID<<sequenceBits | g.sequence
}

// WriterID reports the writer id embedded in every id from this generator.
func (g *Generator) WriterID() int { return int(g.writerID) }
