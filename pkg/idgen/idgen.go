// Package idgen generates 64-bit ids that are strictly increasing within
// a process and unique with high probability across process restarts.
package idgen

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces monotonic ids seeded once at process start with a
// machine-entropy tail so that ids from distinct processes practically
// never collide.
type Generator struct {
	epochMillis int64
	counter     atomic.Uint32
	entropy     uint16
	last        atomic.Int64
}

// New seeds a Generator. Call once per process; share the returned
// Generator rather than constructing more than one, so that the
// sequence stays strictly increasing within the process.
func New() *Generator {
	id := uuid.New()
	entropy := uint16(id[0])<<8 | uint16(id[1])
	return &Generator{
		epochMillis: time.Now().UnixMilli(),
		entropy:     entropy,
	}
}

// Next returns the next id: a 41-bit millis-since-seed value, a 16-bit
// machine-entropy tail, and a 7-bit rolling counter. When that value
// would not exceed the previously returned id (the counter wrapped within
// one millisecond, or the clock stepped back), the previous id plus one
// is returned instead.
func (g *Generator) Next() int64 {
	n := g.counter.Add(1)
	elapsed := time.Now().UnixMilli() - g.epochMillis
	if elapsed < 0 {
		elapsed = 0
	}
	candidate := (elapsed << 23) | (int64(g.entropy) << 7) | int64(n&0x7f)
	for {
		prev := g.last.Load()
		if candidate <= prev {
			candidate = prev + 1
		}
		if g.last.CompareAndSwap(prev, candidate) {
			return candidate
		}
	}
}
