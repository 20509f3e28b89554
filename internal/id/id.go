// Package id issues time-ordered 63-bit identifiers for pickup requests and
// notification records. Layout: 41 bits of milliseconds since the epoch,
// 10 bits of node, 12 bits of per-millisecond sequence.
package id

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	seqBits         = 12
	maxNode         = -1 ^ (-1 << nodeBits)
	maxSeq          = -1 ^ (-1 << seqBits)
	timeShift       = nodeBits + seqBits
	nodeShift       = seqBits
	epoch     int64 = 1735689600000 // 2025-01-01 00:00:00 UTC
)

type Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastMs int64
	node   int64
	seq    int64
}

func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("node id %d out of range [0,%d]", node, maxNode)
	}
	return &Generator{node: node, now: time.Now}, nil
}

// Next returns a new identifier, strictly greater than every identifier this
// generator returned before.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		// clock moved backwards; keep issuing from the last seen millisecond
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq = (g.seq + 1) & maxSeq
		if g.seq == 0 {
			for ms <= g.lastMs {
				ms = g.now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms
	return ((ms - epoch) << timeShift) | (g.node << nodeShift) | g.seq
}

// Parse converts the decimal form used on the wire back into an identifier.
func Parse(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}
