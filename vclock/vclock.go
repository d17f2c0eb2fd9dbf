// Package vclock implements the per-node vector clock used to establish
// partial causal order between replication events across the cluster.
package vclock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	// Equal means both clocks have identical counters for every node.
	Equal Ordering = iota
	// Before means the receiver happens-before the other clock.
	Before
	// After means the receiver happens-after the other clock.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "happens-before"
	case After:
		return "happens-after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Clock is a vector clock owned by a single node. Only the owning node
// increments its own counter; counters never decrease. All methods are
// safe for concurrent use; mutations are serialized by a single mutex so
// concurrent ticks cannot corrupt causal ordering.
type Clock struct {
	mu       sync.Mutex
	nodeID   string
	counters map[string]uint64
}

// New creates a clock for nodeID with its own counter initialized to zero.
func New(nodeID string) *Clock {
	return &Clock{
		nodeID:   nodeID,
		counters: map[string]uint64{nodeID: 0},
	}
}

// FromMap reconstructs a clock for nodeID from a serialized counter map.
// The node's own entry is created at zero if the map lacks it.
func FromMap(nodeID string, counters map[string]uint64) *Clock {
	c := New(nodeID)
	for node, count := range counters {
		c.counters[node] = count
	}
	return c
}

// NodeID returns the identity of the owning node.
func (c *Clock) NodeID() string { return c.nodeID }

// Tick records one local event by incrementing the node's own counter.
func (c *Clock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.nodeID]++
}

// Merge folds another clock's counters into this one: for every node id
// present in either clock the elementwise maximum is kept, then the local
// counter is ticked once so the causal update is itself observable as a
// new local event.
func (c *Clock) Merge(other *Clock) {
	c.MergeMap(other.ToMap())
}

// MergeMap is Merge over a deserialized counter map, used when the other
// clock arrived over the wire.
func (c *Clock) MergeMap(counters map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, count := range counters {
		if count > c.counters[node] {
			c.counters[node] = count
		}
	}
	c.counters[c.nodeID]++
}

// Compare reports the causal relation of this clock to other. Neither
// clock is mutated.
func (c *Clock) Compare(other *Clock) Ordering {
	return c.CompareMap(other.ToMap())
}

// CompareMap is Compare against a deserialized counter map.
func (c *Clock) CompareMap(counters map[string]uint64) Ordering {
	local := c.ToMap()

	allLE, allGE := true, true
	for node := range union(local, counters) {
		l, r := local[node], counters[node]
		if l > r {
			allLE = false
		}
		if l < r {
			allGE = false
		}
	}
	switch {
	case allLE && allGE:
		return Equal
	case allLE:
		return Before
	case allGE:
		return After
	default:
		return Concurrent
	}
}

// ToMap returns a copy of the counters, suitable for serialization.
func (c *Clock) ToMap() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counters))
	for node, count := range c.counters {
		out[node] = count
	}
	return out
}

// Counter returns the recorded count for a node, zero if unknown.
func (c *Clock) Counter(nodeID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[nodeID]
}

// Digest returns a content-derived identity for the clock: the hex SHA-256
// of the sorted counter map. Two clocks with equal counters always produce
// the same digest, so it serves as a cheap equality check across the wire.
func (c *Clock) Digest() string {
	return DigestMap(c.ToMap())
}

// DigestMap computes the digest of a raw counter map. A clock loaded via
// FromMap must produce the same digest as DigestMap over the same map.
func DigestMap(counters map[string]uint64) string {
	nodes := make([]string, 0, len(counters))
	for node := range counters {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	h := sha256.New()
	for _, node := range nodes {
		fmt.Fprintf(h, "%s=%d;", node, counters[node])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func union(a, b map[string]uint64) map[string]struct{} {
	nodes := make(map[string]struct{}, len(a)+len(b))
	for node := range a {
		nodes[node] = struct{}{}
	}
	for node := range b {
		nodes[node] = struct{}{}
	}
	return nodes
}
