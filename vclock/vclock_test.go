package vclock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_New(t *testing.T) {
	c := New("node-a")
	assert.Equal(t, "node-a", c.NodeID())
	assert.Equal(t, uint64(0), c.Counter("node-a"))
}

func TestClock_Tick(t *testing.T) {
	c := New("node-a")
	c.Tick()
	c.Tick()
	assert.Equal(t, uint64(2), c.Counter("node-a"))
}

func TestClock_Merge_Monotonic(t *testing.T) {
	a := New("node-a")
	a.Tick()
	a.Tick() // a: {a:2}

	b := New("node-b")
	b.Tick()
	b.MergeMap(map[string]uint64{"node-c": 7}) // b: {b:2, c:7}

	before := a.ToMap()
	other := b.ToMap()
	a.Merge(b)
	after := a.ToMap()

	// Every counter is at least the elementwise max of the inputs.
	for node := range after {
		if after[node] < before[node] || after[node] < other[node] {
			t.Fatalf("counter for %s decreased: before=%d other=%d after=%d",
				node, before[node], other[node], after[node])
		}
	}

	// The own counter advanced by exactly one beyond the max.
	want := before["node-a"]
	if other["node-a"] > want {
		want = other["node-a"]
	}
	assert.Equal(t, want+1, after["node-a"], "own counter must advance exactly once on merge")
	assert.Equal(t, other["node-b"], after["node-b"])
	assert.Equal(t, other["node-c"], after["node-c"])
}

func TestClock_Compare(t *testing.T) {
	t.Run("Reflexive", func(t *testing.T) {
		a := New("node-a")
		a.Tick()
		copyOfA := FromMap("node-a", a.ToMap())
		assert.Equal(t, Equal, a.Compare(copyOfA))
	})

	t.Run("HappensBefore", func(t *testing.T) {
		a := New("node-a")
		a.Tick()
		b := FromMap("node-b", a.ToMap())
		b.Tick()
		assert.Equal(t, Before, a.Compare(b))
		assert.Equal(t, After, b.Compare(a))
	})

	t.Run("Concurrent", func(t *testing.T) {
		a := New("node-a")
		a.Tick()
		b := New("node-b")
		b.Tick()
		assert.Equal(t, Concurrent, a.Compare(b))
		assert.Equal(t, Concurrent, b.Compare(a))
	})

	t.Run("CompareDoesNotMutate", func(t *testing.T) {
		a := New("node-a")
		a.Tick()
		b := New("node-b")
		before := a.ToMap()
		a.Compare(b)
		assert.Equal(t, before, a.ToMap())
	})
}

func TestClock_MapRoundTrip(t *testing.T) {
	a := New("node-a")
	a.Tick()
	a.MergeMap(map[string]uint64{"node-b": 4, "node-c": 1})

	m := a.ToMap()
	loaded := FromMap("node-a", m)

	require.Equal(t, m, loaded.ToMap())
	assert.Equal(t, a.Digest(), loaded.Digest(), "digest recomputed on load must match")
	assert.Equal(t, DigestMap(m), loaded.Digest(), "digest must be derivable from the map alone")
}

func TestClock_DigestChangesWithContent(t *testing.T) {
	a := New("node-a")
	before := a.Digest()
	a.Tick()
	assert.NotEqual(t, before, a.Digest())
}

func TestClock_ConcurrentTicks(t *testing.T) {
	c := New("node-a")
	const goroutines, ticks = 8, 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				c.Tick()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*ticks), c.Counter("node-a"))
}
