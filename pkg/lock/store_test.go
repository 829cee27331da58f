package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_LockUnlockIdempotent(t *testing.T) {
	s := NewStore(Options{})
	require.False(t, s.AnyLocked())

	s.Lock("a")
	s.Lock("a")
	s.Lock("b")
	assert.True(t, s.AnyLocked())
	assert.Equal(t, []string{"a", "b"}, s.Held())

	s.Unlock("a")
	s.Unlock("a")
	assert.Equal(t, []string{"b"}, s.Held())

	s.Unlock("b")
	s.Unlock("never-locked")
	assert.False(t, s.AnyLocked())
	assert.Empty(t, s.Held())
}

func TestStore_NoLeaseNeverExpires(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	s := NewStore(Options{Clock: clk})

	s.Lock("crashed-peer")
	clk.Advance(365 * 24 * time.Hour)

	assert.True(t, s.AnyLocked())
}

func TestStore_LeaseExpiry(t *testing.T) {
	clk := &manualClock{now: time.Unix(0, 0)}
	s := NewStore(Options{LeaseTTL: 30 * time.Second, Clock: clk})

	s.Lock("a")
	clk.Advance(20 * time.Second)
	s.Lock("b")
	require.Equal(t, []string{"a", "b"}, s.Held())

	clk.Advance(10 * time.Second)
	assert.Equal(t, []string{"b"}, s.Held())

	// relocking refreshes the lease
	s.Lock("b")
	clk.Advance(29 * time.Second)
	assert.True(t, s.AnyLocked())

	clk.Advance(time.Second)
	assert.False(t, s.AnyLocked())
}
