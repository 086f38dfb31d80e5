package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	c.Put("fp1", "result", "llama3", time.Minute)

	entry, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "result", entry.Content)
	assert.Equal(t, "llama3", entry.ModelID)

	_, ok = c.Get("fp2")
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestOverwrite(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	c.Put("fp", "old", "llama3", time.Minute)
	c.Put("fp", "new", "gpt-4o", time.Minute)

	entry, ok := c.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "new", entry.Content)
	assert.Equal(t, "gpt-4o", entry.ModelID)
	assert.Equal(t, 1, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	c.Put("fp", "result", "llama3", 10*time.Millisecond)

	_, ok := c.Get("fp")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("fp")
	assert.False(t, ok, "expired entry must read as a miss")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	c.Put("fp", "result", "llama3", 0)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("fp")
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	c.Put("fp", "result", "llama3", time.Minute)
	c.Invalidate("fp")

	_, ok := c.Get("fp")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("fp%d", i), "r", "m", time.Minute)
	}

	// Oldest entry was evicted by the size bound.
	_, ok := c.Get("fp0")
	assert.False(t, ok)
	_, ok = c.Get("fp2")
	assert.True(t, ok)
}
