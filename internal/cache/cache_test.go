package cache

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(body string) *Entry {
	return &Entry{
		Status:  200,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(body),
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	c := New(10, 1<<20, time.Minute)

	c.Set("k1", entry(`{"ok":true}`), 0)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, []byte(`{"ok":true}`), got.Body)
	assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestGetMiss(t *testing.T) {
	c := New(10, 1<<20, time.Minute)
	_, ok := c.Get("absent")
	assert.False(t, ok)
}

func TestExpiredEntryNeverServed(t *testing.T) {
	c := New(10, 1<<20, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", entry("data"), time.Second)

	c.now = func() time.Time { return base.Add(time.Second) } // exactly at expiry
	_, ok := c.Get("k")
	assert.False(t, ok, "entry at expires_at must not be served")

	s := c.Stats()
	assert.Equal(t, int64(1), s.Expired)
}

func TestEntryCountBound(t *testing.T) {
	c := New(3, 1<<20, time.Minute)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), entry("x"), 0)
	}

	s := c.Stats()
	assert.Equal(t, 3, s.Entries)
	assert.Equal(t, int64(2), s.Evictions)

	// Oldest two were evicted, newest three remain.
	assert.False(t, c.Has("k0"))
	assert.False(t, c.Has("k1"))
	assert.True(t, c.Has("k2"))
	assert.True(t, c.Has("k4"))
}

func TestLRUEvictionOrder(t *testing.T) {
	c := New(3, 1<<20, time.Minute)

	c.Set("a", entry("x"), 0)
	c.Set("b", entry("x"), 0)
	c.Set("c", entry("x"), 0)

	// Touch "a" so "b" becomes the least recently accessed.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", entry("x"), 0)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

func TestByteBound(t *testing.T) {
	// Each entry costs ~entryOverhead + key + headers + body; budget of
	// 2 KiB holds only a few 512-byte bodies.
	c := New(100, 2048, time.Minute)

	big := make([]byte, 512)
	for i := 0; i < 6; i++ {
		c.Set(fmt.Sprintf("k%d", i), &Entry{Status: 200, Body: big}, 0)
		s := c.Stats()
		assert.LessOrEqual(t, s.Bytes, int64(2048), "byte budget exceeded after insert %d", i)
	}
	assert.Positive(t, c.Stats().Evictions)
}

func TestOversizedEntrySkipped(t *testing.T) {
	c := New(10, 1024, time.Minute)
	c.Set("huge", &Entry{Status: 200, Body: make([]byte, 4096)}, 0)
	assert.False(t, c.Has("huge"))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestReplaceExistingKey(t *testing.T) {
	c := New(10, 1<<20, time.Minute)

	c.Set("k", entry("v1"), 0)
	c.Set("k", entry("v2"), 0)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Body)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestDeleteAndClear(t *testing.T) {
	c := New(10, 1<<20, time.Minute)

	c.Set("k", entry("v"), 0)
	require.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))

	c.Set("a", entry("v"), 0)
	c.Set("b", entry("v"), 0)
	c.Clear()
	s := c.Stats()
	assert.Equal(t, 0, s.Entries)
	assert.Equal(t, int64(0), s.Bytes)
}

func TestGetOrSet(t *testing.T) {
	c := New(10, 1<<20, time.Minute)

	calls := 0
	producer := func() (*Entry, error) {
		calls++
		return entry("produced"), nil
	}

	got, err := c.GetOrSet("k", producer, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("produced"), got.Body)

	_, err = c.GetOrSet("k", producer, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "producer must not run on a hit")

	_, err = c.GetOrSet("err", func() (*Entry, error) {
		return nil, errors.New("boom")
	}, 0)
	assert.Error(t, err)
	assert.False(t, c.Has("err"))
}

func TestSweep(t *testing.T) {
	c := New(10, 1<<20, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("short", entry("v"), time.Second)
	c.Set("long", entry("v"), time.Hour)

	c.now = func() time.Time { return base.Add(time.Minute) }
	assert.Equal(t, 1, c.Sweep())
	assert.True(t, c.Has("long"))
	assert.False(t, c.Has("short"))
}

func TestStatsHitRate(t *testing.T) {
	c := New(10, 1<<20, time.Minute)
	c.Set("k", entry("v"), 0)

	c.Get("k")
	c.Get("k")
	c.Get("miss")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}
