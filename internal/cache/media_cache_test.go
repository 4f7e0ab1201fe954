package cache

import (
	"testing"
	"time"
)

func TestMediaCacheRoundTrip(t *testing.T) {
	c := NewMediaCache(Config{TTL: time.Minute, MaxEntries: 4})

	if _, ok := c.Get("http://media/a.jpg"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set("http://media/a.jpg", []byte("jpeg-bytes"))
	data, ok := c.Get("http://media/a.jpg")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected cached data: %q", data)
	}

	// Mutating the returned slice must not affect the cached copy.
	data[0] = 'x'
	again, _ := c.Get("http://media/a.jpg")
	if string(again) != "jpeg-bytes" {
		t.Fatalf("cache entry was mutated through returned slice: %q", again)
	}
}

func TestMediaCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewMediaCache(Config{TTL: time.Minute, MaxEntries: 2})

	c.Set("http://media/1.jpg", []byte("one"))
	time.Sleep(2 * time.Millisecond)
	c.Set("http://media/2.jpg", []byte("two"))
	time.Sleep(2 * time.Millisecond)
	c.Set("http://media/3.jpg", []byte("three"))

	if _, ok := c.Get("http://media/1.jpg"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok := c.Get("http://media/3.jpg"); !ok {
		t.Fatal("expected newest entry to remain")
	}
}

func TestMediaCacheExpiresEntries(t *testing.T) {
	c := NewMediaCache(Config{TTL: 5 * time.Millisecond, MaxEntries: 4})
	c.Set("http://media/a.jpg", []byte("bytes"))

	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get("http://media/a.jpg"); ok {
		t.Fatal("expected entry to expire")
	}
}
