// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCacheBasicOperations(t *testing.T) {
	c := New(time.Minute, 100)

	c.Set("consumer-a", "tenant-a")
	if val, ok := c.Get("consumer-a"); !ok || val != "tenant-a" {
		t.Errorf("Get(consumer-a) = %v, %v; want tenant-a, true", val, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}

	c.Delete("consumer-a")
	if _, ok := c.Get("consumer-a"); ok {
		t.Error("expected miss after delete")
	}
}

func TestCacheTTLExpiration(t *testing.T) {
	c := New(time.Minute, 100)

	c.SetWithTTL("short", "value", 30*time.Millisecond)
	if _, ok := c.Get("short"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Error("expected miss after expiry")
	}
}

func TestCacheCapacityEviction(t *testing.T) {
	c := New(time.Minute, 3)

	c.SetWithTTL("a", 1, 10*time.Second)
	c.SetWithTTL("b", 2, 20*time.Second)
	c.SetWithTTL("c", 3, 30*time.Second)
	c.SetWithTTL("d", 4, 40*time.Second)

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	// "a" expires soonest and is the eviction victim.
	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	if _, ok := c.Get("d"); !ok {
		t.Error("expected 'd' to be present")
	}
}

func TestCacheStats(t *testing.T) {
	c := New(time.Minute, 100)

	c.Set("k", "v")
	c.Get("k")
	c.Get("k")
	c.Get("nope")

	stats := c.GetStats()
	if stats.Hits != 2 {
		t.Errorf("hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
	if rate := c.HitRate(); rate < 66 || rate > 67 {
		t.Errorf("hit rate = %f, want ~66.7", rate)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 1000)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n%10)
			c.Set(key, n)
			c.Get(key)
		}(i)
	}
	wg.Wait()

	if c.Len() != 10 {
		t.Errorf("len = %d, want 10", c.Len())
	}
}
