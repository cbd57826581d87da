package cache

import "testing"

func TestPutGet(t *testing.T) {
	c := New[string, int](4)
	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("a=%d ok=%v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss")
	}
}

func TestEvictsExactlyLRU(t *testing.T) {
	c := New[int, int](3)
	for i := 0; i < 4; i++ {
		c.Put(i, i*10)
	}

	if _, ok := c.Get(0); ok {
		t.Fatalf("key 0 should be evicted")
	}
	for i := 1; i < 4; i++ {
		if v, ok := c.Get(i); !ok || v != i*10 {
			t.Fatalf("key %d: v=%d ok=%v", i, v, ok)
		}
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("len=%d", got)
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	// put(a), put(b), get(a), put(c) with capacity 2 must evict b.
	c := New[string, string](2)
	c.Put("a", "A")
	c.Put("b", "B")
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a missing")
	}
	c.Put("c", "C")

	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should be evicted")
	}
	if v, ok := c.Get("a"); !ok || v != "A" {
		t.Fatalf("a=%q ok=%v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != "C" {
		t.Fatalf("c=%q ok=%v", v, ok)
	}
}

func TestOverwriteDoesNotGrow(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("a", 2)
	c.Put("b", 3)

	if got := c.Len(); got != 2 {
		t.Fatalf("len=%d", got)
	}
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("a=%d", v)
	}
}
