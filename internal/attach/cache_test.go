package attach

import (
	"testing"
	"time"
)

func TestCache_TakeAfterPut(t *testing.T) {
	c := New(time.Minute)
	c.Put("chat1", "img-123")

	ref, ok := c.Take("chat1")
	if !ok {
		t.Fatal("expected a cached attachment")
	}
	if ref != "img-123" {
		t.Errorf("expected img-123, got %q", ref)
	}

	if _, ok := c.Take("chat1"); ok {
		t.Error("expected second take to miss")
	}
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New(time.Minute)
	c.Put("chat1", "first")
	c.Put("chat1", "second")

	ref, ok := c.Take("chat1")
	if !ok || ref != "second" {
		t.Fatalf("expected latest attachment, got %q ok=%v", ref, ok)
	}
}

func TestCache_TakeUnknownChat(t *testing.T) {
	c := New(time.Minute)
	if _, ok := c.Take("nobody"); ok {
		t.Error("expected miss for unknown chat")
	}
}

func TestCache_ExpiredEntryAbsent(t *testing.T) {
	c := New(50 * time.Millisecond)
	c.Put("chat1", "img-123")

	time.Sleep(120 * time.Millisecond)

	if _, ok := c.Take("chat1"); ok {
		t.Error("expected entry to expire without an intervening put")
	}
}

func TestCache_PerChatIsolation(t *testing.T) {
	c := New(time.Minute)
	c.Put("a", "img-a")
	c.Put("b", "img-b")

	if ref, _ := c.Take("a"); ref != "img-a" {
		t.Errorf("expected img-a, got %q", ref)
	}
	if ref, _ := c.Take("b"); ref != "img-b" {
		t.Errorf("expected img-b, got %q", ref)
	}
}

func TestCache_PutRestartsExpiry(t *testing.T) {
	c := New(200 * time.Millisecond)
	c.Put("chat1", "first")
	time.Sleep(120 * time.Millisecond)
	c.Put("chat1", "second")
	time.Sleep(120 * time.Millisecond)

	ref, ok := c.Take("chat1")
	if !ok {
		t.Fatal("expected refreshed entry to still be claimable")
	}
	if ref != "second" {
		t.Errorf("expected second, got %q", ref)
	}
}

func TestCache_PruneRemovesExpired(t *testing.T) {
	c := New(50 * time.Millisecond)
	c.Put("old", "img-old")
	time.Sleep(120 * time.Millisecond)
	c.Put("fresh", "img-fresh")

	if removed := c.Prune(); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
	if _, ok := c.Take("fresh"); !ok {
		t.Error("expected fresh entry to survive prune")
	}
}

func TestNew_DefaultTTL(t *testing.T) {
	c := New(0)
	if c.ttl != DefaultTTL {
		t.Fatalf("expected default ttl %v, got %v", DefaultTTL, c.ttl)
	}
}
