package cache

import (
	"testing"

	"github.com/gelsrv/edgecore/internal/queryunit"
)

func cacheable(id string) *queryunit.Unit {
	return &queryunit.Unit{UnitID: id, Cacheable: true}
}

func TestLookupMiss(t *testing.T) {
	c := New(4)
	if u := c.Lookup("select 1", "binary"); u != nil {
		t.Fatalf("expected miss, got %v", u)
	}
}

func TestInsertThenLookupHits(t *testing.T) {
	c := New(4)
	u := cacheable("u1")
	c.Insert("select 1", "binary", u)

	got := c.Lookup("select 1", "binary")
	if got != u {
		t.Fatalf("Lookup = %v, want %v", got, u)
	}
}

func TestOutputModeIsPartOfTheKey(t *testing.T) {
	c := New(4)
	ubinary := cacheable("u-binary")
	ujson := cacheable("u-json")
	c.Insert("select 1", "binary", ubinary)
	c.Insert("select 1", "json", ujson)

	if got := c.Lookup("select 1", "binary"); got != ubinary {
		t.Fatalf("binary slot = %v, want %v", got, ubinary)
	}
	if got := c.Lookup("select 1", "json"); got != ujson {
		t.Fatalf("json slot = %v, want %v", got, ujson)
	}
}

func TestNonCacheableUnitIsNotStored(t *testing.T) {
	c := New(4)
	u := &queryunit.Unit{UnitID: "u1", Cacheable: false}
	c.Insert("begin", "binary", u)

	if got := c.Lookup("begin", "binary"); got != nil {
		t.Fatalf("expected non-cacheable unit to be rejected, got %v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	a, b, d := cacheable("a"), cacheable("b"), cacheable("d")
	c.Insert("a", "binary", a)
	c.Insert("b", "binary", b)
	// touch a so b becomes the least-recently-used entry.
	c.Lookup("a", "binary")
	c.Insert("d", "binary", d)

	if got := c.Lookup("b", "binary"); got != nil {
		t.Fatalf("expected b evicted, got %v", got)
	}
	if got := c.Lookup("a", "binary"); got != a {
		t.Fatalf("expected a to survive eviction, got %v", got)
	}
	if got := c.Lookup("d", "binary"); got != d {
		t.Fatalf("expected d present, got %v", got)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestEvictedUnitRemainsValidForHolders(t *testing.T) {
	c := New(1)
	a := cacheable("a")
	c.Insert("a", "binary", a)
	c.Insert("b", "binary", cacheable("b"))

	// a was evicted from the cache, but a caller that captured the
	// pointer before eviction still holds a fully valid unit.
	if a.UnitID != "a" || !a.Cacheable {
		t.Fatalf("evicted unit was mutated or invalidated: %+v", a)
	}
	if got := c.Lookup("a", "binary"); got != nil {
		t.Fatalf("expected a evicted from the cache, got %v", got)
	}
}

func TestInsertOverwriteIsIdempotentForLookup(t *testing.T) {
	c := New(4)
	u1 := cacheable("u1")
	u2 := cacheable("u1") // same shape, different pointer
	c.Insert("select 1", "binary", u1)
	c.Insert("select 1", "binary", u2)

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after overwrite", c.Len())
	}
	if got := c.Lookup("select 1", "binary"); got != u2 {
		t.Fatalf("Lookup = %v, want most recent insert %v", got, u2)
	}
}
