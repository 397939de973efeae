package id

import (
	"strings"
	"testing"
)

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if strings.Compare(cur.String(), prev.String()) <= 0 {
			t.Fatalf("ids not increasing: prev=%s cur=%s", prev, cur)
		}
		prev = cur
	}
}

func TestNextClockBackwards(t *testing.T) {
	g := NewGenerator()
	saved := NowMs
	t.Cleanup(func() { NowMs = saved })

	ms := int64(1000)
	NowMs = func() int64 { return ms }
	a := g.Next()
	ms = 500 // clock went backwards
	b := g.Next()
	if strings.Compare(b.String(), a.String()) <= 0 {
		t.Fatalf("expected b > a despite clock regression: a=%s b=%s", a, b)
	}
}

func TestNodeIDFromEnv(t *testing.T) {
	t.Setenv("RELAY_NODE_ID", "node-42")
	if got := NodeID(); got != "node-42" {
		t.Fatalf("want node-42, got %s", got)
	}
}

func TestNodeIDUnique(t *testing.T) {
	t.Setenv("RELAY_NODE_ID", "")
	a := NodeID()
	b := NodeID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty node ids, got %q and %q", a, b)
	}
}
