package logbuf

import (
	"fmt"
	"testing"
)

func TestRingUnderCapacity(t *testing.T) {
	r := NewRing[int](5)
	r.Push(1)
	r.Push(2)
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	got := r.Snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Snapshot = %v, want [1 2]", got)
	}
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 7; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	got := r.Snapshot()
	want := []int{5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot = %v, want %v", got, want)
		}
	}
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	const capacity = 100
	r := NewRing[string](capacity)
	for i := 0; i < 2*capacity; i++ {
		r.Push(fmt.Sprintf("line %d", i))
	}
	if r.Len() != capacity {
		t.Fatalf("Len = %d, want %d", r.Len(), capacity)
	}
	got := r.Snapshot()
	if got[0] != fmt.Sprintf("line %d", capacity) {
		t.Fatalf("oldest retained = %q, want %q", got[0], fmt.Sprintf("line %d", capacity))
	}
	if got[len(got)-1] != fmt.Sprintf("line %d", 2*capacity-1) {
		t.Fatalf("newest retained = %q", got[len(got)-1])
	}
}

func TestRingTail(t *testing.T) {
	r := NewRing[int](10)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}
	got := r.Tail(2)
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Fatalf("Tail(2) = %v, want [5 6]", got)
	}
	if got := r.Tail(0); len(got) != 6 {
		t.Fatalf("Tail(0) = %v, want all 6", got)
	}
	if got := r.Tail(100); len(got) != 6 {
		t.Fatalf("Tail(100) = %v, want all 6", got)
	}
}
