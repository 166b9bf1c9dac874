package intel

import (
	"testing"
)

func TestRing_EvictsOldestFirst(t *testing.T) {
	const capacity = 5
	r := NewRing[int](capacity)

	for i := 0; i < capacity; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Fatalf("push %d evicted before ring was full", i)
		}
	}

	old, evicted := r.Push(capacity)
	if !evicted || old != 0 {
		t.Fatalf("Push(C+1) = (%d, %v), want (0, true)", old, evicted)
	}

	items := r.Items()
	if len(items) != capacity {
		t.Fatalf("Len = %d, want %d", len(items), capacity)
	}
	for i, v := range items {
		if v != i+1 {
			t.Errorf("items[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestRing_Last(t *testing.T) {
	r := NewRing[string](3)
	r.Push("a")
	r.Push("b")
	r.Push("c")
	r.Push("d")

	tests := []struct {
		k    int
		want []string
	}{
		{0, []string{}},
		{1, []string{"d"}},
		{2, []string{"c", "d"}},
		{10, []string{"b", "c", "d"}},
	}
	for _, tt := range tests {
		got := r.Last(tt.k)
		if len(got) != len(tt.want) {
			t.Errorf("Last(%d) = %v, want %v", tt.k, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Last(%d) = %v, want %v", tt.k, got, tt.want)
				break
			}
		}
	}
}

func TestRing_ItemsIsACopy(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	items := r.Items()
	items[0] = 99
	if r.Items()[0] != 1 {
		t.Error("mutating Items() result changed the ring")
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
	r.Push(3)
	if got := r.Items(); len(got) != 1 || got[0] != 3 {
		t.Errorf("Items after Clear+Push = %v, want [3]", got)
	}
	if r.Cap() != 2 {
		t.Errorf("Cap = %d, want 2", r.Cap())
	}
}

func TestNewRing_MinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	if r.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", r.Cap())
	}
}
