package brain

import "testing"

func TestRescoreQueue_Coalesces(t *testing.T) {
	q := newRescoreQueue()
	q.push("a1")
	q.push("a1")
	q.push("a2")
	if n := q.size(); n != 2 {
		t.Fatalf("size() = %d, want 2", n)
	}
	if id, _ := q.pop(); id != "a1" {
		t.Errorf("pop() = %q, want a1", id)
	}
}

func TestRescoreQueue_PushWhileInFlightRequeuesOnDone(t *testing.T) {
	q := newRescoreQueue()
	q.push("a1")
	id, ok := q.pop()
	if !ok || id != "a1" {
		t.Fatalf("pop() = %q, %v", id, ok)
	}

	q.push("a1")
	q.push("a1")
	if n := q.size(); n != 0 {
		t.Fatalf("size() while in flight = %d, want 0", n)
	}

	q.done("a1")
	if n := q.size(); n != 1 {
		t.Fatalf("size() after done = %d, want 1", n)
	}
	if id, ok := q.pop(); !ok || id != "a1" {
		t.Errorf("pop() after done = %q, %v", id, ok)
	}
	q.done("a1")
	if _, ok := q.pop(); ok {
		t.Error("clean done must not requeue")
	}
}
