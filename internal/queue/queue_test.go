package queue

import "testing"

func TestEnqueueFIFOOrder(t *testing.T) {
	q := New(0, 2)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	waiting := q.Waiting()
	if len(waiting) != 3 || waiting[0] != "a" || waiting[1] != "b" || waiting[2] != "c" {
		t.Fatalf("waiting = %v, want [a b c]", waiting)
	}
}

func TestMaxQueueSizeRejectsOverflow(t *testing.T) {
	q := New(2, 1)
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue("b"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.Enqueue("c"); err == nil {
		t.Fatal("expected enqueue to fail once maxQueueSize is reached")
	}
}

func TestMarkStartedRespectsMaxConcurrent(t *testing.T) {
	q := New(0, 1)
	q.Enqueue("a")
	q.Enqueue("b")

	if err := q.MarkStarted("a"); err != nil {
		t.Fatalf("mark started a: %v", err)
	}
	if err := q.MarkStarted("b"); err == nil {
		t.Fatal("expected b to be rejected, maxConcurrent=1 already in use")
	}

	running := q.Running()
	if len(running) != 1 || running[0] != "a" {
		t.Fatalf("running = %v, want [a]", running)
	}
}

func TestCompleteSignalsReady(t *testing.T) {
	q := New(0, 1)
	q.Enqueue("a")
	q.Enqueue("b")
	if err := q.MarkStarted("a"); err != nil {
		t.Fatalf("mark started a: %v", err)
	}

	q.Complete("a")

	select {
	case id := <-q.Ready():
		if id != "b" {
			t.Fatalf("ready id = %s, want b", id)
		}
	default:
		t.Fatal("expected a ready signal for b after a completed")
	}

	if err := q.MarkStarted("b"); err != nil {
		t.Fatalf("mark started b after capacity freed: %v", err)
	}
}

func TestForceCancelFromQueueAndRunning(t *testing.T) {
	q := New(0, 2)
	q.Enqueue("a")
	q.Enqueue("b")
	q.MarkStarted("a")

	result := q.ForceCancel("a")
	if !result.FromRunning || result.FromQueue {
		t.Fatalf("ForceCancel(a) = %+v, want fromRunning only", result)
	}

	result = q.ForceCancel("b")
	if !result.FromQueue || result.FromRunning {
		t.Fatalf("ForceCancel(b) = %+v, want fromQueue only", result)
	}

	result = q.ForceCancel("nonexistent")
	if result.FromQueue || result.FromRunning {
		t.Fatalf("ForceCancel(nonexistent) = %+v, want neither", result)
	}
}

func TestForceCancelFreesCapacity(t *testing.T) {
	q := New(0, 1)
	q.Enqueue("a")
	q.Enqueue("b")
	q.MarkStarted("a")
	q.ForceCancel("a")

	if err := q.MarkStarted("b"); err != nil {
		t.Fatalf("mark started b after force-canceling a: %v", err)
	}
}
