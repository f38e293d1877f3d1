package engine

import (
	"fmt"
	"sync"
	"testing"

	"personad/pkg/protocol"
)

func TestTrackerAdmitQueueAndReject(t *testing.T) {
	t.Parallel()
	tr := newTracker(2)

	if r := tr.Admit("p1", "a", 1, protocol.PriorityNormal); !r.Running {
		t.Fatalf("first admit = %+v, want running", r)
	}
	r := tr.Admit("p1", "b", 1, protocol.PriorityNormal)
	if r.Running || r.Rejected || r.Position != 1 {
		t.Fatalf("second admit = %+v, want queued at position 1", r)
	}
	r = tr.Admit("p1", "c", 1, protocol.PriorityNormal)
	if r.Position != 2 {
		t.Fatalf("third admit = %+v, want queued at position 2", r)
	}
	r = tr.Admit("p1", "d", 1, protocol.PriorityNormal)
	if !r.Rejected || r.MaxDepth != 2 {
		t.Fatalf("fourth admit = %+v, want rejected at depth 2", r)
	}

	if n := tr.RunningCount("p1"); n != 1 {
		t.Errorf("RunningCount = %d, want 1", n)
	}
	if n := tr.QueueDepth("p1"); n != 2 {
		t.Errorf("QueueDepth = %d, want 2", n)
	}
}

func TestTrackerUrgentJumpsQueue(t *testing.T) {
	t.Parallel()
	tr := newTracker(10)

	tr.Admit("p1", "running", 1, protocol.PriorityNormal)
	tr.Admit("p1", "n1", 1, protocol.PriorityNormal)
	tr.Admit("p1", "n2", 1, protocol.PriorityNormal)
	r := tr.Admit("p1", "u1", 1, protocol.PriorityUrgent)
	if r.Position != 1 {
		t.Fatalf("urgent admit position = %d, want 1", r.Position)
	}

	tr.RemoveRunning("p1", "running")
	if next := tr.DrainNext("p1", 1); next != "u1" {
		t.Fatalf("DrainNext = %q, want u1", next)
	}
	tr.RemoveRunning("p1", "u1")
	if next := tr.DrainNext("p1", 1); next != "n1" {
		t.Fatalf("DrainNext = %q, want n1", next)
	}
}

func TestTrackerUnlimitedConcurrency(t *testing.T) {
	t.Parallel()
	tr := newTracker(2)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if r := tr.Admit("p1", id, 0, protocol.PriorityNormal); !r.Running {
			t.Fatalf("admit %s = %+v, want running with unlimited concurrency", id, r)
		}
	}
	if n := tr.RunningCount("p1"); n != 5 {
		t.Errorf("RunningCount = %d, want 5", n)
	}
}

func TestTrackerRemoveQueued(t *testing.T) {
	t.Parallel()
	tr := newTracker(10)

	tr.Admit("p1", "a", 1, protocol.PriorityNormal)
	tr.Admit("p1", "b", 1, protocol.PriorityNormal)

	if !tr.RemoveQueued("p1", "b") {
		t.Fatal("RemoveQueued(b) = false, want true")
	}
	if tr.RemoveQueued("p1", "b") {
		t.Fatal("second RemoveQueued(b) = true, want false")
	}
	tr.RemoveRunning("p1", "a")
	if next := tr.DrainNext("p1", 1); next != "" {
		t.Fatalf("DrainNext = %q, want empty", next)
	}
}

func TestTrackerPersonasIndependent(t *testing.T) {
	t.Parallel()
	tr := newTracker(10)

	tr.Admit("p1", "a", 1, protocol.PriorityNormal)
	if r := tr.Admit("p2", "b", 1, protocol.PriorityNormal); !r.Running {
		t.Fatalf("admit on idle persona = %+v, want running", r)
	}
}

func TestTrackerCapHeldUnderConcurrentAdmits(t *testing.T) {
	t.Parallel()
	tr := newTracker(100)
	const limit = 3

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("exec-%d", i)
			if r := tr.Admit("p1", id, limit, protocol.PriorityNormal); r.Running {
				mu.Lock()
				granted = append(granted, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if got := tr.RunningCount("p1"); got != limit {
		t.Fatalf("RunningCount = %d, want %d", got, limit)
	}
	if len(granted) != limit {
		t.Fatalf("granted %d slots, want %d", len(granted), limit)
	}

	// Freeing a slot lets one queued entry through, still never above cap.
	tr.RemoveRunning("p1", granted[0])
	if next := tr.DrainNext("p1", limit); next == "" {
		t.Fatal("DrainNext returned nothing with work queued")
	}
	if got := tr.RunningCount("p1"); got != limit {
		t.Fatalf("RunningCount after drain = %d, want %d", got, limit)
	}
}
