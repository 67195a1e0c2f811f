package domainverify

import (
	"container/heap"
	"context"
	"testing"
	"time"
)

// Ports test_domain_verification_ordering: the retry heap must pop the
// request with the soonest retryAt first, i.e. it behaves as a min-heap
// over retry time.
func TestRetryHeapOrdering(t *testing.T) {
	now := time.Now()
	v1 := &request{retryAt: now.Add(10 * time.Second)}
	v2 := &request{retryAt: now.Add(5 * time.Second)}

	if !v2.retryAt.Before(v1.retryAt) {
		t.Fatalf("expected v2 to sort before v1")
	}

	var h retryHeap
	heap.Init(&h)
	heap.Push(&h, v1)
	heap.Push(&h, v2)

	first := heap.Pop(&h).(*request)
	if first != v2 {
		t.Fatalf("expected v2 (sooner retryAt) to pop first")
	}
	second := heap.Pop(&h).(*request)
	if second != v1 {
		t.Fatalf("expected v1 to pop second")
	}
}

func TestScheduleRetryCapsAtMaxElapsed(t *testing.T) {
	r := &request{}
	attempts := 0
	for r.scheduleRetry() {
		attempts++
		if attempts > 100 {
			t.Fatalf("scheduleRetry never gave up")
		}
	}
	if attempts == 0 {
		t.Fatalf("expected at least one retry before giving up")
	}
}

func TestRequestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := &request{ctx: ctx, cancel: cancel}
	if req.cancelled() {
		t.Fatalf("expected request to not be cancelled yet")
	}
	cancel()
	if !req.cancelled() {
		t.Fatalf("expected request to report cancelled after cancel()")
	}
}
