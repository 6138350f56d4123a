package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lapy/xiaozhi-esp32-server/pkg/audio/queue"
)

func TestEnqueueDequeue_FIFO(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	q.Enqueue(1, 2)
	q.Enqueue(3)

	got, err := q.DequeueAtLeast(context.Background(), 1)
	if err != nil {
		t.Fatalf("DequeueAtLeast: %v", err)
	}
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len after dequeue = %d, want 0", q.Len())
	}
}

func TestDequeueAtLeast_BlocksUntilThreshold(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	result := make(chan []int, 1)

	go func() {
		got, _ := q.DequeueAtLeast(context.Background(), 3)
		result <- got
	}()

	q.Enqueue(1)
	q.Enqueue(2)
	select {
	case got := <-result:
		t.Fatalf("returned early with %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(3, 4)
	select {
	case got := <-result:
		if len(got) != 4 {
			t.Errorf("got %d items, want all 4 buffered", len(got))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dequeue")
	}
}

func TestDequeueAtLeast_ClosedShort(t *testing.T) {
	t.Parallel()
	q := queue.New[string]()
	q.Enqueue("a")
	q.Close()

	got, err := q.DequeueAtLeast(context.Background(), 5)
	if err != nil {
		t.Fatalf("DequeueAtLeast: %v", err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("got %v, want [a]", got)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := q.DequeueAtLeast(context.Background(), 5)
		if err != nil || len(got) != 0 {
			t.Errorf("closed empty queue: got %v, %v", got, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DequeueAtLeast blocked on a closed empty queue")
	}
}

func TestClose_ReleasesWaiter(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	result := make(chan int, 1)
	go func() {
		got, _ := q.DequeueAtLeast(context.Background(), 10)
		result <- len(got)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(1, 2)
	q.Close()

	select {
	case n := <-result:
		if n != 2 {
			t.Errorf("got %d items, want 2", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not released by Close")
	}
	if q.Enqueue(3) {
		t.Error("Enqueue after Close should report false")
	}
}

func TestDequeueAtLeast_ContextCancel(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	q.Enqueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.DequeueAtLeast(ctx, 2)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if q.Len() != 1 {
		t.Errorf("cancelled dequeue removed items: Len = %d", q.Len())
	}
}

func TestTakeAll_Idempotent(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	q.Enqueue(1, 2, 3)

	first := q.TakeAll()
	if len(first) != 3 {
		t.Fatalf("first TakeAll = %v, want 3 items", first)
	}
	if second := q.TakeAll(); len(second) != 0 {
		t.Errorf("second TakeAll = %v, want empty", second)
	}
}

func TestSingleEnqueue_SingleWake(t *testing.T) {
	t.Parallel()
	q := queue.New[int]()
	result := make(chan []int, 1)
	go func() {
		got, _ := q.DequeueAtLeast(context.Background(), 1)
		result <- got
	}()

	// Let the consumer suspend before the burst.
	time.Sleep(50 * time.Millisecond)

	q.Enqueue(0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	select {
	case got := <-result:
		if len(got) != 10 {
			t.Errorf("got %d items, want 10", len(got))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	if w := q.Wakes(); w != 1 {
		t.Errorf("Wakes = %d, want 1", w)
	}
}

// TestConcurrent_NoLossNoDuplication interleaves many producers' enqueues with
// a consumer mixing DequeueAtLeast and TakeAll. Every item must come out
// exactly once, and each producer's items must keep their relative order.
func TestConcurrent_NoLossNoDuplication(t *testing.T) {
	t.Parallel()
	const (
		producers = 4
		perProd   = 500
	)
	type item struct{ prod, seq int }
	q := queue.New[item]()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProd {
				q.Enqueue(item{prod: p, seq: i})
			}
		}()
	}
	go func() {
		wg.Wait()
		q.Close()
	}()

	lastSeq := make([]int, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	total := 0
	ctx := context.Background()
	for round := 0; ; round++ {
		var got []item
		if round%3 == 2 {
			got = q.TakeAll()
		} else {
			var err error
			got, err = q.DequeueAtLeast(ctx, 7)
			if err != nil {
				t.Fatalf("DequeueAtLeast: %v", err)
			}
			if len(got) == 0 && q.Closed() {
				break
			}
		}
		for _, it := range got {
			if it.seq != lastSeq[it.prod]+1 {
				t.Fatalf("producer %d: got seq %d after %d", it.prod, it.seq, lastSeq[it.prod])
			}
			lastSeq[it.prod] = it.seq
			total++
		}
	}
	if total != producers*perProd {
		t.Errorf("received %d items, want %d", total, producers*perProd)
	}
}
