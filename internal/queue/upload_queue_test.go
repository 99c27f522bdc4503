package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, 3, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	// Regression test for the teacher's digit-scanning bug: a sessionID
	// that itself looks like "a:1" must not confuse decode.
	k := key("session-with-colons:and:digits:42", 7)
	sessionID, chunkIndex, ok := decodeKey(k)
	if !ok || sessionID != "session-with-colons:and:digits:42" || chunkIndex != 7 {
		t.Fatalf("round-trip failed: sessionID=%q chunkIndex=%d ok=%v", sessionID, chunkIndex, ok)
	}
}

func TestEnqueueOrderingAndCompletion(t *testing.T) {
	q := openTestQueue(t)

	if err := q.Enqueue("sess-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("sess-1", 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("sess-1", 2); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var processedOrder []uint32
	process := func(_ context.Context, item Item) error {
		mu.Lock()
		defer mu.Unlock()
		processedOrder = append(processedOrder, item.ChunkIndex)
		return nil
	}

	var completed []uint32
	events := Events{
		ItemCompleted: func(item Item) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, item.ChunkIndex)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, process, events, 2*time.Millisecond)
	defer q.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(completed)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for items to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, idx := range processedOrder {
		if uint32(i) != idx {
			t.Fatalf("chunks processed out of order: %v", processedOrder)
		}
	}
}

func TestRetryThenPermanentFailure(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("sess-1", 0); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var retries int
	var failedRetries uint32
	failed := false

	process := func(_ context.Context, item Item) error {
		return errors.New("transient upload failure")
	}
	events := Events{
		ItemRetryScheduled: func(item Item, attempt uint32, delay time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			retries++
		},
		ItemFailed: func(item Item, err error, retryCount uint32) {
			mu.Lock()
			defer mu.Unlock()
			failed = true
			failedRetries = retryCount
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, process, events, time.Millisecond)
	defer q.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := failed
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for permanent failure")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if failedRetries != 3 {
		t.Fatalf("expected terminal failure at maxRetries=3, got retryCount=%d", failedRetries)
	}
}
