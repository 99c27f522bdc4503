// Package queue implements the UploadQueue (spec.md §4.4, component
// C4): a durable, single-in-flight FIFO with exponential backoff,
// grounded on the teacher's DTNQueue/DTNWorker (boltdb-backed,
// ticker-driven worker). The teacher's key encoding for
// "sessionID:chunkIndex" parses the key back out of a BoltDB key by
// scanning digits by hand — fragile for any sessionID containing a
// colon-adjacent digit run. This module instead encodes a fixed-width
// binary key (sessionID || 0x00 || big-endian chunk index) and decodes
// with bytes.IndexByte + encoding/binary, never string parsing.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

var bucketQueue = []byte("upload_queue")

// Item is one durable work item, totally ordered by (SessionID, ChunkIndex).
type Item struct {
	SessionID  string
	ChunkIndex uint32
	RetryCount uint32
	NextAttempt time.Time
}

// Default retry policy, spec.md §4.4.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// BackoffDelay implements spec.md §4.4's delay(k) = min(baseDelay·2^(k-1), maxDelay).
func BackoffDelay(attempt uint32, base, max time.Duration) time.Duration {
	if attempt == 0 {
		return 0
	}
	d := base
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Processor performs the actual work for one item (hash/encrypt/
// upload/manifest/anchor, owned by the caller — e.g. internal/session).
// Every error is treated as transient: the item is rescheduled with
// backoff, and only once its retry count reaches maxRetries is it
// dropped and reported to ItemFailed wrapped in ErrPermanentFailure.
type Processor func(ctx context.Context, item Item) error

// Events is the observer surface from spec.md §4.4.
type Events struct {
	ItemCompleted      func(item Item)
	ItemFailed         func(item Item, err error, retries uint32)
	ItemRetryScheduled func(item Item, attempt uint32, delay time.Duration)
}

func key(sessionID string, chunkIndex uint32) []byte {
	buf := make([]byte, len(sessionID)+1+4)
	copy(buf, sessionID)
	buf[len(sessionID)] = 0x00
	binary.BigEndian.PutUint32(buf[len(sessionID)+1:], chunkIndex)
	return buf
}

func decodeKey(k []byte) (sessionID string, chunkIndex uint32, ok bool) {
	sep := bytes.IndexByte(k, 0x00)
	if sep < 0 || len(k)-sep-1 != 4 {
		return "", 0, false
	}
	return string(k[:sep]), binary.BigEndian.Uint32(k[sep+1:]), true
}

// record is the persisted form of an Item.
type record struct {
	RetryCount  uint32
	NextAttempt time.Time
}

// Queue is a durable FIFO with concurrency = 1 (spec.md §4.4's single
// worker). Each pass attempts the due items in (sessionID, chunkIndex)
// order; an item still waiting out its retry delay, or one that fails
// during the pass, does not hold back later items of the same session.
type Queue struct {
	db         *bolt.DB
	maxRetries uint32
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu      sync.Mutex
	process Processor
	events  Events
	stop    chan struct{}
	done    chan struct{}
}

// Open opens (creating if needed) the durable queue at path.
func Open(path string, maxRetries uint32, baseDelay, maxDelay time.Duration) (*Queue, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open upload queue: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketQueue)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init upload queue bucket: %w", err)
	}
	return &Queue{db: db, maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue persists a new item and returns immediately — the producer
// (capture) is never awaited (spec.md §4.4's backpressure contract).
func (q *Queue) Enqueue(sessionID string, chunkIndex uint32) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketQueue)
		data, err := json.Marshal(record{})
		if err != nil {
			return err
		}
		return bk.Put(key(sessionID, chunkIndex), data)
	})
}

// pending returns due items sorted by (sessionID, chunkIndex), the
// queue's total order.
func (q *Queue) pending(now time.Time, limit int) ([]Item, error) {
	var items []Item
	err := q.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketQueue)
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			sessionID, chunkIndex, ok := decodeKey(k)
			if !ok {
				continue
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.NextAttempt.After(now) {
				continue
			}
			items = append(items, Item{SessionID: sessionID, ChunkIndex: chunkIndex, RetryCount: rec.RetryCount, NextAttempt: rec.NextAttempt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SessionID != items[j].SessionID {
			return items[i].SessionID < items[j].SessionID
		}
		return items[i].ChunkIndex < items[j].ChunkIndex
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (q *Queue) remove(sessionID string, chunkIndex uint32) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(key(sessionID, chunkIndex))
	})
}

func (q *Queue) reschedule(sessionID string, chunkIndex uint32, retryCount uint32, next time.Time) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketQueue)
		data, err := json.Marshal(record{RetryCount: retryCount, NextAttempt: next})
		if err != nil {
			return err
		}
		return bk.Put(key(sessionID, chunkIndex), data)
	})
}

// Start launches the single worker goroutine, polling at pollInterval
// for due items and running process on each in strict FIFO order.
func (q *Queue) Start(ctx context.Context, process Processor, events Events, pollInterval time.Duration) {
	q.mu.Lock()
	q.process = process
	q.events = events
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	q.mu.Unlock()

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.drainOnce(ctx)
			}
		}
	}()
}

// drainOnce processes due items one at a time (concurrency = 1).
func (q *Queue) drainOnce(ctx context.Context) {
	items, err := q.pending(time.Now(), 0)
	if err != nil {
		return
	}
	for _, item := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := q.process(ctx, item)
		if err == nil {
			if rmErr := q.remove(item.SessionID, item.ChunkIndex); rmErr == nil && q.events.ItemCompleted != nil {
				q.events.ItemCompleted(item)
			}
			continue
		}

		retryCount := item.RetryCount + 1
		if retryCount >= q.maxRetries {
			wrapped := fmt.Errorf("%w: %v", werrors.ErrPermanentFailure, err)
			_ = q.remove(item.SessionID, item.ChunkIndex)
			if q.events.ItemFailed != nil {
				q.events.ItemFailed(item, wrapped, retryCount)
			}
			continue
		}

		delay := BackoffDelay(retryCount, q.baseDelay, q.maxDelay)
		next := time.Now().Add(delay)
		if rescheduleErr := q.reschedule(item.SessionID, item.ChunkIndex, retryCount, next); rescheduleErr == nil && q.events.ItemRetryScheduled != nil {
			q.events.ItemRetryScheduled(item, retryCount, delay)
		}
	}
}

// Stop halts the worker goroutine, blocking until it exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	stop := q.stop
	done := q.done
	q.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
