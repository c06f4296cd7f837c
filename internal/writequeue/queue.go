// SPDX-License-Identifier: AGPL-3.0-only

// Package writequeue serializes physical writes to the save file. It is the
// only place in the service that requires true mutual exclusion: at most one
// write executes at any instant, and writes drain strictly in submission
// order, so the on-disk file always reflects the last submitted snapshot.
package writequeue

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/skigim/nightingale-autosave/internal/model"
)

// Make the physical write mockable for testing
var writeFile = writeAtomic

// Ticket is the deferred result of an enqueued write. Wait blocks until the
// physical write finished (or ctx is done) and reports whether it succeeded.
type Ticket struct {
	done chan struct{}
	ok   bool
	err  error
}

// Wait blocks until the write completes. A write error is reported as
// ok=false with the error attached; it is never delivered as a panic.
func (t *Ticket) Wait(ctx context.Context) (bool, error) {
	select {
	case <-t.done:
		return t.ok, t.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type pending struct {
	req    model.SaveRequest
	dest   string
	ticket *Ticket
}

// Queue drains save requests one at a time in FIFO order.
type Queue struct {
	mu       sync.Mutex
	items    []*pending
	draining bool
	writing  bool
	closed   bool
}

// New creates an empty write queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue submits one save request targeting dest. The returned ticket
// resolves when the physical write finishes. Overlapping Enqueue calls never
// interleave two physical writes.
func (q *Queue) Enqueue(req model.SaveRequest, dest string) *Ticket {
	t := &Ticket{done: make(chan struct{})}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.err = fmt.Errorf("write queue closed")
		close(t.done)
		return t
	}
	q.items = append(q.items, &pending{req: req, dest: dest, ticket: t})
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	q.mu.Unlock()
	return t
}

// IsWriting reports whether a physical write is executing right now. Queued
// but not yet started requests do not count.
func (q *Queue) IsWriting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writing
}

// Depth returns the number of requests not yet started.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects future enqueues. An in-flight write is allowed to finish;
// the underlying primitive offers no safe abort.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.writing = true
		q.mu.Unlock()

		err := writeFile(item.dest, item.req.Payload)

		q.mu.Lock()
		q.writing = false
		q.mu.Unlock()

		item.ticket.ok = err == nil
		item.ticket.err = err
		close(item.ticket.done)
	}
}

// writeAtomic writes the full payload to a staging file, flushes it, and
// renames it over the destination so a partial write is never observable as
// the current file content.
func writeAtomic(dest string, payload []byte) error {
	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil { // ensure contents flushed for atomic rename
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp, dest)
}
