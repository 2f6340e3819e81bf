package realtime

import (
	"context"
	"sync"
	"time"
)

// PlaybackQueue is a FIFO of decoded audio chunks between the dispatcher and
// the playback loop. Push never blocks. With a positive limit the oldest
// unplayed chunk is dropped to make room.
type PlaybackQueue struct {
	mu      sync.Mutex
	chunks  [][]byte
	limit   int
	dropped int
	notify  chan struct{}
}

func NewPlaybackQueue(limit int) *PlaybackQueue {
	return &PlaybackQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Push appends chunk and reports whether an older chunk was dropped for it.
func (q *PlaybackQueue) Push(chunk []byte) (dropped bool) {
	q.mu.Lock()
	if q.limit > 0 && len(q.chunks) >= q.limit {
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.dropped++
		dropped = true
	}
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop returns the oldest chunk, waiting at most timeout for one to arrive.
// ok is false on timeout or when ctx is done.
func (q *PlaybackQueue) Pop(ctx context.Context, timeout time.Duration) (chunk []byte, ok bool) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			chunk = q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			if len(q.chunks) == 0 {
				q.chunks = nil
			}
			q.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return chunk, true
		}
		q.mu.Unlock()
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Dropped is the number of chunks discarded by a bounded queue.
func (q *PlaybackQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
