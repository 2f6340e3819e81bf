package audio

import (
	"context"
	"errors"
	"sync"
)

var ErrDeviceClosed = errors.New("audio device closed")

// frameAssembler cuts the arbitrarily sized buffers delivered by the capture
// callback into fixed-size frames. At most maxFrames complete frames are
// held; on overflow the oldest frame is dropped so the callback never blocks.
type frameAssembler struct {
	mu         sync.Mutex
	frameBytes int
	maxFrames  int
	pending    []byte
	frames     [][]byte
	dropped    int
	closed     bool
	notify     chan struct{}
}

func newFrameAssembler(frameBytes, maxFrames int) *frameAssembler {
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &frameAssembler{
		frameBytes: frameBytes,
		maxFrames:  maxFrames,
		pending:    make([]byte, 0, frameBytes*2),
		notify:     make(chan struct{}, 1),
	}
}

// Write is called from the device thread.
func (a *frameAssembler) Write(p []byte) (dropped int) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0
	}
	a.pending = append(a.pending, p...)
	for len(a.pending) >= a.frameBytes {
		frame := make([]byte, a.frameBytes)
		copy(frame, a.pending[:a.frameBytes])
		a.pending = a.pending[a.frameBytes:]
		a.frames = append(a.frames, frame)
		if len(a.frames) > a.maxFrames {
			a.frames = a.frames[1:]
			dropped++
		}
	}
	// compact so pending does not keep growing its backing array
	if len(a.pending) == 0 {
		a.pending = a.pending[:0:cap(a.pending)]
	} else if cap(a.pending) > a.frameBytes*4 {
		a.pending = append(make([]byte, 0, a.frameBytes*2), a.pending...)
	}
	a.dropped += dropped
	ready := len(a.frames) > 0
	a.mu.Unlock()
	if ready {
		select {
		case a.notify <- struct{}{}:
		default:
		}
	}
	return dropped
}

// Next blocks until a complete frame is available, ctx is done or the
// assembler is closed.
func (a *frameAssembler) Next(ctx context.Context) ([]byte, error) {
	for {
		a.mu.Lock()
		if len(a.frames) > 0 {
			frame := a.frames[0]
			a.frames[0] = nil
			a.frames = a.frames[1:]
			a.mu.Unlock()
			return frame, nil
		}
		if a.closed {
			a.mu.Unlock()
			return nil, ErrDeviceClosed
		}
		a.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.notify:
		}
	}
}

func (a *frameAssembler) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *frameAssembler) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// playbackBuffer holds PCM waiting for the playback callback. Writers block
// while the buffer is full so a slow device applies backpressure to the
// playback loop instead of growing memory.
type playbackBuffer struct {
	mu       sync.Mutex
	buffer   []byte
	capBytes int
	closed   bool
	space    chan struct{}
	empty    chan struct{}
}

func newPlaybackBuffer(capBytes int) *playbackBuffer {
	return &playbackBuffer{
		buffer:   make([]byte, 0, capBytes),
		capBytes: capBytes,
		space:    make(chan struct{}, 1),
		empty:    make(chan struct{}, 1),
	}
}

// Write appends p once there is room for it. A chunk larger than the whole
// buffer is accepted when the buffer is empty.
func (b *playbackBuffer) Write(ctx context.Context, p []byte) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrDeviceClosed
		}
		if len(b.buffer) == 0 || len(b.buffer)+len(p) <= b.capBytes {
			b.buffer = append(b.buffer, p...)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.space:
		}
	}
}

// Read fills out from the buffer and pads the remainder with silence. It is
// called from the device thread and never blocks.
func (b *playbackBuffer) Read(out []byte) int {
	b.mu.Lock()
	n := copy(out, b.buffer)
	b.buffer = b.buffer[n:]
	drained := len(b.buffer) == 0
	if drained {
		b.buffer = b.buffer[:0:cap(b.buffer)]
	}
	b.mu.Unlock()
	clear(out[n:])
	if n > 0 {
		select {
		case b.space <- struct{}{}:
		default:
		}
		if drained {
			select {
			case b.empty <- struct{}{}:
			default:
			}
		}
	}
	return n
}

// Drain blocks until the device thread has consumed everything written so
// far, ctx is done or the buffer is closed.
func (b *playbackBuffer) Drain(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrDeviceClosed
		}
		if len(b.buffer) == 0 {
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.empty:
		}
	}
}

func (b *playbackBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *playbackBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.buffer = nil
	b.mu.Unlock()
	select {
	case b.space <- struct{}{}:
	default:
	}
	select {
	case b.empty <- struct{}{}:
	default:
	}
}
