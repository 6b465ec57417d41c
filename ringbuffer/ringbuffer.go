// Package ringbuffer keeps the recent sample history of every channel so that
// complete capture windows, including their pre-trigger samples, can be cut
// out once the trigger engine reports where a window ends.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Errors returned by Extract.
var (
	ErrNotWritten   = errors.New("capture window ends beyond the data written")
	ErrOverwritten  = errors.New("capture window starts before the retained history")
	ErrInvalidWidth = errors.New("capture window width must be positive")
)

// Capture is one finished capture window, with a copy of every channel.
type Capture struct {
	Seq          uint64    // counts captures extracted from one buffer, from 0
	End          int64     // absolute sample index one past the window
	TriggerIndex int       // index within the window of the firing sample
	Triggered    bool      // false for a forced (free-run) capture
	Time         time.Time // when the capture was extracted
	Channels     [][]int8  // per-channel samples; treat as read-only
}

// Channel returns the samples of channel i. The slice is shared by every
// reader of this Capture and must not be modified.
func (c *Capture) Channel(i int) []int8 {
	return c.Channels[i]
}

// Depth returns the number of samples per channel.
func (c *Capture) Depth() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// Start returns the absolute index of the first sample in the window.
func (c *Capture) Start() int64 {
	return c.End - int64(c.Depth())
}

// CaptureBuffer is a per-channel circular history of samples. One writer
// appends chunks; Extract may be called from any goroutine.
type CaptureBuffer struct {
	nchan    int
	capacity int
	data     [][]int8
	written  int64 // total samples written to each channel
	nextSeq  uint64
	sync.RWMutex
}

// NewCaptureBuffer creates a buffer holding the last capacity samples of nchan channels.
func NewCaptureBuffer(nchan, capacity int) (*CaptureBuffer, error) {
	if nchan <= 0 {
		return nil, fmt.Errorf("ringbuffer needs at least 1 channel, have %d", nchan)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuffer capacity %d must be positive", capacity)
	}
	cb := &CaptureBuffer{nchan: nchan, capacity: capacity}
	cb.data = make([][]int8, nchan)
	for i := range cb.data {
		cb.data[i] = make([]int8, capacity)
	}
	return cb, nil
}

// Nchan returns the number of channels.
func (cb *CaptureBuffer) Nchan() int {
	return cb.nchan
}

// Capacity returns the number of samples retained per channel.
func (cb *CaptureBuffer) Capacity() int {
	return cb.capacity
}

// Written returns the total number of samples written to each channel.
func (cb *CaptureBuffer) Written() int64 {
	cb.RLock()
	defer cb.RUnlock()
	return cb.written
}

// Reset forgets all history. Sequence numbers keep counting.
func (cb *CaptureBuffer) Reset() {
	cb.Lock()
	defer cb.Unlock()
	cb.written = 0
}

// Write appends one chunk per channel. All chunks must have the same length,
// no longer than the buffer capacity.
func (cb *CaptureBuffer) Write(chunks [][]int8) error {
	if len(chunks) != cb.nchan {
		return fmt.Errorf("ringbuffer Write got %d channels, want %d", len(chunks), cb.nchan)
	}
	n := len(chunks[0])
	for i, c := range chunks {
		if len(c) != n {
			return fmt.Errorf("ringbuffer Write chunk %d has %d samples, chunk 0 has %d", i, len(c), n)
		}
	}
	if n > cb.capacity {
		return fmt.Errorf("ringbuffer Write chunk of %d samples exceeds capacity %d", n, cb.capacity)
	}

	cb.Lock()
	defer cb.Unlock()
	w := int(cb.written % int64(cb.capacity))
	for i, c := range chunks {
		nfirst := copy(cb.data[i][w:], c)
		copy(cb.data[i], c[nfirst:])
	}
	cb.written += int64(n)
	return nil
}

// Extract copies out of every channel the window of width samples that ends
// just before the absolute sample index end.
func (cb *CaptureBuffer) Extract(end int64, width, triggerIndex int, triggered bool) (*Capture, error) {
	if width <= 0 {
		return nil, ErrInvalidWidth
	}
	cb.Lock()
	defer cb.Unlock()
	if end > cb.written {
		return nil, fmt.Errorf("%w: end %d, written %d", ErrNotWritten, end, cb.written)
	}
	start := end - int64(width)
	if start < 0 || start < cb.written-int64(cb.capacity) {
		return nil, fmt.Errorf("%w: start %d, written %d, capacity %d", ErrOverwritten,
			start, cb.written, cb.capacity)
	}

	c := &Capture{Seq: cb.nextSeq, End: end, TriggerIndex: triggerIndex,
		Triggered: triggered, Time: time.Now()}
	cb.nextSeq++
	c.Channels = make([][]int8, cb.nchan)
	r := int(start % int64(cb.capacity))
	for i := range c.Channels {
		out := make([]int8, width)
		nfirst := copy(out, cb.data[i][r:])
		copy(out[nfirst:], cb.data[i])
		c.Channels[i] = out
	}
	return c, nil
}
