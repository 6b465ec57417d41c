// Package asyncbufio decouples a producer from a slow io.Writer, such as a
// network client, so that the producer never blocks on it.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrFull is returned by Write when the queue of pending writes is full.
var ErrFull = errors.New("asyncbufio: write queue is full")

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
// A failed write to the underlying writer is remembered; after it, Write
// returns that error and Failed() is closed.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically
	failed        chan struct{} // closed on the first write error
	err           error
	errLock       sync.Mutex
}

// NewWriter creates a new Writer instance.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriterSize(w, 1<<16),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
		failed:        make(chan struct{}),
	}

	go aw.writeLoop()
	return aw
}

// Write queues p for writing. The caller must not modify p afterwards.
// It never blocks: a full queue returns ErrFull and drops p.
func (aw *Writer) Write(p []byte) (int, error) {
	if err := aw.Err(); err != nil {
		return 0, err
	}
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		return 0, ErrFull
	}
}

// Err returns the first error from the underlying writer, if any.
func (aw *Writer) Err() error {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.err
}

// Failed returns a channel that is closed when the underlying writer fails.
func (aw *Writer) Failed() <-chan struct{} {
	return aw.failed
}

func (aw *Writer) setErr(err error) {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	if aw.err == nil && err != nil {
		aw.err = err
		close(aw.failed)
	}
}

// Flush writes any queued data to the underlying writer.
// Blocks until the flush is complete.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Close closes the Writer, flushing remaining data and waiting for the writeLoop to finish.
// It will cause a panic to call Write(p) or Flush() after Close()--we don't
// test for that case.
func (aw *Writer) Close() error {
	close(aw.flushNow) // Closing the flushNow channel signals the writeLoop to exit
	<-aw.flushComplete // Wait until writing is complete
	return aw.Err()
}

// writeLoop is a goroutine that continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	if aw.Err() != nil {
		return
	}
	if _, err := aw.writer.Write(data); err != nil {
		aw.setErr(err)
	}
}

func (aw *Writer) flush() {
	// Empty the datachannel before flushing the underlying writer.
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if aw.Err() == nil {
				aw.setErr(aw.writer.Flush())
			}
			return
		}
	}
}
