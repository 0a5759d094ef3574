// Package asyncbufio moves writes off the caller's goroutine: data are queued on a
// channel and written by a background loop that also flushes periodically.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically

	errLock sync.Mutex
	err     error // first error from the underlying writer
	dropped int   // writes refused because the channel was full
}

// NewWriter creates a new Writer instance.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues p for later writing. It never blocks; if the queue is full it returns
// io.ErrShortWrite and counts the write as dropped. p must not be modified afterwards.
func (aw *Writer) Write(p []byte) (int, error) {
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		aw.errLock.Lock()
		aw.dropped++
		aw.errLock.Unlock()
		return 0, io.ErrShortWrite
	}
}

// WriteString queues a copy of s for later writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Flush writes everything queued so far to the underlying writer.
// Blocks until the flush is complete.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Close flushes remaining data and waits for the writeLoop to finish. It returns the
// first error of the underlying writer. Calling Write, Flush or Close after Close panics.
func (aw *Writer) Close() error {
	close(aw.flushNow) // Closing the flushNow channel signals the writeLoop to exit
	<-aw.flushComplete
	return aw.Err()
}

// Err returns the first error of the underlying writer, if any.
func (aw *Writer) Err() error {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.err
}

// Dropped is the number of writes refused because the queue was full.
func (aw *Writer) Dropped() int {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.dropped
}

func (aw *Writer) noteErr(err error) {
	if err == nil {
		return
	}
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

// writeLoop is a goroutine that continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.noteErr(err)

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

// flush empties the data channel, then flushes the buffered writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.noteErr(err)
		default:
			aw.noteErr(aw.writer.Flush())
			return
		}
	}
}
