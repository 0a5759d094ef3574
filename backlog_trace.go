package syncdaq

import (
	"fmt"
	"io"
	"time"

	"github.com/usnistgov/syncdaq/internal/asyncbufio"
)

// BacklogTrace writes one CSV line per fetch: time, channel, samples fetched, backlog and
// capacity. Writing happens on a background goroutine so the drain loops never wait on disk.
type BacklogTrace struct {
	w      *asyncbufio.Writer
	closer io.Closer
}

const backlogTraceHeader = "time_ns,channel,fetched,backlog,capacity\n"

// NewBacklogTrace starts a trace on w. If w is also an io.Closer, Close closes it.
func NewBacklogTrace(w io.Writer) *BacklogTrace {
	bt := &BacklogTrace{w: asyncbufio.NewWriter(w, 4096, time.Second)}
	if c, ok := w.(io.Closer); ok {
		bt.closer = c
	}
	bt.w.WriteString(backlogTraceHeader)
	return bt
}

// Record adds one line. It never blocks; lines are dropped if the writer falls far behind.
func (bt *BacklogTrace) Record(at time.Time, channel string, fetched, backlog, capacity int) {
	line := fmt.Sprintf("%d,%s,%d,%d,%d\n", at.UnixNano(), channel, fetched, backlog, capacity)
	if _, err := bt.w.WriteString(line); err != nil {
		ProblemLogger.Printf("backlog trace: dropped line for channel %s: %v", channel, err)
	}
}

// Close flushes the trace and closes the underlying writer.
func (bt *BacklogTrace) Close() error {
	err := bt.w.Close()
	if bt.closer != nil {
		if cerr := bt.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
