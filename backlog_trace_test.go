package syncdaq

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closingBuffer) Close() error {
	b.closed = true
	return nil
}

func TestBacklogTrace(t *testing.T) {
	out := new(closingBuffer)
	bt := NewBacklogTrace(out)
	bt.Record(testEpoch, "smu", 10, 40, 100)
	bt.Record(testEpoch.Add(time.Millisecond), "dmm", 5, 0, 100)
	require.NoError(t, bt.Close())
	assert.True(t, out.closed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.TrimSpace(backlogTraceHeader), lines[0])
	assert.Equal(t, "1709294400000000000,smu,10,40,100", lines[1])
	assert.Equal(t, "1709294400001000000,dmm,5,0,100", lines[2])
}

func TestCoordinatorTrace(t *testing.T) {
	var out bytes.Buffer
	bt := NewBacklogTrace(&out)
	s := newSimSession(t, WithBacklogTrace(bt))
	cfg := DefaultChannelConfig()
	cfg.RecordLength = 10
	s.add(t, "smu", SimSMU, cfg, oneStep(1, 0))
	_, err := s.coord.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, bt.Close())
	assert.Contains(t, out.String(), ",smu,")
}
