package syncdaq

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSessionResult() *SessionResult {
	samples := makeSamples(0, 5)
	samples[2].Status = InCompliance | OverRange
	return &SessionResult{
		ID:         "01HTESTSESSION",
		Start:      testEpoch,
		End:        testEpoch.Add(time.Second),
		StartOrder: []string{"dmm", "smu"},
		Routes:     []TriggerRoute{route("smu", SourceCompleteEvent, "dmm", MeasureTrigger)},
		Channels: map[string]*ChannelResult{
			"smu": {
				Channel:               "smu",
				State:                 Aborted,
				ConfirmedSamplePeriod: 100 * time.Microsecond,
				SequenceDuration:      1100 * time.Microsecond,
				RecordLength:          5,
				Stats:                 FetchStats{Fetched: 5, Fetches: 1, MaxBacklog: 5},
				Samples:               samples,
				Summary:               Summarize(samples),
			},
			"dmm": {
				Channel: "dmm",
				State:   Aborted,
				Err:     errors.New("channel dmm: timeout"),
			},
		},
	}
}

func TestSamplesNPY(t *testing.T) {
	samples := makeSamples(7, 4)
	samples[1].Status = InCompliance
	var buf bytes.Buffer
	require.NoError(t, WriteSamplesNPY(&buf, samples))
	got, err := ReadSamplesNPY(&buf)
	require.NoError(t, err)
	assert.Equal(t, samples, got)

	assert.Error(t, WriteSamplesNPY(&buf, nil), "an empty record is not written")
	_, err = SamplesMatrix(nil)
	assert.Error(t, err)

	m, err := SamplesMatrix(samples)
	require.NoError(t, err)
	r, c := m.Dims()
	if r != 4 || c != numSampleColumns {
		t.Errorf("SamplesMatrix dims = (%d, %d), want (4, %d)", r, c, numSampleColumns)
	}
	assert.Equal(t, 8.0, m.At(1, ColIndex))
}

func TestPlanSnapshot(t *testing.T) {
	res := testSessionResult()
	plan := &SessionPlan{Name: "sweep", Instruments: []InstrumentPlan{{Name: "smu", Kind: "smu", Function: "DCVoltage"}}}
	var buf bytes.Buffer
	require.NoError(t, WritePlanSnapshot(&buf, res, plan))

	var snap sessionSnapshot
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &snap))
	assert.Equal(t, res.ID, snap.ID)
	assert.Equal(t, []string{"dmm", "smu"}, snap.StartOrder)
	require.Len(t, snap.Routes, 1)
	assert.Equal(t, res.Routes[0].String(), snap.Routes[0])
	assert.Equal(t, "sweep", snap.Plan.Name)

	smu := snap.Channels["smu"]
	assert.Equal(t, "Aborted", smu.State)
	assert.Equal(t, 100*time.Microsecond, smu.SamplePeriod)
	assert.Equal(t, "smu.npy", smu.File)
	assert.Equal(t, 1, smu.Summary.InCompliance)
	dmm := snap.Channels["dmm"]
	assert.Empty(t, dmm.File, "no samples, no file")
	assert.Equal(t, "channel dmm: timeout", dmm.Error)
}

func TestSaveSession(t *testing.T) {
	base := t.TempDir()
	res := testSessionResult()
	dir, err := SaveSession(base, res, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, res.ID), dir)

	f, err := os.Open(filepath.Join(dir, "smu.npy"))
	require.NoError(t, err)
	defer f.Close()
	samples, err := ReadSamplesNPY(f)
	require.NoError(t, err)
	assert.Equal(t, res.Channels["smu"].Samples, samples)

	_, err = os.Stat(filepath.Join(dir, "dmm.npy"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "session.yaml"))
	assert.NoError(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := expandHome("$HOME/.syncdaq/data")
	require.NoError(t, err)
	assert.Equal(t, home+"/.syncdaq/data", got)
	got, err = expandHome("/var/data")
	require.NoError(t, err)
	assert.Equal(t, "/var/data", got)
}

func TestSummarize(t *testing.T) {
	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Samples)

	one := Summarize([]Sample{{Primary: 2, Secondary: 3}})
	assert.Equal(t, 2.0, one.MeanPrimary)
	assert.Equal(t, 0.0, one.StdPrimary)

	samples := []Sample{
		{Primary: 1, Secondary: 0.001},
		{Primary: 2, Secondary: 0.002, Status: InCompliance},
		{Primary: 3, Secondary: 0.003, Status: OverRange},
		{Primary: 4, Secondary: 0.004, Status: InCompliance | OverRange},
	}
	s := Summarize(samples)
	assert.Equal(t, 4, s.Samples)
	assert.InDelta(t, 2.5, s.MeanPrimary, 1e-12)
	// Sample standard deviation of 1..4.
	assert.InDelta(t, 1.2909944, s.StdPrimary, 1e-6)
	assert.Equal(t, 1.0, s.MinPrimary)
	assert.Equal(t, 4.0, s.MaxPrimary)
	assert.InDelta(t, 0.0025, s.MeanSecondary, 1e-12)
	assert.Equal(t, 2, s.InCompliance)
	assert.Equal(t, 2, s.OverRange)
}
