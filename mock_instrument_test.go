package syncdaq

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// mockInstrument is an Instrument whose every call is scripted with testify/mock.
type mockInstrument struct {
	mock.Mock
	name string
	caps Capabilities
}

func newMockInstrument(name string, caps Capabilities) *mockInstrument {
	return &mockInstrument{name: name, caps: caps}
}

func (m *mockInstrument) Name() string               { return m.name }
func (m *mockInstrument) Capabilities() Capabilities { return m.caps }

func (m *mockInstrument) Configure(cfg ChannelConfig) (time.Duration, error) {
	args := m.Called(cfg)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *mockInstrument) InstallSequence(def SequenceDefinition) error {
	return m.Called(def).Error(0)
}

func (m *mockInstrument) ExportTrigger(event TriggerEvent, line string) error {
	return m.Called(event, line).Error(0)
}

func (m *mockInstrument) ImportTrigger(event TriggerEvent, line string, edge EdgeType) error {
	return m.Called(event, line, edge).Error(0)
}

func (m *mockInstrument) ClearTriggers() error {
	return m.Called().Error(0)
}

func (m *mockInstrument) SendSoftwareEdgeTrigger(event TriggerEvent) error {
	return m.Called(event).Error(0)
}

func (m *mockInstrument) Initiate() error {
	return m.Called().Error(0)
}

func (m *mockInstrument) Abort() error {
	return m.Called().Error(0)
}

func (m *mockInstrument) Fetch(max int, timeout time.Duration) ([]Sample, error) {
	args := m.Called(max, timeout)
	samples, _ := args.Get(0).([]Sample)
	return samples, args.Error(1)
}

func (m *mockInstrument) Backlog() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func (m *mockInstrument) Close() error {
	return m.Called().Error(0)
}

// mockDrainable is a DrainableChannel scripted with testify/mock.
type mockDrainable struct {
	mock.Mock
	name         string
	recordLength int
	finite       bool
	capacity     int
}

func (m *mockDrainable) Name() string        { return m.name }
func (m *mockDrainable) RecordLength() int   { return m.recordLength }
func (m *mockDrainable) IsFinite() bool      { return m.finite }
func (m *mockDrainable) BufferCapacity() int { return m.capacity }

func (m *mockDrainable) Fetch(maxCount int, timeout time.Duration) (FetchResult, error) {
	args := m.Called(maxCount, timeout)
	return args.Get(0).(FetchResult), args.Error(1)
}

func (m *mockDrainable) Backlog() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

// makeSamples returns n samples numbered from first.
func makeSamples(first, n int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{Index: SampleIndex(first + i), Primary: float64(first + i)}
	}
	return samples
}

// testEpoch is the start time of every ManualClock in the tests.
var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
