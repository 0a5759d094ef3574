package syncdaq

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Columns of a samples matrix.
const (
	ColIndex = iota
	ColPrimary
	ColSecondary
	ColStatus
	numSampleColumns
)

// SamplesMatrix stores samples as an N x 4 matrix of (index, primary, secondary, status).
func SamplesMatrix(samples []Sample) (*mat.Dense, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to store")
	}
	data := make([]float64, 0, len(samples)*numSampleColumns)
	for _, s := range samples {
		data = append(data, float64(s.Index), s.Primary, s.Secondary, float64(s.Status))
	}
	return mat.NewDense(len(samples), numSampleColumns, data), nil
}

// WriteSamplesNPY writes samples to w as a 2D float64 .npy array.
func WriteSamplesNPY(w io.Writer, samples []Sample) error {
	m, err := SamplesMatrix(samples)
	if err != nil {
		return err
	}
	return npyio.Write(w, m)
}

// ReadSamplesNPY reads samples written by WriteSamplesNPY.
func ReadSamplesNPY(r io.Reader) ([]Sample, error) {
	var m mat.Dense
	if err := npyio.Read(r, &m); err != nil {
		return nil, err
	}
	nrows, ncols := m.Dims()
	if ncols != numSampleColumns {
		return nil, fmt.Errorf("samples array has %d columns, want %d", ncols, numSampleColumns)
	}
	samples := make([]Sample, nrows)
	for i := range samples {
		samples[i] = Sample{
			Index:     SampleIndex(m.At(i, ColIndex)),
			Primary:   m.At(i, ColPrimary),
			Secondary: m.At(i, ColSecondary),
			Status:    StatusFlags(m.At(i, ColStatus)),
		}
	}
	return samples, nil
}

// sessionSnapshot is what session.yaml holds.
type sessionSnapshot struct {
	ID         string                     `yaml:"id"`
	Start      time.Time                  `yaml:"start"`
	End        time.Time                  `yaml:"end"`
	Error      string                     `yaml:"error,omitempty"`
	StartOrder []string                   `yaml:"startorder"`
	Routes     []string                   `yaml:"routes"`
	Channels   map[string]channelSnapshot `yaml:"channels"`
	Plan       *SessionPlan               `yaml:"plan,omitempty"`
}

type channelSnapshot struct {
	State        string         `yaml:"state"`
	SamplePeriod time.Duration  `yaml:"sampleperiod"`
	Duration     time.Duration  `yaml:"duration"`
	RecordLength int            `yaml:"recordlength"`
	Fetched      int            `yaml:"fetched"`
	MaxBacklog   int            `yaml:"maxbacklog"`
	Warnings     int            `yaml:"warnings"`
	Summary      ChannelSummary `yaml:"summary"`
	Error        string         `yaml:"error,omitempty"`
	File         string         `yaml:"file,omitempty"`
}

// WritePlanSnapshot writes the session result and the plan that produced it as YAML.
func WritePlanSnapshot(w io.Writer, res *SessionResult, plan *SessionPlan) error {
	snap := sessionSnapshot{
		ID:         res.ID,
		Start:      res.Start,
		End:        res.End,
		StartOrder: res.StartOrder,
		Channels:   make(map[string]channelSnapshot),
		Plan:       plan,
	}
	if res.Err != nil {
		snap.Error = res.Err.Error()
	}
	for _, r := range res.Routes {
		snap.Routes = append(snap.Routes, r.String())
	}
	for name, cr := range res.Channels {
		cs := channelSnapshot{
			State:        cr.State.String(),
			SamplePeriod: cr.ConfirmedSamplePeriod,
			Duration:     cr.SequenceDuration,
			RecordLength: cr.RecordLength,
			Fetched:      cr.Stats.Fetched,
			MaxBacklog:   cr.Stats.MaxBacklog,
			Warnings:     len(cr.Warnings),
			Summary:      cr.Summary,
		}
		if cr.Err != nil {
			cs.Error = cr.Err.Error()
		}
		if len(cr.Samples) > 0 {
			cs.File = name + ".npy"
		}
		snap.Channels[name] = cs
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}

// expandHome replaces one "$HOME" in path with the home directory.
func expandHome(path string) (string, error) {
	if !strings.Contains(path, "$HOME") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return strings.Replace(path, "$HOME", home, 1), nil
}

// SaveSession stores a session under basepath/<session ID>: one <channel>.npy per channel
// that kept samples, and session.yaml. It returns the directory used.
func SaveSession(basepath string, res *SessionResult, plan *SessionPlan) (string, error) {
	base, err := expandHome(basepath)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, res.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	names := make([]string, 0, len(res.Channels))
	for name := range res.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cr := res.Channels[name]
		if len(cr.Samples) == 0 {
			continue
		}
		if err := writeNPYFile(filepath.Join(dir, name+".npy"), cr.Samples); err != nil {
			return dir, fmt.Errorf("saving channel %s: %w", name, err)
		}
	}

	f, err := os.Create(filepath.Join(dir, "session.yaml"))
	if err != nil {
		return dir, err
	}
	if err := WritePlanSnapshot(f, res, plan); err != nil {
		f.Close()
		return dir, err
	}
	return dir, f.Close()
}

func writeNPYFile(path string, samples []Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSamplesNPY(f, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
