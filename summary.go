package syncdaq

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelSummary holds statistics of one channel's samples.
type ChannelSummary struct {
	Samples       int
	MeanPrimary   float64
	StdPrimary    float64
	MinPrimary    float64
	MaxPrimary    float64
	MeanSecondary float64
	StdSecondary  float64
	InCompliance  int // samples flagged InCompliance
	OverRange     int // samples flagged OverRange
}

// Summarize computes a ChannelSummary. Standard deviations are 0 with fewer than 2 samples.
func Summarize(samples []Sample) ChannelSummary {
	summary := ChannelSummary{Samples: len(samples)}
	if len(samples) == 0 {
		return summary
	}
	primary := make([]float64, len(samples))
	secondary := make([]float64, len(samples))
	for i, s := range samples {
		primary[i] = s.Primary
		secondary[i] = s.Secondary
		if s.Status.Has(InCompliance) {
			summary.InCompliance++
		}
		if s.Status.Has(OverRange) {
			summary.OverRange++
		}
	}
	summary.MinPrimary = floats.Min(primary)
	summary.MaxPrimary = floats.Max(primary)
	if len(samples) == 1 {
		summary.MeanPrimary = primary[0]
		summary.MeanSecondary = secondary[0]
		return summary
	}
	summary.MeanPrimary, summary.StdPrimary = stat.MeanStdDev(primary, nil)
	summary.MeanSecondary, summary.StdSecondary = stat.MeanStdDev(secondary, nil)
	return summary
}
