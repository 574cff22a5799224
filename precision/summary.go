package precision

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// DefaultThreshold is the step error magnitude, degrees, above which a step
// is counted as out of tolerance
const DefaultThreshold = 0.01

// Summary condenses a run's results
type Summary struct {
	Count int `json:"count"`

	// MaxStepError and MeanStepError are over |StepError|, first result excluded
	MaxStepError    float64 `json:"maxStepError"`
	MeanStepError   float64 `json:"meanStepError"`
	StdDevStepError float64 `json:"stdDevStepError"`

	MaxCumulativeError   float64 `json:"maxCumulativeError"`
	FinalCumulativeError float64 `json:"finalCumulativeError"`

	Threshold     float64 `json:"threshold"`
	OverThreshold int     `json:"overThreshold"`
}

// Summarize computes a Summary of acc.  threshold <= 0 uses DefaultThreshold.
func Summarize(acc Accumulator, threshold float64) Summary {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	sum := Summary{Count: acc.Len(), Threshold: threshold}

	steps := stats.Float64Data(absAll(acc.StepErrors()))
	if len(steps) > 0 {
		sum.MaxStepError, _ = steps.Max()
		sum.MeanStepError, _ = steps.Mean()
		sum.StdDevStepError, _ = stats.StandardDeviationSample(steps)
		if math.IsNaN(sum.StdDevStepError) {
			sum.StdDevStepError = 0
		}
		for _, v := range steps {
			if v > threshold {
				sum.OverThreshold++
			}
		}
	}
	if n := len(acc.Cumulative); n > 0 {
		sum.MaxCumulativeError, _ = stats.Max(absAll(acc.Cumulative))
		sum.FinalCumulativeError = acc.Cumulative[n-1]
	}
	return sum
}

func (s Summary) String() string {
	return fmt.Sprintf("%d positions, max step error %.4f deg, mean %.4f deg, max cumulative %.4f deg, %d steps over %.3f deg",
		s.Count, s.MaxStepError, s.MeanStepError, s.MaxCumulativeError, s.OverThreshold, s.Threshold)
}

func absAll(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = math.Abs(v)
	}
	return out
}
