package precision

import (
	"fmt"
	"math"
)

// wrapWarnDegrees is the nominal start/end separation above which a plan
// probably crosses the 0/360 boundary of the encoder
const wrapWarnDegrees = 350

// BoundaryWarning reports that a plan probably crosses the encoder's 0/360
// boundary.  It is informational; the plan is not altered.
type BoundaryWarning struct {
	StartAngle float64
	EndAngle   float64
}

func (w BoundaryWarning) String() string {
	return fmt.Sprintf("test range may cross the 360 degree boundary (%.1f -> %.1f)", w.StartAngle, w.EndAngle)
}

// Plan returns the target positions for s: StartPosition + i*StepInterval for
// i in [0, floor(RangeDegrees/TheoreticalStep)], both ends inclusive.  s must
// already be valid.
func Plan(s Settings) ([]float64, *BoundaryWarning) {
	positions := make([]float64, int(s.planLength()))
	for i := range positions {
		positions[i] = s.StartPosition + float64(i)*s.StepInterval
	}

	start := s.NominalAngle(positions[0])
	end := s.NominalAngle(positions[len(positions)-1])
	if math.Abs(end-start) > wrapWarnDegrees {
		return positions, &BoundaryWarning{StartAngle: start, EndAngle: end}
	}
	return positions, nil
}
