package precision

// StepResult is one settled position
type StepResult struct {
	// Index is the position within the plan
	Index int `json:"index"`

	// Target is the commanded motor position
	Target float64 `json:"target"`

	// Angle is the settled encoder angle, degrees
	Angle float64 `json:"angle"`

	// StepError is the measured change from the previous result less the
	// theoretical step.  A skipped position in between shows up as error.
	// Zero for the first result.
	StepError float64 `json:"stepError"`
}

// Accumulator folds settled angles into step and cumulative errors.
// Add returns a new value; an Accumulator is never mutated in place.
type Accumulator struct {
	// DegPerUnit converts a target delta into an expected angle delta
	DegPerUnit float64

	// TheoreticalStep is the expected angle change between results
	TheoreticalStep float64

	Steps []StepResult

	// Cumulative[i] is Steps[i].Angle less the angle predicted for it from
	// Steps[0] and the target delta
	Cumulative []float64
}

// NewAccumulator returns an empty accumulator for the given scale and step
func NewAccumulator(degPerUnit, theoreticalStep float64) Accumulator {
	return Accumulator{DegPerUnit: degPerUnit, TheoreticalStep: theoreticalStep}
}

// Add records the settled angle for plan position index
func (a Accumulator) Add(index int, target, angle float64) (Accumulator, StepResult) {
	n := len(a.Steps)
	res := StepResult{Index: index, Target: target, Angle: angle}
	var cum float64
	if n > 0 {
		prev := a.Steps[n-1]
		res.StepError = (angle - prev.Angle) - a.TheoreticalStep
		first := a.Steps[0]
		cum = angle - (first.Angle + (target-first.Target)*a.DegPerUnit)
	}
	// three index slicing so the old value never shares a backing array tail
	out := Accumulator{
		DegPerUnit:      a.DegPerUnit,
		TheoreticalStep: a.TheoreticalStep,
		Steps:           append(a.Steps[:n:n], res),
		Cumulative:      append(a.Cumulative[:n:n], cum),
	}
	return out, res
}

// Len is the number of recorded results
func (a Accumulator) Len() int { return len(a.Steps) }

// Last returns the most recent result, if any
func (a Accumulator) Last() (StepResult, bool) {
	if len(a.Steps) == 0 {
		return StepResult{}, false
	}
	return a.Steps[len(a.Steps)-1], true
}

// Angles returns the settled angles in order
func (a Accumulator) Angles() []float64 {
	out := make([]float64, len(a.Steps))
	for i, s := range a.Steps {
		out[i] = s.Angle
	}
	return out
}

// StepErrors returns the step errors, excluding the first result which has no
// predecessor
func (a Accumulator) StepErrors() []float64 {
	if len(a.Steps) < 2 {
		return nil
	}
	out := make([]float64, 0, len(a.Steps)-1)
	for _, s := range a.Steps[1:] {
		out = append(out, s.StepError)
	}
	return out
}
