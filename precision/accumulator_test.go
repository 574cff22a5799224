package precision_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nasa-jpl/gearprecision/precision"
)

func TestFirstResultHasNoError(t *testing.T) {
	acc, res := precision.NewAccumulator(2, 2).Add(0, 5, 10)
	if res.StepError != 0 || acc.Cumulative[0] != 0 {
		t.Errorf("expected zero errors for the first result, got %+v %v", res, acc.Cumulative)
	}
}

func TestStepAndCumulativeErrors(t *testing.T) {
	acc := precision.NewAccumulator(2, 2)
	acc, _ = acc.Add(0, 0, 10)
	acc, _ = acc.Add(1, 1, 12.1) // +0.1
	acc, _ = acc.Add(2, 2, 13.9) // -0.2 step, -0.1 cumulative

	wantSteps := []float64{0, 0.1, -0.2}
	wantCum := []float64{0, 0.1, -0.1}
	approx := cmpopts.EquateApprox(0, 1e-9)
	var steps []float64
	for _, s := range acc.Steps {
		steps = append(steps, s.StepError)
	}
	if diff := cmp.Diff(wantSteps, steps, approx); diff != "" {
		t.Errorf("step errors (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantCum, acc.Cumulative, approx); diff != "" {
		t.Errorf("cumulative errors (-want +got):\n%s", diff)
	}
}

func TestSkippedPositionCountsAsStepError(t *testing.T) {
	acc := precision.NewAccumulator(2, 2)
	acc, _ = acc.Add(0, 0, 0)
	acc, res := acc.Add(2, 2, 4) // index 1 was skipped
	if math.Abs(res.StepError-2) > 1e-12 {
		t.Errorf("expected the missing step as error, got %v", res.StepError)
	}
	if math.Abs(acc.Cumulative[1]) > 1e-12 {
		t.Errorf("expected no cumulative error on target, got %v", acc.Cumulative[1])
	}
}

func TestAddDoesNotMutate(t *testing.T) {
	base, _ := precision.NewAccumulator(1, 1).Add(0, 0, 0)
	base, _ = base.Add(1, 1, 1)
	a, _ := base.Add(2, 2, 2)
	b, _ := base.Add(2, 2, 5)

	if base.Len() != 2 {
		t.Errorf("base changed length to %d", base.Len())
	}
	if a.Steps[2].Angle != 2 || b.Steps[2].Angle != 5 {
		t.Errorf("branches share storage: %v %v", a.Steps[2].Angle, b.Steps[2].Angle)
	}
}

func TestLast(t *testing.T) {
	var acc precision.Accumulator
	if _, ok := acc.Last(); ok {
		t.Error("empty accumulator has a last result")
	}
	acc, _ = acc.Add(4, 1, 1)
	if r, ok := acc.Last(); !ok || r.Index != 4 {
		t.Errorf("unexpected last result %+v", r)
	}
}
