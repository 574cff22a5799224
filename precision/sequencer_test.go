package precision_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nasa-jpl/gearprecision/esp32"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/stability"
	"github.com/nasa-jpl/gearprecision/tamagawa"
	"go.uber.org/zap/zaptest"
)

var errInjected = errors.New("injected")

// fakeMotor records commands and fails SetPosition for chosen targets
type fakeMotor struct {
	mu         sync.Mutex
	calls      []string
	position   float64
	failAt     map[float64]bool
	disableErr error
}

func (m *fakeMotor) record(c string) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *fakeMotor) Enable() (string, error)      { m.record("enable"); return "ok", nil }
func (m *fakeMotor) ClearErrors() (string, error) { m.record("clear"); return "ok", nil }

func (m *fakeMotor) Disable() (string, error) {
	m.record("disable")
	if m.disableErr != nil {
		return "", m.disableErr
	}
	return "ok", nil
}

func (m *fakeMotor) SetPosition(p float64) (string, error) {
	m.record("set")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt[p] {
		return "", errInjected
	}
	m.position = p
	return "ok", nil
}

func (m *fakeMotor) lastCall() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type fakeEncoder struct {
	closes int
}

func (e *fakeEncoder) Read() (tamagawa.Reading, error) { return tamagawa.Reading{}, nil }
func (e *fakeEncoder) Close() error                    { e.closes++; return nil }

// perfectSettler reports exactly the nominal angle of the motor's position
type perfectSettler struct {
	motor      *fakeMotor
	degPerUnit float64
	panicAfter int
	unstableAt map[int]bool
	waits      int
}

func (s *perfectSettler) Wait(stability.Source) (float64, error) {
	s.waits++
	if s.panicAfter > 0 && s.waits > s.panicAfter {
		panic("encoder exploded")
	}
	if s.unstableAt[s.waits] {
		return 0, stability.ErrUnstable
	}
	s.motor.mu.Lock()
	defer s.motor.mu.Unlock()
	return s.motor.position * s.degPerUnit, nil
}

func fixture(t *testing.T, obs precision.Observer) (*precision.Sequencer, *fakeMotor, *fakeEncoder, *perfectSettler) {
	t.Helper()
	s := precision.DefaultSettings()
	motor := &fakeMotor{failAt: map[float64]bool{}}
	enc := &fakeEncoder{}
	settler := &perfectSettler{motor: motor, degPerUnit: s.DegPerUnit()}
	seq, err := precision.NewSequencer(s, motor, enc, settler, obs, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	seq.Timing = precision.Timing{}
	return seq, motor, enc, settler
}

func TestNewSequencerValidates(t *testing.T) {
	s := precision.DefaultSettings()
	s.StepInterval = -1
	_, err := precision.NewSequencer(s, &fakeMotor{}, &fakeEncoder{}, &perfectSettler{}, nil, nil)
	if !errors.Is(err, precision.ErrValidation) {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestRunCompletes(t *testing.T) {
	var events []precision.Event
	seq, motor, enc, _ := fixture(t, precision.ObserverFunc(func(e precision.Event) { events = append(events, e) }))
	plan := []float64{32, 32.8, 33.6}

	res, err := seq.Run(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != precision.Completed || seq.State() != precision.Completed {
		t.Errorf("expected completed, got %v / %v", res.State, seq.State())
	}
	if res.Results.Len() != 3 || len(events) != 3 {
		t.Fatalf("expected 3 results and events, got %d and %d", res.Results.Len(), len(events))
	}
	for i, e := range events {
		if !e.Settled || e.Index != i || e.Total != 3 || e.Count != i+1 {
			t.Errorf("unexpected event %+v", e)
		}
	}
	want := []string{
		"clear",
		"enable", "set", "disable",
		"enable", "set", "disable",
		"enable", "set", "disable",
		"disable",
	}
	if diff := cmp.Diff(want, motor.calls); diff != "" {
		t.Errorf("command sequence (-want +got):\n%s", diff)
	}
	if enc.closes != 1 {
		t.Errorf("expected encoder closed once, got %d", enc.closes)
	}
}

func TestFailedPositionsAreSkipped(t *testing.T) {
	var events []precision.Event
	seq, motor, _, _ := fixture(t, precision.ObserverFunc(func(e precision.Event) { events = append(events, e) }))
	plan := []float64{32, 32.8, 33.6, 34.4, 35.2}
	motor.failAt[33.6] = true
	motor.failAt[35.2] = true

	res, err := seq.Run(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if res.Results.Len() != 3 || res.Skipped != 2 {
		t.Fatalf("expected 3 results and 2 skips, got %d and %d", res.Results.Len(), res.Skipped)
	}
	var idx []int
	for _, s := range res.Results.Steps {
		idx = append(idx, s.Index)
	}
	if diff := cmp.Diff([]int{0, 1, 3}, idx); diff != "" {
		t.Errorf("recorded indices (-want +got):\n%s", diff)
	}
	if len(events) != 5 {
		t.Fatalf("expected an event per position, got %d", len(events))
	}
	if events[2].Settled || !errors.Is(events[2].Err, errInjected) {
		t.Errorf("expected a skip event at index 2, got %+v", events[2])
	}
	if res.State != precision.Completed {
		t.Errorf("skips should not end the run, got %v", res.State)
	}
}

func TestUnsettledPositionsAreSkipped(t *testing.T) {
	var events []precision.Event
	seq, _, _, settler := fixture(t, precision.ObserverFunc(func(e precision.Event) { events = append(events, e) }))
	settler.unstableAt = map[int]bool{2: true, 4: true}
	s := seq.Settings()

	res, err := seq.Run(context.Background(), []float64{32, 32.8, 33.6, 34.4, 35.2})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != precision.Completed || res.Skipped != 2 {
		t.Fatalf("expected a completed run with 2 skips, got %v and %d", res.State, res.Skipped)
	}
	var idx []int
	for _, st := range res.Results.Steps {
		idx = append(idx, st.Index)
	}
	if diff := cmp.Diff([]int{0, 2, 4}, idx); diff != "" {
		t.Fatalf("recorded indices (-want +got):\n%s", diff)
	}

	steps := res.Results.Steps
	first := steps[0]
	approx := cmpopts.EquateApprox(0, 1e-9)
	wantStep := []float64{0}
	wantCum := []float64{0}
	for i := 1; i < len(steps); i++ {
		wantStep = append(wantStep, steps[i].Angle-steps[i-1].Angle-s.TheoreticalStep())
		wantCum = append(wantCum, steps[i].Angle-(first.Angle+(steps[i].Target-first.Target)*s.DegPerUnit()))
	}
	var gotStep []float64
	for _, st := range steps {
		gotStep = append(gotStep, st.StepError)
	}
	if diff := cmp.Diff(wantStep, gotStep, approx); diff != "" {
		t.Errorf("step errors (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantCum, res.Results.Cumulative, approx); diff != "" {
		t.Errorf("cumulative errors (-want +got):\n%s", diff)
	}
	// a perfect motor missing one position reports one whole step of error
	if math.Abs(gotStep[1]-s.TheoreticalStep()) > 1e-9 {
		t.Errorf("expected step error %v after a skip, got %v", s.TheoreticalStep(), gotStep[1])
	}

	if len(events) != 5 {
		t.Fatalf("expected an event per position, got %d", len(events))
	}
	for _, i := range []int{1, 3} {
		if events[i].Settled || !errors.Is(events[i].Err, stability.ErrTimeout) {
			t.Errorf("expected a settle timeout at index %d, got %+v", i, events[i])
		}
	}
}

func TestCancelStopsAtPositionBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, motor, enc, _ := fixture(t, precision.ObserverFunc(func(e precision.Event) {
		if e.Index == 1 {
			cancel()
		}
	}))

	res, err := seq.Run(ctx, []float64{32, 32.8, 33.6, 34.4})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if res.State != precision.Cancelled {
		t.Errorf("expected cancelled, got %v", res.State)
	}
	if res.Results.Len() != 2 {
		t.Errorf("expected the in-flight position to finish and no more, got %d results", res.Results.Len())
	}
	if motor.lastCall() != "disable" || enc.closes != 1 {
		t.Errorf("run did not clean up: last call %q, closes %d", motor.lastCall(), enc.closes)
	}
}

func TestPanicAbortsAndCleansUp(t *testing.T) {
	seq, motor, enc, settler := fixture(t, nil)
	settler.panicAfter = 1

	res, err := seq.Run(context.Background(), []float64{32, 32.8, 33.6})
	if !errors.Is(err, precision.ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
	if res.State != precision.Aborted {
		t.Errorf("expected aborted, got %v", res.State)
	}
	if res.Results.Len() != 1 {
		t.Errorf("results before the fault should be kept, got %d", res.Results.Len())
	}
	if motor.lastCall() != "disable" || enc.closes != 1 {
		t.Errorf("run did not clean up: last call %q, closes %d", motor.lastCall(), enc.closes)
	}
}

func TestFinalDisableFailureIsReported(t *testing.T) {
	seq, motor, _, _ := fixture(t, nil)
	motor.disableErr = errInjected

	res, err := seq.Run(context.Background(), []float64{32})
	if !errors.Is(err, errInjected) {
		t.Errorf("expected the disable failure, got %v", err)
	}
	if res.Results.Len() != 1 {
		t.Errorf("a failed disable before measuring must not skip the position, got %d results", res.Results.Len())
	}
}

func TestRunTwiceIsBusy(t *testing.T) {
	seq, _, _, _ := fixture(t, nil)
	if _, err := seq.Run(context.Background(), []float64{32}); err != nil {
		t.Fatal(err)
	}
	if _, err := seq.Run(context.Background(), []float64{32}); !errors.Is(err, precision.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestRunAgainstSimulatedHardware(t *testing.T) {
	s := precision.DefaultSettings()
	s.RangeDegrees = 4 * s.TheoreticalStep()
	plan, _ := precision.Plan(s)

	logger := zaptest.NewLogger(t).Sugar()
	ctrl := esp32.NewMockController(s.DegPerUnit(), 0)
	enc := tamagawa.NewEncoder(tamagawa.MockMaker(ctrl.Angle), logger)
	det := stability.New(logger)
	det.Interval = 0
	det.Timeout = 2 * time.Second

	events := make(precision.ChanObserver, len(plan))
	seq, err := precision.NewSequencer(s, ctrl, enc, det, events, logger)
	if err != nil {
		t.Fatal(err)
	}
	seq.Timing = precision.Timing{}

	res, err := seq.Run(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	close(events)
	n := 0
	for range events {
		n++
	}
	if n != len(plan) || res.Results.Len() != len(plan) {
		t.Fatalf("expected %d results and events, got %d and %d", len(plan), res.Results.Len(), n)
	}
	for _, st := range res.Results.Steps[1:] {
		if st.StepError > 0.01 || st.StepError < -0.01 {
			t.Errorf("step error %v at %d exceeds the simulated runout", st.StepError, st.Index)
		}
	}
	if ctrl.Enabled() {
		t.Error("motor left enabled after the run")
	}
}
