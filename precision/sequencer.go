package precision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nasa-jpl/gearprecision/stability"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when Run is called on a sequencer that is not Idle
	ErrBusy = errors.New("precision: sequencer is not idle")

	// ErrAborted wraps a fault that ended a run early
	ErrAborted = errors.New("precision: run aborted")
)

// Motor commands the motor controller.  Each call returns the controller's
// response text, and a non-nil error when the command was not accepted.
type Motor interface {
	Enable() (string, error)
	Disable() (string, error)
	SetPosition(float64) (string, error)
	ClearErrors() (string, error)
}

// Encoder is an encoder the sequencer owns for the duration of a run
type Encoder interface {
	stability.Source
	Close() error
}

// Settler blocks until src settles and returns the settled angle.
// *stability.Detector is a Settler.
type Settler interface {
	Wait(src stability.Source) (float64, error)
}

// State is the lifecycle of a Sequencer
type State int

const (
	// Idle has not started
	Idle State = iota
	// Running is executing a plan
	Running
	// Completed ran every position
	Completed
	// Cancelled stopped at a position boundary on request
	Cancelled
	// Aborted stopped on a fault
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal returns true if s is an end state
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Aborted
}

// Timing holds the fixed pauses of the per-position procedure
type Timing struct {
	// ClearSettle follows the clear errors command at the start of a run
	ClearSettle time.Duration `json:"clearSettle" yaml:"clear_settle"`

	// EnableSettle follows enabling the motor
	EnableSettle time.Duration `json:"enableSettle" yaml:"enable_settle"`

	// MoveSettle follows a position command
	MoveSettle time.Duration `json:"moveSettle" yaml:"move_settle"`

	// DisableSettle follows disabling the motor, before sampling
	DisableSettle time.Duration `json:"disableSettle" yaml:"disable_settle"`

	// Pace separates positions; not applied after the last one
	Pace time.Duration `json:"pace" yaml:"pace"`
}

// DefaultTiming returns the pauses used against real hardware
func DefaultTiming() Timing {
	return Timing{
		ClearSettle:   time.Second,
		EnableSettle:  500 * time.Millisecond,
		MoveSettle:    3 * time.Second,
		DisableSettle: 500 * time.Millisecond,
		Pace:          2 * time.Second,
	}
}

// Result is the outcome of Run
type Result struct {
	State State

	// Planned is the plan length; Skipped the positions without a result
	Planned int
	Skipped int

	Results Accumulator
}

// Sequencer drives a plan through a motor and an encoder.  A Sequencer runs
// once; build a new one for the next run.
type Sequencer struct {
	// Timing may be changed before Run
	Timing Timing

	// Clock is the time source for the pauses in Timing
	Clock clock.Clock

	settings Settings
	motor    Motor
	encoder  Encoder
	settler  Settler
	observer Observer
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

// NewSequencer returns an Idle sequencer, or a validation error for s
func NewSequencer(s Settings, motor Motor, enc Encoder, settler Settler, obs Observer, logger *zap.SugaredLogger) (*Sequencer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sequencer{
		Timing:   DefaultTiming(),
		Clock:    clock.New(),
		settings: s.Normalize(),
		motor:    motor,
		encoder:  enc,
		settler:  settler,
		observer: obs,
		logger:   logger,
	}, nil
}

// Settings returns the settings the sequencer was built with
func (s *Sequencer) Settings() Settings { return s.settings }

// State returns the current lifecycle state
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes plan.  Cancelling ctx stops the run between positions; the
// position in flight is finished first.  Whatever the outcome, the motor is
// disabled and the encoder closed before Run returns.
//
// The error is ctx.Err() for a cancelled run, wraps ErrAborted for a faulted
// run, and also carries any failure to disable the motor or close the encoder.
func (s *Sequencer) Run(ctx context.Context, plan []float64) (res Result, err error) {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return Result{State: st}, ErrBusy
	}
	s.state = Running
	s.mu.Unlock()

	acc := NewAccumulator(s.settings.DegPerUnit(), s.settings.TheoreticalStep())
	res = Result{State: Running, Planned: len(plan)}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("run aborted", "panic", r)
			res.State = Aborted
			err = fmt.Errorf("%w: %v", ErrAborted, r)
		}
		err = multierr.Append(err, s.finalize())
		res.Results = acc
		s.setState(res.State)
		s.logger.Infow("run finished", "state", res.State, "recorded", acc.Len(), "skipped", res.Skipped, "planned", res.Planned)
	}()

	s.logger.Infow("starting precision run",
		"description", s.settings.Description,
		"positions", len(plan),
		"theoreticalStep", s.settings.TheoreticalStep())
	if _, cerr := s.motor.ClearErrors(); cerr != nil {
		s.logger.Warnw("clearing motor errors failed", "error", cerr)
	}
	s.pause(s.Timing.ClearSettle)

	last := len(plan) - 1
	for i, target := range plan {
		if cerr := ctx.Err(); cerr != nil {
			s.logger.Infow("run cancelled", "nextIndex", i)
			res.State = Cancelled
			return res, cerr
		}
		s.logger.Infow("testing position", "index", i+1, "of", len(plan), "target", target)

		ev := Event{Index: i, Total: len(plan), Target: target}
		angle, perr := s.position(target)
		if perr != nil {
			s.logger.Warnw("skipping position", "index", i, "target", target, "error", perr)
			res.Skipped++
			ev.Err = perr
		} else {
			var step StepResult
			acc, step = acc.Add(i, target, angle)
			ev.Settled = true
			ev.Angle = step.Angle
			ev.StepError = step.StepError
			ev.CumulativeError = acc.Cumulative[acc.Len()-1]
			s.logger.Infow("position settled", "index", i, "angle", step.Angle,
				"stepError", step.StepError, "cumulativeError", ev.CumulativeError)
		}
		ev.Count = acc.Len()
		s.observer.Notify(ev)

		if i < last && ctx.Err() == nil {
			s.pause(s.Timing.Pace)
		}
	}
	res.State = Completed
	return res, nil
}

// position performs the enable, move, disable, measure procedure for one
// target
func (s *Sequencer) position(target float64) (float64, error) {
	if _, err := s.motor.Enable(); err != nil {
		return 0, fmt.Errorf("enable motor: %w", err)
	}
	s.pause(s.Timing.EnableSettle)

	if _, err := s.motor.SetPosition(target); err != nil {
		return 0, fmt.Errorf("set position %v: %w", target, err)
	}
	s.pause(s.Timing.MoveSettle)

	// a failed disable does not skip the position
	if _, err := s.motor.Disable(); err != nil {
		s.logger.Warnw("disabling motor before measurement failed", "error", err)
	}
	s.pause(s.Timing.DisableSettle)

	angle, err := s.settler.Wait(s.encoder)
	if err != nil {
		return 0, fmt.Errorf("wait for settle: %w", err)
	}
	return angle, nil
}

// finalize leaves the motor disabled and the encoder port closed
func (s *Sequencer) finalize() error {
	var err error
	if _, derr := s.motor.Disable(); derr != nil {
		s.logger.Errorw("failed to disable motor at end of run", "error", derr)
		err = multierr.Append(err, fmt.Errorf("disable motor: %w", derr))
	}
	if cerr := s.encoder.Close(); cerr != nil {
		s.logger.Errorw("failed to close encoder", "error", cerr)
		err = multierr.Append(err, fmt.Errorf("close encoder: %w", cerr))
	}
	return err
}

func (s *Sequencer) pause(d time.Duration) {
	if d > 0 {
		s.Clock.Sleep(d)
	}
}
