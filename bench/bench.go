// Package bench coordinates a precision test bench: one motor, one encoder,
// a background monitor for the live angle, and at most one run at a time.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nasa-jpl/gearprecision/monitor"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/results"
	"github.com/nasa-jpl/gearprecision/server/middleware/locker"
	"github.com/nasa-jpl/gearprecision/stability"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when a run is requested or the motor is commanded
	// while a run is in progress
	ErrBusy = errors.New("bench: a run is in progress")

	// ErrLocked is returned when an operator holds the lock and no run is
	// in progress
	ErrLocked = errors.New("bench: motor is locked by an operator")

	// ErrNotRunning is returned when there is no run to cancel
	ErrNotRunning = errors.New("bench: no run in progress")

	// ErrNoResults is returned before the first run has finished
	ErrNoResults = errors.New("bench: no results yet")

	// ErrNoAngle is returned when the monitor has no sample
	ErrNoAngle = errors.New("bench: no encoder reading available")
)

// Config holds the bench's fixed tuning
type Config struct {
	// Timing is the per-position procedure timing
	Timing precision.Timing

	// Window, SettleTimeout and SampleInterval configure the stability detector
	Window         int
	SettleTimeout  time.Duration
	SampleInterval time.Duration

	// MonitorInterval is the live angle polling period
	MonitorInterval time.Duration

	// ResultsDir, if not empty, receives a CSV of every finished run
	ResultsDir string

	// Threshold is the step error tolerance used in summaries
	Threshold float64
}

// DefaultConfig returns the configuration used against real hardware
func DefaultConfig() Config {
	return Config{
		Timing:          precision.DefaultTiming(),
		Window:          stability.DefaultWindow,
		SettleTimeout:   stability.DefaultTimeout,
		SampleInterval:  stability.DefaultInterval,
		MonitorInterval: monitor.DefaultInterval,
		Threshold:       precision.DefaultThreshold,
	}
}

// Status is a snapshot of the bench
type Status struct {
	State       string `json:"state"`
	Description string `json:"description,omitempty"`

	// Index is the last plan position reported, Total the plan length
	Index   int `json:"index"`
	Total   int `json:"total"`
	Count   int `json:"count"`
	Skipped int `json:"skipped"`

	Target          float64 `json:"target"`
	Angle           float64 `json:"angle"`
	StepError       float64 `json:"stepError"`
	CumulativeError float64 `json:"cumulativeError"`

	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
	SavedTo string `json:"savedTo,omitempty"`

	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
}

// Bench owns the hardware.  The zero value is not usable; use New.
type Bench struct {
	// Clock stamps runs and paces the sequencer
	Clock clock.Clock

	cfg     Config
	motor   precision.Motor
	encoder precision.Encoder
	monitor *monitor.Monitor
	lock    *locker.Locker
	metrics *metrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	claimed  bool
	cancel   context.CancelFunc
	done     chan struct{}
	status   Status
	settings precision.Settings
	last     precision.Result
	lastErr  error
	finished bool
}

// New returns a Bench with its monitor running
func New(motor precision.Motor, enc precision.Encoder, cfg Config, logger *zap.SugaredLogger) *Bench {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &Bench{
		Clock:   clock.New(),
		cfg:     cfg,
		motor:   motor,
		encoder: enc,
		monitor: monitor.New(enc, cfg.MonitorInterval, logger.Named("monitor")),
		lock:    locker.New(),
		logger:  logger,
		status:  Status{State: precision.Idle.String()},
	}
	b.metrics = newMetrics(b)
	b.monitor.Start()
	return b
}

// Locker returns the lock held for the duration of a run
func (b *Bench) Locker() *locker.Locker { return b.lock }

// Start validates s and begins a run in the background.  The monitor is
// stopped before the run touches the encoder and restarted when it ends.
func (b *Bench) Start(s precision.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s = s.Normalize()
	if err := b.claim(); err != nil {
		return err
	}
	plan, warn := precision.Plan(s)

	det := stability.New(b.logger.Named("stability"))
	det.Window = b.cfg.Window
	det.Timeout = b.cfg.SettleTimeout
	det.Interval = b.cfg.SampleInterval
	det.Clock = b.Clock

	events := make(precision.ChanObserver, 16)
	seq, err := precision.NewSequencer(s, b.motor, b.encoder, det, events, b.logger.Named("sequencer"))
	if err != nil {
		b.release()
		return err
	}
	seq.Timing = b.cfg.Timing
	seq.Clock = b.Clock

	b.monitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel, b.done = cancel, done
	b.settings = s
	b.status = Status{
		State:       precision.Running.String(),
		Description: s.Description,
		Total:       len(plan),
		Started:     b.Clock.Now(),
	}
	if warn != nil {
		b.status.Warning = warn.String()
		b.logger.Warnw(warn.String())
	}
	b.mu.Unlock()
	b.metrics.runStarted(len(plan))

	go func() {
		defer close(done)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for ev := range events {
				b.apply(ev)
			}
		}()
		res, err := seq.Run(ctx, plan)
		close(events)
		<-drained
		b.finish(s, res, err)
	}()
	return nil
}

func (b *Bench) apply(ev precision.Event) {
	b.mu.Lock()
	b.status.Index = ev.Index
	b.status.Target = ev.Target
	b.status.Count = ev.Count
	if ev.Settled {
		b.status.Angle = ev.Angle
		b.status.StepError = ev.StepError
		b.status.CumulativeError = ev.CumulativeError
	} else {
		b.status.Skipped++
	}
	b.mu.Unlock()
	b.metrics.observe(ev)
}

func (b *Bench) finish(s precision.Settings, res precision.Result, err error) {
	var saved string
	if b.cfg.ResultsDir != "" && res.Results.Len() > 0 {
		path, serr := results.Save(b.cfg.ResultsDir, s.Description, b.Clock.Now(), res.Results)
		if serr != nil {
			b.logger.Errorw("saving results failed", "error", serr)
			err = multierr.Append(err, serr)
		} else {
			saved = path
			b.logger.Infow("results saved", "path", path)
		}
	}

	b.mu.Lock()
	b.last, b.lastErr, b.finished = res, err, true
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.status.State = res.State.String()
	b.status.Skipped = res.Skipped
	b.status.Count = res.Results.Len()
	b.status.Finished = b.Clock.Now()
	b.status.SavedTo = saved
	if err != nil {
		b.status.Error = err.Error()
	}
	b.mu.Unlock()

	b.metrics.runFinished()
	b.logger.Infow("run ended", "state", res.State, "summary", precision.Summarize(res.Results, b.cfg.Threshold).String())
	b.monitor.Start()
	b.release()
}

// claim takes the locker for a run.  claimed is set under mu together with
// the locker so a run that is still starting already counts as running.
func (b *Bench) claim() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return ErrBusy
	}
	if !b.lock.TryLock() {
		return ErrLocked
	}
	b.claimed = true
	return nil
}

func (b *Bench) release() {
	b.mu.Lock()
	b.claimed = false
	b.lock.Unlock()
	b.mu.Unlock()
}

// available returns nil when the motor may be commanded by hand
func (b *Bench) available() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return ErrBusy
	}
	if b.lock.Locked() {
		return ErrLocked
	}
	return nil
}

// Cancel asks the current run to stop at the next position boundary
func (b *Bench) Cancel() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return ErrNotRunning
	}
	b.cancel()
	return nil
}

// Wait blocks until the current or most recent run has ended and returns its
// outcome
func (b *Bench) Wait() (precision.Result, error) {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return precision.Result{}, ErrNotRunning
	}
	<-done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.lastErr
}

// Running returns true from the moment a run is accepted until it has ended
func (b *Bench) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimed
}

// Status returns a snapshot of the bench
func (b *Bench) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Results returns the most recent finished run and its settings
func (b *Bench) Results() (precision.Accumulator, precision.Settings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.finished {
		return precision.Accumulator{}, precision.Settings{}, ErrNoResults
	}
	return b.last.Results, b.settings, nil
}

// Summary summarizes the most recent finished run
func (b *Bench) Summary() (precision.Summary, error) {
	acc, _, err := b.Results()
	if err != nil {
		return precision.Summary{}, err
	}
	return precision.Summarize(acc, b.cfg.Threshold), nil
}

// Angle returns the live encoder angle from the monitor.  During a run the
// monitor is stopped and the last settled angle is returned instead.
func (b *Bench) Angle() (float64, error) {
	b.mu.Lock()
	running, settled, angle := b.cancel != nil, b.status.Count > 0, b.status.Angle
	b.mu.Unlock()
	if running {
		if !settled {
			return 0, ErrNoAngle
		}
		return angle, nil
	}
	s, ok := b.monitor.Latest()
	if !ok {
		return 0, ErrNoAngle
	}
	if s.Err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoAngle, s.Err)
	}
	return s.Reading.Angle, nil
}

// Manual returns the motor for direct commands.  Every command fails with
// ErrBusy while a run is in progress and with ErrLocked while an operator
// holds the lock.
func (b *Bench) Manual() precision.Motor {
	return manual{b}
}

// Close cancels any run, waits for it, stops the monitor and leaves the motor
// disabled
func (b *Bench) Close() error {
	b.Cancel()
	b.Wait()
	b.monitor.Stop()
	var err error
	if _, derr := b.motor.Disable(); derr != nil {
		err = multierr.Append(err, fmt.Errorf("disable motor: %w", derr))
	}
	return multierr.Append(err, b.encoder.Close())
}

type manual struct {
	b *Bench
}

func (m manual) guard(fcn func() (string, error)) (string, error) {
	if err := m.b.available(); err != nil {
		return "", err
	}
	return fcn()
}

func (m manual) Enable() (string, error)      { return m.guard(m.b.motor.Enable) }
func (m manual) Disable() (string, error)     { return m.guard(m.b.motor.Disable) }
func (m manual) ClearErrors() (string, error) { return m.guard(m.b.motor.ClearErrors) }

func (m manual) SetPosition(pos float64) (string, error) {
	return m.guard(func() (string, error) { return m.b.motor.SetPosition(pos) })
}
