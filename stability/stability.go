// Package stability decides when a mechanical position has settled, using only
// periodic encoder samples.
//
// A position is settled once Window consecutive samples, each rounded to three
// decimal degrees, are identical.  When a full window contains any difference
// it is emptied and counting restarts from zero; the window never slides.  A
// slow oscillation whose period aliases with the window length would otherwise
// produce a false settle, so a single outlier resets the whole count.
package stability

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/nasa-jpl/gearprecision/mathx"
	"github.com/nasa-jpl/gearprecision/tamagawa"
	"go.uber.org/zap"
)

const (
	// DefaultWindow is the number of equal consecutive samples needed
	DefaultWindow = 5

	// DefaultTimeout bounds a single wait
	DefaultTimeout = 30 * time.Second

	// DefaultInterval is the sampling period, about 20 Hz
	DefaultInterval = 50 * time.Millisecond

	// Decimals is the number of decimal degrees samples are rounded to
	Decimals = 3
)

var (
	// ErrTimeout is the class of errors where stability was never reached
	ErrTimeout = errors.New("stability: timeout")

	// ErrUnstable is returned when the timeout elapses without a stable window
	ErrUnstable = fmt.Errorf("%w: encoder angle did not settle", ErrTimeout)
)

// Source produces encoder samples.  *tamagawa.Encoder is a Source.
type Source interface {
	Read() (tamagawa.Reading, error)
}

// Detector waits for a Source to settle.  The zero value is not usable; use New.
type Detector struct {
	// Window is the number of consecutive equal samples required
	Window int

	// Timeout is the longest a single Wait may take
	Timeout time.Duration

	// Interval is the pause between good samples
	Interval time.Duration

	// Clock is the time source
	Clock clock.Clock

	logger *zap.SugaredLogger
}

// New returns a Detector with the default window, timeout and interval
func New(logger *zap.SugaredLogger) *Detector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Detector{
		Window:   DefaultWindow,
		Timeout:  DefaultTimeout,
		Interval: DefaultInterval,
		Clock:    clock.New(),
		logger:   logger,
	}
}

// retryPolicy is the pause after a bad sample: 25 ms doubling up to 100 ms,
// reset by every good sample.  It never gives up on its own; the detector's
// Timeout does.
func (d *Detector) retryPolicy() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         100 * time.Millisecond,
		MaxElapsedTime:      0,
		Clock:               d.Clock,
	}
	b.Reset()
	return b
}

// Wait samples src until Window consecutive rounded angles are equal and
// returns that angle.  Read errors and readings flagged with a counting error
// are not samples; they cause a short backoff and a retry, and the timeout
// keeps running.  If Timeout elapses first, Wait returns ErrUnstable.
func (d *Detector) Wait(src Source) (float64, error) {
	window := d.Window
	if window < 1 {
		window = 1
	}
	d.logger.Debugw("waiting for encoder angle to settle", "window", window, "timeout", d.Timeout)
	retry := d.retryPolicy()
	samples := make([]float64, 0, window)
	start := d.Clock.Now()
	for d.Clock.Since(start) < d.Timeout {
		r, err := src.Read()
		if err == nil && r.CountingError {
			err = tamagawa.ErrCountingError
		}
		if err != nil {
			d.logger.Warnw("discarding encoder sample", "error", err)
			d.Clock.Sleep(retry.NextBackOff())
			continue
		}
		retry.Reset()

		angle := mathx.Round(r.Angle, Decimals)
		samples = append(samples, angle)
		if len(samples) == window {
			if allEqual(samples) {
				d.logger.Infow("encoder angle settled", "angle", angle)
				return angle, nil
			}
			samples = samples[:0]
		}
		if d.Interval > 0 {
			d.Clock.Sleep(d.Interval)
		}
	}
	d.logger.Warnw("encoder angle did not settle", "timeout", d.Timeout)
	return 0, ErrUnstable
}

func allEqual(s []float64) bool {
	for _, v := range s[1:] {
		if v != s[0] {
			return false
		}
	}
	return true
}
