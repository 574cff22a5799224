// Package monitor polls the encoder in the background so a live angle is
// available while no run is in progress.
//
// The monitor is advisory.  Its samples are never used for measurement, and
// it must be stopped before a run takes the encoder.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nasa-jpl/gearprecision/stability"
	"github.com/nasa-jpl/gearprecision/tamagawa"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultInterval polls at 10 Hz
const DefaultInterval = 100 * time.Millisecond

// Sample is the outcome of one poll
type Sample struct {
	Reading tamagawa.Reading `json:"reading"`
	Err     error            `json:"-"`
	Time    time.Time        `json:"time"`
}

// Monitor polls a Source on its own goroutine
type Monitor struct {
	src      stability.Source
	interval time.Duration
	logger   *zap.SugaredLogger

	// life serializes Start and Stop
	life sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	latest  Sample
	have    bool
	samples uint64
}

// New returns a stopped Monitor of src.  interval <= 0 uses DefaultInterval.
func New(src stability.Source, interval time.Duration, logger *zap.SugaredLogger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{src: src, interval: interval, logger: logger}
}

// Start begins polling.  Starting a running monitor does nothing.
func (m *Monitor) Start() {
	m.life.Lock()
	defer m.life.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Debugw("encoder monitor started", "interval", m.interval)
}

// Stop ends polling and returns once the polling goroutine has exited, so no
// read is in flight when it returns.  Stopping a stopped monitor does nothing.
func (m *Monitor) Stop() {
	m.life.Lock()
	defer m.life.Unlock()
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debugw("encoder monitor stopped")
}

// Running returns true between Start and Stop
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Latest returns the most recent sample, if there has been one
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.have
}

// Count is the number of polls made since the monitor was created
func (m *Monitor) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	lim := rate.NewLimiter(rate.Every(m.interval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		r, err := m.src.Read()
		if err != nil {
			m.logger.Debugw("monitor read failed", "error", err)
		}
		m.mu.Lock()
		m.latest = Sample{Reading: r, Err: err, Time: time.Now()}
		m.have = true
		m.samples++
		m.mu.Unlock()
	}
}
