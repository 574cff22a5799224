package main

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/gearprecision/bench"
	"github.com/nasa-jpl/gearprecision/esp32"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/stability"
	"github.com/nasa-jpl/gearprecision/tamagawa"
	"github.com/nasa-jpl/gearprecision/util"
	"go.uber.org/zap"
)

// mockSettle is how long the simulated shaft rings after a move
const mockSettle = 300 * time.Millisecond

// MotorConfig locates the motor bridge
type MotorConfig struct {
	// Addr is the host or URL of the bridge, e.g. 192.168.4.1
	Addr string `koanf:"addr" yaml:"addr"`

	// TimeoutSec bounds each command
	TimeoutSec float64 `koanf:"timeout_sec" yaml:"timeout_sec"`
}

// EncoderConfig locates the encoder
type EncoderConfig struct {
	// Port is the serial device, e.g. /dev/ttyUSB0 or COM43
	Port string `koanf:"port" yaml:"port"`
	Baud int    `koanf:"baud" yaml:"baud"`
}

// TimingConfig is precision.Timing in seconds
type TimingConfig struct {
	ClearSettleSec   float64 `koanf:"clear_settle_sec" yaml:"clear_settle_sec"`
	EnableSettleSec  float64 `koanf:"enable_settle_sec" yaml:"enable_settle_sec"`
	MoveSettleSec    float64 `koanf:"move_settle_sec" yaml:"move_settle_sec"`
	DisableSettleSec float64 `koanf:"disable_settle_sec" yaml:"disable_settle_sec"`
	PaceSec          float64 `koanf:"pace_sec" yaml:"pace_sec"`
}

// StabilityConfig tunes the stability detector
type StabilityConfig struct {
	Window      int     `koanf:"window" yaml:"window"`
	TimeoutSec  float64 `koanf:"timeout_sec" yaml:"timeout_sec"`
	IntervalSec float64 `koanf:"interval_sec" yaml:"interval_sec"`
}

// LogConfig configures the logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `koanf:"level" yaml:"level"`

	// Development selects human readable console output over JSON
	Development bool `koanf:"development" yaml:"development"`
}

// Config is a struct that holds everything precisiontest needs.  It is
// populated from defaults, then precision.yml, then PRECISION_ variables.
type Config struct {
	// Addr is the address serve listens at
	Addr string `koanf:"addr" yaml:"addr"`

	// Mock replaces the motor and encoder with simulations
	Mock bool `koanf:"mock" yaml:"mock"`

	Motor     MotorConfig        `koanf:"motor" yaml:"motor"`
	Encoder   EncoderConfig      `koanf:"encoder" yaml:"encoder"`
	Test      precision.Settings `koanf:"test" yaml:"test"`
	Timing    TimingConfig       `koanf:"timing" yaml:"timing"`
	Stability StabilityConfig    `koanf:"stability" yaml:"stability"`

	// MonitorIntervalSec is the live angle polling period of serve
	MonitorIntervalSec float64 `koanf:"monitor_interval_sec" yaml:"monitor_interval_sec"`

	// ResultsDir receives a CSV of every run
	ResultsDir string `koanf:"results_dir" yaml:"results_dir"`

	// Threshold is the step error tolerance, degrees
	Threshold float64 `koanf:"threshold" yaml:"threshold"`

	Log LogConfig `koanf:"log" yaml:"log"`
}

// DefaultConfig is the configuration written by mkconf
func DefaultConfig() Config {
	t := precision.DefaultTiming()
	return Config{
		Addr:    ":8000",
		Motor:   MotorConfig{Addr: esp32.DefaultAddr, TimeoutSec: esp32.DefaultTimeout.Seconds()},
		Encoder: EncoderConfig{Port: "/dev/ttyUSB0", Baud: tamagawa.DefaultBaud},
		Test:    precision.DefaultSettings(),
		Timing: TimingConfig{
			ClearSettleSec:   t.ClearSettle.Seconds(),
			EnableSettleSec:  t.EnableSettle.Seconds(),
			MoveSettleSec:    t.MoveSettle.Seconds(),
			DisableSettleSec: t.DisableSettle.Seconds(),
			PaceSec:          t.Pace.Seconds(),
		},
		Stability: StabilityConfig{
			Window:      stability.DefaultWindow,
			TimeoutSec:  stability.DefaultTimeout.Seconds(),
			IntervalSec: stability.DefaultInterval.Seconds(),
		},
		MonitorIntervalSec: 0.1,
		ResultsDir:         "results",
		Threshold:          precision.DefaultThreshold,
		Log:                LogConfig{Level: "info", Development: true},
	}
}

// PrecisionTiming converts the timing section to durations
func (t TimingConfig) PrecisionTiming() precision.Timing {
	return precision.Timing{
		ClearSettle:   util.SecsToDuration(t.ClearSettleSec),
		EnableSettle:  util.SecsToDuration(t.EnableSettleSec),
		MoveSettle:    util.SecsToDuration(t.MoveSettleSec),
		DisableSettle: util.SecsToDuration(t.DisableSettleSec),
		Pace:          util.SecsToDuration(t.PaceSec),
	}
}

// Detector builds a stability detector from the stability section
func (c Config) Detector(logger *zap.SugaredLogger) *stability.Detector {
	d := stability.New(logger)
	d.Window = c.Stability.Window
	d.Timeout = util.SecsToDuration(c.Stability.TimeoutSec)
	d.Interval = util.SecsToDuration(c.Stability.IntervalSec)
	return d
}

// BenchConfig converts to the bench's configuration
func (c Config) BenchConfig() bench.Config {
	return bench.Config{
		Timing:          c.Timing.PrecisionTiming(),
		Window:          c.Stability.Window,
		SettleTimeout:   util.SecsToDuration(c.Stability.TimeoutSec),
		SampleInterval:  util.SecsToDuration(c.Stability.IntervalSec),
		MonitorInterval: util.SecsToDuration(c.MonitorIntervalSec),
		ResultsDir:      c.ResultsDir,
		Threshold:       c.Threshold,
	}
}

// Hardware opens the motor and encoder, or their simulations when Mock is set.
// The encoder port is opened lazily on first read.
func (c Config) Hardware(logger *zap.SugaredLogger) (precision.Motor, *tamagawa.Encoder, error) {
	if c.Mock {
		if err := c.Test.Validate(); err != nil {
			return nil, nil, fmt.Errorf("mock hardware needs valid gear settings: %w", err)
		}
		ctrl := esp32.NewMockController(c.Test.DegPerUnit(), mockSettle)
		logger.Infow("using simulated motor and encoder")
		return ctrl, tamagawa.NewEncoder(tamagawa.MockMaker(ctrl.Angle), logger.Named("encoder")), nil
	}
	if c.Encoder.Port == "" {
		return nil, nil, fmt.Errorf("no encoder port configured")
	}
	motor := esp32.NewClient(c.Motor.Addr, util.SecsToDuration(c.Motor.TimeoutSec), logger.Named("motor"))
	enc := tamagawa.NewSerialEncoder(c.Encoder.Port, c.Encoder.Baud, logger.Named("encoder"))
	return motor, enc, nil
}

// Logger builds the logger described by the log section
func (l LogConfig) Logger() (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if l.Level != "" {
		lvl, err := zap.ParseAtomicLevel(l.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
