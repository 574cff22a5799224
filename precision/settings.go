// Package precision measures how precisely a geared motor reaches a series of
// commanded positions.
//
// Plan turns Settings into target positions, and a Sequencer drives each
// target through the motor and waits for the encoder to settle, folding every
// settled angle into an Accumulator of step and cumulative errors.  The
// package never corrects the motor; it only measures.
package precision

import (
	"errors"
	"fmt"
	"math"

	"github.com/nasa-jpl/gearprecision/mathx"
	"go.uber.org/multierr"
)

const (
	// MaxRangeDegrees is the largest angular range a single run may cover
	MaxRangeDegrees = 720

	// MaxPositions is the largest plan a single run may have
	MaxPositions = 10000
)

// ErrValidation is the class of errors for settings that may not be run
var ErrValidation = errors.New("precision: invalid settings")

// ValidationError describes one illegal setting
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("precision: invalid %s: %s", e.Field, e.Reason)
}

// Is makes ValidationError an ErrValidation
func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// Settings describe one precision run
type Settings struct {
	// StartPosition is the first commanded position, in motor units
	StartPosition float64 `json:"startPosition" koanf:"start_position" yaml:"start_position"`

	// RangeDegrees is the output shaft angle the run should cover
	RangeDegrees float64 `json:"rangeDegrees" koanf:"range_degrees" yaml:"range_degrees"`

	// StepInterval is the increment between positions, in motor units
	StepInterval float64 `json:"stepInterval" koanf:"step_interval" yaml:"step_interval"`

	// ReductionRatio is the external gearbox ratio
	ReductionRatio float64 `json:"reductionRatio" koanf:"reduction_ratio" yaml:"reduction_ratio"`

	// InternalParam is the motor's internal units per revolution
	InternalParam float64 `json:"internalParam" koanf:"internal_param" yaml:"internal_param"`

	// Description labels the run and names its result file
	Description string `json:"description" koanf:"description" yaml:"description"`
}

// DefaultSettings returns the settings the bench ships with
func DefaultSettings() Settings {
	return Settings{
		StartPosition:  32,
		RangeDegrees:   360,
		StepInterval:   0.8,
		ReductionRatio: 19.24,
		InternalParam:  8,
		Description:    "test",
	}
}

// Validate returns every reason the settings may not be run, or nil
func (s Settings) Validate() error {
	var err error
	if !(s.InternalParam > 0) {
		err = multierr.Append(err, ValidationError{"internal motor parameter", "must be greater than 0"})
	}
	if !(s.ReductionRatio > 0) {
		err = multierr.Append(err, ValidationError{"reduction ratio", "must be greater than 0"})
	}
	if !(s.RangeDegrees > 0 && s.RangeDegrees <= MaxRangeDegrees) {
		err = multierr.Append(err, ValidationError{"target angle range", fmt.Sprintf("must be within (0, %d] degrees", MaxRangeDegrees)})
	}
	if !(s.StepInterval > 0) {
		err = multierr.Append(err, ValidationError{"step interval", "must be greater than 0"})
	}
	if err == nil {
		if n := s.planLength(); !(n <= MaxPositions) {
			err = ValidationError{"step interval", fmt.Sprintf("gives %.0f positions, at most %d are allowed", n, MaxPositions)}
		}
	}
	return err
}

// planLength is the number of positions Plan produces for valid settings
func (s Settings) planLength() float64 {
	return math.Floor(s.RangeDegrees/s.TheoreticalStep()) + 1
}

// Normalize fills in defaults for optional fields
func (s Settings) Normalize() Settings {
	if s.Description == "" {
		s.Description = "test"
	}
	return s
}

// DegPerUnit is the output shaft angle per motor position unit
func (s Settings) DegPerUnit() float64 {
	return 360 / s.ReductionRatio / s.InternalParam
}

// TheoreticalStep is the expected output angle change per StepInterval
func (s Settings) TheoreticalStep() float64 {
	return s.DegPerUnit() * s.StepInterval
}

// NominalAngle is where pos should put the output shaft, [0, 360)
func (s Settings) NominalAngle(pos float64) float64 {
	return mathx.WrapDegrees(pos * s.DegPerUnit())
}
