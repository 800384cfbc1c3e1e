/*
cell-tester - Charge/discharge tester for rechargeable cells
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package analog converts oversampled raw ADC readings into volts.
package analog

import (
	"errors"
	"fmt"
	"time"
)

// Sampler takes a single raw ADC sample.
type Sampler interface {
	SampleAnalog() (int, error)
}

// Calibration is a fixed linear mapping from ADC counts to volts.
type Calibration struct {
	LowDigital   int           `yaml:"low_digital"`
	HighDigital  int           `yaml:"high_digital"`
	LowPhysical  float64       `yaml:"low_physical"`
	HighPhysical float64       `yaml:"high_physical"`
	RawMax       int           `yaml:"raw_max"`
	Oversampling int           `yaml:"oversampling"`
	SampleDelay  time.Duration `yaml:"sample_delay"`
}

func (c Calibration) Validate() error {
	if c.HighDigital == c.LowDigital {
		return errors.New("calibration digital range is empty")
	}
	if c.RawMax <= 0 {
		return fmt.Errorf("calibration raw_max must be positive, got %d", c.RawMax)
	}
	if c.Oversampling <= 0 {
		return fmt.Errorf("calibration oversampling must be positive, got %d", c.Oversampling)
	}
	if c.SampleDelay < 0 {
		return errors.New("calibration sample_delay can not be negative")
	}
	return nil
}

// ToVolts maps an averaged raw value to volts.
func (c Calibration) ToVolts(raw int) float64 {
	perStep := (c.HighPhysical - c.LowPhysical) / float64(c.HighDigital-c.LowDigital)
	return c.LowPhysical + float64(raw-c.LowDigital)*perStep
}

// MaxReadDuration is the upper bound on how long ReadVoltage blocks.
func (c Calibration) MaxReadDuration() time.Duration {
	return time.Duration(c.Oversampling) * c.SampleDelay
}

var sleepFn = time.Sleep

// Reader reads a calibrated voltage from one analog input.
type Reader struct {
	sampler Sampler
	cal     Calibration
}

func NewReader(sampler Sampler, cal Calibration) (*Reader, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &Reader{sampler: sampler, cal: cal}, nil
}

// ReadVoltage takes Oversampling samples, clamps each to [0, RawMax] and maps
// the truncated integer average to volts. It blocks for up to
// Calibration.MaxReadDuration and can not be cancelled.
func (r *Reader) ReadVoltage() (float64, error) {
	sum := 0
	for i := 0; i < r.cal.Oversampling; i++ {
		raw, err := r.sampler.SampleAnalog()
		if err != nil {
			return 0, fmt.Errorf("analog sample %d: %w", i, err)
		}
		sum += clamp(raw, 0, r.cal.RawMax)
		sleepFn(r.cal.SampleDelay)
	}
	return r.cal.ToVolts(sum / r.cal.Oversampling), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
