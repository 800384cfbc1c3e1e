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

// Package thermal checks a slot's cell temperature against its safe range.
package thermal

import (
	"errors"
	"fmt"
)

// ErrSensorFault is reported when a temperature is outside the safe range or
// the sensor can not be read.
var ErrSensorFault = errors.New("temperature sensor fault")

// Sensor reads a 1-Wire temperature sensor by address.
type Sensor interface {
	ReadTemperature(address string) (float64, error)
}

// Limits is an inclusive temperature range in °C.
type Limits struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (l Limits) Validate() error {
	if l.Min > l.Max {
		return fmt.Errorf("temperature min %.1f is above max %.1f", l.Min, l.Max)
	}
	return nil
}

// Contains reports Min <= t <= Max.
func (l Limits) Contains(t float64) bool {
	return t >= l.Min && t <= l.Max
}

// Monitor watches the sensor of one slot. It only reports; forcing a slot
// into FAILED is up to the caller.
type Monitor struct {
	sensor  Sensor
	address string
	limits  Limits
	last    float64
	valid   bool
	lastErr error
}

func NewMonitor(sensor Sensor, address string, limits Limits) (*Monitor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{sensor: sensor, address: address, limits: limits}, nil
}

// ReadTemperature reads the sensor and keeps the value for IsWithinRange.
// A failed read invalidates the kept value.
func (m *Monitor) ReadTemperature() (float64, error) {
	t, err := m.sensor.ReadTemperature(m.address)
	if err != nil {
		m.valid = false
		m.lastErr = fmt.Errorf("reading sensor %s: %w", m.address, err)
		return 0, m.lastErr
	}
	m.last = t
	m.valid = true
	m.lastErr = nil
	return t, nil
}

// Last returns the last good reading and whether there is one.
func (m *Monitor) Last() (float64, bool) {
	return m.last, m.valid
}

// IsWithinRange is false when there is no valid reading.
func (m *Monitor) IsWithinRange() bool {
	return m.valid && m.limits.Contains(m.last)
}

// Check reads the sensor and returns an error wrapping ErrSensorFault when the
// reading is out of range or the read fails.
func (m *Monitor) Check() error {
	t, err := m.ReadTemperature()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSensorFault, err)
	}
	if !m.IsWithinRange() {
		return fmt.Errorf("%w: %.1f°C not in [%.1f, %.1f]", ErrSensorFault, t, m.limits.Min, m.limits.Max)
	}
	return nil
}
