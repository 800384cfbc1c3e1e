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

// Package slot runs the charge/discharge test of the cell in one slot.
//
// The driving loop polls a slot with CheckIfReplacedOrEmpty, then for active
// modes TemperatureRangeOkay, Update and Charging or Discharging, and calls
// Finalize once the slot reaches a terminal mode. The slot moves between
// modes and sets its actuator itself; callers only read Mode.
package slot

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/TheCacophonyProject/cell-tester/internal/datalog"
	"github.com/TheCacophonyProject/cell-tester/internal/measure"
)

const (
	// PresenceThreshold is the voltage below which a slot is empty.
	PresenceThreshold = 0.5
	// ChargeAccept is the voltage below which a cell is always still charging.
	ChargeAccept = 4.1
	// DischargeCutoff ends a discharge once the voltage drops below it.
	DischargeCutoff = 2.60

	PlateauWindow    = 20
	PlateauTolerance = 1e-5
)

// Output levels of the charge/discharge relay. The relay has no off
// position, so idle shares the charge path. That keeps the discharge load
// disconnected, and the charger module stops on its own once the cell is
// full.
const (
	LevelIdle      = gpio.High
	LevelCharge    = gpio.High
	LevelDischarge = gpio.Low
)

var (
	ErrNotFinished = errors.New("slot test has not finished")
	// ErrVoltageRead means no sample was taken this poll.
	ErrVoltageRead = errors.New("voltage read failed")
)

type VoltageReader interface {
	ReadVoltage() (float64, error)
}

// TemperatureMonitor reads the cell temperature. Check returns an error
// wrapping thermal.ErrSensorFault when the temperature is out of range or can
// not be read.
type TemperatureMonitor interface {
	Check() error
	Last() (float64, bool)
}

// Actuator switches the slot between charging and discharging.
type Actuator interface {
	Out(l gpio.Level) error
}

type Recorder interface {
	Name() string
	Begin() error
	WriteRow(r datalog.Row) error
	WriteSeparator() error
	Finalize(s datalog.Summary) error
	Rename(newName string) error
}

// Clock is a monotonic millisecond clock.
type Clock interface {
	Millis() uint64
}

type IdentityAllocator interface {
	Next() (int, error)
}

type Config struct {
	Index         int
	CyclesTarget  int
	WriteInterval time.Duration
	ShuntOhms     float64
}

func (c Config) Validate() error {
	if c.CyclesTarget < 1 {
		return fmt.Errorf("slot %d: discharge cycles must be at least 1", c.Index)
	}
	if c.ShuntOhms <= 0 {
		return fmt.Errorf("slot %d: shunt resistance must be positive", c.Index)
	}
	if c.WriteInterval < 0 {
		return fmt.Errorf("slot %d: write interval can not be negative", c.Index)
	}
	return nil
}

type Slot struct {
	cfg        Config
	voltage    VoltageReader
	monitor    TemperatureMonitor
	actuator   Actuator
	recorder   Recorder
	clock      Clock
	integrator measure.Integrator

	mode Mode

	origin     uint64 // clock time the test started
	elapsed    uint64 // ms since origin at the last update
	sinceWrite uint64

	u           float64
	step        measure.Step
	temperature float64
	phase       measure.Accumulator
	totals      measure.CycleTotals
	plateau     plateau

	voltageAfterCharge float64
	avgCapacity        float64
	avgEnergy          float64

	finalized bool
	cellID    int
}

func New(
	cfg Config,
	voltage VoltageReader,
	monitor TemperatureMonitor,
	actuator Actuator,
	recorder Recorder,
	clock Clock,
) (*Slot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Slot{
		cfg:        cfg,
		voltage:    voltage,
		monitor:    monitor,
		actuator:   actuator,
		recorder:   recorder,
		clock:      clock,
		integrator: measure.Integrator{ShuntOhms: cfg.ShuntOhms},
		mode:       Empty,
	}
	s.Reset()
	return s, nil
}

func (s *Slot) Index() int {
	return s.cfg.Index
}

func (s *Slot) Mode() Mode {
	return s.mode
}

// CheckIfReplacedOrEmpty reads the voltage and reports true on the edge into
// EMPTY and on the edge from EMPTY into FIRST. A new test is started on the
// FIRST edge.
func (s *Slot) CheckIfReplacedOrEmpty() (bool, error) {
	u, err := s.voltage.ReadVoltage()
	if err != nil {
		return false, fmt.Errorf("slot %d: %w: %w", s.cfg.Index, ErrVoltageRead, err)
	}

	if u < PresenceThreshold {
		wasEmpty := s.mode == Empty
		err := s.setMode(Empty)
		s.Reset()
		return !wasEmpty, err
	}

	if s.mode != Empty {
		return false, nil
	}
	s.Reset()
	s.u = u
	err = multierr.Append(s.setMode(First), s.recorder.Begin())
	return true, err
}

// Update takes a measurement and integrates it. A row is written once more
// than the write interval has passed since the last row. Nothing happens in
// modes that are not active.
func (s *Slot) Update() error {
	if !s.mode.Active() {
		return nil
	}
	u, err := s.voltage.ReadVoltage()
	if err != nil {
		return fmt.Errorf("slot %d: %w: %w", s.cfg.Index, ErrVoltageRead, err)
	}

	now := s.clock.Millis()
	var t uint64
	if now > s.origin {
		t = now - s.origin
	}
	var dt uint64
	if t > s.elapsed {
		dt = t - s.elapsed
	}
	s.elapsed = t
	s.sinceWrite += dt

	s.u = u
	s.step = s.integrator.Update(u, dt)
	s.phase.Add(s.step)

	if s.sinceWrite <= uint64(s.cfg.WriteInterval.Milliseconds()) {
		return nil
	}
	s.sinceWrite = 0
	return s.recorder.WriteRow(s.row())
}

// Charging reports whether the cell is still charging, using the voltage from
// the last Update. A completed charge writes a separator and starts the
// discharge.
func (s *Slot) Charging() (bool, error) {
	if s.mode != First && s.mode != Charge {
		return false, nil
	}

	if s.u < ChargeAccept {
		s.plateau.breakRun()
		return true, s.enterCharge()
	}
	if !s.plateau.push(s.u) {
		return true, s.enterCharge()
	}

	s.voltageAfterCharge = s.u
	err := s.recorder.WriteSeparator()
	s.phase.Reset()
	s.plateau.reset()
	return false, multierr.Append(err, s.setMode(Discharge))
}

func (s *Slot) enterCharge() error {
	if s.mode == Charge {
		return nil
	}
	return s.setMode(Charge)
}

// Discharging reports whether the cell is still discharging. A completed
// discharge writes a separator, counts the cycle and moves on to TESTED or the
// next charge.
func (s *Slot) Discharging() (bool, error) {
	if s.mode != Discharge {
		return false, nil
	}
	if s.u >= DischargeCutoff {
		return true, nil
	}

	err := s.recorder.WriteSeparator()
	s.totals.Fold(s.phase)
	s.phase.Reset()
	next := Charge
	if s.CheckIfFullyTested() {
		next = Tested
	}
	return false, multierr.Append(err, s.setMode(next))
}

// CheckIfFullyTested is true once the target number of discharges completed.
func (s *Slot) CheckIfFullyTested() bool {
	return s.totals.Cycles >= s.cfg.CyclesTarget
}

// TemperatureRangeOkay reads the temperature and forces an active slot into
// FAILED when it is out of range or can not be read. The returned error then
// wraps thermal.ErrSensorFault.
func (s *Slot) TemperatureRangeOkay() (bool, error) {
	err := s.monitor.Check()
	if t, ok := s.monitor.Last(); ok {
		s.temperature = t
	}
	if err == nil {
		return true, nil
	}
	err = fmt.Errorf("slot %d: %w", s.cfg.Index, err)
	if s.mode.Active() {
		err = multierr.Append(err, s.setMode(Failed))
	}
	return false, err
}

// CorrectAverageData turns the cycle sums into per cycle averages. Averages
// are zero when no cycle completed.
func (s *Slot) CorrectAverageData() {
	s.avgCapacity, s.avgEnergy = s.totals.Average()
}

// Reset clears all measurements of the current test and restarts its clock.
// The mode is left unchanged.
func (s *Slot) Reset() {
	s.origin = s.clock.Millis()
	s.elapsed = 0
	s.sinceWrite = 0
	s.u = 0
	s.step = measure.Step{}
	s.temperature = 0
	s.phase.Reset()
	s.totals = measure.CycleTotals{}
	s.plateau.reset()
	s.voltageAfterCharge = 0
	s.avgCapacity = 0
	s.avgEnergy = 0
	s.finalized = false
	s.cellID = 0
}

// Finalize closes a finished test once: it computes the averages, allocates
// the cell identity, writes the summary and renames the log after the cell.
// When no identity can be allocated the summary is still written, marked
// unassigned, and the log keeps its slot name.
func (s *Slot) Finalize(alloc IdentityAllocator) (int, error) {
	if !s.mode.Terminal() {
		return 0, ErrNotFinished
	}
	if s.finalized {
		return s.cellID, nil
	}
	s.finalized = true
	s.CorrectAverageData()

	id, allocErr := alloc.Next()
	if allocErr == nil {
		s.cellID = id
	}
	if err := s.recorder.Finalize(s.summary()); err != nil {
		return s.cellID, multierr.Append(allocErr, err)
	}
	if allocErr != nil {
		return 0, allocErr
	}
	return id, s.recorder.Rename(datalog.CellFileName(id))
}

// Finalized is true once Finalize ran for the current test.
func (s *Slot) Finalized() bool {
	return s.finalized
}

// Idle sets the actuator to the idle level without changing the mode.
func (s *Slot) Idle() error {
	return s.actuator.Out(LevelIdle)
}

func (s *Slot) setMode(m Mode) error {
	s.mode = m
	level := LevelIdle
	switch m {
	case Charge:
		level = LevelCharge
	case Discharge:
		level = LevelDischarge
	}
	if err := s.actuator.Out(level); err != nil {
		return fmt.Errorf("slot %d: setting output for %s: %w", s.cfg.Index, m, err)
	}
	return nil
}

func (s *Slot) row() datalog.Row {
	return datalog.Row{
		Seconds:     float64(s.elapsed) / 1000,
		Voltage:     s.u,
		Current:     s.step.Current,
		Power:       s.step.Power,
		Capacity:    s.phase.Capacity,
		Energy:      s.phase.Energy,
		Temperature: s.temperature,
	}
}

func (s *Slot) summary() datalog.Summary {
	return datalog.Summary{
		CellID:             s.cellID,
		VoltageAfterCharge: s.voltageAfterCharge,
		Cycles:             s.totals.Cycles,
		AverageEnergy:      s.avgEnergy,
		AverageCapacity:    s.avgCapacity,
		Result:             s.mode.String(),
	}
}
