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

package hardware

import (
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/TheCacophonyProject/cell-tester/internal/analog"
)

// Simulated cell behaviour.
const (
	SimFullVoltage  = 4.2
	SimEmptyVoltage = 2.5
)

// Simulator is a fixture of simulated cells, one per slot. A cell charges
// while its relay is high and discharges while it is low.
type Simulator struct {
	mu    sync.Mutex
	now   func() time.Time
	speed float64
	cells map[int]*SimCell
}

// NewSimulator returns an empty fixture. speed scales simulated time against
// the clock, so 60 runs a minute of charging per second.
func NewSimulator(now func() time.Time, speed float64) *Simulator {
	if now == nil {
		now = time.Now
	}
	if speed <= 0 {
		speed = 1
	}
	return &Simulator{now: now, speed: speed, cells: map[int]*SimCell{}}
}

// AddSlot adds a slot with its sensor address. The slot starts empty.
func (s *Simulator) AddSlot(slot int, sensorAddress string, cal analog.Calibration) *SimCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &SimCell{
		sim:           s,
		sensorAddress: sensorAddress,
		cal:           cal,
		level:         gpio.High,
		temperature:   25,
		chargeRate:    0.5 / 3600,
		dischargeRate: 1.5 / 3600,
		last:          s.now(),
	}
	s.cells[slot] = c
	return c
}

func (s *Simulator) Slot(slot int) (*SimCell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[slot]
	if !ok {
		return nil, fmt.Errorf("no simulated slot %d", slot)
	}
	return c, nil
}

// ReadTemperature returns the temperature of the cell whose sensor has the
// given address.
func (s *Simulator) ReadTemperature(address string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cells {
		if c.sensorAddress == address {
			c.mu.Lock()
			t := c.temperature
			c.mu.Unlock()
			return t, nil
		}
	}
	return 0, fmt.Errorf("no simulated sensor %s", address)
}

// SimCell is one simulated slot. It is the slot's sampler and relay.
type SimCell struct {
	sim           *Simulator
	sensorAddress string
	cal           analog.Calibration

	mu            sync.Mutex
	present       bool
	voltage       float64
	level         gpio.Level
	temperature   float64
	chargeRate    float64 // V per simulated second
	dischargeRate float64
	last          time.Time
}

// Insert puts a cell at the given voltage into the slot.
func (c *SimCell) Insert(voltage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = true
	c.voltage = voltage
	c.last = c.sim.now()
}

func (c *SimCell) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = false
	c.voltage = 0
}

func (c *SimCell) SetTemperature(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = t
}

// SetRates sets charge and discharge speed in volts per simulated hour.
func (c *SimCell) SetRates(charge, discharge float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargeRate = charge / 3600
	c.dischargeRate = discharge / 3600
}

func (c *SimCell) Voltage() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.voltage
}

func (c *SimCell) Level() gpio.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *SimCell) Out(l gpio.Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	c.level = l
	return nil
}

// SampleAnalog returns the raw ADC count for the cell voltage.
func (c *SimCell) SampleAnalog() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	perStep := (c.cal.HighPhysical - c.cal.LowPhysical) / float64(c.cal.HighDigital-c.cal.LowDigital)
	return int(math.Round(c.voltage / perStep)), nil
}

func (c *SimCell) advance() {
	now := c.sim.now()
	dt := now.Sub(c.last).Seconds() * c.sim.speed
	c.last = now
	if !c.present || dt <= 0 {
		return
	}
	if c.level == gpio.High {
		c.voltage = math.Min(SimFullVoltage, c.voltage+c.chargeRate*dt)
	} else {
		c.voltage = math.Max(SimEmptyVoltage, c.voltage-c.dischargeRate*dt)
	}
}
