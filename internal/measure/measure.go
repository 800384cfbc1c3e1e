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

// Package measure derives current and power from a shunt voltage and
// integrates capacity and energy.
package measure

const msPerHour = 1000.0 * 3600.0

// Step is the result of one integration step.
type Step struct {
	Current   float64 // mA
	Power     float64 // mW
	DCapacity float64 // mAh
	DEnergy   float64 // mWh
}

type Integrator struct {
	ShuntOhms float64
}

// Update integrates one sample. The sample is held constant over the whole
// elapsed interval (rectangular integration).
func (in Integrator) Update(voltage float64, dtMillis uint64) Step {
	current := voltage / in.ShuntOhms * 1000
	power := voltage * current
	dt := float64(dtMillis)
	return Step{
		Current:   current,
		Power:     power,
		DCapacity: current * dt / msPerHour,
		DEnergy:   power * dt / msPerHour,
	}
}

// Accumulator holds the capacity and energy of the running phase.
type Accumulator struct {
	Capacity float64 // mAh
	Energy   float64 // mWh
}

func (a *Accumulator) Add(s Step) {
	a.Capacity += s.DCapacity
	a.Energy += s.DEnergy
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// CycleTotals sums the results of completed discharge cycles. Sums are only
// turned into averages by Average.
type CycleTotals struct {
	Capacity float64
	Energy   float64
	Cycles   int
}

// Fold adds a finished cycle.
func (c *CycleTotals) Fold(a Accumulator) {
	c.Capacity += a.Capacity
	c.Energy += a.Energy
	c.Cycles++
}

// Average returns the mean capacity and energy per completed cycle, zero when
// no cycle completed.
func (c CycleTotals) Average() (capacity, energy float64) {
	if c.Cycles == 0 {
		return 0, 0
	}
	n := float64(c.Cycles)
	return c.Capacity / n, c.Energy / n
}
