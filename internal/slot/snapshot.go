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

package slot

// Snapshot is a copy of a slot's state for status reporting.
type Snapshot struct {
	Slot               int     `json:"slot"`
	Mode               Mode    `json:"mode"`
	Voltage            float64 `json:"voltage"`
	Current            float64 `json:"current"`
	Power              float64 `json:"power"`
	Capacity           float64 `json:"capacity"`
	Energy             float64 `json:"energy"`
	Temperature        float64 `json:"temperature"`
	ElapsedSeconds     float64 `json:"elapsedSeconds"`
	Cycles             int     `json:"cycles"`
	CyclesTarget       int     `json:"cyclesTarget"`
	VoltageAfterCharge float64 `json:"voltageAfterCharge"`
	AverageCapacity    float64 `json:"averageCapacity"`
	AverageEnergy      float64 `json:"averageEnergy"`
	CellID             int     `json:"cellId,omitempty"`
	LogName            string  `json:"logName"`
}

func (s *Slot) Snapshot() Snapshot {
	return Snapshot{
		Slot:               s.cfg.Index,
		Mode:               s.mode,
		Voltage:            s.u,
		Current:            s.step.Current,
		Power:              s.step.Power,
		Capacity:           s.phase.Capacity,
		Energy:             s.phase.Energy,
		Temperature:        s.temperature,
		ElapsedSeconds:     float64(s.elapsed) / 1000,
		Cycles:             s.totals.Cycles,
		CyclesTarget:       s.cfg.CyclesTarget,
		VoltageAfterCharge: s.voltageAfterCharge,
		AverageCapacity:    s.avgCapacity,
		AverageEnergy:      s.avgEnergy,
		CellID:             s.cellID,
		LogName:            s.recorder.Name(),
	}
}
