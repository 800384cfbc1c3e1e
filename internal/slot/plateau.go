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

import "math"

// plateau detects the end of a charge: the last PlateauWindow samples all
// within PlateauTolerance of each other and of their mean.
type plateau struct {
	window [PlateauWindow]float64
	next   int
	filled int
	sum    float64

	// run counts consecutive samples within PlateauTolerance of runStart.
	run      int
	runStart float64
}

func (p *plateau) reset() {
	*p = plateau{}
}

// breakRun is called for samples that never enter the window.
func (p *plateau) breakRun() {
	p.run = 0
}

// push adds a sample and reports whether the voltage is flat.
func (p *plateau) push(u float64) bool {
	old := p.window[p.next]
	p.window[p.next] = u
	p.next = (p.next + 1) % PlateauWindow
	if p.filled < PlateauWindow {
		p.filled++
		p.sum += u
	} else {
		p.sum += u - old
	}
	if p.next == 0 {
		// Recompute once per lap so rounding does not build up.
		p.sum = 0
		for _, v := range p.window {
			p.sum += v
		}
	}

	if p.run == 0 || math.Abs(u-p.runStart) >= PlateauTolerance {
		p.run = 1
		p.runStart = u
	} else {
		p.run++
	}

	if p.run < PlateauWindow {
		return false
	}
	return math.Abs(u-p.mean()) < PlateauTolerance
}

func (p *plateau) mean() float64 {
	if p.filled == 0 {
		return 0
	}
	return p.sum / float64(p.filled)
}
