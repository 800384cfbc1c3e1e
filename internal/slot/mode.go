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

import "fmt"

// Mode is the lifecycle state of a slot.
type Mode int

const (
	Empty Mode = iota
	First
	Charge
	Discharge
	Tested
	Failed
)

var modeNames = map[Mode]string{
	Empty:     "EMPTY",
	First:     "FIRST",
	Charge:    "CHARGE",
	Discharge: "DISCHARGE",
	Tested:    "TESTED",
	Failed:    "FAILED",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Active modes take measurements.
func (m Mode) Active() bool {
	return m == First || m == Charge || m == Discharge
}

// Terminal modes end a test and are left only by removing the cell.
func (m Mode) Terminal() bool {
	return m == Tested || m == Failed
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	for mode, name := range modeNames {
		if name == string(text) {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", text)
}
