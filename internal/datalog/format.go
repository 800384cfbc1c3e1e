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

package datalog

import (
	"bytes"
	"fmt"
	"strings"
)

// A log file is a fixed-size reserved prefix followed by an append-only body.
//
//	ReservedLines x (LineWidth chars + '\n')   summary, blank until finalized
//	'=' x LineWidth
//	column header
//	'=' x LineWidth
//	data rows, with '-' x LineWidth between charge and discharge sections
const (
	ReservedLines = 8
	LineWidth     = 80
	ReservedSize  = ReservedLines * (LineWidth + 1)

	ColumnHeader = "t(s)\tU(V)\tI(mA)\tP(mW)\tC(mAh)\te(mWh)\tT(dC)"
)

var (
	headerSeparator  = strings.Repeat("=", LineWidth)
	sectionSeparator = strings.Repeat("-", LineWidth)
)

// Row is one sample of a slot.
type Row struct {
	Seconds     float64
	Voltage     float64
	Current     float64
	Power       float64
	Capacity    float64
	Energy      float64
	Temperature float64
}

// Summary is written into the reserved prefix when a test finishes.
type Summary struct {
	// CellID is the permanent identity, 0 if it could not be allocated.
	CellID             int
	VoltageAfterCharge float64
	Cycles             int
	AverageEnergy      float64
	AverageCapacity    float64
	Result             string
}

// FormatRow renders a data row, tab separated and newline terminated.
func FormatRow(r Row) string {
	return fmt.Sprintf("%.2f\t%.4f\t%.4f\t%.2f\t%.2f\t%.2f\t%.1f\n",
		r.Seconds, r.Voltage, r.Current, r.Power, r.Capacity, r.Energy, r.Temperature)
}

// Header is written once when a log file is created.
func Header() []byte {
	var b bytes.Buffer
	blank := strings.Repeat(" ", LineWidth)
	for i := 0; i < ReservedLines; i++ {
		b.WriteString(blank)
		b.WriteByte('\n')
	}
	b.WriteString(headerSeparator + "\n")
	b.WriteString(ColumnHeader + "\n")
	b.WriteString(headerSeparator + "\n")
	return b.Bytes()
}

// SummaryBlock renders s into exactly ReservedSize bytes.
func SummaryBlock(s Summary) []byte {
	id := "unassigned"
	if s.CellID > 0 {
		id = fmt.Sprintf("%d", s.CellID)
	}
	lines := []string{
		"Cell ID: " + id,
		headerSeparator,
		fmt.Sprintf("Voltage after last charge (V): %.4f", s.VoltageAfterCharge),
		fmt.Sprintf("Discharge cycles: %d", s.Cycles),
		fmt.Sprintf("Average energy (mWh): %.2f", s.AverageEnergy),
		fmt.Sprintf("Average capacity (mAh): %.2f", s.AverageCapacity),
		headerSeparator,
		"Result: " + s.Result,
	}

	var b bytes.Buffer
	for _, l := range lines {
		if len(l) > LineWidth {
			l = l[:LineWidth]
		}
		b.WriteString(l)
		b.WriteString(strings.Repeat(" ", LineWidth-len(l)))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func SlotFileName(slot int) string {
	return fmt.Sprintf("slot_%d.log", slot)
}

func CellFileName(id int) string {
	return fmt.Sprintf("cell_%d.log", id)
}
