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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sigurn/crc8"
)

const DefaultW1Root = "/sys/bus/w1/devices"

var (
	errW1BadCRC     = errors.New("scratchpad CRC mismatch")
	errW1PowerOnVal = errors.New("sensor returned its power-on value")
)

// DS18B20 reads 85°C until its first conversion completes.
const ds18b20PowerOnRaw = 0x0550

var w1CRCTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31, // Dallas/Maxim 1 + x^4 + x^5 + x^8
	Init:   0x00,
	RefIn:  true,
	RefOut: true,
	XorOut: 0x00,
})

// W1Thermometer reads DS18B20 sensors through the kernel w1 sysfs interface.
type W1Thermometer struct {
	root       string
	attempts   int
	retryDelay time.Duration
}

func NewW1Thermometer(root string) *W1Thermometer {
	if root == "" {
		root = DefaultW1Root
	}
	return &W1Thermometer{root: root, attempts: 3, retryDelay: 100 * time.Millisecond}
}

// ReadTemperature returns the temperature in °C of the sensor at address,
// retrying reads that fail their CRC.
func (w *W1Thermometer) ReadTemperature(address string) (float64, error) {
	if address == "" || filepath.Base(address) != address {
		return 0, fmt.Errorf("invalid 1-Wire address %q", address)
	}
	path := filepath.Join(w.root, address, "w1_slave")

	var err error
	for i := 0; i < w.attempts; i++ {
		if i > 0 {
			sleepFn(w.retryDelay)
		}
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			continue
		}
		var t float64
		t, err = parseW1Slave(data)
		if err == nil {
			return t, nil
		}
	}
	return 0, fmt.Errorf("sensor %s: %w", address, err)
}

// parseW1Slave parses w1_slave output, for example
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseW1Slave(data []byte) (float64, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	fields := strings.Fields(lines[0])
	if len(fields) < 12 || fields[9] != ":" {
		return 0, fmt.Errorf("unexpected w1_slave format: %q", lines[0])
	}

	scratchpad := make([]byte, 9)
	for i := range scratchpad {
		b, err := strconv.ParseUint(fields[i], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("bad scratchpad byte %q: %w", fields[i], err)
		}
		scratchpad[i] = byte(b)
	}
	if crc8.Checksum(scratchpad[:8], w1CRCTable) != scratchpad[8] || fields[11] != "YES" {
		return 0, errW1BadCRC
	}

	raw := int16(uint16(scratchpad[1])<<8 | uint16(scratchpad[0]))
	if raw == ds18b20PowerOnRaw {
		return 0, errW1PowerOnVal
	}
	return float64(raw) / 16, nil
}
