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

// Package hardware connects the tester to the fixture: relay pins, the ADC
// and the 1-Wire temperature sensors, or a simulated fixture.
package hardware

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var sleepFn = time.Sleep

// Init loads the periph host drivers. It must be called before OpenPin or
// opening an I2C bus.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init host drivers: %w", err)
	}
	return nil
}

// OpenPin looks up a GPIO pin by name and drives it to the initial level.
func OpenPin(name string, initial gpio.Level) (gpio.PinIO, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("GPIO pin %s not found", name)
	}
	if err := pin.Out(initial); err != nil {
		return nil, fmt.Errorf("failed to set %s to %s: %w", name, initial, err)
	}
	return pin, nil
}
