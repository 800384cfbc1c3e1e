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

	"github.com/godbus/dbus"
)

const (
	i2cServiceName = "org.cacophony.i2c"
	i2cServicePath = "/org/cacophony/i2c"
)

// ServiceConn talks to an I2C device through the i2c dbus service, for
// fixtures where another process owns the bus.
type ServiceConn struct {
	Addr      byte
	TimeoutMs int
}

func (c ServiceConn) Tx(w, r []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	obj := conn.Object(i2cServiceName, i2cServicePath)

	var response []byte
	if err := obj.Call(i2cServiceName+".Tx", 0, c.Addr, w, len(r), c.TimeoutMs).Store(&response); err != nil {
		return err
	}
	if len(response) != len(r) {
		return fmt.Errorf("expected %d bytes from 0x%X, got %d", len(r), c.Addr, len(response))
	}
	copy(r, response)
	return nil
}
