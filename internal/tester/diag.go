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

package tester

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/multierr"
)

var cmdlineFile = "/boot/firmware/cmdline.txt"

var errSerialUnavailable = errors.New("serial port unavailable")

// serialInUseFromTerminal reports whether the kernel console is on the
// serial port.
func serialInUseFromTerminal() bool {
	b, err := os.ReadFile(cmdlineFile)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), "console=serial0")
}

// diagSerial mirrors the diagnostic log to a serial console. The device is
// locked for as long as it is open.
type diagSerial struct {
	lock *os.File
	port *serial.Port
}

func openDiagSerial(device string, baud int) (*diagSerial, error) {
	if serialInUseFromTerminal() {
		return nil, fmt.Errorf("%w: in use by the terminal console", errSerialUnavailable)
	}
	lock, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked by another process", errSerialUnavailable, device)
		}
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: time.Second})
	if err != nil {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		return nil, err
	}
	return &diagSerial{lock: lock, port: port}, nil
}

func (d *diagSerial) Write(p []byte) (int, error) {
	return d.port.Write(p)
}

func (d *diagSerial) Close() error {
	err := d.port.Close()
	err = multierr.Append(err, syscall.Flock(int(d.lock.Fd()), syscall.LOCK_UN))
	return multierr.Append(err, d.lock.Close())
}

// mirrorLog copies the log to w. The returned func puts the log back on
// stderr before closing w.
func mirrorLog(w io.WriteCloser) func() error {
	log.SetOutput(io.MultiWriter(os.Stderr, w))
	return func() error {
		log.SetOutput(os.Stderr)
		return w.Close()
	}
}
