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
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/TheCacophonyProject/cell-tester/internal/analog"
)

const (
	ADS1115Address = 0x48

	ads1115ConversionReg = 0x00
	ads1115ConfigReg     = 0x01

	ads1115StartConversion = 1 << 15
	ads1115SingleShot      = 1 << 8
	ads1115Rate128SPS      = 0x4 << 5
	ads1115DisableComp     = 0x3

	ads1115ConversionTime = 8 * time.Millisecond
	ads1115MaxPolls       = 10
)

// Gain is the programmable gain setting, named by its full scale range.
type Gain uint16

const (
	Gain6V144 Gain = 0
	Gain4V096 Gain = 1
	Gain2V048 Gain = 2
	Gain1V024 Gain = 3
)

// ADS1115RawMax is the largest single ended conversion result.
const ADS1115RawMax = 32767

// FullScale is the input voltage that reads as ADS1115RawMax.
func (g Gain) FullScale() float64 {
	switch g {
	case Gain6V144:
		return 6.144
	case Gain4V096:
		return 4.096
	case Gain2V048:
		return 2.048
	case Gain1V024:
		return 1.024
	}
	return 0
}

// ADS1115Calibration is the nominal calibration of a channel wired straight
// to the cell, read at gain g.
func ADS1115Calibration(g Gain) analog.Calibration {
	return analog.Calibration{
		LowDigital:   0,
		HighDigital:  ADS1115RawMax,
		LowPhysical:  0,
		HighPhysical: g.FullScale(),
		RawMax:       ADS1115RawMax,
		Oversampling: 20,
		SampleDelay:  10 * time.Millisecond,
	}
}

// CheckCalibration rejects calibrations that do not describe ADS1115 counts:
// raw_max must be the converter's full scale and both calibration points must
// be counts it can return.
func CheckCalibration(cal analog.Calibration) error {
	if cal.RawMax != ADS1115RawMax {
		return fmt.Errorf("calibration raw_max %d does not match the ADS1115 full scale %d", cal.RawMax, ADS1115RawMax)
	}
	for _, d := range []int{cal.LowDigital, cal.HighDigital} {
		if d < 0 || d > ADS1115RawMax {
			return fmt.Errorf("calibration point %d is outside the ADS1115 range 0..%d", d, ADS1115RawMax)
		}
	}
	return nil
}

// Conn is a connection to one I2C device. *i2c.Dev satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// ADS1115 reads one single ended channel of an ADS1115 ADC.
type ADS1115 struct {
	conn    Conn
	channel int
	gain    Gain
}

// NewADS1115 returns a sampler for channel 0 to 3.
func NewADS1115(conn Conn, channel int, gain Gain) (*ADS1115, error) {
	if channel < 0 || channel > 3 {
		return nil, fmt.Errorf("ADS1115 channel %d out of range", channel)
	}
	if gain > Gain1V024 {
		return nil, fmt.Errorf("unsupported ADS1115 gain %d", gain)
	}
	return &ADS1115{conn: conn, channel: channel, gain: gain}, nil
}

// OpenADS1115 opens the ADC on a periph I2C bus.
func OpenADS1115(bus i2c.Bus, addr uint16, channel int, gain Gain) (*ADS1115, error) {
	if err := bus.Tx(addr, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to find ADS1115 at 0x%X: %w", addr, err)
	}
	return NewADS1115(&i2c.Dev{Bus: bus, Addr: addr}, channel, gain)
}

func (a *ADS1115) config() uint16 {
	mux := uint16(0x4+a.channel) << 12
	return ads1115StartConversion | mux | uint16(a.gain)<<9 | ads1115SingleShot | ads1115Rate128SPS | ads1115DisableComp
}

// SampleAnalog runs a single shot conversion and returns the signed result.
func (a *ADS1115) SampleAnalog() (int, error) {
	cfg := a.config()
	if err := a.conn.Tx([]byte{ads1115ConfigReg, byte(cfg >> 8), byte(cfg)}, nil); err != nil {
		return 0, fmt.Errorf("error starting conversion: %w", err)
	}

	status := make([]byte, 2)
	done := false
	for i := 0; i < ads1115MaxPolls; i++ {
		sleepFn(ads1115ConversionTime)
		if err := a.conn.Tx([]byte{ads1115ConfigReg}, status); err != nil {
			return 0, fmt.Errorf("error reading status: %w", err)
		}
		if status[0]&0x80 != 0 {
			done = true
			break
		}
	}
	if !done {
		return 0, fmt.Errorf("ADS1115 conversion on channel %d did not finish", a.channel)
	}

	value := make([]byte, 2)
	if err := a.conn.Tx([]byte{ads1115ConversionReg}, value); err != nil {
		return 0, fmt.Errorf("error reading conversion: %w", err)
	}
	return int(int16(uint16(value[0])<<8 | uint16(value[1]))), nil
}
