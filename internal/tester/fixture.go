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
	"fmt"
	"io"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c/i2creg"

	"github.com/TheCacophonyProject/cell-tester/internal/config"
	"github.com/TheCacophonyProject/cell-tester/internal/hardware"
	"github.com/TheCacophonyProject/cell-tester/internal/slot"
)

// fixture is the opened hardware of all slots.
type fixture struct {
	slots   []slotHardware
	closers []io.Closer
}

func (f *fixture) Close() error {
	var err error
	for _, c := range f.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func openHardware(cfg *config.Config) (*fixture, error) {
	log.Debug("Initializing host")
	if err := hardware.Init(); err != nil {
		return nil, err
	}

	f := &fixture{}
	var conn func(channel int) (*hardware.ADS1115, error)
	gain := hardware.Gain(cfg.ADC.Gain)
	if cfg.ADC.UseI2CService {
		log.Infof("Using the i2c service for the ADC at 0x%X", cfg.ADC.Address)
		sc := hardware.ServiceConn{Addr: byte(cfg.ADC.Address), TimeoutMs: cfg.ADC.TimeoutMs}
		conn = func(channel int) (*hardware.ADS1115, error) {
			return hardware.NewADS1115(sc, channel, gain)
		}
	} else {
		bus, err := i2creg.Open(cfg.ADC.Bus)
		if err != nil {
			return nil, fmt.Errorf("failed to open i2c bus: %w", err)
		}
		f.closers = append(f.closers, bus)
		conn = func(channel int) (*hardware.ADS1115, error) {
			return hardware.OpenADS1115(bus, cfg.ADC.Address, channel, gain)
		}
	}

	sensor := hardware.NewW1Thermometer(cfg.W1Root)
	for _, sc := range cfg.Slots {
		if sc.SensorAddress == "" {
			f.Close()
			return nil, fmt.Errorf("slot %d: sensor_address is required", sc.Index)
		}
		adc, err := conn(sc.ADCChannel)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("slot %d: %w", sc.Index, err)
		}
		pin, err := hardware.OpenPin(sc.RelayPin, slot.LevelIdle)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("slot %d: %w", sc.Index, err)
		}
		f.slots = append(f.slots, slotHardware{
			sampler:       adc,
			sensor:        sensor,
			sensorAddress: sc.SensorAddress,
			actuator:      pin,
		})
	}
	return f, nil
}

// openSimulator builds a simulated fixture with a cell at 3.7 V in every slot.
func openSimulator(cfg *config.Config, sim *hardware.Simulator) *fixture {
	f := &fixture{}
	for _, sc := range cfg.Slots {
		address := sc.SensorAddress
		if address == "" {
			address = fmt.Sprintf("28-sim%d", sc.Index)
		}
		cell := sim.AddSlot(sc.Index, address, sc.Calibration)
		cell.Insert(3.7)
		f.slots = append(f.slots, slotHardware{
			sampler:       cell,
			sensor:        sim,
			sensorAddress: address,
			actuator:      cell,
		})
	}
	return f
}
