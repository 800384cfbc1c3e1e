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

// Package config describes the test fixture.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"gopkg.in/yaml.v3"

	"github.com/TheCacophonyProject/cell-tester/internal/analog"
	"github.com/TheCacophonyProject/cell-tester/internal/hardware"
	"github.com/TheCacophonyProject/cell-tester/internal/slot"
	"github.com/TheCacophonyProject/cell-tester/internal/thermal"
)

const FileName = "cell-tester.yaml"

// DefaultDir holds the device config.toml and the fixture file.
var DefaultDir = goconfig.DefaultConfigDir

// DefaultPath is where the fixture description is read from unless given.
var DefaultPath = filepath.Join(DefaultDir, FileName)

type Config struct {
	StorageDir      string        `yaml:"storage_dir"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	WriteInterval   time.Duration `yaml:"write_interval"`
	DischargeCycles int           `yaml:"discharge_cycles"`
	W1Root          string        `yaml:"w1_root"`
	ADC             ADCConfig     `yaml:"adc"`
	Slots           []SlotConfig  `yaml:"slots"`
}

type ADCConfig struct {
	// Bus is the periph I2C bus name, empty for the first bus.
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
	Gain    int    `yaml:"gain"`
	// UseI2CService sends transactions through the i2c dbus service instead
	// of opening the bus.
	UseI2CService bool `yaml:"use_i2c_service"`
	TimeoutMs     int  `yaml:"timeout_ms"`
}

type SlotConfig struct {
	Index         int                `yaml:"index"`
	ADCChannel    int                `yaml:"adc_channel"`
	RelayPin      string             `yaml:"relay_pin"`
	SensorAddress string             `yaml:"sensor_address"`
	ShuntOhms     float64            `yaml:"shunt_ohms"`
	Temperature   thermal.Limits     `yaml:"temperature"`
	Calibration   analog.Calibration `yaml:"calibration"`
}

var defaultLimits = thermal.Limits{Min: 0, Max: 45}

const defaultShuntOhms = 10.0

func Default() *Config {
	return &Config{
		StorageDir:      "/var/lib/cell-tester",
		PollInterval:    time.Second,
		WriteInterval:   30 * time.Second,
		DischargeCycles: 2,
		W1Root:          hardware.DefaultW1Root,
		ADC: ADCConfig{
			Address:   hardware.ADS1115Address,
			Gain:      int(hardware.Gain6V144),
			TimeoutMs: 1000,
		},
		Slots: defaultSlots(hardware.Gain6V144),
	}
}

func defaultSlots(gain hardware.Gain) []SlotConfig {
	s := SlotConfig{Index: 1, ADCChannel: 0, RelayPin: "GPIO5"}
	applySlotDefaults(&s, gain)
	return []SlotConfig{s}
}

// Load reads a YAML fixture description over the defaults. Slot fields left
// out take the default slot values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	cfg.Slots = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	gain := hardware.Gain(cfg.ADC.Gain)
	if len(cfg.Slots) == 0 {
		cfg.Slots = defaultSlots(gain)
	}
	for i := range cfg.Slots {
		applySlotDefaults(&cfg.Slots[i], gain)
	}
	return cfg, nil
}

// applySlotDefaults fills fields left out of a slot. A missing calibration is
// the nominal one for the configured gain.
func applySlotDefaults(s *SlotConfig, gain hardware.Gain) {
	if s.ShuntOhms == 0 {
		s.ShuntOhms = defaultShuntOhms
	}
	if s.Temperature == (thermal.Limits{}) {
		s.Temperature = defaultLimits
	}
	if s.Calibration == (analog.Calibration{}) {
		s.Calibration = hardware.ADS1115Calibration(gain)
	}
}

// Validate checks the configuration without changing it.
func Validate(cfg *Config) error {
	if cfg.StorageDir == "" {
		return errors.New("storage_dir is required")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if cfg.WriteInterval < 0 {
		return errors.New("write_interval can not be negative")
	}
	if cfg.DischargeCycles < 1 {
		return errors.New("discharge_cycles must be at least 1")
	}
	if cfg.ADC.Gain < int(hardware.Gain6V144) || cfg.ADC.Gain > int(hardware.Gain1V024) {
		return fmt.Errorf("adc gain %d not supported", cfg.ADC.Gain)
	}
	if cfg.ADC.Address > 0x7F {
		return fmt.Errorf("adc address 0x%X is not a 7 bit address", cfg.ADC.Address)
	}
	if len(cfg.Slots) == 0 {
		return errors.New("at least one slot is required")
	}

	indexes := map[int]bool{}
	channels := map[int]int{}
	pins := map[string]int{}
	sensors := map[string]int{}
	for _, s := range cfg.Slots {
		if s.Index < 1 {
			return fmt.Errorf("slot index %d must be at least 1", s.Index)
		}
		if indexes[s.Index] {
			return fmt.Errorf("slot %d is defined twice", s.Index)
		}
		indexes[s.Index] = true

		if s.ADCChannel < 0 || s.ADCChannel > 3 {
			return fmt.Errorf("slot %d: adc_channel %d out of range", s.Index, s.ADCChannel)
		}
		if other, ok := channels[s.ADCChannel]; ok {
			return fmt.Errorf("slot %d: adc_channel %d already used by slot %d", s.Index, s.ADCChannel, other)
		}
		channels[s.ADCChannel] = s.Index

		if s.RelayPin == "" {
			return fmt.Errorf("slot %d: relay_pin is required", s.Index)
		}
		if other, ok := pins[s.RelayPin]; ok {
			return fmt.Errorf("slot %d: relay_pin %s already used by slot %d", s.Index, s.RelayPin, other)
		}
		pins[s.RelayPin] = s.Index

		if s.SensorAddress != "" {
			if other, ok := sensors[s.SensorAddress]; ok {
				return fmt.Errorf("slot %d: sensor %s already used by slot %d", s.Index, s.SensorAddress, other)
			}
			sensors[s.SensorAddress] = s.Index
		}

		if s.ShuntOhms <= 0 {
			return fmt.Errorf("slot %d: shunt_ohms must be positive", s.Index)
		}
		if err := s.Temperature.Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", s.Index, err)
		}
		if err := s.Calibration.Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", s.Index, err)
		}
		if err := hardware.CheckCalibration(s.Calibration); err != nil {
			return fmt.Errorf("slot %d: %w", s.Index, err)
		}
		if top := s.Calibration.ToVolts(s.Calibration.RawMax); top <= slot.ChargeAccept {
			return fmt.Errorf("slot %d: calibrated full scale %.3f V can not reach the %.2f V charge accept voltage",
				s.Index, top, slot.ChargeAccept)
		}
	}
	return nil
}
