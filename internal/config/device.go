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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
)

// DeviceKey is the section of the cacophony config.toml with the tester's
// device settings. The per slot fixture stays in the YAML file.
const DeviceKey = "cell-tester"

// Device holds the settings that belong to the machine rather than the
// fixture. Zero fields leave the fixture file's value in place.
type Device struct {
	StorageDir      string        `mapstructure:"storage-dir"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	WriteInterval   time.Duration `mapstructure:"write-interval"`
	DischargeCycles int           `mapstructure:"discharge-cycles"`
}

// LoadDevice reads the device section from the config.toml in dir. A
// missing config.toml gives an empty Device.
func LoadDevice(dir string) (Device, error) {
	var dev Device
	conf, err := goconfig.New(dir)
	if errors.Is(err, os.ErrNotExist) {
		return dev, nil
	} else if err != nil {
		return dev, fmt.Errorf("failed to read device config in %s: %w", dir, err)
	}
	if err := conf.Unmarshal(DeviceKey, &dev); err != nil {
		return dev, fmt.Errorf("failed to parse [%s] in %s: %w", DeviceKey, dir, err)
	}
	return dev, nil
}

// Apply overrides cfg with the fields set in d.
func (d Device) Apply(cfg *Config) {
	if d.StorageDir != "" {
		cfg.StorageDir = d.StorageDir
	}
	if d.PollInterval != 0 {
		cfg.PollInterval = d.PollInterval
	}
	if d.WriteInterval != 0 {
		cfg.WriteInterval = d.WriteInterval
	}
	if d.DischargeCycles != 0 {
		cfg.DischargeCycles = d.DischargeCycles
	}
}
