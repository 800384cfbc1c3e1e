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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheCacophonyProject/cell-tester/internal/analog"
	"github.com/TheCacophonyProject/cell-tester/internal/config"
	"github.com/TheCacophonyProject/cell-tester/internal/datalog"
	"github.com/TheCacophonyProject/cell-tester/internal/identity"
	"github.com/TheCacophonyProject/cell-tester/internal/slot"
	"github.com/TheCacophonyProject/cell-tester/internal/status"
	"github.com/TheCacophonyProject/cell-tester/internal/storage"
	"github.com/TheCacophonyProject/cell-tester/internal/thermal"
)

// slotHardware is what a slot needs from the fixture.
type slotHardware struct {
	sampler       analog.Sampler
	sensor        thermal.Sensor
	sensorAddress string
	actuator      slot.Actuator
}

type Options struct {
	Clock    slot.Clock
	Now      func() time.Time
	NewRunID func() string
	Reporter Reporter
	Metrics  *status.Metrics
}

type unit struct {
	slot    *slot.Slot
	writer  *datalog.Writer
	runID   string
	lastErr error
}

// Driver polls every slot in order. Slots never run concurrently, so the log
// files and the identity record need no locking.
type Driver struct {
	units    []*unit
	alloc    *identity.Allocator
	store    *status.Store
	metrics  *status.Metrics
	reporter Reporter
	interval time.Duration
	now      func() time.Time
	newRunID func() string
}

func NewDriver(cfg *config.Config, hw []slotHardware, st storage.Storage, store *status.Store, opts Options) (*Driver, error) {
	if len(hw) != len(cfg.Slots) {
		return nil, fmt.Errorf("have hardware for %d slots, configured %d", len(hw), len(cfg.Slots))
	}
	if opts.Clock == nil {
		opts.Clock = newMonotonicClock()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	if opts.Reporter == nil {
		opts.Reporter = noopReporter{}
	}

	d := &Driver{
		alloc:    identity.New(st, identity.RecordName),
		store:    store,
		metrics:  opts.Metrics,
		reporter: opts.Reporter,
		interval: cfg.PollInterval,
		now:      opts.Now,
		newRunID: opts.NewRunID,
	}
	for i, sc := range cfg.Slots {
		reader, err := analog.NewReader(hw[i].sampler, sc.Calibration)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", sc.Index, err)
		}
		monitor, err := thermal.NewMonitor(hw[i].sensor, hw[i].sensorAddress, sc.Temperature)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", sc.Index, err)
		}
		writer := datalog.NewWriter(st, sc.Index)
		s, err := slot.New(slot.Config{
			Index:         sc.Index,
			CyclesTarget:  cfg.DischargeCycles,
			WriteInterval: cfg.WriteInterval,
			ShuntOhms:     sc.ShuntOhms,
		}, reader, monitor, hw[i].actuator, writer, opts.Clock)
		if err != nil {
			return nil, err
		}
		d.units = append(d.units, &unit{slot: s, writer: writer})
	}
	return d, nil
}

// Run polls until ctx is cancelled, then sets every relay to idle.
func (d *Driver) Run(ctx context.Context) error {
	log.Infof("Polling %d slots every %s", len(d.units), d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			d.idle()
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one pass over all slots. A cancelled context stops the pass
// between slots.
func (d *Driver) Poll(ctx context.Context) {
	for _, u := range d.units {
		if ctx.Err() != nil {
			return
		}
		d.pollSlot(u)
	}
}

func (d *Driver) pollSlot(u *unit) {
	s := u.slot
	defer d.publish(u)

	replaced, err := s.CheckIfReplacedOrEmpty()
	if err != nil {
		d.fault(u, err)
		if errors.Is(err, slot.ErrVoltageRead) {
			return
		}
	}
	if replaced {
		d.replaced(u)
	}

	if s.Mode().Active() {
		d.measure(u)
	}

	if s.Mode().Terminal() && !s.Finalized() {
		d.finalize(u)
	}
}

func (d *Driver) replaced(u *unit) {
	s := u.slot
	if s.Mode() == slot.Empty {
		log.Infof("Slot %d: empty", s.Index())
		u.runID = ""
		u.lastErr = nil
		return
	}
	u.runID = d.newRunID()
	u.lastErr = nil
	log.Infof("Slot %d: cell inserted, run %s", s.Index(), u.runID)
	d.report(eventCellInserted, map[string]interface{}{
		"slot":  s.Index(),
		"runId": u.runID,
	})
}

func (d *Driver) measure(u *unit) {
	s := u.slot
	ok, err := s.TemperatureRangeOkay()
	if err != nil {
		d.fault(u, err)
	}
	if !ok {
		log.Warnf("Slot %d: temperature out of range, test failed", s.Index())
		return
	}

	if err := s.Update(); err != nil {
		d.fault(u, err)
		if errors.Is(err, slot.ErrVoltageRead) {
			return
		}
	}

	switch s.Mode() {
	case slot.First, slot.Charge:
		busy, err := s.Charging()
		if err != nil {
			d.fault(u, err)
		}
		if !busy {
			log.Infof("Slot %d: charge complete at %.4f V", s.Index(), s.Snapshot().VoltageAfterCharge)
		}
	case slot.Discharge:
		busy, err := s.Discharging()
		if err != nil {
			d.fault(u, err)
		}
		if !busy {
			snap := s.Snapshot()
			log.Infof("Slot %d: discharge %d of %d complete", s.Index(), snap.Cycles, snap.CyclesTarget)
		}
	}
}

func (d *Driver) finalize(u *unit) {
	s := u.slot
	id, err := s.Finalize(d.alloc)
	if err != nil {
		d.fault(u, err)
	}
	snap := s.Snapshot()
	result := snap.Mode.String()
	if id > 0 {
		log.Infof("Slot %d: cell %d %s, %d cycles, %.2f mAh, %.2f mWh, log %s",
			s.Index(), id, result, snap.Cycles, snap.AverageCapacity, snap.AverageEnergy, snap.LogName)
	} else {
		log.Errorf("Slot %d: %s without a cell identity, log kept as %s", s.Index(), result, snap.LogName)
	}
	if d.metrics != nil {
		d.metrics.CellFinished(result)
	}

	eventType := eventCellTested
	if snap.Mode == slot.Failed {
		eventType = eventCellFailed
	}
	d.report(eventType, map[string]interface{}{
		"slot":               s.Index(),
		"runId":              u.runID,
		"cellId":             id,
		"cycles":             snap.Cycles,
		"averageCapacity":    snap.AverageCapacity,
		"averageEnergy":      snap.AverageEnergy,
		"voltageAfterCharge": snap.VoltageAfterCharge,
		"log":                snap.LogName,
	})
}

// fault logs an error and keeps it for the status of the slot.
func (d *Driver) fault(u *unit, err error) {
	u.lastErr = err
	var storageErr *storage.Error
	if errors.As(err, &storageErr) {
		if d.metrics != nil {
			d.metrics.StorageError()
		}
		log.Errorf("Slot %d: storage: %v (%d rows pending)", u.slot.Index(), err, u.writer.Pending())
		return
	}
	log.Errorf("Slot %d: %v", u.slot.Index(), err)
}

func (d *Driver) report(eventType string, details map[string]interface{}) {
	if err := d.reporter.Report(eventType, details); err != nil {
		log.Errorf("Error reporting %s event: %v", eventType, err)
	}
}

func (d *Driver) publish(u *unit) {
	if d.store == nil {
		return
	}
	st := status.SlotStatus{
		Snapshot:  u.slot.Snapshot(),
		RunID:     u.runID,
		Finalized: u.slot.Finalized(),
		UpdatedAt: d.now(),
	}
	if u.lastErr != nil {
		st.LastError = u.lastErr.Error()
	}
	d.store.Publish(st)
}

func (d *Driver) idle() {
	for _, u := range d.units {
		if err := u.slot.Idle(); err != nil {
			log.Errorf("Slot %d: %v", u.slot.Index(), err)
		}
	}
	log.Info("All relays set to idle")
}
