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

package status

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	voltage     *prometheus.GaugeVec
	current     *prometheus.GaugeVec
	capacity    *prometheus.GaugeVec
	energy      *prometheus.GaugeVec
	temperature *prometheus.GaugeVec
	mode        *prometheus.GaugeVec
	cycles      *prometheus.GaugeVec

	finished      *prometheus.CounterVec
	storageErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	slotGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "celltester_slot_" + name,
			Help: help,
		}, []string{"slot"})
	}
	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		voltage:     slotGauge("voltage_volts", "Last measured cell voltage"),
		current:     slotGauge("current_milliamps", "Current through the shunt"),
		capacity:    slotGauge("capacity_mah", "Capacity of the running charge or discharge"),
		energy:      slotGauge("energy_mwh", "Energy of the running charge or discharge"),
		temperature: slotGauge("temperature_celsius", "Last cell temperature"),
		mode:        slotGauge("mode", "Slot mode, 0 EMPTY 1 FIRST 2 CHARGE 3 DISCHARGE 4 TESTED 5 FAILED"),
		cycles:      slotGauge("cycles", "Completed discharge cycles of the running test"),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "celltester_cells_finished_total",
			Help: "Finished tests by result",
		}, []string{"result"}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "celltester_storage_errors_total",
			Help: "Failed storage operations",
		}),
	}
	m.registry.MustRegister(
		m.voltage,
		m.current,
		m.capacity,
		m.energy,
		m.temperature,
		m.mode,
		m.cycles,
		m.finished,
		m.storageErrors,
	)
	return m
}

func (m *Metrics) Observe(st SlotStatus) {
	label := strconv.Itoa(st.Slot)
	m.voltage.WithLabelValues(label).Set(st.Voltage)
	m.current.WithLabelValues(label).Set(st.Current)
	m.capacity.WithLabelValues(label).Set(st.Capacity)
	m.energy.WithLabelValues(label).Set(st.Energy)
	m.temperature.WithLabelValues(label).Set(st.Temperature)
	m.mode.WithLabelValues(label).Set(float64(st.Mode))
	m.cycles.WithLabelValues(label).Set(float64(st.Cycles))
}

func (m *Metrics) CellFinished(result string) {
	m.finished.WithLabelValues(result).Inc()
}

func (m *Metrics) StorageError() {
	m.storageErrors.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
