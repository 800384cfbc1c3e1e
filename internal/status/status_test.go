package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCacophonyProject/cell-tester/internal/slot"
)

func testStatus(index int, mode slot.Mode, voltage float64) SlotStatus {
	return SlotStatus{
		Snapshot: slot.Snapshot{
			Slot:         index,
			Mode:         mode,
			Voltage:      voltage,
			Cycles:       1,
			CyclesTarget: 2,
			LogName:      "slot_1.log",
		},
		RunID:     "6f1c2d1e-0000-4000-8000-000000000001",
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStoreOrdersSlots(t *testing.T) {
	store := NewStore(nil)
	store.Publish(testStatus(3, slot.Empty, 0))
	store.Publish(testStatus(1, slot.Charge, 3.9))
	store.Publish(testStatus(2, slot.Discharge, 3.4))
	store.Publish(testStatus(1, slot.Charge, 4.0))

	all := store.All()
	require.Len(t, all, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{all[0].Slot, all[1].Slot, all[2].Slot})
	assert.Equal(t, 4.0, all[0].Voltage)
	assert.Equal(t, 3, store.Count())

	_, ok := store.Get(7)
	assert.False(t, ok)
}

func scrape(t *testing.T, metrics *Metrics) string {
	resp := get(t, metrics.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsObserve(t *testing.T) {
	metrics := NewMetrics()
	store := NewStore(metrics)
	store.Publish(testStatus(1, slot.Discharge, 3.5))
	metrics.CellFinished("TESTED")
	metrics.CellFinished("TESTED")
	metrics.StorageError()

	text := scrape(t, metrics)
	assert.Contains(t, text, `celltester_slot_voltage_volts{slot="1"} 3.5`)
	assert.Contains(t, text, `celltester_slot_mode{slot="1"} 3`)
	assert.Contains(t, text, `celltester_slot_cycles{slot="1"} 1`)
	assert.Contains(t, text, `celltester_cells_finished_total{result="TESTED"} 2`)
	assert.Contains(t, text, `celltester_storage_errors_total 1`)
}

func get(t *testing.T, handler http.Handler, path string) *http.Response {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Result()
}

func TestHTTPSlots(t *testing.T) {
	metrics := NewMetrics()
	store := NewStore(metrics)
	store.Publish(testStatus(1, slot.Charge, 3.9))
	store.Publish(testStatus(2, slot.Tested, 3.3))
	router := NewRouter(store, metrics)

	resp := get(t, router, "/api/slots")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, JSONContentType, resp.Header.Get("Content-Type"))
	var all []SlotStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 2)
	assert.Equal(t, slot.Tested, all[1].Mode)

	resp = get(t, router, "/api/slots/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"mode":"CHARGE"`)
	assert.Contains(t, string(body), `"runId":"6f1c2d1e-0000-4000-8000-000000000001"`)
}

func TestHTTPErrors(t *testing.T) {
	router := NewRouter(NewStore(nil), nil)

	resp := get(t, router, "/api/slots/9")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, router, "/api/slots/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, router, "/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPMetrics(t *testing.T) {
	metrics := NewMetrics()
	store := NewStore(metrics)
	store.Publish(testStatus(1, slot.Charge, 3.9))

	resp := get(t, NewRouter(store, metrics), "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `celltester_slot_voltage_volts{slot="1"} 3.9`))
}

func TestServiceSlotStatus(t *testing.T) {
	store := NewStore(nil)
	store.Publish(testStatus(1, slot.Failed, 3.7))
	s := service{store: store}

	count, dErr := s.SlotCount()
	require.Nil(t, dErr)
	assert.Equal(t, 1, count)

	data, dErr := s.SlotStatus(1)
	require.Nil(t, dErr)
	var st SlotStatus
	require.NoError(t, json.Unmarshal([]byte(data), &st))
	assert.Equal(t, slot.Failed, st.Mode)

	_, dErr = s.SlotStatus(4)
	require.NotNil(t, dErr)
	assert.True(t, strings.HasPrefix(dErr.Name, dbusName+"."))
}
