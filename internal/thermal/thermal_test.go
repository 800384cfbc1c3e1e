package thermal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensor struct {
	temps map[string]float64
	err   error
}

func (f *fakeSensor) ReadTemperature(address string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	t, ok := f.temps[address]
	if !ok {
		return 0, errors.New("no such sensor")
	}
	return t, nil
}

func TestIsWithinRangeBounds(t *testing.T) {
	tests := []struct {
		temp float64
		ok   bool
	}{
		{-0.1, false},
		{0, true},
		{25, true},
		{45, true},
		{45.1, false},
	}
	for _, tc := range tests {
		sensor := &fakeSensor{temps: map[string]float64{"28-01": tc.temp}}
		m, err := NewMonitor(sensor, "28-01", Limits{Min: 0, Max: 45})
		require.NoError(t, err)
		_, err = m.ReadTemperature()
		require.NoError(t, err)
		assert.Equal(t, tc.ok, m.IsWithinRange(), "temperature %.1f", tc.temp)
	}
}

func TestIsWithinRangeWithoutReading(t *testing.T) {
	m, err := NewMonitor(&fakeSensor{}, "28-01", Limits{Min: 0, Max: 45})
	require.NoError(t, err)
	assert.False(t, m.IsWithinRange())
}

func TestReadFailureInvalidatesReading(t *testing.T) {
	sensor := &fakeSensor{temps: map[string]float64{"28-01": 20}}
	m, err := NewMonitor(sensor, "28-01", Limits{Min: 0, Max: 45})
	require.NoError(t, err)

	_, err = m.ReadTemperature()
	require.NoError(t, err)
	assert.True(t, m.IsWithinRange())

	sensor.err = errors.New("crc mismatch")
	_, err = m.ReadTemperature()
	require.Error(t, err)
	assert.False(t, m.IsWithinRange())
	_, ok := m.Last()
	assert.False(t, ok)
}

func TestCheck(t *testing.T) {
	sensor := &fakeSensor{temps: map[string]float64{"28-01": 60}}
	m, err := NewMonitor(sensor, "28-01", Limits{Min: 0, Max: 45})
	require.NoError(t, err)

	err = m.Check()
	require.ErrorIs(t, err, ErrSensorFault)

	sensor.temps["28-01"] = 30
	require.NoError(t, m.Check())
	last, ok := m.Last()
	assert.True(t, ok)
	assert.Equal(t, 30.0, last)

	sensor.err = errors.New("no such device")
	err = m.Check()
	require.ErrorIs(t, err, ErrSensorFault)
	_, ok = m.Last()
	assert.False(t, ok)
}

func TestInvalidLimits(t *testing.T) {
	_, err := NewMonitor(&fakeSensor{}, "28-01", Limits{Min: 50, Max: 10})
	require.Error(t, err)
}
