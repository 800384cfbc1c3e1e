package tester

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/TheCacophonyProject/cell-tester/internal/config"
	"github.com/TheCacophonyProject/cell-tester/internal/datalog"
	"github.com/TheCacophonyProject/cell-tester/internal/hardware"
	"github.com/TheCacophonyProject/cell-tester/internal/identity"
	"github.com/TheCacophonyProject/cell-tester/internal/slot"
	"github.com/TheCacophonyProject/cell-tester/internal/status"
	"github.com/TheCacophonyProject/cell-tester/internal/storage"
	"github.com/TheCacophonyProject/cell-tester/internal/thermal"
)

type fakeTime struct {
	start time.Time
	now   time.Time
}

func newFakeTime() *fakeTime {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &fakeTime{start: start, now: start}
}

func (f *fakeTime) Now() time.Time {
	return f.now
}

func (f *fakeTime) Millis() uint64 {
	return uint64(f.now.Sub(f.start) / time.Millisecond)
}

type event struct {
	eventType string
	details   map[string]interface{}
}

type recordingReporter struct {
	events []event
}

func (r *recordingReporter) Report(eventType string, details map[string]interface{}) error {
	r.events = append(r.events, event{eventType, details})
	return nil
}

func (r *recordingReporter) types() []string {
	var types []string
	for _, e := range r.events {
		types = append(types, e.eventType)
	}
	return types
}

type simRig struct {
	clock    *fakeTime
	sim      *hardware.Simulator
	dir      *storage.Dir
	store    *status.Store
	metrics  *status.Metrics
	reporter *recordingReporter
	driver   *Driver
}

func newSimRig(t *testing.T) *simRig {
	cfg := config.Default()
	cfg.StorageDir = t.TempDir()
	cfg.Slots[0].Calibration.Oversampling = 1
	cfg.Slots[0].Calibration.SampleDelay = 0
	require.NoError(t, config.Validate(cfg))

	r := &simRig{clock: newFakeTime(), reporter: &recordingReporter{}}
	r.sim = hardware.NewSimulator(r.clock.Now, 1)
	fix := openSimulator(cfg, r.sim)
	cell, err := r.sim.Slot(1)
	require.NoError(t, err)
	cell.SetRates(6, 12)

	r.dir = storage.NewDir(cfg.StorageDir)
	require.NoError(t, r.dir.Mount())
	r.metrics = status.NewMetrics()
	r.store = status.NewStore(r.metrics)
	r.driver, err = NewDriver(cfg, fix.slots, r.dir, r.store, Options{
		Clock:    r.clock,
		Now:      r.clock.Now,
		NewRunID: func() string { return "run-1" },
		Reporter: r.reporter,
		Metrics:  r.metrics,
	})
	require.NoError(t, err)
	return r
}

// pollUntil polls once a simulated minute until the slot is finalized.
func (r *simRig) pollUntil(t *testing.T, maxPolls int) status.SlotStatus {
	for i := 0; i < maxPolls; i++ {
		r.driver.Poll(context.Background())
		st, ok := r.store.Get(1)
		require.True(t, ok)
		if st.Finalized {
			return st
		}
		r.clock.now = r.clock.now.Add(time.Minute)
	}
	t.Fatalf("slot not finalized after %d polls", maxPolls)
	return status.SlotStatus{}
}

func TestDriverTestsSimulatedCell(t *testing.T) {
	r := newSimRig(t)
	st := r.pollUntil(t, 500)

	assert.Equal(t, slot.Tested, st.Mode)
	assert.Equal(t, 2, st.Cycles)
	assert.Equal(t, 1, st.CellID)
	assert.Equal(t, "run-1", st.RunID)
	assert.Empty(t, st.LastError)
	assert.Greater(t, st.AverageCapacity, 0.0)
	assert.Greater(t, st.AverageEnergy, 0.0)
	assert.InDelta(t, hardware.SimFullVoltage, st.VoltageAfterCharge, 0.01)

	assert.Equal(t, datalog.CellFileName(1), st.LogName)
	assert.True(t, r.dir.Exists(datalog.CellFileName(1)))
	assert.False(t, r.dir.Exists(datalog.SlotFileName(1)))
	data, err := r.dir.ReadAll(datalog.CellFileName(1))
	require.NoError(t, err)
	assert.Contains(t, string(data), "TESTED")

	assert.Equal(t, []string{eventCellInserted, eventCellTested}, r.reporter.types())
	assert.Equal(t, 1, r.reporter.events[1].details["cellId"])

	last, err := identity.New(r.dir, identity.RecordName).Peek()
	require.NoError(t, err)
	assert.Equal(t, 1, last)

	// A finished slot is not finalized again.
	r.driver.Poll(context.Background())
	assert.Len(t, r.reporter.events, 2)
}

func TestDriverFailsHotCell(t *testing.T) {
	r := newSimRig(t)
	r.driver.Poll(context.Background())
	st, ok := r.store.Get(1)
	require.True(t, ok)
	assert.Equal(t, slot.Charge, st.Mode)

	cell, err := r.sim.Slot(1)
	require.NoError(t, err)
	cell.SetTemperature(60)
	r.clock.now = r.clock.now.Add(time.Minute)

	st = r.pollUntil(t, 2)
	assert.Equal(t, slot.Failed, st.Mode)
	assert.Equal(t, 0, st.Cycles)
	assert.Equal(t, 1, st.CellID)
	assert.Equal(t, gpio.High, cell.Level())
	assert.Contains(t, st.LastError, thermal.ErrSensorFault.Error())
	assert.Equal(t, []string{eventCellInserted, eventCellFailed}, r.reporter.types())
}

func TestDriverReinsertStartsNewTest(t *testing.T) {
	r := newSimRig(t)
	r.pollUntil(t, 500)

	cell, err := r.sim.Slot(1)
	require.NoError(t, err)
	cell.Remove()
	r.driver.Poll(context.Background())
	st, _ := r.store.Get(1)
	assert.Equal(t, slot.Empty, st.Mode)
	assert.False(t, st.Finalized)
	assert.Empty(t, st.RunID)

	cell.Insert(3.6)
	r.driver.Poll(context.Background())
	st, _ = r.store.Get(1)
	assert.Equal(t, slot.Charge, st.Mode)
	assert.Equal(t, 0, st.CellID)
	assert.Equal(t, datalog.SlotFileName(1), st.LogName)
	assert.True(t, r.dir.Exists(datalog.CellFileName(1)))
}

func TestDriverRunIdlesRelaysOnCancel(t *testing.T) {
	r := newSimRig(t)
	r.driver.interval = time.Millisecond
	cell, err := r.sim.Slot(1)
	require.NoError(t, err)
	require.NoError(t, cell.Out(gpio.Low))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.driver.Run(ctx))
	assert.Equal(t, gpio.High, cell.Level())
}

func TestDriverStorageFaultCounted(t *testing.T) {
	r := newSimRig(t)
	u := r.driver.units[0]
	r.driver.fault(u, &storage.Error{Op: "write", Name: "slot_1.log", Err: storage.ErrWriteFailed})
	r.driver.publish(u)

	st, _ := r.store.Get(1)
	assert.Contains(t, st.LastError, "slot_1.log")

	families, err := r.metrics.Registry().Gather()
	require.NoError(t, err)
	var count float64
	for _, mf := range families {
		if mf.GetName() == "celltester_storage_errors_total" {
			count = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, count)
}

func TestNewDriverSlotMismatch(t *testing.T) {
	cfg := config.Default()
	_, err := NewDriver(cfg, nil, storage.NewDir(t.TempDir()), nil, Options{})
	assert.Error(t, err)
}

func TestProcArgs(t *testing.T) {
	args, err := procArgs([]string{"--simulate", "--http-port", "0", "-l", "debug"})
	require.NoError(t, err)
	assert.True(t, args.Simulate)
	assert.Equal(t, 0, args.HTTPPort)
	assert.Equal(t, "debug", args.LogLevel)
	assert.Equal(t, config.DefaultPath, args.Config)
	assert.Equal(t, 60.0, args.SimSpeed)

	_, err = procArgs([]string{"--http-port", "many"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	noDevice := t.TempDir()

	cfg, err := loadConfig(missing, noDevice, true)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = loadConfig(missing, noDevice, false)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("discharge_cycles: 0\n"), 0644))
	_, err = loadConfig(bad, noDevice, true)
	assert.Error(t, err)
}

func TestLoadConfigAppliesDeviceSection(t *testing.T) {
	configDir := t.TempDir()
	logs := filepath.Join(t.TempDir(), "logs")
	toml := "[cell-tester]\nstorage-dir = \"" + logs + "\"\nwrite-interval = \"10s\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(toml), 0644))

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), configDir, true)
	require.NoError(t, err)
	assert.Equal(t, logs, cfg.StorageDir)
	assert.Equal(t, 10*time.Second, cfg.WriteInterval)
	assert.Equal(t, config.Default().PollInterval, cfg.PollInterval)

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("[cell-tester]\ndischarge-cycles = -1\n"), 0644))
	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), configDir, true)
	assert.Error(t, err)
}

func TestStorageArgsRoot(t *testing.T) {
	configDir := t.TempDir()
	fixture := filepath.Join(t.TempDir(), "cell-tester.yaml")
	require.NoError(t, os.WriteFile(fixture, []byte("storage_dir: /from/fixture\n"), 0644))
	args := StorageArgs{Config: fixture, ConfigDir: configDir}

	root, err := args.root()
	require.NoError(t, err)
	assert.Equal(t, "/from/fixture", root)

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("[cell-tester]\nstorage-dir = \"/from/device\"\n"), 0644))
	root, err = args.root()
	require.NoError(t, err)
	assert.Equal(t, "/from/device", root)

	args.StorageDir = "/from/flag"
	root, err = args.root()
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", root)
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
	mirroring bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	c.mirroring = log.Out != os.Stderr
	return nil
}

func TestMirrorLogRestoresStderrBeforeClose(t *testing.T) {
	old := log.Out
	defer log.SetOutput(old)

	w := &closeRecorder{}
	restore := mirrorLog(w)
	log.Info("mirrored")
	assert.Contains(t, w.String(), "mirrored")

	require.NoError(t, restore())
	assert.True(t, w.closed)
	assert.False(t, w.mirroring, "log still wrote to the port while it closed")
	assert.Equal(t, os.Stderr, log.Out)

	log.Info("after close")
	assert.NotContains(t, w.String(), "after close")
}

func TestSerialInUseFromTerminal(t *testing.T) {
	old := cmdlineFile
	defer func() { cmdlineFile = old }()

	cmdlineFile = filepath.Join(t.TempDir(), "cmdline.txt")
	assert.False(t, serialInUseFromTerminal())

	require.NoError(t, os.WriteFile(cmdlineFile, []byte("console=serial0,115200 console=tty1 root=PARTUUID=1"), 0644))
	assert.True(t, serialInUseFromTerminal())
	_, err := openDiagSerial("/dev/null", 115200)
	assert.ErrorIs(t, err, errSerialUnavailable)

	require.NoError(t, os.WriteFile(cmdlineFile, []byte("console=tty1 root=PARTUUID=1"), 0644))
	assert.False(t, serialInUseFromTerminal())
}

func TestShowLog(t *testing.T) {
	dir := storage.NewDir(t.TempDir())
	require.NoError(t, dir.Mount())
	require.NoError(t, dir.Write("cell_3.log", []byte("hello\n"), storage.Truncate, 0))
	_, err := identity.New(dir, identity.RecordName).Next()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showLog(&out, dir, ""))
	assert.Equal(t, "cell_3.log\n", out.String())

	out.Reset()
	require.NoError(t, showLog(&out, dir, "cell_3.log"))
	assert.Equal(t, "hello\n", out.String())

	assert.ErrorIs(t, showLog(&out, dir, "cell_4.log"), storage.ErrNotFound)
}

func TestNextID(t *testing.T) {
	dir := storage.NewDir(t.TempDir())
	require.NoError(t, dir.Mount())

	id, err := nextID(dir, true)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	id, err = nextID(dir, false)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	id, err = nextID(dir, true)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestNextIDRefusedWhileTesterRuns(t *testing.T) {
	root := t.TempDir()
	running := storage.NewDir(root)
	require.NoError(t, running.Mount())
	lock, err := running.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	dir := storage.NewDir(root)
	require.NoError(t, dir.Mount())
	_, err = nextID(dir, false)
	require.ErrorIs(t, err, storage.ErrLocked)
	assert.False(t, dir.Exists(identity.RecordName))

	id, err := nextID(dir, true)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	all := []status.SlotStatus{
		{Snapshot: slot.Snapshot{Slot: 1, Mode: slot.Discharge, Voltage: 3.9, Cycles: 1, CyclesTarget: 2, LogName: "slot_1.log"}},
		{Snapshot: slot.Snapshot{Slot: 2, Mode: slot.Tested, CellID: 7, LogName: "cell_7.log"}},
	}
	require.NoError(t, printStatus(&out, all))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "DISCHARGE")
	assert.Contains(t, lines[1], "1/2")
	assert.Contains(t, lines[2], "cell_7.log")
}
