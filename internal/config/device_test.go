package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDevice(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, goconfig.ConfigFileName), []byte(`
[cell-tester]
storage-dir = "/data/cells"
poll-interval = "2s"
discharge-cycles = 3
`), 0644))

	dev, err := LoadDevice(dir)
	require.NoError(t, err)
	assert.Equal(t, Device{
		StorageDir:      "/data/cells",
		PollInterval:    2 * time.Second,
		DischargeCycles: 3,
	}, dev)

	cfg := Default()
	dev.Apply(cfg)
	assert.Equal(t, "/data/cells", cfg.StorageDir)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.WriteInterval)
	assert.Equal(t, 3, cfg.DischargeCycles)
	require.NoError(t, Validate(cfg))
}

func TestLoadDeviceWithoutSection(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, goconfig.ConfigFileName), []byte(`
[location]
latitude = -43.5
`), 0644))

	dev, err := LoadDevice(dir)
	require.NoError(t, err)
	assert.Equal(t, Device{}, dev)
}

func TestLoadDeviceMissingFile(t *testing.T) {
	dev, err := LoadDevice(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Device{}, dev)

	dev, err = LoadDevice(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Equal(t, Device{}, dev)
}

func TestLoadDeviceBadValue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, goconfig.ConfigFileName), []byte(`
[cell-tester]
poll-interval = "soon"
`), 0644))

	_, err := LoadDevice(dir)
	assert.Error(t, err)
}
