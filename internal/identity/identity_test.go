package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/TheCacophonyProject/cell-tester/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDir(t *testing.T, root string) *storage.Dir {
	d := storage.NewDir(root)
	require.NoError(t, d.Mount())
	return d
}

func TestFirstIdentityIsOne(t *testing.T) {
	a := New(newDir(t, t.TempDir()), "")

	last, err := a.Peek()
	require.NoError(t, err)
	assert.Equal(t, 0, last)

	id, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestIdentitiesIncreaseAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	var got []int
	for i := 0; i < 5; i++ {
		// A fresh store and allocator each time simulates a power cycle.
		a := New(newDir(t, root), RecordName)
		id, err := a.Next()
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)

	d := newDir(t, root)
	line, err := d.ReadFirstLine(RecordName)
	require.NoError(t, err)
	assert.Equal(t, "5", line)
}

func TestCorruptRecordIsNotReset(t *testing.T) {
	d := newDir(t, t.TempDir())
	require.NoError(t, d.Write(RecordName, []byte("garbage"), storage.Truncate, 0))

	_, err := New(d, "").Next()
	require.ErrorIs(t, err, ErrAllocation)

	line, err := d.ReadFirstLine(RecordName)
	require.NoError(t, err)
	assert.Equal(t, "garbage", line)
}

type failingStore struct {
	line     string
	readErr  error
	writeErr error
	written  []string
}

func (f *failingStore) ReadFirstLine(string) (string, error) { return f.line, f.readErr }

func (f *failingStore) Write(_ string, data []byte, _ storage.WriteMode, _ int64) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, string(data))
	return nil
}

func TestWriteFailureSurfacesAsAllocationError(t *testing.T) {
	a := New(&failingStore{line: "7", writeErr: storage.ErrWriteFailed}, "")
	id, err := a.Next()
	assert.Equal(t, 0, id)
	require.ErrorIs(t, err, ErrAllocation)
	require.True(t, errors.Is(err, storage.ErrWriteFailed))
}

func TestUnmountedStoreFails(t *testing.T) {
	a := New(storage.NewDir(t.TempDir()), "")
	_, err := a.Next()
	require.ErrorIs(t, err, ErrAllocation)
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestUnreadableRecordDoesNotRestartCounter(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"read failed", &storage.Error{Op: "read", Name: RecordName, Err: fmt.Errorf("%w: %w", storage.ErrReadFailed, syscall.EIO)}},
		{"not found without cause", &storage.Error{Op: "read", Name: RecordName, Err: fmt.Errorf("%w: %w", storage.ErrNotFound, syscall.EIO)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &failingStore{readErr: tc.err}
			a := New(store, "")

			id, err := a.Next()
			require.ErrorIs(t, err, ErrAllocation)
			assert.Equal(t, 0, id)
			assert.Empty(t, store.written)

			_, err = a.Peek()
			require.ErrorIs(t, err, ErrAllocation)
		})
	}
}

func TestUnreadableRecordOnDisk(t *testing.T) {
	root := t.TempDir()
	d := newDir(t, root)
	require.NoError(t, os.Mkdir(filepath.Join(root, RecordName), 0755))

	_, err := New(d, "").Next()
	require.ErrorIs(t, err, ErrAllocation)
	require.ErrorIs(t, err, storage.ErrReadFailed)
}
