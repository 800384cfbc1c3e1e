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

package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
)

// lockName is the advisory lock file of a Dir. It is not listed.
const lockName = ".lock"

// Dir stores files flat inside a single directory.
type Dir struct {
	root    string
	mounted bool
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Root() string {
	return d.root
}

// Mount makes sure the directory exists and is usable.
func (d *Dir) Mount() error {
	if err := os.MkdirAll(d.root, 0755); err != nil {
		return newError("mount", "", ErrUnavailable, err)
	}
	info, err := os.Stat(d.root)
	if err != nil {
		return newError("mount", "", ErrUnavailable, err)
	}
	if !info.IsDir() {
		return newError("mount", "", ErrUnavailable, fmt.Errorf("%s is not a directory", d.root))
	}
	d.mounted = true
	return nil
}

func (d *Dir) Unmount() error {
	d.mounted = false
	return nil
}

// Lock takes the directory's advisory lock without waiting and returns it for
// the caller to Unlock. Another holder, in this or another process, gives
// ErrLocked.
func (d *Dir) Lock() (*flock.Flock, error) {
	if !d.mounted {
		return nil, newError("lock", "", ErrUnavailable, nil)
	}
	fl := flock.New(filepath.Join(d.root, lockName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, newError("lock", lockName, ErrWriteFailed, err)
	}
	if !ok {
		return nil, newError("lock", lockName, ErrLocked, nil)
	}
	return fl, nil
}

func (d *Dir) path(op, name string) (string, error) {
	if !d.mounted {
		return "", newError(op, name, ErrUnavailable, nil)
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", newError(op, name, ErrInvalidName, nil)
	}
	return filepath.Join(d.root, name), nil
}

func (d *Dir) Exists(name string) bool {
	p, err := d.path("exists", name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Create makes an empty file, truncating any existing one.
func (d *Dir) Create(name string) error {
	p, err := d.path("create", name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return newError("create", name, ErrWriteFailed, err)
	}
	if err := f.Close(); err != nil {
		return newError("create", name, ErrWriteFailed, err)
	}
	return nil
}

func (d *Dir) Write(name string, data []byte, mode WriteMode, offset int64) (err error) {
	p, err := d.path("write", name)
	if err != nil {
		return err
	}

	var flags int
	switch mode {
	case Truncate:
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case Append:
		flags = os.O_WRONLY | os.O_APPEND
	case Update:
		flags = os.O_WRONLY
	default:
		return newError("write", name, ErrWriteFailed, fmt.Errorf("unknown mode %v", mode))
	}

	f, err := os.OpenFile(p, flags, 0644)
	if errors.Is(err, os.ErrNotExist) {
		return newError("write", name, ErrNotFound, err)
	} else if err != nil {
		return newError("write", name, ErrWriteFailed, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Combine(err, newError("close", name, ErrWriteFailed, cerr))
		}
	}()

	if mode == Update {
		_, err = f.WriteAt(data, offset)
	} else {
		_, err = f.Write(data)
	}
	if err != nil {
		return newError("write", name, ErrWriteFailed, err)
	}
	return nil
}

func (d *Dir) ReadFirstLine(name string) (string, error) {
	p, err := d.path("read", name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(p)
	if err != nil {
		return "", readError(name, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", readError(name, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d *Dir) ReadAll(name string) ([]byte, error) {
	p, err := d.path("read", name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, readError(name, err)
	}
	return data, nil
}

// readError keeps a missing file apart from one that exists but can not be
// read.
func readError(name string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return newError("read", name, ErrNotFound, err)
	}
	return newError("read", name, ErrReadFailed, err)
}

func (d *Dir) Remove(name string) error {
	p, err := d.path("remove", name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); errors.Is(err, os.ErrNotExist) {
		return newError("remove", name, ErrNotFound, err)
	} else if err != nil {
		return newError("remove", name, ErrWriteFailed, err)
	}
	return nil
}

func (d *Dir) Rename(oldName, newName string) error {
	oldPath, err := d.path("rename", oldName)
	if err != nil {
		return err
	}
	newPath, err := d.path("rename", newName)
	if err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); errors.Is(err, os.ErrNotExist) {
		return newError("rename", oldName, ErrNotFound, err)
	} else if err != nil {
		return newError("rename", oldName, ErrWriteFailed, err)
	}
	return nil
}

// List returns the names of the stored files in lexical order.
func (d *Dir) List() ([]string, error) {
	if !d.mounted {
		return nil, newError("list", "", ErrUnavailable, nil)
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, newError("list", "", ErrReadFailed, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != lockName {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
