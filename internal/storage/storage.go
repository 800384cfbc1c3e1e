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

// Package storage provides the named byte-stream store used for slot logs and
// the cell identity counter. Writes are synchronous and not crash-atomic.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is only for files that do not exist. A file that exists but
// can not be read is ErrReadFailed.
var (
	ErrUnavailable = errors.New("storage unavailable")
	ErrNotFound    = errors.New("file missing")
	ErrReadFailed  = errors.New("file unreadable")
	ErrWriteFailed = errors.New("write failed")
	ErrInvalidName = errors.New("invalid file name")
	ErrLocked      = errors.New("storage locked by another process")
)

// WriteMode selects how Write places data in a file.
type WriteMode int

const (
	// Truncate replaces the file content, creating the file if needed.
	Truncate WriteMode = iota
	// Append adds to the end of an existing file.
	Append
	// Update overwrites bytes in place at the given offset of an existing file.
	Update
)

func (m WriteMode) String() string {
	switch m {
	case Truncate:
		return "truncate"
	case Append:
		return "append"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// Storage is the set of operations the tester needs from non-volatile storage.
type Storage interface {
	Mount() error
	Unmount() error
	Exists(name string) bool
	Create(name string) error
	Write(name string, data []byte, mode WriteMode, offset int64) error
	ReadFirstLine(name string) (string, error)
	ReadAll(name string) ([]byte, error)
	Remove(name string) error
	Rename(oldName, newName string) error
	List() ([]string, error)
}

// Error records the failed operation and file.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, name string, kind, cause error) error {
	if cause == nil {
		return &Error{Op: op, Name: name, Err: kind}
	}
	return &Error{Op: op, Name: name, Err: fmt.Errorf("%w: %w", kind, cause)}
}
