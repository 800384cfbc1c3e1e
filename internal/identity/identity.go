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

// Package identity hands out permanent cell identities from a durable counter.
//
// The counter record holds the last identity that was issued. A missing record
// means nothing has been issued yet, so the first identity is 1. The new value
// is written back before it is returned, so an identity is never handed out
// twice, even across restarts. Identities are never decremented.
package identity

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/cell-tester/internal/storage"
)

// RecordName is the counter record used when none is given.
const RecordName = "cellID"

var ErrAllocation = errors.New("identity allocation failed")

// Store holds the counter record. A record that does not exist must be
// reported as storage.ErrNotFound wrapping os.ErrNotExist; any other read
// error stops allocation.
type Store interface {
	ReadFirstLine(name string) (string, error)
	Write(name string, data []byte, mode storage.WriteMode, offset int64) error
}

type Allocator struct {
	store Store
	name  string
}

func New(store Store, name string) *Allocator {
	if name == "" {
		name = RecordName
	}
	return &Allocator{store: store, name: name}
}

// Peek returns the last issued identity, 0 if none has been issued.
func (a *Allocator) Peek() (int, error) {
	line, err := a.store.ReadFirstLine(a.name)
	if isMissing(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	last, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || last < 0 {
		return 0, fmt.Errorf("%w: counter record %q holds %q", ErrAllocation, a.name, line)
	}
	return last, nil
}

// Next allocates and returns a new identity, always >= 1.
func (a *Allocator) Next() (int, error) {
	last, err := a.Peek()
	if err != nil {
		return 0, err
	}
	id := last + 1
	if err := a.store.Write(a.name, []byte(strconv.Itoa(id)), storage.Truncate, 0); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return id, nil
}

// isMissing is true only when the record does not exist. A record that exists
// but can not be read must not restart the counter.
func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) && errors.Is(err, os.ErrNotExist)
}
