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

// Package datalog writes the per slot measurement log.
package datalog

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/TheCacophonyProject/cell-tester/internal/storage"
)

// MaxPending bounds the rows kept in memory while storage is failing.
// When full, the oldest rows are dropped.
const MaxPending = 1024

type Store interface {
	Exists(name string) bool
	Create(name string) error
	Write(name string, data []byte, mode storage.WriteMode, offset int64) error
	Remove(name string) error
	Rename(oldName, newName string) error
}

// Writer owns one slot's log file. Rows and separators are queued and flushed
// on every write; a failed flush keeps the queue for the next attempt.
type Writer struct {
	store   Store
	slot    int
	name    string
	ready   bool
	pending [][]byte
	dropped int
}

func NewWriter(store Store, slot int) *Writer {
	return &Writer{
		store: store,
		slot:  slot,
		name:  SlotFileName(slot),
	}
}

// Name is the current file name, slot based until the log is renamed.
func (w *Writer) Name() string {
	return w.name
}

// Pending is the number of queued entries not yet on storage.
func (w *Writer) Pending() int {
	return len(w.pending)
}

// Dropped is the number of entries lost because the queue overflowed.
func (w *Writer) Dropped() int {
	return w.dropped
}

// Begin starts a new log for a newly inserted cell. A stale slot log left by a
// test that never finished is removed.
func (w *Writer) Begin() error {
	w.name = SlotFileName(w.slot)
	w.ready = false
	w.pending = nil
	w.dropped = 0
	if !w.store.Exists(w.name) {
		return nil
	}
	if err := w.store.Remove(w.name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (w *Writer) WriteRow(r Row) error {
	w.enqueue([]byte(FormatRow(r)))
	return w.flush()
}

// WriteSeparator marks the end of a charge or discharge section.
func (w *Writer) WriteSeparator() error {
	w.enqueue([]byte(sectionSeparator + "\n"))
	return w.flush()
}

// Finalize flushes outstanding rows and patches the summary into the reserved
// prefix in place. A power loss during the patch can leave the prefix partly
// written; the body is not touched.
func (w *Writer) Finalize(s Summary) error {
	if err := w.flush(); err != nil {
		return err
	}
	return w.store.Write(w.name, SummaryBlock(s), storage.Update, 0)
}

// Rename moves the log to newName and keeps writing there.
func (w *Writer) Rename(newName string) error {
	if newName == w.name {
		return nil
	}
	if err := w.store.Rename(w.name, newName); err != nil {
		return err
	}
	w.name = newName
	return nil
}

func (w *Writer) enqueue(entry []byte) {
	if len(w.pending) >= MaxPending {
		w.pending = w.pending[1:]
		w.dropped++
	}
	w.pending = append(w.pending, entry)
}

func (w *Writer) create() error {
	if !w.store.Exists(w.name) {
		if err := w.store.Create(w.name); err != nil {
			return err
		}
	}
	if err := w.store.Write(w.name, Header(), storage.Truncate, 0); err != nil {
		return err
	}
	w.ready = true
	return nil
}

func (w *Writer) flush() error {
	if !w.ready {
		if err := w.create(); err != nil {
			return fmt.Errorf("creating %s: %w", w.name, err)
		}
	}
	if len(w.pending) == 0 {
		return nil
	}
	data := bytes.Join(w.pending, nil)
	if err := w.store.Write(w.name, data, storage.Append, 0); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.ready = false
		}
		return fmt.Errorf("appending to %s: %w", w.name, err)
	}
	w.pending = w.pending[:0]
	return nil
}
