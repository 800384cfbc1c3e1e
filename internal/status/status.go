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

// Package status publishes slot state over prometheus, HTTP and dbus.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/TheCacophonyProject/cell-tester/internal/slot"
)

// SlotStatus is the latest published state of a slot.
type SlotStatus struct {
	slot.Snapshot
	RunID     string    `json:"runId,omitempty"`
	Finalized bool      `json:"finalized"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store holds the latest status per slot. It is written by the control loop
// and read by the HTTP and dbus handlers.
type Store struct {
	mu      sync.RWMutex
	slots   map[int]SlotStatus
	metrics *Metrics
}

// NewStore returns an empty store. metrics may be nil.
func NewStore(metrics *Metrics) *Store {
	return &Store{slots: map[int]SlotStatus{}, metrics: metrics}
}

func (s *Store) Publish(st SlotStatus) {
	s.mu.Lock()
	s.slots[st.Slot] = st
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Observe(st)
	}
}

func (s *Store) Get(index int) (SlotStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.slots[index]
	return st, ok
}

// All returns every slot ordered by index.
func (s *Store) All() []SlotStatus {
	s.mu.RLock()
	all := make([]SlotStatus, 0, len(s.slots))
	for _, st := range s.slots {
		all = append(all, st)
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Slot < all[j].Slot })
	return all
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
