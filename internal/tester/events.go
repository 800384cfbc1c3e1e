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

package tester

import (
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
)

const (
	eventCellInserted = "cellInserted"
	eventCellTested   = "cellTested"
	eventCellFailed   = "cellFailed"
)

// Reporter records tester events.
type Reporter interface {
	Report(eventType string, details map[string]interface{}) error
}

// eventReporter sends events to the event-reporter service.
type eventReporter struct{}

func (eventReporter) Report(eventType string, details map[string]interface{}) error {
	return eventclient.AddEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details:   details,
	})
}

type noopReporter struct{}

func (noopReporter) Report(string, map[string]interface{}) error {
	return nil
}
