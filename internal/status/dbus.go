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

package status

import (
	"encoding/json"
	"errors"
	"runtime"
	"strings"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.CellTester"
	dbusPath = "/org/cacophony/CellTester"
)

type service struct {
	store *Store
}

// StartService exports the store on the system bus.
func StartService(store *Store) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{store: store}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return err
	}
	return conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
}

func (s service) SlotCount() (int, *dbus.Error) {
	return s.store.Count(), nil
}

// SlotStatus returns the JSON encoded status of a slot.
func (s service) SlotStatus(index int) (string, *dbus.Error) {
	st, ok := s.store.Get(index)
	if !ok {
		return "", dbusErr(ErrSlotNotFound)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return "", dbusErr(err)
	}
	return string(data), nil
}

// AllSlots returns the JSON encoded status of every slot.
func (s service) AllSlots() (string, *dbus.Error) {
	data, err := json.Marshal(s.store.All())
	if err != nil {
		return "", dbusErr(err)
	}
	return string(data), nil
}

// FetchAll asks a running tester for the status of every slot.
func FetchAll() ([]SlotStatus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(dbusName, dbusPath)

	var response string
	if err := obj.Call(dbusName+".AllSlots", 0).Store(&response); err != nil {
		return nil, err
	}
	var all []SlotStatus
	if err := json.Unmarshal([]byte(response), &all); err != nil {
		return nil, err
	}
	return all, nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
