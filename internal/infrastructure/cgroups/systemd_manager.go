//go:build linux

package cgroups

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// systemdManager is a thin client for the org.freedesktop.systemd1.Manager
// D-Bus interface, bound to /org/freedesktop/systemd1.
//
// Every call only queues a job and returns its object path; completion has
// to be observed separately.
type systemdManager struct {
	obj dbus.BusObject
}

func newSystemdManager(conn *dbus.Conn) *systemdManager {
	return &systemdManager{
		obj: conn.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1"),
	}
}

// prop is a unit property in the D-Bus signature (s, v).
type prop struct {
	Name  string
	Value dbus.Variant
}

func newProp(name string, value any) prop {
	return prop{Name: name, Value: dbus.MakeVariant(value)}
}

// StartTransientUnit creates and starts an in-memory unit:
//
//	StartTransientUnit(in s name, in s mode, in a(sv) properties, in a(sa(sv)) aux, out o job)
func (m *systemdManager) StartTransientUnit(unit string, props []prop) (dbus.ObjectPath, error) {
	aux := []struct {
		Name  string
		Props []prop
	}{}

	var jobPath dbus.ObjectPath
	call := m.obj.Call("org.freedesktop.systemd1.Manager.StartTransientUnit", 0, unit, "replace", props, aux)
	if call.Err != nil {
		return jobPath, fmt.Errorf("StartTransientUnit %q call: %w", unit, call.Err)
	}
	if err := call.Store(&jobPath); err != nil {
		return jobPath, fmt.Errorf("StartTransientUnit %q store: %w", unit, err)
	}
	return jobPath, nil
}

// SetUnitProperties changes properties of a loaded unit:
//
//	SetUnitProperties(in s name, in b runtime, in a(sv) properties)
func (m *systemdManager) SetUnitProperties(unit string, runtime bool, props []prop) error {
	call := m.obj.Call("org.freedesktop.systemd1.Manager.SetUnitProperties", 0, unit, runtime, props)
	if call.Err != nil {
		return fmt.Errorf("SetUnitProperties %q call: %w", unit, call.Err)
	}
	return nil
}

// StopUnit queues a stop job:
//
//	StopUnit(in s name, in s mode, out o job)
func (m *systemdManager) StopUnit(unit string) (dbus.ObjectPath, error) {
	var jobPath dbus.ObjectPath
	call := m.obj.Call("org.freedesktop.systemd1.Manager.StopUnit", 0, unit, "replace")
	if call.Err != nil {
		return jobPath, fmt.Errorf("StopUnit %q call: %w", unit, call.Err)
	}
	if err := call.Store(&jobPath); err != nil {
		return jobPath, fmt.Errorf("StopUnit %q store: %w", unit, err)
	}
	return jobPath, nil
}

// unitStatus mirrors the tuple returned by Manager.ListUnits:
// (s name, s desc, s load, s active, s sub, s followed, o path, u jobId, s jobType, o jobPath)
type unitStatus struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
	Followed    string
	Path        dbus.ObjectPath
	JobId       uint32
	JobType     string
	JobPath     dbus.ObjectPath
}

// ListUnits fetches every loaded unit.
func (m *systemdManager) ListUnits() ([]unitStatus, error) {
	var units []unitStatus
	call := m.obj.Call("org.freedesktop.systemd1.Manager.ListUnits", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ListUnits call: %w", call.Err)
	}
	if err := call.Store(&units); err != nil {
		return nil, fmt.Errorf("ListUnits store: %w", err)
	}
	return units, nil
}
