package propcache

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Target names one remote interface instance: a bus connection, a service
// name, an object path, and an interface. Target is a comparable value and is
// used as the sharing key throughout the cache; two Handles with equal
// Targets share one bus conversation.
//
// The connection takes part in equality, so two distinct connections to the
// same broker are distinct targets.
type Target struct {
	conn    *dbus.Conn
	service string
	path    dbus.ObjectPath
	iface   string
}

// NewTarget builds a target for service, path, and iface on conn.
func NewTarget(conn *dbus.Conn, service string, path dbus.ObjectPath, iface string) Target {
	return Target{conn: conn, service: service, path: path, iface: iface}
}

// NewSessionTarget builds a target on the shared session bus connection.
func NewSessionTarget(service string, path dbus.ObjectPath, iface string) (Target, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return Target{}, fmt.Errorf("connect to session bus: %w", err)
	}
	return NewTarget(conn, service, path, iface), nil
}

// IsValid reports whether the connection is set and the service, path, and
// interface are non-empty.
func (t Target) IsValid() bool {
	return t.conn != nil && t.service != "" && t.path != "" && t.iface != ""
}

// Conn returns the bus connection.
func (t Target) Conn() *dbus.Conn { return t.conn }

// Service returns the service name.
func (t Target) Service() string { return t.service }

// Path returns the object path.
func (t Target) Path() dbus.ObjectPath { return t.path }

// Interface returns the interface name.
func (t Target) Interface() string { return t.iface }

// BusID returns the connection's unique bus name, or "" for an invalid
// target.
func (t Target) BusID() string {
	if t.conn == nil {
		return ""
	}
	names := t.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// WithPath returns a target for path with the same connection, service, and
// interface.
func (t Target) WithPath(path dbus.ObjectPath) Target {
	return Target{conn: t.conn, service: t.service, path: path, iface: t.iface}
}

// WithInterface returns a target for iface with the same connection, service,
// and path.
func (t Target) WithInterface(iface string) Target {
	return Target{conn: t.conn, service: t.service, path: t.path, iface: iface}
}

// With returns a target for path and iface with the same connection and
// service.
func (t Target) With(path dbus.ObjectPath, iface string) Target {
	return Target{conn: t.conn, service: t.service, path: path, iface: iface}
}

func (t Target) String() string {
	if !t.IsValid() {
		return "DBus(invalid)"
	}
	return fmt.Sprintf("DBus(%s, %s, %s, %s)", t.BusID(), t.service, t.path, t.iface)
}
