// Package dbusname provides well-known D-Bus names used by the property
// cache, and a helper for services emitting PropertiesChanged.
package dbusname

import "github.com/godbus/dbus/v5"

// The org.freedesktop.DBus.Properties meta-interface.
const (
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	PropertiesChangedMember = "PropertiesChanged"
	PropertiesChangedSignal = PropertiesInterface + "." + PropertiesChangedMember
	GetAllMethod            = PropertiesInterface + ".GetAll"
	SetMethod               = PropertiesInterface + ".Set"
)

// The message bus itself.
const (
	BusInterface           = "org.freedesktop.DBus"
	BusService             = "org.freedesktop.DBus"
	NameOwnerChangedMember = "NameOwnerChanged"
	NameOwnerChangedSignal = BusInterface + "." + NameOwnerChangedMember
)

// Error names returned by the bus and by peers.
const (
	ErrServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
)

// NewError creates a D-Bus error with the given name and message.
func NewError(name, message string) *dbus.Error {
	return &dbus.Error{Name: name, Body: []interface{}{message}}
}

// ErrPropertyNotFound returns an UnknownProperty error.
func ErrPropertyNotFound(property string) *dbus.Error {
	return NewError(ErrUnknownProperty, "No such property "+property)
}

// ErrInterfaceNotFound returns an UnknownInterface error.
func ErrInterfaceNotFound(iface string) *dbus.Error {
	return NewError(ErrUnknownInterface, "No such interface "+iface)
}

// EmitPropertiesChanged emits Properties.PropertiesChanged for iface at path
// on conn. Services hosting properties use it to announce changed values and
// invalidated (removed) names in a single signal.
func EmitPropertiesChanged(conn *dbus.Conn, path dbus.ObjectPath, iface string, changed map[string]dbus.Variant, invalidated []string) error {
	if changed == nil {
		changed = map[string]dbus.Variant{}
	}
	if invalidated == nil {
		invalidated = []string{}
	}
	return conn.Emit(path, PropertiesChangedSignal, iface, changed, invalidated)
}
