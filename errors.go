package propcache

import (
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/dbuskit/propcache/internal/dbusname"
)

// ErrorKind classifies why a target is unavailable.
type ErrorKind int

const (
	// ErrNone means no error; the cache is (or is becoming) available.
	ErrNone ErrorKind = iota
	// ErrServiceUnknown means no process currently owns the service name.
	ErrServiceUnknown
	// ErrUnknownObject means the service is running but the object path or
	// interface does not exist.
	ErrUnknownObject
	// ErrOther is any other bus-level failure; Message carries the detail.
	ErrOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrServiceUnknown:
		return "service-unknown"
	case ErrUnknownObject:
		return "unknown-object"
	default:
		return "other"
	}
}

// Error describes why a target's properties are unavailable. The zero Error
// means "no error". Errors never raise; they are only observable through
// Handle.Err and the ErrorChanged hook.
type Error struct {
	Kind    ErrorKind
	Name    string
	Message string
}

// IsValid reports whether this is a real error (Kind != ErrNone).
func (e Error) IsValid() bool { return e.Kind != ErrNone }

func (e Error) Error() string {
	if !e.IsValid() {
		return "none"
	}
	if e.Message == "" {
		return e.Name
	}
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// errorFromDBus maps a bus call failure to the closed Error kind set.
func errorFromDBus(err error) Error {
	var dbErr dbus.Error
	if errors.As(err, &dbErr) {
		msg := ""
		if len(dbErr.Body) > 0 {
			if s, ok := dbErr.Body[0].(string); ok {
				msg = s
			}
		}
		return Error{Kind: kindForName(dbErr.Name), Name: dbErr.Name, Message: msg}
	}
	return Error{Kind: ErrOther, Message: err.Error()}
}

func kindForName(name string) ErrorKind {
	switch name {
	case dbusname.ErrServiceUnknown, dbusname.ErrNameHasNoOwner:
		return ErrServiceUnknown
	case dbusname.ErrUnknownObject, dbusname.ErrUnknownInterface,
		dbusname.ErrUnknownMethod, dbusname.ErrUnknownProperty:
		return ErrUnknownObject
	default:
		return ErrOther
	}
}
