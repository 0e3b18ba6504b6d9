package propcache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestErrorKindForName(t *testing.T) {
	tests := []struct {
		name string
		want ErrorKind
	}{
		{"org.freedesktop.DBus.Error.ServiceUnknown", ErrServiceUnknown},
		{"org.freedesktop.DBus.Error.NameHasNoOwner", ErrServiceUnknown},
		{"org.freedesktop.DBus.Error.UnknownObject", ErrUnknownObject},
		{"org.freedesktop.DBus.Error.UnknownInterface", ErrUnknownObject},
		{"org.freedesktop.DBus.Error.UnknownMethod", ErrUnknownObject},
		{"org.freedesktop.DBus.Error.UnknownProperty", ErrUnknownObject},
		{"org.freedesktop.DBus.Error.AccessDenied", ErrOther},
		{"com.example.SomeError", ErrOther},
	}
	for _, tt := range tests {
		if got := kindForName(tt.name); got != tt.want {
			t.Errorf("kindForName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorFromDBus(t *testing.T) {
	dbErr := dbus.Error{
		Name: "org.freedesktop.DBus.Error.ServiceUnknown",
		Body: []interface{}{"The name org.example.Svc was not provided"},
	}

	e := errorFromDBus(dbErr)
	if e.Kind != ErrServiceUnknown {
		t.Errorf("Kind = %v, want ErrServiceUnknown", e.Kind)
	}
	if e.Name != dbErr.Name {
		t.Errorf("Name = %q", e.Name)
	}
	if e.Message != "The name org.example.Svc was not provided" {
		t.Errorf("Message = %q", e.Message)
	}

	// Wrapped bus errors unwrap.
	e = errorFromDBus(fmt.Errorf("call failed: %w", dbErr))
	if e.Kind != ErrServiceUnknown {
		t.Errorf("wrapped: Kind = %v, want ErrServiceUnknown", e.Kind)
	}

	// Anything else becomes ErrOther with the message preserved.
	e = errorFromDBus(errors.New("connection closed"))
	if e.Kind != ErrOther || e.Message != "connection closed" {
		t.Errorf("plain error mapped to %+v", e)
	}
}

func TestErrorFormatting(t *testing.T) {
	if (Error{}).IsValid() {
		t.Error("zero Error reports valid")
	}
	if got := (Error{}).Error(); got != "none" {
		t.Errorf("zero Error() = %q", got)
	}

	e := Error{Kind: ErrOther, Name: "com.example.Err", Message: "boom"}
	if got := e.Error(); got != "com.example.Err: boom" {
		t.Errorf("Error() = %q", got)
	}
	if got := (Error{Kind: ErrOther, Message: "boom"}).Error(); got != "boom" {
		t.Errorf("message-only Error() = %q", got)
	}
	if got := (Error{Kind: ErrOther, Name: "com.example.Err"}).Error(); got != "com.example.Err" {
		t.Errorf("name-only Error() = %q", got)
	}
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		ErrNone:           "none",
		ErrServiceUnknown: "service-unknown",
		ErrUnknownObject:  "unknown-object",
		ErrOther:          "other",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
