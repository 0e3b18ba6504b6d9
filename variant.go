package propcache

import (
	"reflect"

	"github.com/godbus/dbus/v5"
)

// The zero dbus.Variant stands for "no value": Handle.Get returns it for
// unknown properties, and PropertyChanged carries it when a property is
// removed.

// wrapVariant carries value as a wire variant without double-wrapping: a
// dbus.Variant is forwarded as-is, anything else is wrapped once.
func wrapVariant(value interface{}) dbus.Variant {
	if v, ok := value.(dbus.Variant); ok {
		return v
	}
	return dbus.MakeVariant(value)
}

func variantValid(v dbus.Variant) bool {
	return v.Value() != nil
}

func variantEqual(a, b dbus.Variant) bool {
	if a.Signature() != b.Signature() {
		return false
	}
	return reflect.DeepEqual(a.Value(), b.Value())
}

func cloneProps(props map[string]dbus.Variant) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
