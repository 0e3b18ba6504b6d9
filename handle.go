package propcache

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// Handle observes the properties of one remote interface instance. It is
// bound to the Loop it was created on: all methods and hooks run there, and
// using a Handle from any other goroutine is a bug (detected and logged, see
// below).
//
// Assign the signal hooks before the loop next turns, most simply by
// creating the Handle from its loop goroutine, then optionally call
// Initialize to replay the current state synchronously. A freshly
// constructed Handle never emits before control returns to the loop.
type Handle struct {
	// AvailableChanged fires when the mirror gains or loses a consistent
	// property snapshot.
	AvailableChanged func(available bool)
	// ErrorChanged fires when the error kind changes.
	ErrorChanged func(err Error)
	// Ready fires after a full initialization sequence has been emitted.
	Ready func()
	// Lost fires after the service went away and the teardown sequence has
	// been emitted.
	Lost func()
	// PropertyChanged fires per changed property; a zero Variant value means
	// the property was removed.
	PropertyChanged func(name string, value dbus.Variant)
	// PropertiesReset fires when the full property set is replaced.
	PropertiesReset func(props map[string]dbus.Variant)

	loop        *Loop
	view        *threadView
	initialized bool
	closed      bool
}

// New creates a Handle for target bound to loop. If nothing is known about
// the target yet, signal wiring happens immediately (and emits nothing);
// otherwise initialization is posted to the loop so the caller can assign
// hooks first. Either way the first emission happens no earlier than the
// loop's next turn, unless Initialize is called explicitly.
func New(loop *Loop, target Target) *Handle {
	h := &Handle{loop: loop}
	loop.Call(func() {
		v := localView(loop, target)
		v.attach(h)
		h.view = v
		if !v.available && !v.lastErr.IsValid() {
			h.initialize()
		} else {
			loop.Post(h.initialize)
		}
	})
	return h
}

// Initialize replays the current mirror state through the Handle's hooks
// synchronously, in the same order a reset would use. It reports whether the
// mirror was already meaningful (available or holding an error); when it
// returns false nothing was emitted, the Handle is still marked initialized,
// and its hooks fire once the backend delivers data. Calling Initialize on an
// initialized Handle is a no-op apart from the return value.
func (h *Handle) Initialize() bool {
	h.checkLoop("Initialize")
	h.initialize()
	return h.view.available || h.view.lastErr.IsValid()
}

func (h *Handle) initialize() {
	if h.initialized || h.closed {
		return
	}
	h.initialized = true
	v := h.view
	if v.lastErr.IsValid() && h.ErrorChanged != nil {
		h.ErrorChanged(v.lastErr)
	}
	if !v.available {
		return
	}
	// Same order as a threadView reset.
	if h.AvailableChanged != nil {
		h.AvailableChanged(true)
	}
	if h.PropertiesReset != nil {
		h.PropertiesReset(cloneProps(v.props))
	}
	if h.PropertyChanged != nil {
		for name, value := range v.props {
			h.PropertyChanged(name, value)
		}
	}
	if h.Ready != nil {
		h.Ready()
	}
}

// Close releases the Handle. The shared backend stays warm for a while, so
// recreating a Handle for the same target shortly after is cheap.
func (h *Handle) Close() {
	h.checkLoop("Close")
	if h.closed {
		return
	}
	h.closed = true
	h.initialized = false
	h.view.detach(h)
}

// IsAvailable reports whether the mirror holds a consistent property
// snapshot. It is the single source of truth for "data is meaningful".
func (h *Handle) IsAvailable() bool {
	h.checkLoop("IsAvailable")
	return h.initialized && h.view.available
}

// Err returns the current error, or the zero Error while none is known.
func (h *Handle) Err() Error {
	h.checkLoop("Err")
	if !h.initialized {
		return Error{}
	}
	return h.view.lastErr
}

// Contains reports whether the property has a value.
func (h *Handle) Contains(name string) bool {
	h.checkLoop("Contains")
	if !h.initialized {
		return false
	}
	_, ok := h.view.props[name]
	return ok
}

// Get returns the cached value of a property, or the zero Variant when the
// property does not exist or data is not available yet.
func (h *Handle) Get(name string) dbus.Variant {
	h.checkLoop("Get")
	if !h.initialized {
		return dbus.Variant{}
	}
	return h.view.props[name]
}

// GetAll returns a copy of all cached properties; empty while unavailable.
func (h *Handle) GetAll() map[string]dbus.Variant {
	h.checkLoop("GetAll")
	if !h.initialized {
		return map[string]dbus.Variant{}
	}
	return cloneProps(h.view.props)
}

// GetString returns the property as a string, or "" when missing or not a
// string.
func (h *Handle) GetString(name string) string {
	s, _ := h.Get(name).Value().(string)
	return s
}

// GetBool returns the property as a bool, or false when missing or not a
// bool.
func (h *Handle) GetBool(name string) bool {
	b, _ := h.Get(name).Value().(bool)
	return b
}

// GetInt returns the property as an int64, converting from any signed or
// unsigned D-Bus integer type; 0 when missing or not numeric.
func (h *Handle) GetInt(name string) int64 {
	switch v := h.Get(name).Value().(type) {
	case byte:
		return int64(v)
	case int16:
		return int64(v)
	case uint16:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

// GetUint is like GetInt for unsigned values; negative values read as 0.
func (h *Handle) GetUint(name string) uint64 {
	n := h.GetInt(name)
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Set requests that the service change a property. The call is asynchronous
// and unconfirmed: the cache does not change until the service emits
// PropertiesChanged, and failures are only logged.
func (h *Handle) Set(name string, value interface{}) {
	h.checkLoop("Set")
	h.view.backend.setProperty(name, value)
}

// Target returns the target this Handle observes.
func (h *Handle) Target() Target {
	h.checkLoop("Target")
	return h.view.target
}

// BusID returns the unique name of the target's bus connection.
func (h *Handle) BusID() string {
	h.checkLoop("BusID")
	return h.view.target.BusID()
}

func (h *Handle) checkLoop(method string) {
	if !h.loop.current() {
		slog.Error("BUG: Handle used off its owning loop",
			"method", method, "target", h.view.target.String())
	}
}
