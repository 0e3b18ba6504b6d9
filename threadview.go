package propcache

import (
	"log/slog"
	"slices"

	"github.com/godbus/dbus/v5"
)

// threadView is one loop's view of a target: a mirror of the backend state
// that only mutates on the owning loop, so reads from that loop are always
// consistent and never lock. One threadView exists per (target, loop) and is
// shared by every Handle for the target on that loop.
//
// The mirror is snapshotted from the backend under its data mutex at
// subscribe time; afterwards it changes only in applyReset and applyChange,
// both delivered through the loop queue. Each fully applies its mutation
// before emitting, so a handler inspecting any sibling Handle mid-signal
// already sees every change from the same fan-out.
type threadView struct {
	loop    *Loop
	backend *backend
	target  Target

	props     map[string]dbus.Variant
	lastErr   Error
	available bool

	handles []*Handle
	refs    int
}

// localView returns the loop's view for target, creating it if needed.
// Runs on the loop goroutine.
func localView(l *Loop, target Target) *threadView {
	if v, ok := l.views[target]; ok {
		return v
	}
	b := acquireBackend(target)
	v := &threadView{loop: l, backend: b, target: target}
	v.props, v.lastErr, v.available = b.subscribe(v)
	l.views[target] = v
	slog.Debug("created thread view", "target", target.String())
	return v
}

func (v *threadView) attach(h *Handle) {
	v.handles = append(v.handles, h)
	v.refs++
}

func (v *threadView) detach(h *Handle) {
	if i := slices.Index(v.handles, h); i >= 0 {
		v.handles = slices.Delete(v.handles, i, i+1)
	}
	v.refs--
	if v.refs == 0 {
		delete(v.loop.views, v.target)
		v.backend.unsubscribe(v)
		releaseBackend(v.backend)
		slog.Debug("destroyed thread view", "target", v.target.String())
	}
}

// applyReset replaces the mirror and emits the ordered reset sequence:
//  1. mutate state
//  2. AvailableChanged and ErrorChanged if they changed
//  3. PropertiesReset unless both old and new sets are empty
//  4. PropertyChanged per added/changed key, then per removed key
//  5. Lost or Ready on availability edges
func (v *threadView) applyReset(props map[string]dbus.Variant, e Error) {
	wasAvailable := v.available
	before := v.props
	errChanged := v.lastErr.Kind != e.Kind

	v.available = !e.IsValid()
	v.lastErr = e
	v.props = cloneProps(props)

	if wasAvailable != v.available {
		v.emitAvailable(v.available)
	}
	if errChanged {
		v.emitError(e)
	}
	if len(v.props) > 0 || len(before) > 0 {
		v.emitReset()
	}
	for name, value := range v.props {
		if prev, ok := before[name]; !ok || !variantEqual(prev, value) {
			v.emitProperty(name, value)
		}
	}
	for name := range before {
		if _, ok := v.props[name]; !ok {
			v.emitProperty(name, dbus.Variant{})
		}
	}
	if wasAvailable && !v.available {
		v.emitLost()
	}
	if !wasAvailable && v.available {
		v.emitReady()
	}
}

// applyChange applies one PropertiesChanged fan-out: every entry mutates the
// mirror before any PropertyChanged is emitted. An invalid value removes the
// property.
func (v *threadView) applyChange(values map[string]dbus.Variant) {
	for name, value := range values {
		if variantValid(value) {
			v.props[name] = value
		} else {
			delete(v.props, name)
		}
	}
	for name, value := range values {
		v.emitProperty(name, value)
	}
}

// eachHandle visits the Handles that have initialized, over a snapshot so a
// hook may close its Handle or create new ones.
func (v *threadView) eachHandle(fn func(h *Handle)) {
	for _, h := range slices.Clone(v.handles) {
		if h.initialized && !h.closed {
			fn(h)
		}
	}
}

func (v *threadView) emitAvailable(available bool) {
	v.eachHandle(func(h *Handle) {
		if h.AvailableChanged != nil {
			h.AvailableChanged(available)
		}
	})
}

func (v *threadView) emitError(e Error) {
	v.eachHandle(func(h *Handle) {
		if h.ErrorChanged != nil {
			h.ErrorChanged(e)
		}
	})
}

func (v *threadView) emitReset() {
	v.eachHandle(func(h *Handle) {
		if h.PropertiesReset != nil {
			h.PropertiesReset(cloneProps(v.props))
		}
	})
}

func (v *threadView) emitProperty(name string, value dbus.Variant) {
	v.eachHandle(func(h *Handle) {
		if h.PropertyChanged != nil {
			h.PropertyChanged(name, value)
		}
	})
}

func (v *threadView) emitReady() {
	v.eachHandle(func(h *Handle) {
		if h.Ready != nil {
			h.Ready()
		}
	})
}

func (v *threadView) emitLost() {
	v.eachHandle(func(h *Handle) {
		if h.Lost != nil {
			h.Lost()
		}
	})
}
