package propcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/dbuskit/propcache/internal/dbusname"
)

// startupDelay is how long a backend waits after a service gains a new owner
// before issuing GetAll. The freshly started peer gets a moment to register
// its objects; a PropertiesChanged signal arriving earlier triggers an
// immediate load anyway.
const startupDelay = 50 * time.Millisecond

// backend owns the single bus conversation for one target: the initial
// GetAll, the NameOwnerChanged watcher, the PropertiesChanged subscription,
// Set calls, and the authoritative state. All backends live on the shared
// backend loop; methods suffixed with nothing run there unless noted.
//
// State transitions are fanned out to subscribed threadViews by posting onto
// each view's loop, so every view observes backend events in emission order.
type backend struct {
	target Target

	// mu guards props, lastErr, available, and subs. It is held across
	// mutation plus fan-out so a subscribing view never snapshots state torn
	// between the two. Never held during bus I/O.
	mu        sync.Mutex
	props     map[string]dbus.Variant
	lastErr   Error
	available bool
	subs      map[*threadView]struct{}

	// refs counts owning threadViews; guarded by the registry mutex.
	refs int

	// Backend-loop state.
	subscribed bool
	loading    bool
	loadGen    uint64
	loadStart  time.Time

	signals chan *dbus.Signal
	sigDone chan struct{}
}

func newBackend(target Target) *backend {
	return &backend{
		target:  target,
		props:   map[string]dbus.Variant{},
		subs:    make(map[*threadView]struct{}),
		signals: make(chan *dbus.Signal, 16),
		sigDone: make(chan struct{}),
	}
}

func (b *backend) matchOptions() (owner, props []dbus.MatchOption) {
	owner = []dbus.MatchOption{
		dbus.WithMatchSender(dbusname.BusService),
		dbus.WithMatchInterface(dbusname.BusInterface),
		dbus.WithMatchMember(dbusname.NameOwnerChangedMember),
		dbus.WithMatchArg(0, b.target.service),
	}
	props = []dbus.MatchOption{
		dbus.WithMatchObjectPath(b.target.path),
		dbus.WithMatchInterface(dbusname.PropertiesInterface),
		dbus.WithMatchMember(dbusname.PropertiesChangedMember),
		dbus.WithMatchArg(0, b.target.iface),
	}
	return owner, props
}

// load issues GetAll unless one is already in flight. On first use it also
// installs the name-owner watcher and the PropertiesChanged subscription,
// which stay installed for the backend's lifetime.
func (b *backend) load() {
	if b.loading {
		return
	}
	if !b.subscribed {
		conn := b.target.conn
		owner, props := b.matchOptions()
		if err := conn.AddMatchSignal(owner...); err != nil {
			slog.Warn("failed to watch name owner", "target", b.target.String(), "error", err)
		}
		if err := conn.AddMatchSignal(props...); err != nil {
			slog.Warn("failed to subscribe to property changes", "target", b.target.String(), "error", err)
		}
		conn.Signal(b.signals)
		go b.processSignals()
		b.subscribed = true
	}

	b.loading = true
	b.loadStart = time.Now()
	gen := b.loadGen
	obj := b.target.conn.Object(b.target.service, b.target.path)
	call := obj.Go(dbusname.GetAllMethod, 0, nil, b.target.iface)
	go func() {
		<-call.Done
		backendLoop().Post(func() { b.loadDone(gen, call) })
	}()
}

func (b *backend) loadDone(gen uint64, call *dbus.Call) {
	if gen != b.loadGen {
		// Abandoned by a name-owner change; the result is stale.
		return
	}
	b.loading = false

	if call.Err != nil {
		e := errorFromDBus(call.Err)
		if e.Kind == ErrServiceUnknown {
			slog.Info("service is unavailable, waiting to load properties",
				"target", b.target.String())
		} else {
			slog.Warn("loading properties failed",
				"target", b.target.String(), "error", call.Err)
		}
		b.doReset(nil, e)
		return
	}

	var props map[string]dbus.Variant
	if err := call.Store(&props); err != nil {
		slog.Warn("malformed GetAll reply", "target", b.target.String(), "error", err)
		b.doReset(nil, Error{Kind: ErrOther, Message: err.Error()})
		return
	}
	slog.Debug("received properties", "target", b.target.String(),
		"count", len(props), "elapsed", time.Since(b.loadStart))
	b.doReset(props, Error{})
}

// processSignals drains the connection's signal channel, filters for this
// backend's target, and posts matching signals onto the backend loop.
func (b *backend) processSignals() {
	for {
		select {
		case <-b.sigDone:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.dispatchSignal(sig)
		}
	}
}

func (b *backend) dispatchSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusname.NameOwnerChangedSignal:
		if len(sig.Body) != 3 {
			return
		}
		name, ok1 := sig.Body[0].(string)
		_, ok2 := sig.Body[1].(string)
		newOwner, ok3 := sig.Body[2].(string)
		if !ok1 || !ok2 || !ok3 || name != b.target.service {
			return
		}
		backendLoop().Post(func() { b.nameOwnerChanged(newOwner) })

	case dbusname.PropertiesChangedSignal:
		if sig.Path != b.target.path || len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != b.target.iface {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		var invalidated []string
		if len(sig.Body) >= 3 {
			invalidated, _ = sig.Body[2].([]string)
		}
		backendLoop().Post(func() { b.propertiesChanged(changed, invalidated) })
	}
}

func (b *backend) nameOwnerChanged(newOwner string) {
	if b.loading {
		slog.Debug("service owner changed, canceling pending load",
			"target", b.target.String())
		b.loadGen++
		b.loading = false
	}

	if newOwner == "" {
		slog.Info("service disconnected, resetting properties",
			"target", b.target.String())
		b.doReset(nil, Error{
			Kind:    ErrServiceUnknown,
			Name:    dbusname.ErrServiceUnknown,
			Message: "DBus service disconnected",
		})
		return
	}

	slog.Info("service is now available, loading properties",
		"target", b.target.String())
	time.AfterFunc(startupDelay, func() {
		backendLoop().Post(b.load)
	})
}

// propertiesChanged applies a PropertiesChanged signal. While a load is in
// flight the signal is dropped: its values are also in the pending reply, and
// emitting here would break the ordering guarantees. While unavailable the
// signal is taken as evidence that the service is alive and triggers a
// reload; the payload itself is not trusted.
func (b *backend) propertiesChanged(changed map[string]dbus.Variant, invalidated []string) {
	if b.loading {
		slog.Debug("ignored property change while loading", "target", b.target.String())
		return
	}

	b.mu.Lock()
	if !b.available {
		lastErr := b.lastErr
		b.mu.Unlock()
		slog.Debug("retrying load after unexpected property change",
			"target", b.target.String(), "error", lastErr.Error())
		b.load()
		return
	}

	survivors := make(map[string]dbus.Variant)
	for name, value := range changed {
		cur, ok := b.props[name]
		if ok && variantEqual(cur, value) {
			continue
		}
		b.props[name] = value
		survivors[name] = value
	}
	for _, name := range invalidated {
		if _, ok := b.props[name]; ok {
			delete(b.props, name)
			survivors[name] = dbus.Variant{}
		}
	}

	if len(survivors) > 0 {
		for view := range b.subs {
			v := view
			v.loop.Post(func() { v.applyChange(survivors) })
		}
	}
	b.mu.Unlock()
}

// doReset atomically replaces the full state and fans a reset out to every
// subscribed view.
func (b *backend) doReset(props map[string]dbus.Variant, e Error) {
	if props == nil {
		props = map[string]dbus.Variant{}
	}
	b.mu.Lock()
	b.props = props
	b.lastErr = e
	b.available = !e.IsValid()
	for view := range b.subs {
		v := view
		v.loop.Post(func() { v.applyReset(props, e) })
	}
	b.mu.Unlock()
}

// setProperty issues a fire-and-forget Properties.Set. The cache is never
// updated optimistically; the new value becomes visible through the
// service's PropertiesChanged signal. May be called from any goroutine.
func (b *backend) setProperty(property string, value interface{}) {
	target := b.target
	backendLoop().Post(func() {
		obj := target.conn.Object(target.service, target.path)
		call := obj.Go(dbusname.SetMethod, 0, nil, target.iface, property, wrapVariant(value))
		go func() {
			<-call.Done
			if call.Err != nil {
				slog.Warn("failed to set property", "target", target.String(),
					"property", property, "error", call.Err)
			}
		}()
	})
}

// subscribe registers view and returns a consistent snapshot of the current
// state. Called from the view's loop goroutine.
func (b *backend) subscribe(view *threadView) (props map[string]dbus.Variant, e Error, available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[view] = struct{}{}
	return cloneProps(b.props), b.lastErr, b.available
}

func (b *backend) unsubscribe(view *threadView) {
	b.mu.Lock()
	delete(b.subs, view)
	b.mu.Unlock()
}

// destroy tears the backend down; runs on the backend loop after the backend
// fell out of the warm cache or at shutdown.
func (b *backend) destroy() {
	if !b.subscribed {
		return
	}
	conn := b.target.conn
	owner, props := b.matchOptions()
	if err := conn.RemoveMatchSignal(owner...); err != nil {
		slog.Debug("failed to remove name owner match", "target", b.target.String(), "error", err)
	}
	if err := conn.RemoveMatchSignal(props...); err != nil {
		slog.Debug("failed to remove property change match", "target", b.target.String(), "error", err)
	}
	close(b.sigDone)
	conn.RemoveSignal(b.signals)
	b.subscribed = false
	slog.Debug("destroyed backend", "target", b.target.String())
}
