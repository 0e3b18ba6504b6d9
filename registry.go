package propcache

import (
	"log/slog"
	"sync"
	"time"
)

// warmCapacity bounds how many released backends are kept alive for reuse.
const warmCapacity = 5

// shutdownTimeout bounds how long Shutdown waits for the backend loop.
const shutdownTimeout = 5 * time.Second

// registry is the process-global backend registry: live backends keyed by
// target, plus a bounded list of recently released backends kept warm so
// recreating a Handle shortly after the last one closed needs no bus
// round-trip. It also owns the shared backend loop, started lazily on first
// use.
var registry struct {
	mu   sync.Mutex
	live map[Target]*backend
	warm []*backend
	loop *Loop
}

// backendLoop returns the shared backend loop, starting it if needed.
func backendLoop() *Loop {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return backendLoopLocked()
}

func backendLoopLocked() *Loop {
	if registry.loop == nil {
		registry.loop = NewLoop()
		slog.Debug("started backend loop")
	}
	return registry.loop
}

// acquireBackend returns the backend for target, preferring a live one, then
// a warm one, and finally constructing a new backend whose initial load is
// scheduled on the backend loop. The caller owns one reference.
func acquireBackend(target Target) *backend {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.live == nil {
		registry.live = make(map[Target]*backend)
	}
	if b, ok := registry.live[target]; ok {
		b.refs++
		return b
	}

	for i, b := range registry.warm {
		if b.target == target {
			registry.warm = append(registry.warm[:i], registry.warm[i+1:]...)
			registry.live[target] = b
			b.refs = 1
			slog.Debug("restored backend from warm cache", "target", target.String())
			return b
		}
	}

	b := newBackend(target)
	registry.live[target] = b
	b.refs = 1
	backendLoopLocked().Post(b.load)
	slog.Debug("created backend", "target", target.String())
	return b
}

// releaseBackend drops one reference. The last release moves the backend
// into the warm cache instead of destroying it; overflowing backends are
// destroyed on the backend loop, oldest first.
func releaseBackend(b *backend) {
	registry.mu.Lock()
	b.refs--
	if b.refs > 0 {
		registry.mu.Unlock()
		return
	}
	delete(registry.live, b.target)
	registry.warm = append([]*backend{b}, registry.warm...)
	var evicted []*backend
	for len(registry.warm) > warmCapacity {
		last := len(registry.warm) - 1
		evicted = append(evicted, registry.warm[last])
		registry.warm = registry.warm[:last]
	}
	loop := backendLoopLocked()
	registry.mu.Unlock()

	slog.Debug("released backend to warm cache", "target", b.target.String())
	for _, e := range evicted {
		loop.Post(e.destroy)
	}
}

// Shutdown destroys all warm backends and stops the backend loop, waiting up
// to five seconds for it to drain. Call at orderly process shutdown; later
// cache use starts a fresh backend loop.
func Shutdown() {
	registry.mu.Lock()
	warm := registry.warm
	registry.warm = nil
	loop := registry.loop
	registry.loop = nil
	registry.mu.Unlock()

	if loop == nil {
		return
	}
	for _, b := range warm {
		loop.Post(b.destroy)
	}
	loop.shutdown()
	select {
	case <-loop.done:
	case <-time.After(shutdownTimeout):
		slog.Warn("backend loop did not stop in time")
	}
}

// registryEmpty reports whether no live backends exist. Test hook.
func registryEmpty() bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.live) == 0
}

// clearWarm destroys all warm backends. Test hook for deterministic
// teardown.
func clearWarm() {
	registry.mu.Lock()
	warm := registry.warm
	registry.warm = nil
	loop := registry.loop
	registry.mu.Unlock()

	if loop == nil {
		return
	}
	for _, b := range warm {
		loop.Post(b.destroy)
	}
}

// syncBackendLoop waits until the backend loop has drained everything queued
// before the call. Test hook.
func syncBackendLoop() {
	registry.mu.Lock()
	loop := registry.loop
	registry.mu.Unlock()
	if loop != nil {
		loop.Call(func() {})
	}
}
