package propcache

// Test hooks for black-box tests.

// RegistryEmpty reports whether no live backends exist.
func RegistryEmpty() bool { return registryEmpty() }

// ClearWarm destroys all warm backends.
func ClearWarm() { clearWarm() }

// SyncBackendLoop waits for the backend loop to drain.
func SyncBackendLoop() { syncBackendLoop() }

// StartupDelay is the delay before reloading from a freshly started service.
const StartupDelay = startupDelay

// WarmCapacity is the warm cache bound.
const WarmCapacity = warmCapacity
