// Package propcache provides an asynchronous, shared, in-process cache of
// remote D-Bus object properties.
//
// A Handle observes the properties of one remote interface instance, named by
// a Target (bus connection, service, object path, interface). Handles never
// block on the bus: all data is served from an in-process cache that is loaded
// with Properties.GetAll, kept current from PropertiesChanged signals, and
// reset when the service's bus name changes owner.
//
// Handles for the same Target share a single bus conversation regardless of
// how many exist or which goroutines own them. Each Handle is bound to a Loop
// (an event loop goroutine); all of its methods and signal hooks run there.
// Sibling Handles on the same Loop always agree on property values, even while
// change signals are being delivered.
//
// A freshly constructed Handle is always empty and unavailable. Once its Loop
// processes queued work, the Handle initializes and its hooks fire in a fixed
// order: AvailableChanged, ErrorChanged, PropertiesReset, PropertyChanged per
// property, then Ready (or Lost when a service goes away).
//
// Set requests a property change but never updates the cache directly; the
// new value becomes visible only after the service emits PropertiesChanged.
package propcache
