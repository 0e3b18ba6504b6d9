package testbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/dbuskit/propcache/internal/dbusname"
)

// PropService is a minimal org.freedesktop.DBus.Properties implementation
// for testing. It owns a bus name, stores variants for a single interface,
// and emits PropertiesChanged when mutated.
type PropService struct {
	conn    *dbus.Conn
	busName string
	path    dbus.ObjectPath
	iface   string

	mu    sync.Mutex
	props map[string]dbus.Variant

	getAllCalls atomic.Uint64
}

// NewPropService creates a mock property service for one interface.
func NewPropService(conn *dbus.Conn, busName string, path dbus.ObjectPath, iface string) *PropService {
	return &PropService{
		conn:    conn,
		busName: busName,
		path:    path,
		iface:   iface,
		props:   make(map[string]dbus.Variant),
	}
}

// propsHandler restricts the exported method set to the Properties interface.
type propsHandler struct {
	s *PropService
}

// Get returns one property value.
func (h propsHandler) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != h.s.iface {
		return dbus.Variant{}, dbusname.ErrInterfaceNotFound(iface)
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	v, ok := h.s.props[name]
	if !ok {
		return dbus.Variant{}, dbusname.ErrPropertyNotFound(name)
	}
	return v, nil
}

// GetAll returns all property values and counts the call.
func (h propsHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	h.s.getAllCalls.Add(1)
	if iface != h.s.iface {
		return nil, dbusname.ErrInterfaceNotFound(iface)
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	out := make(map[string]dbus.Variant, len(h.s.props))
	for k, v := range h.s.props {
		out[k] = v
	}
	return out, nil
}

// Set stores a property value and emits PropertiesChanged.
func (h propsHandler) Set(iface, name string, value dbus.Variant) *dbus.Error {
	if iface != h.s.iface {
		return dbusname.ErrInterfaceNotFound(iface)
	}
	h.s.SetProp(name, value)
	return nil
}

// Register exports the Properties interface and claims the bus name.
func (s *PropService) Register() error {
	if err := s.exportObject(); err != nil {
		return err
	}
	return s.requestName()
}

// RegisterNameOnly claims the bus name without exporting any object, so
// property calls against it fail with UnknownMethod.
func (s *PropService) RegisterNameOnly() error {
	return s.requestName()
}

// ExportObject exports the Properties interface after the fact. Used to
// simulate a service whose object appears later than its name.
func (s *PropService) ExportObject() error {
	return s.exportObject()
}

func (s *PropService) exportObject() error {
	if err := s.conn.Export(propsHandler{s}, s.path, dbusname.PropertiesInterface); err != nil {
		return fmt.Errorf("export Properties: %w", err)
	}
	return nil
}

func (s *PropService) requestName() error {
	reply, err := s.conn.RequestName(s.busName, dbus.NameFlagReplaceExisting)
	if err != nil {
		return fmt.Errorf("request name %s: %w", s.busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner of %s (reply=%d)", s.busName, reply)
	}
	return nil
}

// Release gives up the bus name, which the bus reports as a name-owner
// change with an empty new owner.
func (s *PropService) Release() error {
	if _, err := s.conn.ReleaseName(s.busName); err != nil {
		return fmt.Errorf("release name %s: %w", s.busName, err)
	}
	return nil
}

// SetProp stores one property and emits PropertiesChanged for it. The mock
// emits even when the value is unchanged so duplicate suppression can be
// observed from the client side.
func (s *PropService) SetProp(name string, value dbus.Variant) {
	s.SetProps(map[string]dbus.Variant{name: value})
}

// SetProps stores several properties and emits one PropertiesChanged
// carrying all of them.
func (s *PropService) SetProps(changed map[string]dbus.Variant) {
	s.mu.Lock()
	for k, v := range changed {
		s.props[k] = v
	}
	s.mu.Unlock()
	s.emit(changed, nil)
}

// Invalidate removes properties and emits PropertiesChanged listing them as
// invalidated.
func (s *PropService) Invalidate(names ...string) {
	s.mu.Lock()
	for _, n := range names {
		delete(s.props, n)
	}
	s.mu.Unlock()
	s.emit(nil, names)
}

// EmitRaw emits PropertiesChanged without touching the stored values. Lets
// tests send signals that disagree with what GetAll would return.
func (s *PropService) EmitRaw(changed map[string]dbus.Variant, invalidated []string) {
	s.emit(changed, invalidated)
}

func (s *PropService) emit(changed map[string]dbus.Variant, invalidated []string) {
	if err := dbusname.EmitPropertiesChanged(s.conn, s.path, s.iface, changed, invalidated); err != nil {
		panic(fmt.Sprintf("emit PropertiesChanged: %v", err))
	}
}

// GetAllCount reports how many GetAll calls the service has answered.
func (s *PropService) GetAllCount() uint64 {
	return s.getAllCalls.Load()
}
