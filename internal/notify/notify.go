// Package notify sends desktop notifications about watched property
// targets via org.freedesktop.Notifications.
package notify

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyInterface = "org.freedesktop.Notifications"
)

// expireTimeout is the notification display time in milliseconds.
const expireTimeout = int32(5000)

// Notifier sends desktop notifications on the session bus, keeping one
// notification per key so a flapping service updates in place instead of
// stacking alerts. A nil Notifier is inert, so callers need no enabled
// checks.
type Notifier struct {
	mu   sync.Mutex
	conn *dbus.Conn
	last map[string]uint32
}

// New creates a notifier using a private session bus connection.
func New() (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &Notifier{conn: conn, last: make(map[string]uint32)}, nil
}

// Notify shows a notification for key, replacing the previous one for the
// same key. If the connection died, it reconnects and retries once.
func (n *Notifier) Notify(key, summary, body string) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	id, err := n.doNotify(n.last[key], summary, body)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		conn, connErr := dbus.ConnectSessionBus()
		if connErr != nil {
			return fmt.Errorf("notify: %w (reconnect failed: %v)", err, connErr)
		}
		n.conn.Close()
		n.conn = conn
		id, err = n.doNotify(n.last[key], summary, body)
	}
	if err != nil {
		return err
	}
	n.last[key] = id
	return nil
}

func (n *Notifier) doNotify(replaces uint32, summary, body string) (uint32, error) {
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(
		notifyInterface+".Notify",
		0,
		"dbus-propmon", // app_name
		replaces,       // replaces_id
		"",             // app_icon
		summary,
		body,
		[]string{},                // actions
		map[string]dbus.Variant{}, // hints
		expireTimeout,
	)
	if call.Err != nil {
		return 0, fmt.Errorf("notify call: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify reply: %w", err)
	}
	return id, nil
}

// Close closes the bus connection.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
}
