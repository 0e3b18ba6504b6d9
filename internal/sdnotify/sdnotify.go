// Package sdnotify reports service state to systemd.
package sdnotify

import (
	"log/slog"
	"net"
	"os"
)

// Notify sends a state notification to systemd via NOTIFY_SOCKET. Outside a
// systemd unit (NOTIFY_SOCKET unset) it returns silently; dial failures are
// logged but not returned, matching the protocol's fire-and-forget shape.
func Notify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", socket, "err", err)
		return
	}
	defer conn.Close()
	conn.Write([]byte(state)) //nolint:errcheck
}

// Ready reports successful startup.
func Ready() { Notify("READY=1") }

// Stopping reports the beginning of shutdown.
func Stopping() { Notify("STOPPING=1") }
