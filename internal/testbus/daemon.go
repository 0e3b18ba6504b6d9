// Package testbus spawns a private D-Bus daemon and hosts mock property
// services for tests and demos.
package testbus

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// Daemon is a private session bus daemon for one test.
type Daemon struct {
	t    *testing.T
	cmd  *exec.Cmd
	Addr string
}

// Start launches a private dbus-daemon and registers cleanup with t. Tests
// are skipped when the dbus-daemon binary is not installed.
func Start(t *testing.T) *Daemon {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not found in PATH")
	}

	socketPath := filepath.Join(t.TempDir(), "bus.sock")
	addr := "unix:path=" + socketPath

	cmd := exec.Command("dbus-daemon",
		"--session",
		"--nofork",
		"--address="+addr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}

	d := &Daemon{t: t, cmd: cmd, Addr: addr}
	t.Cleanup(d.stop)

	// Wait for the socket to appear.
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return d
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("dbus-daemon socket not created: %s", socketPath)
	return nil
}

func (d *Daemon) stop() {
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
		d.cmd.Wait()
	}
}

// Connect opens a new client connection to the daemon. The connection is
// closed on test cleanup.
func (d *Daemon) Connect() *dbus.Conn {
	d.t.Helper()
	conn, err := dbus.Connect(d.Addr)
	if err != nil {
		d.t.Fatalf("connect to test bus: %v", err)
	}
	d.t.Cleanup(func() { conn.Close() })
	return conn
}
