// mock-prop-service hosts a mutating property service for demos and manual
// testing of dbus-propmon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dbuskit/propcache/internal/testbus"
)

func main() {
	var (
		busName  = flag.String("name", "org.dbuskit.MockProps", "Bus name to own")
		path     = flag.String("path", "/org/dbuskit/MockProps", "Object path to export")
		iface    = flag.String("interface", "org.dbuskit.MockProps", "Interface to host properties on")
		interval = flag.Duration("interval", 2*time.Second, "How often to mutate the Counter property; 0 disables")
		busAddr  = flag.String("bus", "", "D-Bus address to connect to (default: session bus)")
	)
	flag.Parse()

	var (
		conn *dbus.Conn
		err  error
	)
	if *busAddr != "" {
		conn, err = dbus.Connect(*busAddr)
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	svc := testbus.NewPropService(conn, *busName, dbus.ObjectPath(*path), *iface)
	svc.SetProps(map[string]dbus.Variant{
		"Name":    dbus.MakeVariant("mock"),
		"Running": dbus.MakeVariant(true),
		"Counter": dbus.MakeVariant(uint32(0)),
	})
	if err := svc.Register(); err != nil {
		fmt.Fprintf(os.Stderr, "error: register service: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock property service running as %s at %s (%s). Press Ctrl+C to exit.\n",
		*busName, *path, *iface)

	stop := make(chan struct{})
	if *interval > 0 {
		go func() {
			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			var counter uint32
			for {
				select {
				case <-ticker.C:
					counter++
					svc.SetProp("Counter", dbus.MakeVariant(counter))
				case <-stop:
					return
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Shutting down...")
	close(stop)
}
