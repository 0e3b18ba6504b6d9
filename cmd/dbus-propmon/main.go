// dbus-propmon watches D-Bus properties through the propcache mirror and
// prints or displays them as they change.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"

	"github.com/dbuskit/propcache"
	"github.com/dbuskit/propcache/internal/config"
	"github.com/dbuskit/propcache/internal/logging"
	"github.com/dbuskit/propcache/internal/notify"
	"github.com/dbuskit/propcache/internal/sdnotify"
	"github.com/dbuskit/propcache/internal/ui"
)

const defaultTimeout = 10 * time.Second

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "watch":
		runWatch(os.Args[2:])
	case "ui":
		runUI(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "set":
		runSet(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options] [SERVICE PATH INTERFACE ...]

Commands:
  watch         Print property changes as they happen
  ui            Show a live terminal view of the monitored properties
  get           Print the current properties of one target and exit
  set           Set one property and wait for the change to come back

Targets are SERVICE PATH INTERFACE triples; watch and ui also read targets
from the config file, and watch reloads it when it changes.

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

// connectBus opens the requested bus: "session", "system", or a raw D-Bus
// address.
func connectBus(bus string) (*dbus.Conn, error) {
	switch bus {
	case "", "session":
		return dbus.ConnectSessionBus()
	case "system":
		return dbus.ConnectSystemBus()
	default:
		return dbus.Connect(bus)
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is an
// error. A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		return config.Load(explicitPath)
	}
	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	return config.Load(defaultPath)
}

// setFlags returns the set of flag names explicitly provided on the command
// line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

// targetArgs parses positional SERVICE PATH INTERFACE triples.
func targetArgs(args []string) ([]config.TargetConfig, error) {
	if len(args)%3 != 0 {
		return nil, fmt.Errorf("targets must be SERVICE PATH INTERFACE triples, got %d arguments", len(args))
	}
	var targets []config.TargetConfig
	for i := 0; i < len(args); i += 3 {
		targets = append(targets, config.TargetConfig{
			Service:   args[i],
			Path:      args[i+1],
			Interface: args[i+2],
		})
	}
	return targets, nil
}

// buildTargets converts config targets into cache targets on conn, skipping
// and logging incomplete entries.
func buildTargets(conn *dbus.Conn, cfgTargets []config.TargetConfig) []propcache.Target {
	var targets []propcache.Target
	for _, tc := range cfgTargets {
		if !tc.Valid() {
			slog.Warn("skipping incomplete target",
				"service", tc.Service, "path", tc.Path, "interface", tc.Interface)
			continue
		}
		targets = append(targets, propcache.NewTarget(conn, tc.Service, dbus.ObjectPath(tc.Path), tc.Interface))
	}
	return targets
}

// displayName is the compact one-line form of a target used in output.
func displayName(t propcache.Target) string {
	return fmt.Sprintf("%s %s %s", t.Service(), t.Path(), t.Interface())
}

// formatVariant renders a property value for output; the zero Variant means
// the property was removed.
func formatVariant(v dbus.Variant) string {
	if v.Value() == nil {
		return "<removed>"
	}
	return v.String()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// sendResult delivers the first result and drops the rest, so repeated
// ready/error transitions never block the loop goroutine.
func sendResult(ch chan propcache.Error, err propcache.Error) {
	select {
	case ch <- err:
	default:
	}
}

// changePrinter writes property change lines to stdout, optionally
// coalescing bursts: with a throttle only the latest value per property is
// printed, once per interval.
type changePrinter struct {
	throttle time.Duration

	mu      sync.Mutex
	pending map[string]string
	order   []string
}

func newChangePrinter(throttle time.Duration) *changePrinter {
	return &changePrinter{
		throttle: throttle,
		pending:  make(map[string]string),
	}
}

func (p *changePrinter) line(s string) {
	fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), s)
}

func (p *changePrinter) change(target, name string, value dbus.Variant) {
	key := target + " " + name
	if p.throttle <= 0 {
		p.line(key + " = " + formatVariant(value))
		return
	}
	p.mu.Lock()
	if _, ok := p.pending[key]; !ok {
		p.order = append(p.order, key)
	}
	p.pending[key] = formatVariant(value)
	p.mu.Unlock()
}

// run flushes coalesced changes every throttle interval until stop closes.
func (p *changePrinter) run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.throttle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-stop:
			p.flush()
			return
		}
	}
}

func (p *changePrinter) flush() {
	p.mu.Lock()
	pending := p.pending
	order := p.order
	p.pending = make(map[string]string)
	p.order = nil
	p.mu.Unlock()

	for _, key := range order {
		p.line(key + " = " + pending[key])
	}
}

// monitor owns the watch-mode handles. All fields are touched only on the
// loop goroutine.
type monitor struct {
	loop     *propcache.Loop
	handles  map[propcache.Target]*propcache.Handle
	printer  *changePrinter
	notifier *notify.Notifier
}

func newMonitor(loop *propcache.Loop, printer *changePrinter, notifier *notify.Notifier) *monitor {
	return &monitor{
		loop:     loop,
		handles:  make(map[propcache.Target]*propcache.Handle),
		printer:  printer,
		notifier: notifier,
	}
}

// apply reconciles the handle set against targets: new targets get a handle,
// dropped targets get theirs closed. Runs on the loop goroutine.
func (m *monitor) apply(targets []propcache.Target) {
	want := make(map[propcache.Target]bool, len(targets))
	for _, t := range targets {
		want[t] = true
		if _, ok := m.handles[t]; ok {
			continue
		}
		m.handles[t] = m.watch(t)
	}
	for t, h := range m.handles {
		if !want[t] {
			h.Close()
			delete(m.handles, t)
			m.printer.line(displayName(t) + " (no longer watched)")
		}
	}
}

func (m *monitor) watch(t propcache.Target) *propcache.Handle {
	name := displayName(t)
	h := propcache.New(m.loop, t)
	h.AvailableChanged = func(available bool) {
		if available {
			m.printer.line(name + " available")
			m.notify(name, "Service available")
		}
	}
	h.Lost = func() {
		m.printer.line(name + " lost")
		m.notify(name, "Service lost")
	}
	h.ErrorChanged = func(err propcache.Error) {
		if err.IsValid() {
			m.printer.line(name + " error: " + err.Error())
		}
	}
	h.PropertyChanged = func(prop string, value dbus.Variant) {
		m.printer.change(name, prop, value)
	}
	return h
}

func (m *monitor) notify(target, summary string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(target, summary, target); err != nil {
		slog.Warn("desktop notification failed", "target", target, "error", err)
	}
}

// closeAll closes every handle. Runs on the loop goroutine.
func (m *monitor) closeAll() {
	for t, h := range m.handles {
		h.Close()
		delete(m.handles, t)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dbus-propmon/config.yaml)")
	busFlag := fs.String("bus", "session", "Bus to connect to: session, system, or a D-Bus address")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	throttle := fs.Duration("throttle", 0, "Coalesce change output, printing at most once per interval")
	notifications := fs.Bool("notify", false, "Send desktop notifications when a service appears or disappears")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	set := setFlags(fs)
	if !set["bus"] && cfg.Bus != "" {
		*busFlag = cfg.Bus
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*logFormat = cfg.LogFormat
	}
	if !set["throttle"] && cfg.Watch.Throttle != 0 {
		*throttle = time.Duration(cfg.Watch.Throttle)
	}
	if !set["notify"] && cfg.Watch.Notify {
		*notifications = true
	}
	logging.Setup(*logLevel, *logFormat)

	argTargets, err := targetArgs(fs.Args())
	if err != nil {
		fatalf("%v", err)
	}

	conn, err := connectBus(*busFlag)
	if err != nil {
		fatalf("connect to bus: %v", err)
	}
	defer conn.Close()

	targets := buildTargets(conn, append(argTargets, cfg.Targets...))
	if len(targets) == 0 {
		fatalf("no targets: pass SERVICE PATH INTERFACE triples or configure targets")
	}

	printer := newChangePrinter(*throttle)
	stopPrinter := make(chan struct{})
	if *throttle > 0 {
		go printer.run(stopPrinter)
	}

	var notifier *notify.Notifier
	if *notifications {
		var err error
		notifier, err = notify.New()
		if err != nil {
			slog.Warn("desktop notifications disabled", "error", err)
		}
	}
	defer notifier.Close()

	loop := propcache.NewLoop()
	mon := newMonitor(loop, printer, notifier)
	loop.Call(func() { mon.apply(targets) })
	sdnotify.Ready()

	// Config targets reload while running; command-line targets stay fixed.
	reload := func() {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			slog.Warn("config reload failed", "error", err)
			return
		}
		targets := buildTargets(conn, append(argTargets, cfg.Targets...))
		loop.Call(func() { mon.apply(targets) })
		slog.Info("config reloaded", "targets", len(targets))
	}
	stopWatcher := watchConfigFile(*configPath, reload)
	defer stopWatcher()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
	sdnotify.Stopping()

	loop.Call(mon.closeAll)
	close(stopPrinter)
	propcache.Shutdown()
	loop.Stop()
}

// watchConfigFile runs onChange whenever the config file is written. Returns
// a stop function. An unresolvable path, or a directory that cannot be
// watched, disables watching; a file that does not exist yet is picked up
// when it is created.
func watchConfigFile(explicitPath string, onChange func()) func() {
	path := explicitPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
		return func() {}
	}
	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config watching disabled", "path", path, "error", err)
		watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				slog.Debug("config file changed", "path", path, "op", event.Op.String())
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }
}

func runUI(args []string) {
	fs := flag.NewFlagSet("ui", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dbus-propmon/config.yaml)")
	busFlag := fs.String("bus", "session", "Bus to connect to: session, system, or a D-Bus address")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "Write logs to this file instead of discarding them")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	set := setFlags(fs)
	if !set["bus"] && cfg.Bus != "" {
		*busFlag = cfg.Bus
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}

	// The terminal belongs to the UI, so logs go to a file or nowhere.
	var logWriter io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fatalf("open log file: %v", err)
		}
		defer f.Close()
		logWriter = f
	}
	slog.SetDefault(slog.New(logging.NewHandler(logWriter, logging.ParseLevel(*logLevel), "json")))

	argTargets, err := targetArgs(fs.Args())
	if err != nil {
		fatalf("%v", err)
	}

	conn, err := connectBus(*busFlag)
	if err != nil {
		fatalf("connect to bus: %v", err)
	}
	defer conn.Close()

	targets := buildTargets(conn, append(argTargets, cfg.Targets...))
	if len(targets) == 0 {
		fatalf("no targets: pass SERVICE PATH INTERFACE triples or configure targets")
	}

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = displayName(t)
	}
	p := tea.NewProgram(ui.New(names), tea.WithAltScreen())

	loop := propcache.NewLoop()
	handles := make([]*propcache.Handle, 0, len(targets))

	// Wire the handles once the program is running so no message is lost.
	go func() {
		loop.Call(func() {
			for _, t := range targets {
				name := displayName(t)
				h := propcache.New(loop, t)
				h.AvailableChanged = func(available bool) {
					p.Send(ui.StateMsg{Target: name, Available: available})
				}
				h.ErrorChanged = func(err propcache.Error) {
					msg := ui.StateMsg{Target: name, Available: h.IsAvailable()}
					if err.IsValid() {
						msg.Err = err.Error()
					}
					p.Send(msg)
				}
				h.PropertiesReset = func(props map[string]dbus.Variant) {
					reset := ui.ResetMsg{Target: name, Props: make(map[string]string, len(props))}
					for k, v := range props {
						reset.Props[k] = formatVariant(v)
					}
					p.Send(reset)
				}
				h.PropertyChanged = func(prop string, value dbus.Variant) {
					p.Send(ui.PropertyMsg{
						Target:  name,
						Name:    prop,
						Value:   formatVariant(value),
						Removed: value.Value() == nil,
					})
				}
				handles = append(handles, h)
			}
		})
	}()

	if _, err := p.Run(); err != nil {
		fatalf("ui: %v", err)
	}

	loop.Call(func() {
		for _, h := range handles {
			h.Close()
		}
	})
	propcache.Shutdown()
	loop.Stop()
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	busFlag := fs.String("bus", "session", "Bus to connect to: session, system, or a D-Bus address")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	timeout := fs.Duration("timeout", defaultTimeout, "Give up after this long")
	fs.Parse(args)

	if fs.NArg() != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s get [options] SERVICE PATH INTERFACE\n", progName)
		os.Exit(1)
	}
	logging.Setup(*logLevel, "text")

	conn, err := connectBus(*busFlag)
	if err != nil {
		fatalf("connect to bus: %v", err)
	}
	defer conn.Close()

	target := propcache.NewTarget(conn, fs.Arg(0), dbus.ObjectPath(fs.Arg(1)), fs.Arg(2))
	loop := propcache.NewLoop()

	done := make(chan propcache.Error, 1)
	var h *propcache.Handle
	loop.Call(func() {
		h = propcache.New(loop, target)
		h.Ready = func() {
			sendResult(done, propcache.Error{})
		}
		h.ErrorChanged = func(err propcache.Error) {
			if err.IsValid() {
				sendResult(done, err)
			}
		}
		h.Initialize()
	})

	var result propcache.Error
	select {
	case result = <-done:
	case <-time.After(*timeout):
		fatalf("timed out waiting for %s", displayName(target))
	}
	if result.IsValid() {
		fatalf("%s: %s", displayName(target), result.Error())
	}

	loop.Call(func() {
		props := h.GetAll()
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s = %s\n", name, formatVariant(props[name]))
		}
		h.Close()
	})
	propcache.Shutdown()
	loop.Stop()
}

// parseValue converts a command-line value string into a typed D-Bus value.
func parseValue(s, typ string) (interface{}, error) {
	switch typ {
	case "string":
		return s, nil
	case "bool":
		return strconv.ParseBool(s)
	case "int32":
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case "int64":
		return strconv.ParseInt(s, 10, 64)
	case "uint32":
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case "uint64":
		return strconv.ParseUint(s, 10, 64)
	case "double":
		return strconv.ParseFloat(s, 64)
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
}

func runSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	busFlag := fs.String("bus", "session", "Bus to connect to: session, system, or a D-Bus address")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	valueType := fs.String("type", "string", "Value type: string, bool, int32, int64, uint32, uint64, double")
	timeout := fs.Duration("timeout", defaultTimeout, "Give up after this long")
	fs.Parse(args)

	if fs.NArg() != 5 {
		fmt.Fprintf(os.Stderr, "usage: %s set [options] SERVICE PATH INTERFACE NAME VALUE\n", progName)
		os.Exit(1)
	}
	logging.Setup(*logLevel, "text")

	name := fs.Arg(3)
	value, err := parseValue(fs.Arg(4), *valueType)
	if err != nil {
		fatalf("parse value: %v", err)
	}

	conn, err := connectBus(*busFlag)
	if err != nil {
		fatalf("connect to bus: %v", err)
	}
	defer conn.Close()

	target := propcache.NewTarget(conn, fs.Arg(0), dbus.ObjectPath(fs.Arg(1)), fs.Arg(2))
	loop := propcache.NewLoop()

	ready := make(chan propcache.Error, 1)
	var h *propcache.Handle
	loop.Call(func() {
		h = propcache.New(loop, target)
		h.Ready = func() {
			sendResult(ready, propcache.Error{})
		}
		h.ErrorChanged = func(err propcache.Error) {
			if err.IsValid() {
				sendResult(ready, err)
			}
		}
		h.Initialize()
	})

	var result propcache.Error
	select {
	case result = <-ready:
	case <-time.After(*timeout):
		fatalf("timed out waiting for %s", displayName(target))
	}
	if result.IsValid() {
		fatalf("%s: %s", displayName(target), result.Error())
	}

	// The write is unconfirmed, so watch for the change signal coming back.
	confirmed := make(chan dbus.Variant, 1)
	loop.Call(func() {
		h.PropertyChanged = func(prop string, value dbus.Variant) {
			if prop == name {
				select {
				case confirmed <- value:
				default:
				}
			}
		}
		h.Set(name, value)
	})

	select {
	case v := <-confirmed:
		fmt.Printf("%s = %s\n", name, formatVariant(v))
	case <-time.After(*timeout):
		fatalf("no change signal for %s within %s (the service may have rejected the write)", name, *timeout)
	}

	loop.Call(h.Close)
	propcache.Shutdown()
	loop.Stop()
}
