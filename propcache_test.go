package propcache_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dbuskit/propcache"
	"github.com/dbuskit/propcache/internal/testbus"
)

const (
	testService = "org.dbuskit.Test"
	testPath    = dbus.ObjectPath("/org/dbuskit/Test")
	testIface   = "org.dbuskit.Test"
	waitTime    = 5 * time.Second
)

// fixture is one test's private bus, mock service, and cache loop.
type fixture struct {
	t    *testing.T
	svc  *testbus.PropService
	conn *dbus.Conn
	loop *propcache.Loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := testbus.Start(t)

	f := &fixture{
		t:    t,
		svc:  testbus.NewPropService(d.Connect(), testService, testPath, testIface),
		conn: d.Connect(),
		loop: propcache.NewLoop(),
	}
	t.Cleanup(func() {
		propcache.ClearWarm()
		propcache.SyncBackendLoop()
		f.loop.Stop()
	})
	return f
}

func (f *fixture) target() propcache.Target {
	return propcache.NewTarget(f.conn, testService, testPath, testIface)
}

// newHandle creates a handle with recording hooks, assigned on the loop so
// no emission is missed.
func (f *fixture) newHandle(r *recorder) *propcache.Handle {
	return newHandleOn(f.loop, f.target(), r)
}

func newHandleOn(loop *propcache.Loop, target propcache.Target, r *recorder) *propcache.Handle {
	var h *propcache.Handle
	loop.Call(func() {
		h = propcache.New(loop, target)
		wireHooks(h, r)
	})
	return h
}

func wireHooks(h *propcache.Handle, r *recorder) {
	h.AvailableChanged = func(available bool) {
		r.record(fmt.Sprintf("available:%v", available))
	}
	h.ErrorChanged = func(e propcache.Error) {
		r.record("error:" + e.Kind.String())
	}
	h.Ready = func() { r.record("ready") }
	h.Lost = func() { r.record("lost") }
	h.PropertyChanged = func(name string, value dbus.Variant) {
		if value.Value() == nil {
			r.record("removed:" + name)
		} else {
			r.record(fmt.Sprintf("prop:%s=%v", name, value.Value()))
		}
	}
	h.PropertiesReset = func(props map[string]dbus.Variant) {
		r.record(fmt.Sprintf("reset:%d", len(props)))
	}
}

func (f *fixture) close(h *propcache.Handle) {
	f.loop.Call(h.Close)
}

// recorder collects emitted events. Hooks run on a cache loop; tests read
// through wait or all.
type recorder struct {
	mu  sync.Mutex
	log []string
	ch  chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 256)}
}

func (r *recorder) record(e string) {
	r.mu.Lock()
	r.log = append(r.log, e)
	r.mu.Unlock()
	r.ch <- e
}

// wait consumes events until want arrives, failing the test on timeout.
func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(waitTime)
	for {
		select {
		case e := <-r.ch:
			if e == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; events: %v", want, r.all())
		}
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) has(e string) bool {
	for _, got := range r.all() {
		if got == e {
			return true
		}
	}
	return false
}

func registerService(t *testing.T, svc *testbus.PropService, props map[string]dbus.Variant) {
	t.Helper()
	svc.SetProps(props)
	if err := svc.Register(); err != nil {
		t.Fatalf("register mock service: %v", err)
	}
}

func defaultProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Name":    dbus.MakeVariant("mock"),
		"Running": dbus.MakeVariant(true),
		"Counter": dbus.MakeVariant(uint32(0)),
	}
}

func TestHandleInitialLoad(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	events := r.all()
	var gotAvailable bool
	for _, e := range events {
		if e == "available:true" {
			gotAvailable = true
		}
		if e == "ready" && !gotAvailable {
			t.Errorf("ready before available: %v", events)
		}
	}

	f.loop.Call(func() {
		if !h.IsAvailable() {
			t.Error("not available after ready")
		}
		if h.Err().IsValid() {
			t.Errorf("unexpected error: %v", h.Err())
		}
		if got := h.GetString("Name"); got != "mock" {
			t.Errorf("Name = %q", got)
		}
		if got := len(h.GetAll()); got != 3 {
			t.Errorf("GetAll returned %d properties", got)
		}
	})

	if got := f.svc.GetAllCount(); got != 1 {
		t.Errorf("GetAll called %d times, want 1", got)
	}
	f.close(h)
}

func TestHandleServiceNotRunning(t *testing.T) {
	f := newFixture(t)
	// Name never registered.

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "error:service-unknown")

	f.loop.Call(func() {
		if h.IsAvailable() {
			t.Error("available without a service")
		}
		if h.Err().Kind != propcache.ErrServiceUnknown {
			t.Errorf("Err = %v", h.Err())
		}
	})
	f.close(h)
}

func TestHandleObjectMissing(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.RegisterNameOnly(); err != nil {
		t.Fatalf("register name: %v", err)
	}

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "error:unknown-object")

	f.loop.Call(func() {
		if h.Err().Kind != propcache.ErrUnknownObject {
			t.Errorf("Err = %v", h.Err())
		}
	})
	f.close(h)
}

func TestSignalWhileUnavailableTriggersReload(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.RegisterNameOnly(); err != nil {
		t.Fatalf("register name: %v", err)
	}

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "error:unknown-object")

	// The object shows up late; its first change signal is the cache's cue
	// to try again.
	if err := f.svc.ExportObject(); err != nil {
		t.Fatalf("export object: %v", err)
	}
	f.svc.SetProp("Name", dbus.MakeVariant("late"))
	r.wait(t, "ready")

	f.loop.Call(func() {
		if got := h.GetString("Name"); got != "late" {
			t.Errorf("Name = %q", got)
		}
	})
	f.close(h)
}

func TestPropertyChangeFanout(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	f.svc.SetProp("Counter", dbus.MakeVariant(uint32(7)))
	r.wait(t, "prop:Counter=7")

	f.loop.Call(func() {
		if got := h.GetInt("Counter"); got != 7 {
			t.Errorf("Counter = %d", got)
		}
	})
	if got := f.svc.GetAllCount(); got != 1 {
		t.Errorf("change caused a reload: GetAll called %d times", got)
	}
	f.close(h)
}

func TestBatchChangeIsAtomic(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, map[string]dbus.Variant{
		"A": dbus.MakeVariant(uint32(1)),
		"B": dbus.MakeVariant(uint32(1)),
	})

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	torn := make(chan string, 4)
	f.loop.Call(func() {
		h.PropertyChanged = func(name string, value dbus.Variant) {
			other := "A"
			if name == "A" {
				other = "B"
			}
			if h.GetInt(other) != 2 {
				torn <- fmt.Sprintf("%s changed while %s still old", name, other)
			}
			r.record(fmt.Sprintf("prop:%s=%v", name, value.Value()))
		}
	})

	f.svc.SetProps(map[string]dbus.Variant{
		"A": dbus.MakeVariant(uint32(2)),
		"B": dbus.MakeVariant(uint32(2)),
	})
	// Both changes are emitted in one loop turn, in no defined order: wait
	// for A, let that turn finish, then B must have been recorded too.
	r.wait(t, "prop:A=2")
	f.loop.Call(func() {})
	if !r.has("prop:B=2") {
		t.Fatalf("prop:B=2 not emitted with prop:A=2; events: %v", r.all())
	}

	select {
	case msg := <-torn:
		t.Error(msg)
	default:
	}
	f.close(h)
}

func TestUnchangedValueSuppressed(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	// The mock emits even for identical values; the cache must not.
	f.svc.SetProp("Name", dbus.MakeVariant("mock"))
	f.svc.SetProp("Counter", dbus.MakeVariant(uint32(1)))
	r.wait(t, "prop:Counter=1")

	if r.has("prop:Name=mock") {
		// The only Name=mock emission allowed is the initial load replay,
		// which happened before ready.
		var afterReady bool
		seenReady := false
		for _, e := range r.all() {
			if e == "ready" {
				seenReady = true
				continue
			}
			if seenReady && e == "prop:Name=mock" {
				afterReady = true
			}
		}
		if afterReady {
			t.Errorf("unchanged value was re-emitted: %v", r.all())
		}
	}
	f.close(h)
}

func TestInvalidatedPropertyRemoved(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	f.svc.Invalidate("Name")
	r.wait(t, "removed:Name")

	f.loop.Call(func() {
		if h.Contains("Name") {
			t.Error("invalidated property still present")
		}
		if !h.IsAvailable() {
			t.Error("invalidation made the cache unavailable")
		}
	})
	if got := f.svc.GetAllCount(); got != 1 {
		t.Errorf("invalidation caused a reload: GetAll called %d times", got)
	}
	f.close(h)
}

func TestServiceDisappears(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	if err := f.svc.Release(); err != nil {
		t.Fatalf("release name: %v", err)
	}
	r.wait(t, "lost")

	if !r.has("available:false") || !r.has("error:service-unknown") {
		t.Errorf("missing teardown events: %v", r.all())
	}
	if !r.has("removed:Name") {
		t.Errorf("old properties not removed: %v", r.all())
	}

	f.loop.Call(func() {
		if h.IsAvailable() {
			t.Error("still available after service left")
		}
		if h.Err().Kind != propcache.ErrServiceUnknown {
			t.Errorf("Err = %v", h.Err())
		}
		if len(h.GetAll()) != 0 {
			t.Error("stale properties survive the loss")
		}
	})
	f.close(h)
}

func TestServiceComesBack(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	if err := f.svc.Release(); err != nil {
		t.Fatalf("release name: %v", err)
	}
	r.wait(t, "lost")

	f.svc.SetProp("Name", dbus.MakeVariant("reborn"))
	if err := f.svc.Register(); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	r.wait(t, "ready")

	f.loop.Call(func() {
		if got := h.GetString("Name"); got != "reborn" {
			t.Errorf("Name = %q", got)
		}
	})
	if got := f.svc.GetAllCount(); got != 2 {
		t.Errorf("GetAll called %d times, want 2", got)
	}
	f.close(h)
}

func TestSharedBackendLoadsOnce(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r1, r2 := newRecorder(), newRecorder()
	h1 := f.newHandle(r1)
	h2 := f.newHandle(r2)
	r1.wait(t, "ready")
	r2.wait(t, "ready")

	// A second loop watching the same target still shares the backend.
	loop2 := propcache.NewLoop()
	defer loop2.Stop()
	r3 := newRecorder()
	h3 := newHandleOn(loop2, f.target(), r3)
	r3.wait(t, "ready")

	if got := f.svc.GetAllCount(); got != 1 {
		t.Errorf("GetAll called %d times across three handles, want 1", got)
	}

	f.close(h1)
	f.close(h2)
	loop2.Call(h3.Close)
}

func TestWarmBackendReused(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")
	f.close(h)

	if !propcache.RegistryEmpty() {
		t.Error("live backend remains after last close")
	}

	// Recreating the handle right away finds the warm backend: data is
	// there synchronously and the service sees no new GetAll.
	r2 := newRecorder()
	var h2 *propcache.Handle
	f.loop.Call(func() {
		h2 = propcache.New(f.loop, f.target())
		wireHooks(h2, r2)
		if !h2.Initialize() {
			t.Error("warm data not available synchronously")
		}
		if got := h2.GetString("Name"); got != "mock" {
			t.Errorf("Name = %q", got)
		}
	})
	r2.wait(t, "ready")

	if got := f.svc.GetAllCount(); got != 1 {
		t.Errorf("warm reuse still issued GetAll: %d calls", got)
	}
	f.close(h2)
}

func TestWarmCacheEvictsOldest(t *testing.T) {
	d := testbus.Start(t)
	svcConn := d.Connect()
	clientConn := d.Connect()
	loop := propcache.NewLoop()
	t.Cleanup(func() {
		propcache.ClearWarm()
		propcache.SyncBackendLoop()
		loop.Stop()
	})

	// One bus name, several objects: each path has its own GetAll counter.
	n := propcache.WarmCapacity + 1
	svcs := make([]*testbus.PropService, n)
	for i := range svcs {
		path := dbus.ObjectPath(fmt.Sprintf("%s/obj%d", testPath, i))
		svcs[i] = testbus.NewPropService(svcConn, testService, path, testIface)
		svcs[i].SetProps(map[string]dbus.Variant{"Index": dbus.MakeVariant(uint32(i))})
		if err := svcs[i].ExportObject(); err != nil {
			t.Fatalf("export object %d: %v", i, err)
		}
	}
	if err := svcs[0].RegisterNameOnly(); err != nil {
		t.Fatalf("register name: %v", err)
	}

	open := func(i int) *propcache.Handle {
		path := dbus.ObjectPath(fmt.Sprintf("%s/obj%d", testPath, i))
		target := propcache.NewTarget(clientConn, testService, path, testIface)
		r := newRecorder()
		h := newHandleOn(loop, target, r)
		r.wait(t, "ready")
		return h
	}

	handles := make([]*propcache.Handle, n)
	for i := range handles {
		handles[i] = open(i)
	}
	for _, h := range handles {
		h := h
		loop.Call(h.Close)
	}
	propcache.SyncBackendLoop()

	// The first-closed backend overflowed the warm cache and was destroyed;
	// the last-closed ones are still warm.
	h0 := open(0)
	if got := svcs[0].GetAllCount(); got != 2 {
		t.Errorf("evicted backend reloaded %d times, want 2", got)
	}
	last := n - 1
	hLast := open(last)
	if got := svcs[last].GetAllCount(); got != 1 {
		t.Errorf("warm backend reloaded: %d GetAll calls", got)
	}
	loop.Call(h0.Close)
	loop.Call(hLast.Close)
}

func TestSetPropertyRoundTrip(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	f.loop.Call(func() {
		h.Set("Name", "updated")
		// The write is unconfirmed: the mirror must not change until the
		// service's signal comes back.
		if got := h.GetString("Name"); got != "mock" {
			t.Errorf("Name changed optimistically to %q", got)
		}
	})
	r.wait(t, "prop:Name=updated")

	f.loop.Call(func() {
		if got := h.GetString("Name"); got != "updated" {
			t.Errorf("Name = %q", got)
		}
	})
	f.close(h)
}

// logCapture records slog output so tests can assert on warnings.
type logCapture struct {
	mu      sync.Mutex
	entries []string
}

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, rec slog.Record) error {
	c.mu.Lock()
	c.entries = append(c.entries, rec.Message)
	c.mu.Unlock()
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *logCapture) WithGroup(string) slog.Handler      { return c }

func (c *logCapture) contains(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestOffLoopUseIsReported(t *testing.T) {
	f := newFixture(t)
	registerService(t, f.svc, defaultProps())

	capture := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(capture))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := newRecorder()
	h := f.newHandle(r)
	r.wait(t, "ready")

	// Reading from the test goroutine instead of the loop is a caller bug.
	_ = h.Get("Name")
	if !capture.contains("BUG") {
		t.Error("off-loop use was not reported")
	}
	f.close(h)
}
