package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
bus: system
log_level: debug
log_format: json
targets:
  - service: org.freedesktop.UPower
    path: /org/freedesktop/UPower/devices/battery_BAT0
    interface: org.freedesktop.UPower.Device
  - service: org.mpris.MediaPlayer2.mpv
    path: /org/mpris/MediaPlayer2
    interface: org.mpris.MediaPlayer2.Player
watch:
  throttle: 250ms
  notify: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus != "system" || cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("top-level fields: %+v", cfg)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("got %d targets", len(cfg.Targets))
	}
	if !cfg.Targets[0].Valid() {
		t.Errorf("first target invalid: %+v", cfg.Targets[0])
	}
	if cfg.Targets[1].Interface != "org.mpris.MediaPlayer2.Player" {
		t.Errorf("second target: %+v", cfg.Targets[1])
	}
	if time.Duration(cfg.Watch.Throttle) != 250*time.Millisecond {
		t.Errorf("throttle = %v", time.Duration(cfg.Watch.Throttle))
	}
	if !cfg.Watch.Notify {
		t.Error("notify not set")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(cfg.Targets) != 0 || cfg.Bus != "" {
		t.Errorf("missing file produced non-empty config: %+v", cfg)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, "watch:\n  throttle: soon\n")
	if _, err := Load(path); err == nil {
		t.Error("invalid duration did not error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "targets: [[[")
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML did not error")
	}
}

func TestTargetConfigValid(t *testing.T) {
	if (TargetConfig{Service: "s", Path: "/p"}).Valid() {
		t.Error("target without interface reports valid")
	}
	if !(TargetConfig{Service: "s", Path: "/p", Interface: "i"}).Valid() {
		t.Error("complete target reports invalid")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")
	want := filepath.Join("/tmp/xdg-test", "dbus-propmon", "config.yaml")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
