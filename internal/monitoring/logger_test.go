package monitoring

import (
	"fmt"
	"testing"
)

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() {
		Logf = original
		SetDebug(false)
	})
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := captureLogs(t)

	Logf("rebuild %d", 1)
	if len(*lines) != 1 || (*lines)[0] != "rebuild 1" {
		t.Fatalf("custom logger not called, got %q", *lines)
	}

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("dropped")
	if len(*lines) != 1 {
		t.Errorf("no-op logger should not have triggered callback, got %q", *lines)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}

func TestDebugf(t *testing.T) {
	lines := captureLogs(t)

	Debugf("hidden %d", 1)
	if len(*lines) != 0 {
		t.Fatalf("Debugf wrote while disabled: %q", *lines)
	}

	SetDebug(true)
	if !DebugEnabled() {
		t.Fatal("DebugEnabled = false after SetDebug(true)")
	}
	Debugf("shown %d", 2)
	if len(*lines) != 1 || (*lines)[0] != "[debug] shown 2" {
		t.Errorf("Debugf output = %q", *lines)
	}
}

func TestPrefixed(t *testing.T) {
	lines := captureLogs(t)

	logf := Prefixed("pump")
	logf("state=%s", "idle")

	if len(*lines) != 1 || (*lines)[0] != "[pump] state=idle" {
		t.Errorf("Prefixed output = %q", *lines)
	}
}
