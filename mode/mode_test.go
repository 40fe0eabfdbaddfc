package mode_test

import (
	"testing"

	"github.com/NeowayLabs/kms/mode"
)

func namedMode(name string, w, h uint16, refresh uint32, typ uint32) mode.Info {
	m := mode.Info{Hdisplay: w, Vdisplay: h, Vrefresh: refresh, Type: typ}
	copy(m.Name[:], name)
	return m
}

func TestModeName(t *testing.T) {
	m := namedMode("1920x1080", 1920, 1080, 60, 0)
	if got := m.ModeName(); got != "1920x1080" {
		t.Errorf("ModeName() = %q", got)
	}
}

func TestRefresh(t *testing.T) {
	m := namedMode("1920x1080", 1920, 1080, 60, 0)
	if got := m.Refresh(); got != 60 {
		t.Errorf("Refresh() = %d, want the driver value", got)
	}

	// 1080p CVT timings without a driver-filled Vrefresh.
	m = mode.Info{Clock: 148500, Htotal: 2200, Vtotal: 1125}
	if got := m.Refresh(); got != 60 {
		t.Errorf("Refresh() = %d, want 60 from the pixel clock", got)
	}

	var zero mode.Info
	if got := zero.Refresh(); got != 0 {
		t.Errorf("Refresh() on a zero mode = %d", got)
	}
}

func TestConnectorHasMode(t *testing.T) {
	m1 := namedMode("1920x1080", 1920, 1080, 60, 0)
	m2 := namedMode("1280x720", 1280, 720, 60, 0)
	conn := &mode.Connector{Modes: []mode.Info{m1}}

	if !conn.HasMode(&m1) {
		t.Error("mode in the list should be reported supported")
	}
	if conn.HasMode(&m2) {
		t.Error("mode outside the list should not be reported supported")
	}
	if conn.HasMode(nil) {
		t.Error("nil mode is never supported")
	}
}

func TestPreferredMode(t *testing.T) {
	plain := namedMode("1280x720", 1280, 720, 60, 0)
	preferred := namedMode("1920x1080", 1920, 1080, 60, mode.ModeTypePreferred)

	conn := &mode.Connector{Modes: []mode.Info{plain, preferred}}
	if m := conn.PreferredMode(); m == nil || m.Hdisplay != 1920 {
		t.Errorf("expected the flagged mode, got %+v", m)
	}

	conn = &mode.Connector{Modes: []mode.Info{plain}}
	if m := conn.PreferredMode(); m == nil || m.Hdisplay != 1280 {
		t.Errorf("expected first mode fallback, got %+v", m)
	}

	conn = &mode.Connector{}
	if m := conn.PreferredMode(); m != nil {
		t.Errorf("expected nil for an empty mode list, got %+v", m)
	}
}
