package backend

import (
	"errors"
	"testing"

	"github.com/NeowayLabs/kms/mode"
)

func TestSessionResetOnOpen(t *testing.T) {
	dev := newFakeDevice()
	// Leftovers from a previous compositor.
	dev.objValues[fixtureConn][propCrtcID] = fixtureCrtc
	dev.objValues[fixtureCrtc][propActive] = 1
	dev.objValues[fixtureCrtc][propModeID] = 77

	if _, err := NewSession(dev, true, nil); err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if dev.value(fixtureConn, propCrtcID) != 0 {
		t.Error("connector still routed after reset")
	}
	if dev.value(fixtureCrtc, propActive) != 0 || dev.value(fixtureCrtc, propModeID) != 0 {
		t.Error("crtc still active after reset")
	}

	c := dev.lastCommit(t)
	if c.flags != mode.AtomicAllowModeset {
		t.Errorf("reset commit flags %#x", c.flags)
	}
	// One transaction covers every connector and CRTC.
	if len(c.req.Objects()) != 4 {
		t.Errorf("reset touches %d objects, want 4", len(c.req.Objects()))
	}
}

func TestSessionWithoutResetKeepsState(t *testing.T) {
	dev := newFakeDevice()
	dev.objValues[fixtureConn][propCrtcID] = fixtureCrtc

	if _, err := NewSession(dev, false, nil); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if dev.value(fixtureConn, propCrtcID) != fixtureCrtc {
		t.Error("connector unrouted without disableConnectors")
	}
	if len(dev.commits) != 0 {
		t.Errorf("unexpected commits: %d", len(dev.commits))
	}
}

func TestSessionCloseRestores(t *testing.T) {
	dev := newFakeDevice()
	dev.objValues[fixtureConn][propCrtcID] = fixtureCrtc
	dev.objValues[fixtureCrtc][propActive] = 1

	sess, err := NewSession(dev, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dev.value(fixtureConn, propCrtcID) != 0 {
		t.Fatal("reset did not run")
	}

	sess.Close()

	if dev.value(fixtureConn, propCrtcID) != fixtureCrtc {
		t.Error("pre-session connector routing not restored")
	}
	if dev.value(fixtureCrtc, propActive) != 1 {
		t.Error("pre-session crtc state not restored")
	}
	if sess.Active() {
		t.Error("session still active after Close")
	}
}

func TestSessionClosePausedIsNoOp(t *testing.T) {
	dev, sess := newTestSession(t, true)
	sess.Pause()
	dev.resetLog()

	// A paused session no longer owns the display; restoring would
	// stomp on the foreground session.
	sess.Close()
	if len(dev.commits) != 0 {
		t.Errorf("paused Close issued %d commits", len(dev.commits))
	}
}

func TestSessionPauseGatesOperations(t *testing.T) {
	dev, sess := newTestSession(t, true)
	surf, err := sess.CreateSurface(fixtureCrtc)
	if err != nil {
		t.Fatal(err)
	}
	fb := dev.newFramebuffer(t)

	sess.Pause()

	if sess.Active() {
		t.Error("session active after Pause")
	}
	if dev.master {
		t.Error("drm master not dropped on Pause")
	}
	if err := surf.AddConnector(fixtureConn); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("AddConnector: %v", err)
	}
	if err := surf.RemoveConnector(fixtureConn); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("RemoveConnector: %v", err)
	}
	if err := surf.UseMode(&mode1080); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("UseMode: %v", err)
	}
	if err := surf.Commit(fb); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("Commit: %v", err)
	}
	if err := surf.PageFlip(fb); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("PageFlip: %v", err)
	}
	if _, err := sess.CreateSurface(fixtureCrtc2); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("CreateSurface: %v", err)
	}
}

func TestSessionResume(t *testing.T) {
	dev, sess := newTestSession(t, true)
	surf, err := sess.CreateSurface(fixtureCrtc)
	if err != nil {
		t.Fatal(err)
	}

	sess.Pause()
	dev.resetLog()

	if err := sess.Resume(-1); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if !sess.Active() {
		t.Error("session inactive after Resume")
	}
	if !dev.master {
		t.Error("drm master not reacquired on Resume")
	}
	// The display is reset again: another session may have used it.
	resets := dev.commitsWith(mode.AtomicAllowModeset, mode.AtomicTestOnly|mode.PageFlipEvent|mode.AtomicNonblock)
	if len(resets) != 1 {
		t.Errorf("expected 1 reset commit, got %d", len(resets))
	}

	// Surfaces work again.
	if err := surf.AddConnector(fixtureConn); err != nil {
		t.Errorf("AddConnector after Resume: %v", err)
	}
}

func TestCreateSurfaceOnePerCrtc(t *testing.T) {
	_, sess := newTestSession(t, true)

	if _, err := sess.CreateSurface(fixtureCrtc); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.CreateSurface(fixtureCrtc); err == nil {
		t.Fatal("second surface on the same crtc must be refused")
	}
	if _, err := sess.CreateSurface(fixtureCrtc2); err != nil {
		t.Errorf("surface on another crtc: %v", err)
	}
}

func TestCreateSurfaceUnknownCrtc(t *testing.T) {
	_, sess := newTestSession(t, true)

	_, err := sess.CreateSurface(999)
	var unknown *UnknownCrtcError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownCrtcError, got %v", err)
	}
}

func TestSessionWithoutMaster(t *testing.T) {
	dev := newFakeDevice()
	dev.masterErr = errors.New("not the active vt")

	// A logind-style fd is already privileged; failing SetMaster is
	// not fatal, and Pause must then not try to drop it.
	sess, err := NewSession(dev, true, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	dev.master = true // simulate implicit mastership
	sess.Pause()
	if !dev.master {
		t.Error("dropped a mastership this session never acquired")
	}
}
