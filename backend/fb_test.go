package backend

import (
	"testing"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
)

func modifierBuffer(planes int) *Buffer {
	buf := &Buffer{
		Width:      1920,
		Height:     1080,
		Format:     mode.FormatXRGB8888,
		PlaneCount: planes,
		Modifier:   mode.ModifierLinear,
		Depth:      24,
		BPP:        32,
	}
	for i := 0; i < planes && i < 4; i++ {
		buf.Handles[i] = uint32(7 + i)
		buf.Pitches[i] = 1920 * 4
	}
	return buf
}

func TestImportBufferModifierPath(t *testing.T) {
	dev := newFakeDevice()
	dev.caps[kms.CapAddFB2Modifiers] = 1

	fb, err := ImportBuffer(dev, modifierBuffer(1))
	if err != nil {
		t.Fatalf("ImportBuffer: %v", err)
	}
	if dev.addFB2Calls != 1 || dev.addFBCalls != 0 {
		t.Errorf("expected the modifier path, got AddFB2=%d AddFB=%d",
			dev.addFB2Calls, dev.addFBCalls)
	}
	if w, h := fb.Size(); w != 1920 || h != 1080 {
		t.Errorf("Size() = %dx%d", w, h)
	}
}

func TestImportBufferLegacyWithoutCap(t *testing.T) {
	dev := newFakeDevice()

	if _, err := ImportBuffer(dev, modifierBuffer(1)); err != nil {
		t.Fatalf("ImportBuffer: %v", err)
	}
	if dev.addFBCalls != 1 || dev.addFB2Calls != 0 {
		t.Errorf("expected the legacy path, got AddFB2=%d AddFB=%d",
			dev.addFB2Calls, dev.addFBCalls)
	}
}

func TestImportBufferInvalidModifierUsesLegacy(t *testing.T) {
	dev := newFakeDevice()
	dev.caps[kms.CapAddFB2Modifiers] = 1

	buf := modifierBuffer(1)
	buf.Modifier = mode.ModifierInvalid
	if _, err := ImportBuffer(dev, buf); err != nil {
		t.Fatalf("ImportBuffer: %v", err)
	}
	if dev.addFBCalls != 1 || dev.addFB2Calls != 0 {
		t.Error("implicit-layout buffer must not take the modifier path")
	}
}

func TestImportBufferMultiPlanarNeedsModifiers(t *testing.T) {
	dev := newFakeDevice()

	if _, err := ImportBuffer(dev, modifierBuffer(2)); err == nil {
		t.Fatal("multi-planar import without modifier support must fail")
	}

	dev.caps[kms.CapAddFB2Modifiers] = 1
	if _, err := ImportBuffer(dev, modifierBuffer(2)); err != nil {
		t.Fatalf("multi-planar import with modifiers: %v", err)
	}
}

func TestImportBufferPlaneCount(t *testing.T) {
	dev := newFakeDevice()
	for _, n := range []int{0, 5} {
		if _, err := ImportBuffer(dev, modifierBuffer(n)); err == nil {
			t.Errorf("plane count %d accepted", n)
		}
	}
}

func TestFramebufferDestroyOnce(t *testing.T) {
	dev := newFakeDevice()
	fb := dev.newFramebuffer(t)

	if err := fb.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := fb.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if n := dev.fbDestroys[fb.ID()]; n != 1 {
		t.Errorf("kernel framebuffer removed %d times", n)
	}
}
