package backend

import (
	"errors"
	"testing"

	"github.com/NeowayLabs/kms/mode"
)

func TestFindPlanes(t *testing.T) {
	dev := newFakeDevice()
	dir := buildTestDirectory(t, dev)
	res, _ := dev.Resources()

	pair, err := FindPlanes(dev, dir, res, fixtureCrtc)
	if err != nil {
		t.Fatalf("FindPlanes: %v", err)
	}
	if pair.Primary != fixturePrimary {
		t.Errorf("primary = %d, want %d", pair.Primary, fixturePrimary)
	}
	if pair.Cursor != fixtureCursor {
		t.Errorf("cursor = %d, want %d", pair.Cursor, fixtureCursor)
	}

	// The second CRTC only has a primary plane in its bitmask.
	pair, err = FindPlanes(dev, dir, res, fixtureCrtc2)
	if err != nil {
		t.Fatalf("FindPlanes crtc2: %v", err)
	}
	if pair.Primary != fixturePrimary2 {
		t.Errorf("crtc2 primary = %d, want %d", pair.Primary, fixturePrimary2)
	}
	if pair.Cursor != 0 {
		t.Errorf("crtc2 should have no cursor plane, got %d", pair.Cursor)
	}
}

func TestFindPlanesDeterministic(t *testing.T) {
	dev := newFakeDevice()
	dir := buildTestDirectory(t, dev)
	res, _ := dev.Resources()

	first, err := FindPlanes(dev, dir, res, fixtureCrtc)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := FindPlanes(dev, dir, res, fixtureCrtc)
		if err != nil {
			t.Fatal(err)
		}
		if *again != *first {
			t.Fatalf("selection changed between calls: %+v vs %+v", again, first)
		}
	}
}

func TestFindPlanesUnknownCrtc(t *testing.T) {
	dev := newFakeDevice()
	dir := buildTestDirectory(t, dev)
	res, _ := dev.Resources()

	_, err := FindPlanes(dev, dir, res, 999)
	var unknown *UnknownCrtcError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownCrtcError, got %v", err)
	}
	if unknown.ID != 999 {
		t.Errorf("error carries wrong crtc: %d", unknown.ID)
	}
}

func TestFindPlanesNoPrimary(t *testing.T) {
	dev := newFakeDevice()
	// Route every plane away from the first CRTC.
	for _, plane := range dev.planes {
		plane.PossibleCrtcs = 1 << 1
	}
	dev.objValues[fixturePrimary2][propType] = mode.PlaneTypeOverlay

	dir := buildTestDirectory(t, dev)
	res, _ := dev.Resources()

	if _, err := FindPlanes(dev, dir, res, fixtureCrtc); !errors.Is(err, ErrNoSuitablePlanes) {
		t.Fatalf("expected ErrNoSuitablePlanes, got %v", err)
	}
}
