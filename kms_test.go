package kms

import (
	"os"
	"testing"
)

// openTestCard opens the first card node, skipping the test on machines
// without DRM hardware (or without permission to touch it).
func openTestCard(t *testing.T) *os.File {
	t.Helper()
	file, err := OpenCard(0)
	if err != nil {
		t.Skipf("no usable drm card: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	return file
}

func TestGetVersion(t *testing.T) {
	file := openTestCard(t)

	version, err := GetVersion(file)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if version.Name == "" {
		t.Error("driver has no name")
	}
	t.Logf("driver %s %d.%d.%d", version.Name, version.Major, version.Minor, version.Patch)
}

func TestGetCap(t *testing.T) {
	file := openTestCard(t)

	// Every kms driver answers the dumb-buffer capability, whatever the
	// value.
	if _, err := GetCap(file, CapDumbBuffer); err != nil {
		t.Fatalf("GetCap: %v", err)
	}
}

func TestSetClientCap(t *testing.T) {
	file := openTestCard(t)

	if err := SetClientCap(file, ClientCapUniversalPlanes, 1); err != nil {
		t.Fatalf("universal planes: %v", err)
	}
	if err := SetClientCap(file, ClientCapAtomic, 1); err != nil {
		t.Skipf("driver without atomic support: %v", err)
	}
}

func TestOpenDeviceNodeMissing(t *testing.T) {
	if _, err := OpenDeviceNode("/dev/dri/card999"); err == nil {
		t.Fatal("opening a nonexistent node must fail")
	}
}
