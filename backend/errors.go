package backend

import (
	"errors"
	"fmt"

	"github.com/NeowayLabs/kms/mode"
)

var (
	// ErrNoSuitablePlanes means no primary plane can drive the CRTC.
	ErrNoSuitablePlanes = errors.New("no suitable planes for crtc")

	// ErrSurfaceWithoutConnectors rejects committing an active mode
	// with an empty connector set.
	ErrSurfaceWithoutConnectors = errors.New("surface has a mode but no connectors")

	// ErrDeviceInactive is returned while the session is paused. The
	// operation is not queued; retry after Resume.
	ErrDeviceInactive = errors.New("device session is inactive")
)

// AccessError wraps a failed kernel call with enough context to tell
// which operation on which device node failed.
type AccessError struct {
	Op   string
	Path string
	Err  error
}

func (e *AccessError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// UnknownPropertyError means the running driver does not expose a
// property this engine requires. It signals a capability gap, not a
// transient failure; the surface or device is unusable as configured.
type UnknownPropertyError struct {
	Object uint32
	Name   string
}

func (e *UnknownPropertyError) Error() string {
	return fmt.Sprintf("object %d has no property %q", e.Object, e.Name)
}

// UnknownConnectorError means a connector handle could not be resolved
// on the device.
type UnknownConnectorError struct {
	ID  uint32
	Err error
}

func (e *UnknownConnectorError) Error() string {
	return fmt.Sprintf("unknown connector %d: %v", e.ID, e.Err)
}

func (e *UnknownConnectorError) Unwrap() error { return e.Err }

// UnknownCrtcError means a CRTC handle is not part of the device's
// resources.
type UnknownCrtcError struct {
	ID uint32
}

func (e *UnknownCrtcError) Error() string {
	return fmt.Sprintf("unknown crtc %d", e.ID)
}

// UnknownPlaneError means a plane handle could not be resolved on the
// device.
type UnknownPlaneError struct {
	ID  uint32
	Err error
}

func (e *UnknownPlaneError) Error() string {
	return fmt.Sprintf("unknown plane %d: %v", e.ID, e.Err)
}

func (e *UnknownPlaneError) Unwrap() error { return e.Err }

// ModeNotSuitableError rejects a mode missing from a connector's
// probed mode list. Recoverable: pick another mode.
type ModeNotSuitableError struct {
	Connector uint32
	Mode      mode.Info
}

func (e *ModeNotSuitableError) Error() string {
	return fmt.Sprintf("connector %d does not support mode %s@%d",
		e.Connector, e.Mode.ModeName(), e.Mode.Vrefresh)
}

// TestFailedError reports a rejected test-only commit. The requested
// change did not take effect; pending state is unchanged.
type TestFailedError struct {
	Crtc uint32
	Err  error
}

func (e *TestFailedError) Error() string {
	return fmt.Sprintf("atomic test commit failed on crtc %d: %v", e.Crtc, e.Err)
}

func (e *TestFailedError) Unwrap() error { return e.Err }
