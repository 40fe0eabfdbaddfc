// Package backend implements an atomic mode-setting engine on top of
// the mode package: per-CRTC surfaces with test-then-commit semantics,
// a device session with snapshot/restore across privilege pauses, and
// page-flip event dispatch.
//
// The engine spawns no goroutines. The caller owns the event loop: poll
// the device fd (Device.Fd, or Device.WaitEvents) and call
// Device.DispatchEvents when it turns readable.
package backend

import (
	"os"
	"sync"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
	"golang.org/x/sys/unix"
)

// DeviceOps is the kernel surface the engine drives. *Device implements
// it over a real card fd; tests substitute a scripted fake.
type DeviceOps interface {
	Resources() (*mode.Resources, error)
	Connector(id uint32) (*mode.Connector, error)
	Crtc(id uint32) (*mode.Crtc, error)
	PlaneIDs() ([]uint32, error)
	Plane(id uint32) (*mode.Plane, error)
	Property(id uint32) (*mode.Property, error)
	ObjectProperties(objID, objType uint32) ([]uint32, []uint64, error)

	CreateBlob(data []byte) (uint32, error)
	DestroyBlob(id uint32) error

	Commit(req *mode.AtomicRequest, flags uint32, userData uint64) error

	AddFB2(width, height, format, flags uint32,
		handles, pitches, offsets [4]uint32, modifiers [4]uint64) (uint32, error)
	AddFB(width, height uint16, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RmFB(id uint32) error

	Cap(capid uint64) (uint64, error)
	SetMaster() error
	DropMaster() error
}

// Device is a DRM card opened for atomic mode-setting. Construction
// enables the universal-planes and atomic client capabilities; drivers
// without atomic support fail here, not at first commit.
type Device struct {
	file *os.File
	path string

	cursorWidth  uint32
	cursorHeight uint32

	mu      sync.Mutex
	handler DeviceHandler
}

// OpenDevice opens the given DRM device node for atomic use.
func OpenDevice(path string) (*Device, error) {
	file, err := kms.OpenDeviceNode(path)
	if err != nil {
		return nil, &AccessError{Op: "open device", Path: path, Err: err}
	}
	dev, err := NewDevice(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}

// NewDevice wraps an already-open card fd, typically handed over by a
// seat manager.
func NewDevice(file *os.File, path string) (*Device, error) {
	if err := kms.SetClientCap(file, kms.ClientCapUniversalPlanes, 1); err != nil {
		return nil, &AccessError{Op: "enable universal planes", Path: path, Err: err}
	}
	if err := kms.SetClientCap(file, kms.ClientCapAtomic, 1); err != nil {
		return nil, &AccessError{Op: "enable atomic mode-setting", Path: path, Err: err}
	}

	d := &Device{file: file, path: path}

	// 64x64 is the historic floor every driver supports.
	d.cursorWidth, d.cursorHeight = 64, 64
	if w, err := kms.GetCap(file, kms.CapCursorWidth); err == nil && w > 0 {
		d.cursorWidth = uint32(w)
	}
	if h, err := kms.GetCap(file, kms.CapCursorHeight); err == nil && h > 0 {
		d.cursorHeight = uint32(h)
	}

	return d, nil
}

// Fd exposes the card fd for integration into the caller's event loop.
func (d *Device) Fd() uintptr { return d.file.Fd() }

// File exposes the underlying file for buffer allocators.
func (d *Device) File() *os.File { return d.file }

// Path returns the device node path, or "" when unknown.
func (d *Device) Path() string { return d.path }

// CursorSize returns the driver's preferred cursor plane dimensions.
func (d *Device) CursorSize() (width, height uint32) {
	return d.cursorWidth, d.cursorHeight
}

func (d *Device) Close() error {
	return d.file.Close()
}

// ReplaceFd installs a replacement descriptor over the device's current
// one with dup3 semantics, keeping the fd number every surface and the
// caller's event loop already refer to. Used on session resume when the
// seat manager hands out a fresh fd.
func (d *Device) ReplaceFd(raw int) error {
	old := int(d.file.Fd())
	if raw == old {
		return nil
	}
	if err := unix.Dup3(raw, old, unix.O_CLOEXEC); err != nil {
		return &AccessError{Op: "replace device fd", Path: d.path, Err: err}
	}
	return nil
}

func (d *Device) access(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AccessError{Op: op, Path: d.path, Err: err}
}

func (d *Device) Resources() (*mode.Resources, error) {
	res, err := mode.GetResources(d.file)
	return res, d.access("get resources", err)
}

func (d *Device) Connector(id uint32) (*mode.Connector, error) {
	conn, err := mode.GetConnector(d.file, id)
	if err != nil {
		return nil, &UnknownConnectorError{ID: id, Err: err}
	}
	return conn, nil
}

func (d *Device) Crtc(id uint32) (*mode.Crtc, error) {
	crtc, err := mode.GetCrtc(d.file, id)
	return crtc, d.access("get crtc", err)
}

func (d *Device) PlaneIDs() ([]uint32, error) {
	ids, err := mode.GetPlaneResources(d.file)
	return ids, d.access("get plane resources", err)
}

func (d *Device) Plane(id uint32) (*mode.Plane, error) {
	plane, err := mode.GetPlane(d.file, id)
	if err != nil {
		return nil, &UnknownPlaneError{ID: id, Err: err}
	}
	return plane, nil
}

func (d *Device) Property(id uint32) (*mode.Property, error) {
	prop, err := mode.GetProperty(d.file, id)
	return prop, d.access("get property", err)
}

func (d *Device) ObjectProperties(objID, objType uint32) ([]uint32, []uint64, error) {
	props, values, err := mode.ObjectProperties(d.file, objID, objType)
	return props, values, d.access("get object properties", err)
}

func (d *Device) CreateBlob(data []byte) (uint32, error) {
	id, err := mode.CreateBlob(d.file, data)
	return id, d.access("create property blob", err)
}

func (d *Device) DestroyBlob(id uint32) error {
	return d.access("destroy property blob", mode.DestroyBlob(d.file, id))
}

func (d *Device) Commit(req *mode.AtomicRequest, flags uint32, userData uint64) error {
	// Raw kernel error: the callers distinguish test rejections from
	// hard failures and wrap accordingly.
	return mode.AtomicCommit(d.file, req, flags, userData)
}

func (d *Device) AddFB2(width, height, format, flags uint32,
	handles, pitches, offsets [4]uint32, modifiers [4]uint64) (uint32, error) {
	id, err := mode.AddFB2(d.file, width, height, format, flags, handles, pitches, offsets, modifiers)
	return id, d.access("add framebuffer", err)
}

func (d *Device) AddFB(width, height uint16, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	id, err := mode.AddFB(d.file, width, height, depth, bpp, pitch, handle)
	return id, d.access("add legacy framebuffer", err)
}

func (d *Device) RmFB(id uint32) error {
	return d.access("remove framebuffer", mode.RmFB(d.file, id))
}

func (d *Device) Cap(capid uint64) (uint64, error) {
	val, err := kms.GetCap(d.file, capid)
	return val, d.access("get capability", err)
}

func (d *Device) SetMaster() error {
	return d.access("acquire drm master", kms.SetMaster(d.file))
}

func (d *Device) DropMaster() error {
	return d.access("drop drm master", kms.DropMaster(d.file))
}
