package kms

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}

	clientCapability struct {
		cap uint64
		val uint64
	}
)

// Device capabilities, queried with GetCap.
const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapCursorWidth
	CapCursorHeight

	CapAddFB2Modifiers = 0x10
)

// Client capabilities, enabled with SetClientCap. Universal planes and
// atomic must be enabled before the plane and atomic ioctls are usable.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
	ClientCapAspectRatio
	ClientCapWritebackConnectors
)

func GetCap(file *os.File, capid uint64) (uint64, error) {
	cap := &capability{}
	cap.cap = capid
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGetCap),
		uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return 0, err
	}
	return cap.val, nil
}

func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}

// SetClientCap advertises a client capability to the kernel. Drivers
// without atomic support fail ClientCapAtomic with EINVAL.
func SetClientCap(file *os.File, capid, val uint64) error {
	cap := &clientCapability{cap: capid, val: val}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetClientCap),
		uintptr(unsafe.Pointer(cap)))
}

// SetMaster acquires mode-setting mastership on the device. Fails with
// EPERM while another process holds it.
func SetMaster(file *os.File) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetMaster), 0)
}

// DropMaster releases mode-setting mastership.
func DropMaster(file *os.File) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLDropMaster), 0)
}
