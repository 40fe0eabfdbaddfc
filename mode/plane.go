package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Plane type property values, mirroring DRM_PLANE_TYPE_*.
const (
	PlaneTypeOverlay = 0
	PlaneTypePrimary = 1
	PlaneTypeCursor  = 2
)

type (
	sysGetPlaneResources struct {
		planeIdPtr  uintptr
		countPlanes uint32
	}

	sysGetPlane struct {
		planeID       uint32
		crtcID        uint32
		fbID          uint32
		possibleCrtcs uint32
		gammaSize     uint32

		countFormatTypes uint32
		formatTypePtr    uintptr
	}

	// Plane is a kernel scanout plane. The type (primary, cursor,
	// overlay) is not part of this struct: universal planes expose it
	// through the "type" property.
	Plane struct {
		ID        uint32
		CrtcID    uint32
		FbID      uint32
		GammaSize uint32

		// PossibleCrtcs is a bitmask over the index of each CRTC in
		// Resources.Crtcs, not over CRTC ids.
		PossibleCrtcs uint32

		Formats []uint32
	}
)

var (
	// DRM_IOWR(0xB5, struct drm_mode_get_plane_res)
	IOCTLModeGetPlaneResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlaneResources{})), kms.IOCTLBase, 0xB5)

	// DRM_IOWR(0xB6, struct drm_mode_get_plane)
	IOCTLModeGetPlane = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlane{})), kms.IOCTLBase, 0xB6)
)

// GetPlaneResources lists all plane ids. Requires the universal-planes
// client capability for cursor and primary planes to appear.
func GetPlaneResources(file *os.File) ([]uint32, error) {
	pres := &sysGetPlaneResources{}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlaneResources),
		uintptr(unsafe.Pointer(pres)))
	if err != nil {
		return nil, err
	}

	var planeids []uint32
	if pres.countPlanes > 0 {
		planeids = make([]uint32, pres.countPlanes)
		pres.planeIdPtr = uintptr(unsafe.Pointer(&planeids[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlaneResources),
		uintptr(unsafe.Pointer(pres)))
	if err != nil {
		return nil, err
	}

	return planeids, nil
}

func GetPlane(file *os.File, id uint32) (*Plane, error) {
	plane := &sysGetPlane{}
	plane.planeID = id
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlane),
		uintptr(unsafe.Pointer(plane)))
	if err != nil {
		return nil, err
	}

	var formats []uint32
	if plane.countFormatTypes > 0 {
		formats = make([]uint32, plane.countFormatTypes)
		plane.formatTypePtr = uintptr(unsafe.Pointer(&formats[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPlane),
		uintptr(unsafe.Pointer(plane)))
	if err != nil {
		return nil, err
	}

	ret := &Plane{
		ID:            plane.planeID,
		CrtcID:        plane.crtcID,
		FbID:          plane.fbID,
		GammaSize:     plane.gammaSize,
		PossibleCrtcs: plane.possibleCrtcs,
	}
	ret.Formats = make([]uint32, len(formats))
	copy(ret.Formats, formats)
	return ret, nil
}
