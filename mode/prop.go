package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Object types for the per-object property ioctls, mirroring
// DRM_MODE_OBJECT_*.
const (
	ObjectCrtc      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFb        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
	ObjectAny       = 0
)

// Property flags, mirroring DRM_MODE_PROP_*.
const (
	PropPending   = 1 << 0
	PropRange     = 1 << 1
	PropImmutable = 1 << 2
	PropEnum      = 1 << 3
	PropBlob      = 1 << 4
	PropBitmask   = 1 << 5
)

type (
	sysGetProperty struct {
		valuesPtr   uintptr
		enumBlobPtr uintptr

		propID uint32
		flags  uint32
		name   [PropNameLen]uint8

		countValues    uint32
		countEnumBlobs uint32
	}

	sysObjGetProperties struct {
		propsPtr      uintptr
		propValuesPtr uintptr
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysCreateBlob struct {
		data   uintptr
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	// Property is a property descriptor: the stable name behind a
	// per-device numeric id.
	Property struct {
		ID    uint32
		Flags uint32
		Name  string
	}
)

var (
	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	IOCTLModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), kms.IOCTLBase, 0xAA)

	// DRM_IOWR(0xB9, struct drm_mode_obj_get_properties)
	IOCTLModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), kms.IOCTLBase, 0xB9)

	// DRM_IOWR(0xBD, struct drm_mode_create_blob)
	IOCTLModeCreateBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateBlob{})), kms.IOCTLBase, 0xBD)

	// DRM_IOWR(0xBE, struct drm_mode_destroy_blob)
	IOCTLModeDestroyBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyBlob{})), kms.IOCTLBase, 0xBE)
)

func (p *Property) Immutable() bool {
	return p.Flags&PropImmutable != 0
}

// GetProperty resolves a property id to its descriptor. Enum values and
// blob lists are not fetched; the engine only needs names and flags.
func GetProperty(file *os.File, id uint32) (*Property, error) {
	prop := &sysGetProperty{}
	prop.propID = id
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetProperty),
		uintptr(unsafe.Pointer(prop)))
	if err != nil {
		return nil, err
	}

	name := prop.name[:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}

	return &Property{
		ID:    prop.propID,
		Flags: prop.flags,
		Name:  string(name),
	}, nil
}

// ObjectProperties returns the property ids and current values attached
// to a mode object (connector, CRTC or plane).
func ObjectProperties(file *os.File, objID, objType uint32) ([]uint32, []uint64, error) {
	oprops := &sysObjGetProperties{}
	oprops.objID = objID
	oprops.objType = objType
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
		uintptr(unsafe.Pointer(oprops)))
	if err != nil {
		return nil, nil, err
	}

	var (
		props  []uint32
		values []uint64
	)
	if oprops.countProps > 0 {
		props = make([]uint32, oprops.countProps)
		oprops.propsPtr = uintptr(unsafe.Pointer(&props[0]))

		values = make([]uint64, oprops.countProps)
		oprops.propValuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
		uintptr(unsafe.Pointer(oprops)))
	if err != nil {
		return nil, nil, err
	}

	return props, values, nil
}

// CreateBlob uploads data as a kernel property blob and returns its id.
func CreateBlob(file *os.File, data []byte) (uint32, error) {
	blob := &sysCreateBlob{}
	if len(data) > 0 {
		blob.data = uintptr(unsafe.Pointer(&data[0]))
		blob.length = uint32(len(data))
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeCreateBlob),
		uintptr(unsafe.Pointer(blob)))
	if err != nil {
		return 0, err
	}
	return blob.blobID, nil
}

func DestroyBlob(file *os.File, id uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeDestroyBlob),
		uintptr(unsafe.Pointer(&sysDestroyBlob{id})))
}

// InfoBytes returns the raw drm_mode_modeinfo layout of m, the payload
// expected in MODE_ID property blobs.
func InfoBytes(m *Info) []byte {
	buf := make([]byte, unsafe.Sizeof(Info{}))
	copy(buf, (*(*[unsafe.Sizeof(Info{})]byte)(unsafe.Pointer(m)))[:])
	return buf
}
