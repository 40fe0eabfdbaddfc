package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/ioctl"
)

// Atomic commit flags, mirroring DRM_MODE_ATOMIC_* and
// DRM_MODE_PAGE_FLIP_*. Event-generating commits must carry Nonblock so
// submission never waits for a vblank.
const (
	PageFlipEvent      = 0x01
	PageFlipAsync      = 0x02
	AtomicTestOnly     = 0x100
	AtomicNonblock     = 0x200
	AtomicAllowModeset = 0x400
)

type sysAtomic struct {
	flags         uint32
	countObjs     uint32
	objsPtr       uintptr
	countPropsPtr uintptr
	propsPtr      uintptr
	propValuesPtr uintptr
	reserved      uint64
	userData      uint64
}

// DRM_IOWR(0xBC, struct drm_mode_atomic)
var IOCTLModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysAtomic{})), kms.IOCTLBase, 0xBC)

// AtomicRequest is an ordered property list for one atomic commit. The
// kernel ABI wants properties grouped per object, so Set keeps one slot
// per object id (first-set order) and appends properties to it. It is
// built fresh for every commit attempt and discarded after submission.
type AtomicRequest struct {
	objects []atomicObject
	index   map[uint32]int
}

type atomicObject struct {
	id     uint32
	props  []uint32
	values []uint64
}

func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{index: make(map[uint32]int)}
}

// Set appends (object, property, value). Setting the same property
// twice keeps both entries; the kernel applies them in order, so the
// last one wins.
func (r *AtomicRequest) Set(object, property uint32, value uint64) {
	i, ok := r.index[object]
	if !ok {
		i = len(r.objects)
		r.objects = append(r.objects, atomicObject{id: object})
		r.index[object] = i
	}
	r.objects[i].props = append(r.objects[i].props, property)
	r.objects[i].values = append(r.objects[i].values, value)
}

// Len returns the total number of property assignments.
func (r *AtomicRequest) Len() int {
	n := 0
	for i := range r.objects {
		n += len(r.objects[i].props)
	}
	return n
}

// Objects returns the object ids in first-set order.
func (r *AtomicRequest) Objects() []uint32 {
	ids := make([]uint32, len(r.objects))
	for i := range r.objects {
		ids[i] = r.objects[i].id
	}
	return ids
}

// Get returns the last value set for (object, property).
func (r *AtomicRequest) Get(object, property uint32) (uint64, bool) {
	i, ok := r.index[object]
	if !ok {
		return 0, false
	}
	obj := &r.objects[i]
	for j := len(obj.props) - 1; j >= 0; j-- {
		if obj.props[j] == property {
			return obj.values[j], true
		}
	}
	return 0, false
}

// marshal flattens the request into the four parallel arrays the
// atomic ioctl consumes.
func (r *AtomicRequest) marshal() (objs, countProps, props []uint32, values []uint64) {
	objs = make([]uint32, 0, len(r.objects))
	countProps = make([]uint32, 0, len(r.objects))
	props = make([]uint32, 0, r.Len())
	values = make([]uint64, 0, r.Len())
	for i := range r.objects {
		obj := &r.objects[i]
		objs = append(objs, obj.id)
		countProps = append(countProps, uint32(len(obj.props)))
		props = append(props, obj.props...)
		values = append(values, obj.values...)
	}
	return objs, countProps, props, values
}

// AtomicCommit submits the request. With AtomicTestOnly the kernel
// validates the full configuration without touching hardware; userData
// is echoed back in the completion event of PageFlipEvent commits.
func AtomicCommit(file *os.File, req *AtomicRequest, flags uint32, userData uint64) error {
	objs, countProps, props, values := req.marshal()

	atomic := &sysAtomic{
		flags:     flags,
		countObjs: uint32(len(objs)),
		userData:  userData,
	}
	if len(objs) > 0 {
		atomic.objsPtr = uintptr(unsafe.Pointer(&objs[0]))
		atomic.countPropsPtr = uintptr(unsafe.Pointer(&countProps[0]))
	}
	if len(props) > 0 {
		atomic.propsPtr = uintptr(unsafe.Pointer(&props[0]))
		atomic.propValuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}

	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAtomic),
		uintptr(unsafe.Pointer(atomic)))
}
