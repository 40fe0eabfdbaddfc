package backend

import (
	"github.com/NeowayLabs/kms/mode"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

// PlanePair is the plane trio half of a surface: the mandatory primary
// plane and an optional cursor plane. Overlay planes are not managed by
// this engine.
type PlanePair struct {
	Primary uint32
	Cursor  uint32 // 0 when the CRTC has no usable cursor plane
}

// FindPlanes picks the primary and cursor planes for a CRTC: first
// plane in enumeration order whose possible-CRTC bitmask covers the
// CRTC and whose "type" property matches. Enumeration order is stable
// per device, so repeated calls return the same pair.
func FindPlanes(dev DeviceOps, props *PropertyDirectory, res *mode.Resources, crtc uint32) (*PlanePair, error) {
	crtcIndex := -1
	for i, id := range res.Crtcs {
		if id == crtc {
			crtcIndex = i
			break
		}
	}
	if crtcIndex < 0 {
		return nil, &UnknownCrtcError{ID: crtc}
	}

	ids, err := dev.PlaneIDs()
	if err != nil {
		return nil, err
	}

	planes := make([]*mode.Plane, 0, len(ids))
	for _, id := range ids {
		plane, err := dev.Plane(id)
		if err != nil {
			return nil, err
		}
		planes = append(planes, plane)
	}

	compatible := sliceutils.Filter(planes, func(p *mode.Plane) bool {
		return p.PossibleCrtcs&(1<<uint(crtcIndex)) != 0
	})

	pair := &PlanePair{}
	for _, plane := range compatible {
		typ, ok := props.Value(plane.ID, "type")
		if !ok {
			// Universal planes always carry "type"; a plane without
			// it predates the directory build (hotplug race). Skip.
			continue
		}
		switch typ {
		case mode.PlaneTypePrimary:
			if pair.Primary == 0 {
				pair.Primary = plane.ID
			}
		case mode.PlaneTypeCursor:
			if pair.Cursor == 0 {
				pair.Cursor = plane.ID
			}
		}
	}

	if pair.Primary == 0 {
		return nil, ErrNoSuitablePlanes
	}
	return pair, nil
}
