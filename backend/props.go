package backend

import (
	"github.com/NeowayLabs/kms/mode"
)

// propEntry is one resolved property on one object: the numeric id the
// kernel assigned this boot, the value observed at directory build
// time, and whether the kernel will refuse writes to it.
type propEntry struct {
	id        uint32
	value     uint64
	immutable bool
}

// SavedProperty is one snapshotted property assignment, replayable
// through an atomic request.
type SavedProperty struct {
	Object   uint32
	Property uint32
	Value    uint64
}

// PropertyDirectory maps (object handle, property name) to property
// handles. The kernel only exposes numeric property ids whose identity
// differs per device, so every name the engine uses must be resolved
// at runtime. Once built the directory is read-only; it is rebuilt
// wholesale on session resume.
type PropertyDirectory struct {
	objects map[uint32]map[string]propEntry
}

// BuildPropertyDirectory queries the property list of every given
// object (a map of object id to DRM object type) and resolves each
// property id to its name.
func BuildPropertyDirectory(dev DeviceOps, objects map[uint32]uint32) (*PropertyDirectory, error) {
	dir := &PropertyDirectory{objects: make(map[uint32]map[string]propEntry, len(objects))}
	for objID, objType := range objects {
		ids, values, err := dev.ObjectProperties(objID, objType)
		if err != nil {
			return nil, err
		}

		byName := make(map[string]propEntry, len(ids))
		for i, propID := range ids {
			prop, err := dev.Property(propID)
			if err != nil {
				return nil, err
			}
			// Property names are unique per object by kernel
			// contract; last-write-wins is fine.
			byName[prop.Name] = propEntry{
				id:        propID,
				value:     values[i],
				immutable: prop.Immutable(),
			}
		}
		dir.objects[objID] = byName
	}
	return dir, nil
}

// Lookup resolves (object, name) to the property handle. A miss is an
// UnknownPropertyError: the driver lacks a capability the engine
// depends on, which is fatal to the operation in progress.
func (d *PropertyDirectory) Lookup(object uint32, name string) (uint32, error) {
	if entry, ok := d.objects[object][name]; ok {
		return entry.id, nil
	}
	return 0, &UnknownPropertyError{Object: object, Name: name}
}

// Has reports whether the object exposes the named property.
func (d *PropertyDirectory) Has(object uint32, name string) bool {
	_, ok := d.objects[object][name]
	return ok
}

// Value returns the property value observed when the directory was
// built.
func (d *PropertyDirectory) Value(object uint32, name string) (uint64, bool) {
	entry, ok := d.objects[object][name]
	return entry.value, ok
}

// Snapshot flattens every writable property into a replayable list,
// used for restoring the pre-session display configuration. Immutable
// properties are skipped: including them would get the whole restore
// commit rejected.
func (d *PropertyDirectory) Snapshot() []SavedProperty {
	var saved []SavedProperty
	for objID, props := range d.objects {
		for _, entry := range props {
			if entry.immutable {
				continue
			}
			saved = append(saved, SavedProperty{
				Object:   objID,
				Property: entry.id,
				Value:    entry.value,
			})
		}
	}
	return saved
}

// sessionObjects builds the object set a session snapshots and
// resolves: all connectors, CRTCs and planes.
func sessionObjects(res *mode.Resources, planeIDs []uint32) map[uint32]uint32 {
	objects := make(map[uint32]uint32, len(res.Connectors)+len(res.Crtcs)+len(planeIDs))
	for _, id := range res.Connectors {
		objects[id] = mode.ObjectConnector
	}
	for _, id := range res.Crtcs {
		objects[id] = mode.ObjectCrtc
	}
	for _, id := range planeIDs {
		objects[id] = mode.ObjectPlane
	}
	return objects
}
