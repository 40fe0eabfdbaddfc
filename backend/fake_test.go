package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/NeowayLabs/kms/mode"
	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	// The revert and restore paths log warnings on purpose; keep them
	// out of the test output.
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// Fixture handles: one CRTC with primary, cursor and overlay planes and
// two connected connectors, plus a second CRTC with its own primary
// plane to exercise per-CRTC plane selection.
const (
	fixtureCrtc     = 10
	fixtureCrtc2    = 11
	fixtureConn     = 20
	fixtureConn2    = 21
	fixturePrimary  = 30
	fixtureCursor   = 31
	fixtureOverlay  = 32
	fixturePrimary2 = 33
)

// Property ids. The kernel shares one id per name across objects of the
// same type; the fixture does the same.
const (
	propModeID = 100
	propActive = 101
	propCrtcID = 102
	propFbID   = 103
	propSrcX   = 104
	propSrcY   = 105
	propSrcW   = 106
	propSrcH   = 107
	propCrtcX  = 108
	propCrtcY  = 109
	propCrtcW  = 110
	propCrtcH  = 111
	propType   = 112
	propEDID   = 113
)

func testMode(name string, w, h uint16, refresh uint32) mode.Info {
	m := mode.Info{Hdisplay: w, Vdisplay: h, Vrefresh: refresh}
	copy(m.Name[:], name)
	return m
}

var (
	mode1080 = testMode("1920x1080", 1920, 1080, 60)
	mode720  = testMode("1280x720", 1280, 720, 60)
)

type commitRecord struct {
	req      *mode.AtomicRequest
	flags    uint32
	userData uint64
}

// fakeDevice is a scripted DeviceOps: a fixed object fixture, a blob
// and framebuffer registry with destruction counts, and a commit log.
// Non-test commits are applied to the fixture's property values so
// tests can compare engine state against "kernel" state.
type fakeDevice struct {
	connectors map[uint32]*mode.Connector
	crtcs      map[uint32]*mode.Crtc
	planes     map[uint32]*mode.Plane
	props      map[uint32]*mode.Property
	objProps   map[uint32][]uint32
	objValues  map[uint32]map[uint32]uint64

	nextBlob     uint32
	blobs        map[uint32][]byte
	blobDestroys map[uint32]int

	nextFB     uint32
	fbs        map[uint32]bool
	fbDestroys map[uint32]int

	caps map[uint64]uint64

	commits []commitRecord

	// Failure injection. testErr rejects test-only commits after
	// testErrSkip of them passed, commitErr fails real ones; both
	// persist until cleared.
	testErr     error
	testErrSkip int
	commitErr   error
	masterErr   error

	addFBCalls  int
	addFB2Calls int

	master bool
}

func newFakeDevice() *fakeDevice {
	f := &fakeDevice{
		connectors:   make(map[uint32]*mode.Connector),
		crtcs:        make(map[uint32]*mode.Crtc),
		planes:       make(map[uint32]*mode.Plane),
		props:        make(map[uint32]*mode.Property),
		objProps:     make(map[uint32][]uint32),
		objValues:    make(map[uint32]map[uint32]uint64),
		nextBlob:     500,
		blobs:        make(map[uint32][]byte),
		blobDestroys: make(map[uint32]int),
		nextFB:       900,
		fbs:          make(map[uint32]bool),
		fbDestroys:   make(map[uint32]int),
		caps:         make(map[uint64]uint64),
	}

	planeProps := []uint32{
		propFbID, propCrtcID,
		propSrcX, propSrcY, propSrcW, propSrcH,
		propCrtcX, propCrtcY, propCrtcW, propCrtcH,
		propType,
	}
	for id, name := range map[uint32]string{
		propModeID: "MODE_ID",
		propActive: "ACTIVE",
		propCrtcID: "CRTC_ID",
		propFbID:   "FB_ID",
		propSrcX:   "SRC_X",
		propSrcY:   "SRC_Y",
		propSrcW:   "SRC_W",
		propSrcH:   "SRC_H",
		propCrtcX:  "CRTC_X",
		propCrtcY:  "CRTC_Y",
		propCrtcW:  "CRTC_W",
		propCrtcH:  "CRTC_H",
	} {
		f.props[id] = &mode.Property{ID: id, Name: name}
	}
	f.props[propType] = &mode.Property{ID: propType, Name: "type", Flags: mode.PropImmutable}
	f.props[propEDID] = &mode.Property{ID: propEDID, Name: "EDID", Flags: mode.PropImmutable | mode.PropBlob}

	f.addCrtc(fixtureCrtc)
	f.addCrtc(fixtureCrtc2)
	f.addConnector(fixtureConn, mode.ConnectorHDMIA, mode1080, mode720)
	f.addConnector(fixtureConn2, mode.ConnectorDisplayPort, mode720)

	// fixtureCrtc is index 0, fixtureCrtc2 index 1 in the resource list.
	f.addPlane(fixturePrimary, 1<<0, mode.PlaneTypePrimary, planeProps)
	f.addPlane(fixtureCursor, 1<<0, mode.PlaneTypeCursor, planeProps)
	f.addPlane(fixtureOverlay, 1<<0, mode.PlaneTypeOverlay, planeProps)
	f.addPlane(fixturePrimary2, 1<<1, mode.PlaneTypePrimary, planeProps)

	return f
}

func (f *fakeDevice) addCrtc(id uint32) {
	f.crtcs[id] = &mode.Crtc{ID: id}
	f.objProps[id] = []uint32{propModeID, propActive}
	f.objValues[id] = map[uint32]uint64{propModeID: 0, propActive: 0}
}

func (f *fakeDevice) addConnector(id uint32, typ uint32, modes ...mode.Info) {
	f.connectors[id] = &mode.Connector{
		ID:         id,
		Type:       typ,
		Connection: mode.Connected,
		Modes:      modes,
	}
	f.objProps[id] = []uint32{propCrtcID, propEDID}
	f.objValues[id] = map[uint32]uint64{propCrtcID: 0, propEDID: 0}
}

func (f *fakeDevice) addPlane(id, possibleCrtcs uint32, typ uint64, props []uint32) {
	f.planes[id] = &mode.Plane{ID: id, PossibleCrtcs: possibleCrtcs}
	f.objProps[id] = props
	values := make(map[uint32]uint64, len(props))
	for _, p := range props {
		values[p] = 0
	}
	values[propType] = typ
	f.objValues[id] = values
}

func (f *fakeDevice) Resources() (*mode.Resources, error) {
	return &mode.Resources{
		Crtcs:      []uint32{fixtureCrtc, fixtureCrtc2},
		Connectors: []uint32{fixtureConn, fixtureConn2},
	}, nil
}

func (f *fakeDevice) Connector(id uint32) (*mode.Connector, error) {
	conn, ok := f.connectors[id]
	if !ok {
		return nil, &UnknownConnectorError{ID: id, Err: errors.New("no such object")}
	}
	return conn, nil
}

func (f *fakeDevice) Crtc(id uint32) (*mode.Crtc, error) {
	crtc, ok := f.crtcs[id]
	if !ok {
		return nil, &AccessError{Op: "get crtc", Err: errors.New("no such object")}
	}
	return crtc, nil
}

func (f *fakeDevice) PlaneIDs() ([]uint32, error) {
	return []uint32{fixturePrimary, fixtureCursor, fixtureOverlay, fixturePrimary2}, nil
}

func (f *fakeDevice) Plane(id uint32) (*mode.Plane, error) {
	plane, ok := f.planes[id]
	if !ok {
		return nil, &UnknownPlaneError{ID: id, Err: errors.New("no such object")}
	}
	return plane, nil
}

func (f *fakeDevice) Property(id uint32) (*mode.Property, error) {
	prop, ok := f.props[id]
	if !ok {
		return nil, fmt.Errorf("no such property %d", id)
	}
	return prop, nil
}

func (f *fakeDevice) ObjectProperties(objID, objType uint32) ([]uint32, []uint64, error) {
	ids, ok := f.objProps[objID]
	if !ok {
		return nil, nil, fmt.Errorf("no such object %d", objID)
	}
	values := make([]uint64, len(ids))
	for i, id := range ids {
		values[i] = f.objValues[objID][id]
	}
	return ids, values, nil
}

func (f *fakeDevice) CreateBlob(data []byte) (uint32, error) {
	f.nextBlob++
	f.blobs[f.nextBlob] = data
	return f.nextBlob, nil
}

func (f *fakeDevice) DestroyBlob(id uint32) error {
	f.blobDestroys[id]++
	if _, ok := f.blobs[id]; !ok {
		return fmt.Errorf("destroying unknown blob %d", id)
	}
	delete(f.blobs, id)
	return nil
}

func (f *fakeDevice) Commit(req *mode.AtomicRequest, flags uint32, userData uint64) error {
	f.commits = append(f.commits, commitRecord{req: req, flags: flags, userData: userData})
	if flags&mode.AtomicTestOnly != 0 {
		if f.testErr != nil && f.testErrSkip > 0 {
			f.testErrSkip--
			return nil
		}
		return f.testErr
	}
	if f.commitErr != nil {
		return f.commitErr
	}
	f.apply(req)
	return nil
}

// apply copies a real commit into the fixture's property values,
// playing the role of the hardware state tests compare against.
func (f *fakeDevice) apply(req *mode.AtomicRequest) {
	for _, obj := range req.Objects() {
		for _, propID := range f.objProps[obj] {
			if val, ok := req.Get(obj, propID); ok {
				f.objValues[obj][propID] = val
			}
		}
	}
}

func (f *fakeDevice) AddFB2(width, height, format, flags uint32,
	handles, pitches, offsets [4]uint32, modifiers [4]uint64) (uint32, error) {
	f.addFB2Calls++
	f.nextFB++
	f.fbs[f.nextFB] = true
	return f.nextFB, nil
}

func (f *fakeDevice) AddFB(width, height uint16, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	f.addFBCalls++
	f.nextFB++
	f.fbs[f.nextFB] = true
	return f.nextFB, nil
}

func (f *fakeDevice) RmFB(id uint32) error {
	f.fbDestroys[id]++
	if !f.fbs[id] {
		return fmt.Errorf("removing unknown framebuffer %d", id)
	}
	delete(f.fbs, id)
	return nil
}

func (f *fakeDevice) Cap(capid uint64) (uint64, error) {
	return f.caps[capid], nil
}

func (f *fakeDevice) SetMaster() error {
	if f.masterErr != nil {
		return f.masterErr
	}
	f.master = true
	return nil
}

func (f *fakeDevice) DropMaster() error {
	f.master = false
	return nil
}

// value reads the fixture's current "kernel" value of (object, prop).
func (f *fakeDevice) value(obj, prop uint32) uint64 {
	return f.objValues[obj][prop]
}

func (f *fakeDevice) lastCommit(t *testing.T) commitRecord {
	t.Helper()
	if len(f.commits) == 0 {
		t.Fatal("no commits recorded")
	}
	return f.commits[len(f.commits)-1]
}

// commitsWith returns the recorded commits whose flags contain all of
// want and none of wantNot.
func (f *fakeDevice) commitsWith(want, wantNot uint32) []commitRecord {
	var out []commitRecord
	for _, c := range f.commits {
		if c.flags&want == want && c.flags&wantNot == 0 {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDevice) resetLog() {
	f.commits = nil
}

func newTestSession(t *testing.T, disableConnectors bool) (*fakeDevice, *Session) {
	t.Helper()
	dev := newFakeDevice()
	sess, err := NewSession(dev, disableConnectors, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return dev, sess
}

func newTestSurface(t *testing.T) (*fakeDevice, *Session, *Surface) {
	t.Helper()
	dev, sess := newTestSession(t, true)
	surf, err := sess.CreateSurface(fixtureCrtc)
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	dev.resetLog()
	return dev, sess, surf
}

func (f *fakeDevice) newFramebuffer(t *testing.T) *Framebuffer {
	t.Helper()
	fb, err := ImportBuffer(f, &Buffer{
		Width:      1920,
		Height:     1080,
		Format:     mode.FormatXRGB8888,
		PlaneCount: 1,
		Handles:    [4]uint32{7},
		Pitches:    [4]uint32{1920 * 4},
		Modifier:   mode.ModifierInvalid,
		Depth:      24,
		BPP:        32,
	})
	if err != nil {
		t.Fatalf("ImportBuffer: %v", err)
	}
	return fb
}
