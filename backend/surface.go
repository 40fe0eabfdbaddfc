package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NeowayLabs/kms/mode"
	"github.com/sirupsen/logrus"
)

// Property names every surface needs. Construction verifies they all
// resolve; a miss there is an UnknownPropertyError, a miss afterwards
// is an internal bug and panics.
var (
	crtcProps      = []string{"MODE_ID", "ACTIVE"}
	connectorProps = []string{"CRTC_ID"}
	planeProps     = []string{
		"FB_ID", "CRTC_ID",
		"SRC_X", "SRC_Y", "SRC_W", "SRC_H",
		"CRTC_X", "CRTC_Y", "CRTC_W", "CRTC_H",
	}
)

// State is one generation of surface configuration: the mode (with its
// kernel blob) and the connectors routed to the CRTC. A surface holds
// two: current (what the kernel is believed to display) and pending
// (what the next commit should produce).
type State struct {
	Mode       *mode.Info
	Blob       uint32
	Connectors map[uint32]struct{}
}

func newState() State {
	return State{Connectors: make(map[uint32]struct{})}
}

func (s *State) clone() State {
	c := State{Blob: s.Blob, Connectors: make(map[uint32]struct{}, len(s.Connectors))}
	if s.Mode != nil {
		m := *s.Mode
		c.Mode = &m
	}
	for id := range s.Connectors {
		c.Connectors[id] = struct{}{}
	}
	return c
}

// equal compares configuration, not kernel bookkeeping: two states
// with the same mode under different blob ids describe the same
// display setup.
func (s *State) equal(o *State) bool {
	if (s.Mode == nil) != (o.Mode == nil) {
		return false
	}
	if s.Mode != nil && *s.Mode != *o.Mode {
		return false
	}
	if len(s.Connectors) != len(o.Connectors) {
		return false
	}
	for id := range s.Connectors {
		if _, ok := o.Connectors[id]; !ok {
			return false
		}
	}
	return true
}

type cursorState struct {
	x, y       int32
	positioned bool
	hotX, hotY int32
	fb         *Framebuffer
}

// Surface drives one CRTC/primary-plane/cursor-plane trio through
// atomic commits. All kernel-facing operations test the full candidate
// configuration before touching pending state, so current only ever
// reflects configurations the kernel has accepted.
type Surface struct {
	dev    DeviceOps
	active *atomic.Bool
	log    *logrus.Entry

	crtc   uint32
	planes PlanePair

	mu      sync.RWMutex
	props   *PropertyDirectory
	current State
	pending State
	cursor  cursorState

	// Framebuffer of the last real commit, reused by connector and
	// mode test commits so the kernel validates the plane too. Zero
	// before the first commit, in which case tests cover only the
	// connector and CRTC properties.
	lastFB uint32

	onDestroy func(*Surface)
}

func newSurface(dev DeviceOps, props *PropertyDirectory, active *atomic.Bool,
	log *logrus.Entry, res *mode.Resources, crtc uint32, planes PlanePair) (*Surface, error) {

	s := &Surface{
		dev:    dev,
		props:  props,
		active: active,
		log:    log.WithField("crtc", crtc),
		crtc:   crtc,
		planes: planes,
	}

	if err := s.validateProps(res); err != nil {
		return nil, err
	}

	s.current = newState()
	kcrtc, err := dev.Crtc(crtc)
	if err != nil {
		return nil, err
	}
	if kcrtc.ModeValid != 0 {
		m := kcrtc.Mode
		blob, err := dev.CreateBlob(mode.InfoBytes(&m))
		if err != nil {
			return nil, err
		}
		s.current.Mode = &m
		s.current.Blob = blob
	}

	// Seed current.connectors with whatever the kernel routes to this
	// CRTC right now.
	for _, connID := range res.Connectors {
		if val, ok := props.Value(connID, "CRTC_ID"); ok && uint32(val) == crtc {
			s.current.Connectors[connID] = struct{}{}
		}
	}

	s.pending = s.current.clone()
	return s, nil
}

// validateProps resolves every property name the surface will ever
// build requests from. Failing here turns later lookup misses into
// internal bugs rather than runtime conditions.
func (s *Surface) validateProps(res *mode.Resources) error {
	for _, name := range crtcProps {
		if _, err := s.props.Lookup(s.crtc, name); err != nil {
			return err
		}
	}
	planes := []uint32{s.planes.Primary}
	if s.planes.Cursor != 0 {
		planes = append(planes, s.planes.Cursor)
	}
	for _, plane := range planes {
		for _, name := range planeProps {
			if _, err := s.props.Lookup(plane, name); err != nil {
				return err
			}
		}
	}
	for _, connID := range res.Connectors {
		for _, name := range connectorProps {
			if _, err := s.props.Lookup(connID, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// mustProp resolves a property validated at construction time. A miss
// means the directory build step itself is incomplete; that is a logic
// bug, not a runtime condition.
func (s *Surface) mustProp(object uint32, name string) uint32 {
	id, err := s.props.Lookup(object, name)
	if err != nil {
		panic(fmt.Sprintf("property %q on object %d vanished after construction-time validation", name, object))
	}
	return id
}

// Crtc returns the CRTC handle this surface drives.
func (s *Surface) Crtc() uint32 { return s.crtc }

// Planes returns the primary and cursor plane handles (cursor 0 when
// absent).
func (s *Surface) Planes() PlanePair { return s.planes }

// setProps swaps in a rebuilt property directory after a session
// resume.
func (s *Surface) setProps(props *PropertyDirectory) {
	s.mu.Lock()
	s.props = props
	s.mu.Unlock()
}

// buildRequest assembles the atomic property list for st. detach lists
// connectors to explicitly unroute. fb is the primary-plane
// framebuffer; zero leaves the primary plane out (used by test commits
// before any framebuffer exists).
func (s *Surface) buildRequest(st *State, fb uint32, detach []uint32) *mode.AtomicRequest {
	req := mode.NewAtomicRequest()

	for connID := range st.Connectors {
		req.Set(connID, s.mustProp(connID, "CRTC_ID"), uint64(s.crtc))
	}
	for _, connID := range detach {
		if _, kept := st.Connectors[connID]; !kept {
			req.Set(connID, s.mustProp(connID, "CRTC_ID"), 0)
		}
	}

	if st.Mode != nil {
		req.Set(s.crtc, s.mustProp(s.crtc, "MODE_ID"), uint64(st.Blob))
		req.Set(s.crtc, s.mustProp(s.crtc, "ACTIVE"), 1)
	} else {
		req.Set(s.crtc, s.mustProp(s.crtc, "MODE_ID"), 0)
		req.Set(s.crtc, s.mustProp(s.crtc, "ACTIVE"), 0)
	}

	if st.Mode != nil && fb != 0 {
		s.setPlane(req, s.planes.Primary, fb, 0, 0,
			uint32(st.Mode.Hdisplay), uint32(st.Mode.Vdisplay))
	} else if st.Mode == nil {
		s.disablePlane(req, s.planes.Primary)
	}

	s.setCursorPlane(req, st)
	return req
}

func (s *Surface) setPlane(req *mode.AtomicRequest, plane, fb uint32, x, y int32, w, h uint32) {
	req.Set(plane, s.mustProp(plane, "FB_ID"), uint64(fb))
	req.Set(plane, s.mustProp(plane, "CRTC_ID"), uint64(s.crtc))
	req.Set(plane, s.mustProp(plane, "SRC_X"), 0)
	req.Set(plane, s.mustProp(plane, "SRC_Y"), 0)
	// SRC_* are 16.16 fixed point.
	req.Set(plane, s.mustProp(plane, "SRC_W"), uint64(w)<<16)
	req.Set(plane, s.mustProp(plane, "SRC_H"), uint64(h)<<16)
	req.Set(plane, s.mustProp(plane, "CRTC_X"), uint64(uint32(x)))
	req.Set(plane, s.mustProp(plane, "CRTC_Y"), uint64(uint32(y)))
	req.Set(plane, s.mustProp(plane, "CRTC_W"), uint64(w))
	req.Set(plane, s.mustProp(plane, "CRTC_H"), uint64(h))
}

func (s *Surface) disablePlane(req *mode.AtomicRequest, plane uint32) {
	req.Set(plane, s.mustProp(plane, "FB_ID"), 0)
	req.Set(plane, s.mustProp(plane, "CRTC_ID"), 0)
}

func (s *Surface) setCursorPlane(req *mode.AtomicRequest, st *State) {
	plane := s.planes.Cursor
	if plane == 0 {
		return
	}
	if st.Mode == nil || s.cursor.fb == nil || !s.cursor.positioned {
		s.disablePlane(req, plane)
		return
	}

	w, h := s.cursor.fb.Size()
	x, y := s.cursor.x-s.cursor.hotX, s.cursor.y-s.cursor.hotY
	s.setPlane(req, plane, s.cursor.fb.ID(), x, y, w, h)

	// Virtualized drivers want the hotspot to line up guest and host
	// pointers; the properties only exist there.
	if s.props.Has(plane, "HOTSPOT_X") && s.props.Has(plane, "HOTSPOT_Y") {
		req.Set(plane, s.mustProp(plane, "HOTSPOT_X"), uint64(uint32(s.cursor.hotX)))
		req.Set(plane, s.mustProp(plane, "HOTSPOT_Y"), uint64(uint32(s.cursor.hotY)))
	}
}

// AddConnector routes a connector to this surface's CRTC in pending
// state, after a test commit proves the kernel accepts the candidate
// configuration. The connector must support the pending mode.
func (s *Surface) AddConnector(connID uint32) error {
	if !s.active.Load() {
		return ErrDeviceInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.dev.Connector(connID)
	if err != nil {
		return err
	}
	if !s.props.Has(connID, "CRTC_ID") {
		return &UnknownPropertyError{Object: connID, Name: "CRTC_ID"}
	}
	if s.pending.Mode != nil && !conn.HasMode(s.pending.Mode) {
		return &ModeNotSuitableError{Connector: connID, Mode: *s.pending.Mode}
	}

	candidate := s.pending.clone()
	candidate.Connectors[connID] = struct{}{}

	req := s.buildRequest(&candidate, s.lastFB, nil)
	if err := s.dev.Commit(req, mode.AtomicTestOnly|mode.AtomicAllowModeset, 0); err != nil {
		return &TestFailedError{Crtc: s.crtc, Err: err}
	}

	s.pending = candidate
	return nil
}

// RemoveConnector drops a connector from pending state after a test
// commit of the reduced configuration. On success it additionally
// fires a best-effort disable commit so the connector stops scanning
// out before the surface's next full commit; a failed disable test is
// only logged, but a failed disable submission is propagated.
func (s *Surface) RemoveConnector(connID uint32) error {
	if !s.active.Load() {
		return ErrDeviceInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.pending.clone()
	delete(candidate.Connectors, connID)

	req := s.buildRequest(&candidate, s.lastFB, []uint32{connID})
	if err := s.dev.Commit(req, mode.AtomicTestOnly|mode.AtomicAllowModeset, 0); err != nil {
		return &TestFailedError{Crtc: s.crtc, Err: err}
	}
	s.pending = candidate

	disable := mode.NewAtomicRequest()
	disable.Set(connID, s.mustProp(connID, "CRTC_ID"), 0)
	if err := s.dev.Commit(disable, mode.AtomicTestOnly|mode.AtomicAllowModeset, 0); err != nil {
		s.log.WithError(err).WithField("connector", connID).
			Warn("cannot disable removed connector, it will dangle until the next commit")
		return nil
	}
	if err := s.dev.Commit(disable, mode.AtomicNonblock|mode.AtomicAllowModeset, 0); err != nil {
		return &AccessError{Op: "disable connector", Err: err}
	}
	return nil
}

// UseMode stages a new display mode (nil disables the output). The
// kernel represents modes as property blobs; the blob created here is
// destroyed on test failure and otherwise lives until a later commit
// or UseMode supersedes it.
func (s *Surface) UseMode(m *mode.Info) error {
	if !s.active.Load() {
		return ErrDeviceInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob uint32
	if m != nil {
		var err error
		blob, err = s.dev.CreateBlob(mode.InfoBytes(m))
		if err != nil {
			return err
		}
	}

	candidate := s.pending.clone()
	if m != nil {
		mc := *m
		candidate.Mode = &mc
	} else {
		candidate.Mode = nil
	}
	candidate.Blob = blob

	req := s.buildRequest(&candidate, s.lastFB, nil)
	if err := s.dev.Commit(req, mode.AtomicTestOnly|mode.AtomicAllowModeset, 0); err != nil {
		if blob != 0 {
			if derr := s.dev.DestroyBlob(blob); derr != nil {
				s.log.WithError(derr).Warn("cannot destroy rejected mode blob")
			}
		}
		return &TestFailedError{Crtc: s.crtc, Err: err}
	}

	// A blob staged by an earlier UseMode that never reached a commit
	// would leak once replaced; dispose of it now.
	if old := s.pending.Blob; old != 0 && old != s.current.Blob && old != blob {
		if err := s.dev.DestroyBlob(old); err != nil {
			s.log.WithError(err).Warn("cannot destroy superseded mode blob")
		}
	}

	s.pending = candidate
	return nil
}

// CommitPending reports whether pending differs from current, without
// any kernel traffic. False means Commit would only re-assert the
// current configuration.
func (s *Surface) CommitPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.pending.equal(&s.current)
}

// Commit applies pending state with the supplied framebuffer using the
// two-phase protocol: a test-only commit validates the full
// configuration; rejection reverts pending to current and degrades the
// commit to a re-assertion of the last known-good state; acceptance
// promotes pending to current. Either way a real non-blocking,
// event-generating commit then submits the (now kernel-validated)
// current state. Completion arrives later through the device handler.
func (s *Surface) Commit(fb *Framebuffer) error {
	if !s.active.Load() {
		return ErrDeviceInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Mode != nil && len(s.pending.Connectors) == 0 {
		return ErrSurfaceWithoutConnectors
	}

	added, removed := s.connectorDiff()
	modeChanged := !modesEqual(s.current.Mode, s.pending.Mode)
	if len(added) > 0 || len(removed) > 0 || modeChanged {
		s.log.WithFields(logrus.Fields{
			"added":       added,
			"removed":     removed,
			"modeChanged": modeChanged,
		}).Debug("committing configuration change")
	}

	req := s.buildRequest(&s.pending, fb.ID(), removed)
	if err := s.dev.Commit(req, mode.AtomicTestOnly|mode.AtomicAllowModeset, 0); err != nil {
		s.log.WithError(err).Warn("test commit rejected, reverting to last known-good state")
		if s.pending.Blob != 0 && s.pending.Blob != s.current.Blob {
			if derr := s.dev.DestroyBlob(s.pending.Blob); derr != nil {
				s.log.WithError(derr).Warn("cannot destroy reverted mode blob")
			}
		}
		s.pending = s.current.clone()
		removed = nil
	} else {
		if modeChanged && s.current.Blob != 0 && s.current.Blob != s.pending.Blob {
			if derr := s.dev.DestroyBlob(s.current.Blob); derr != nil {
				s.log.WithError(derr).Warn("cannot destroy replaced mode blob")
			}
		}
		s.current = s.pending.clone()
	}

	apply := s.buildRequest(&s.current, fb.ID(), removed)
	flags := uint32(mode.PageFlipEvent | mode.AtomicAllowModeset | mode.AtomicNonblock)
	if err := s.dev.Commit(apply, flags, uint64(s.crtc)); err != nil {
		// The configuration passed the test phase; failure here is a
		// lower-level fault (device gone, fd revoked).
		return &AccessError{Op: "atomic commit", Err: err}
	}

	s.lastFB = fb.ID()
	return nil
}

// PageFlip swaps the primary-plane framebuffer against current state,
// for steady-state frame delivery once mode and connectors are stable.
// Mode and connector properties are not re-sent. Completion arrives
// through the device handler.
func (s *Surface) PageFlip(fb *Framebuffer) error {
	if !s.active.Load() {
		return ErrDeviceInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Mode == nil {
		return fmt.Errorf("page flip on crtc %d without an active mode", s.crtc)
	}

	req := mode.NewAtomicRequest()
	s.setPlane(req, s.planes.Primary, fb.ID(), 0, 0,
		uint32(s.current.Mode.Hdisplay), uint32(s.current.Mode.Vdisplay))
	s.setCursorPlane(req, &s.current)

	if err := s.dev.Commit(req, mode.PageFlipEvent|mode.AtomicNonblock, uint64(s.crtc)); err != nil {
		return &AccessError{Op: "page flip", Err: err}
	}

	s.lastFB = fb.ID()
	return nil
}

// SetCursorPosition stages the cursor position. No commit happens; the
// next Commit or PageFlip picks it up.
func (s *Surface) SetCursorPosition(x, y int32) {
	s.mu.Lock()
	s.cursor.x, s.cursor.y = x, y
	s.cursor.positioned = true
	s.mu.Unlock()
}

// SetCursorRepresentation stages a new cursor image with its hotspot,
// destroying the previously attached cursor framebuffer. No commit
// happens; the next Commit or PageFlip picks it up.
func (s *Surface) SetCursorRepresentation(fb *Framebuffer, hotX, hotY int32) {
	s.mu.Lock()
	if s.cursor.fb != nil && s.cursor.fb != fb {
		if err := s.cursor.fb.Destroy(); err != nil {
			s.log.WithError(err).Warn("cannot destroy replaced cursor framebuffer")
		}
	}
	s.cursor.fb = fb
	s.cursor.hotX, s.cursor.hotY = hotX, hotY
	s.mu.Unlock()
}

// ClearCursor detaches and destroys the cursor framebuffer and, when
// the session is active, fires a best-effort commit disabling the
// cursor plane. Used on session pause so a foreground session that
// does not manage the cursor is not left with stale pixels.
func (s *Surface) ClearCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor.fb != nil {
		if err := s.cursor.fb.Destroy(); err != nil {
			s.log.WithError(err).Warn("cannot destroy cursor framebuffer")
		}
		s.cursor.fb = nil
	}

	if s.planes.Cursor == 0 || !s.active.Load() {
		return
	}
	req := mode.NewAtomicRequest()
	s.disablePlane(req, s.planes.Cursor)
	if err := s.dev.Commit(req, mode.AtomicNonblock, 0); err != nil {
		s.log.WithError(err).Debug("cannot clear cursor plane")
	}
}

// Destroy releases the surface's kernel objects: mode blobs and the
// cursor framebuffer. The surface must not be used afterwards.
func (s *Surface) Destroy() {
	s.mu.Lock()
	if s.cursor.fb != nil {
		if err := s.cursor.fb.Destroy(); err != nil {
			s.log.WithError(err).Warn("cannot destroy cursor framebuffer")
		}
		s.cursor.fb = nil
	}
	if s.pending.Blob != 0 && s.pending.Blob != s.current.Blob {
		if err := s.dev.DestroyBlob(s.pending.Blob); err != nil {
			s.log.WithError(err).Warn("cannot destroy pending mode blob")
		}
	}
	if s.current.Blob != 0 {
		if err := s.dev.DestroyBlob(s.current.Blob); err != nil {
			s.log.WithError(err).Warn("cannot destroy current mode blob")
		}
	}
	s.pending.Blob, s.current.Blob = 0, 0
	s.mu.Unlock()

	if s.onDestroy != nil {
		s.onDestroy(s)
	}
}

// connectorDiff computes the symmetric difference between current and
// pending connector sets. Only used for logging and for detaching
// removed connectors in commit requests.
func (s *Surface) connectorDiff() (added, removed []uint32) {
	for id := range s.pending.Connectors {
		if _, ok := s.current.Connectors[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range s.current.Connectors {
		if _, ok := s.pending.Connectors[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func modesEqual(a, b *mode.Info) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
