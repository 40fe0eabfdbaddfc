package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NeowayLabs/kms/mode"
	"github.com/sirupsen/logrus"
)

// Session owns a device for the lifetime of a compositor run: it
// snapshots the pre-existing display configuration at open, hands out
// per-CRTC surfaces, gates them through a shared active flag across
// privilege pauses (VT switches), and restores the original
// configuration at close as a courtesy to whatever was on screen
// before.
type Session struct {
	dev DeviceOps
	log *logrus.Entry

	// active gates all kernel traffic from surfaces and the session
	// itself. Sequentially consistent: a pause observed by one surface
	// is observed by all.
	active atomic.Bool

	heldMaster bool

	mu       sync.Mutex
	props    *PropertyDirectory
	res      *mode.Resources
	planeIDs []uint32
	saved    []SavedProperty
	surfaces map[uint32]*Surface
}

// NewSession enumerates the device, snapshots every property for
// later restoration and builds the property directory. With
// disableConnectors, every connector is atomically detached and every
// CRTC deactivated before any surface exists, so leftovers from a
// prior compositor cannot fail the first per-surface commit.
func NewSession(dev DeviceOps, disableConnectors bool, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		dev:      dev,
		log:      log.WithField("component", "kms-session"),
		surfaces: make(map[uint32]*Surface),
	}

	// Mastership may already be implied by the fd (logind handed it
	// over); failing to take it explicitly is not fatal.
	if err := dev.SetMaster(); err == nil {
		s.heldMaster = true
	} else {
		s.log.WithError(err).Debug("cannot acquire drm master, assuming fd is privileged")
	}

	if err := s.enumerate(); err != nil {
		return nil, err
	}
	s.saved = s.props.Snapshot()
	s.active.Store(true)

	if disableConnectors {
		if err := s.reset(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) enumerate() error {
	res, err := s.dev.Resources()
	if err != nil {
		return err
	}
	planeIDs, err := s.dev.PlaneIDs()
	if err != nil {
		return err
	}
	props, err := BuildPropertyDirectory(s.dev, sessionObjects(res, planeIDs))
	if err != nil {
		return err
	}
	s.res, s.planeIDs, s.props = res, planeIDs, props
	return nil
}

// reset commits a known-empty baseline in one transaction: every
// connector detached, every CRTC inactive with a null mode.
func (s *Session) reset() error {
	req := mode.NewAtomicRequest()
	for _, connID := range s.res.Connectors {
		prop, err := s.props.Lookup(connID, "CRTC_ID")
		if err != nil {
			return err
		}
		req.Set(connID, prop, 0)
	}
	for _, crtcID := range s.res.Crtcs {
		active, err := s.props.Lookup(crtcID, "ACTIVE")
		if err != nil {
			return err
		}
		modeID, err := s.props.Lookup(crtcID, "MODE_ID")
		if err != nil {
			return err
		}
		req.Set(crtcID, active, 0)
		req.Set(crtcID, modeID, 0)
	}

	if err := s.dev.Commit(req, mode.AtomicAllowModeset, 0); err != nil {
		return &AccessError{Op: "reset display state", Err: err}
	}
	return nil
}

// Active reports whether the session currently owns the display.
func (s *Session) Active() bool {
	return s.active.Load()
}

// Resources returns the enumeration taken at open (or last resume).
func (s *Session) Resources() *mode.Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// Properties returns the session's property directory.
func (s *Session) Properties() *PropertyDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

// CreateSurface builds the surface driving the given CRTC, discovering
// its primary and cursor planes. One surface per CRTC.
func (s *Session) CreateSurface(crtc uint32) (*Surface, error) {
	if !s.active.Load() {
		return nil, ErrDeviceInactive
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.surfaces[crtc]; busy {
		return nil, fmt.Errorf("crtc %d already has a surface", crtc)
	}

	planes, err := FindPlanes(s.dev, s.props, s.res, crtc)
	if err != nil {
		return nil, err
	}

	surf, err := newSurface(s.dev, s.props, &s.active, s.log, s.res, crtc, *planes)
	if err != nil {
		return nil, err
	}
	surf.onDestroy = func(surf *Surface) {
		s.mu.Lock()
		delete(s.surfaces, surf.crtc)
		s.mu.Unlock()
	}

	s.surfaces[crtc] = surf
	return surf, nil
}

// Pause suspends the session for a VT switch away: cursor planes are
// cleared (the incoming session may not manage them), the active flag
// drops, and mastership is released if this process held it.
func (s *Session) Pause() {
	s.mu.Lock()
	surfaces := make([]*Surface, 0, len(s.surfaces))
	for _, surf := range s.surfaces {
		surfaces = append(surfaces, surf)
	}
	s.mu.Unlock()

	for _, surf := range surfaces {
		surf.ClearCursor()
	}

	s.active.Store(false)

	if s.heldMaster {
		if err := s.dev.DropMaster(); err != nil {
			s.log.WithError(err).Warn("cannot drop drm master on pause")
		}
	}
	s.log.Debug("session paused")
}

// Resume reactivates the session after a VT switch back. newFd installs
// a replacement descriptor (pass a negative value to keep the current
// one); mastership is reacquired if previously held; and the display is
// reset to the empty baseline, since another session may have
// repurposed the hardware meanwhile. The property directory is rebuilt
// and shared with all live surfaces.
func (s *Session) Resume(newFd int) error {
	if newFd >= 0 {
		type fdReplacer interface{ ReplaceFd(int) error }
		if rep, ok := s.dev.(fdReplacer); ok {
			if err := rep.ReplaceFd(newFd); err != nil {
				return err
			}
		}
	}

	if s.heldMaster {
		if err := s.dev.SetMaster(); err != nil {
			s.log.WithError(err).Warn("cannot reacquire drm master on resume")
		}
	}

	s.active.Store(true)

	s.mu.Lock()
	err := s.enumerate()
	if err == nil {
		for _, surf := range s.surfaces {
			surf.setProps(s.props)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.reset(); err != nil {
		return err
	}
	s.log.Debug("session resumed")
	return nil
}

// Close restores the snapshotted pre-session configuration, best
// effort, when this session still owns the display. Restoration
// failures are logged, never propagated: shutdown must not block on
// the screen.
func (s *Session) Close() {
	if !s.active.Load() {
		return
	}

	s.mu.Lock()
	saved := s.saved
	s.mu.Unlock()

	req := mode.NewAtomicRequest()
	for _, sp := range saved {
		req.Set(sp.Object, sp.Property, sp.Value)
	}
	if err := s.dev.Commit(req, mode.AtomicAllowModeset, 0); err != nil {
		s.log.WithError(err).Warn("cannot restore original display configuration")
	}

	s.active.Store(false)
}
