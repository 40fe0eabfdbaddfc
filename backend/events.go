package backend

import (
	"time"

	"github.com/NeowayLabs/kms/mode"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DeviceHandler receives the asynchronous half of the commit protocol.
// VBlank fires once per completed page-flip commit, identified by the
// CRTC it was submitted for (the kernel permits one outstanding flip
// per CRTC, so that is the whole correlation key). Error reports a
// broken event stream; the device may still work for other operations.
type DeviceHandler interface {
	VBlank(crtc uint32, sequence uint32, when time.Time)
	Error(err error)
}

// SetHandler registers the handler DispatchEvents routes to.
func (d *Device) SetHandler(h DeviceHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// DispatchEvents drains the kernel event queue and dispatches each
// event to the registered handler. Call it when the device fd turns
// readable in the caller's event loop. Without a registered handler
// events are drained and dropped.
func (d *Device) DispatchEvents() {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()

	events, err := mode.ReadEvents(d.file.Fd())
	if err != nil {
		if h != nil {
			h.Error(&AccessError{Op: "read drm events", Path: d.path, Err: err})
		}
		return
	}
	if h != nil {
		dispatch(events, h)
	}
}

// dispatch routes decoded events: flip completions become vblank
// callbacks, everything else is dropped. Pure function of its inputs,
// no state beyond the handler.
func dispatch(events []mode.Event, h DeviceHandler) {
	for _, ev := range events {
		switch ev.Type {
		case mode.EventFlipComplete:
			crtc := ev.Crtc
			if crtc == 0 {
				// Pre-4.12 kernels omit the CRTC in the event; the
				// commit path passes it as user data for exactly
				// this case.
				crtc = uint32(ev.UserData)
			}
			h.VBlank(crtc, ev.Sequence, time.Unix(int64(ev.Sec), int64(ev.Usec)*1000))
		default:
			logrus.WithFields(logrus.Fields{
				"type":     ev.Type,
				"sequence": ev.Sequence,
			}).Trace("ignoring drm event")
		}
	}
}

// WaitEvents blocks until the device fd is readable or the timeout
// elapses, for callers without their own poll loop. Returns whether
// the fd is readable.
func (d *Device) WaitEvents(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.file.Fd()), Events: unix.POLLIN}}
	ms := int(timeout.Milliseconds())
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, &AccessError{Op: "poll device", Path: d.path, Err: err}
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}
